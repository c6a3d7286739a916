// Package status exposes a site over HTTP: its current state, Prometheus
// metrics and a live stream of protocol events.
package status

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-skmutex/v1/events"
	"github.com/mirkobrombin/go-skmutex/v1/lock"
)

// Site is the part of lock.Site served by the router.
type Site interface {
	Snapshot() lock.State
	Err() error
}

// Response is the body of GET /status.
type Response struct {
	lock.State
	Phase lock.Phase `json:"phase"`
	Error string     `json:"error,omitempty"`
}

// NewRouter builds the status router. hub and gatherer may be nil, in which
// case the matching endpoints are not mounted.
func NewRouter(site Site, hub *events.Hub, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/status", StatusHandler(site))
	r.Get("/healthz", HealthHandler(site))
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if hub != nil {
		r.Get("/events", WebSocketHandler(hub))
		r.Get("/events/stream", SSEHandler(hub))
	}
	return r
}

// StatusHandler renders the latest snapshot of site as JSON.
func StatusHandler(site Site) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := site.Snapshot()
		resp := Response{State: st, Phase: st.Phase()}
		if err := site.Err(); err != nil {
			resp.Error = err.Error()
		}
		render.JSON(w, r, resp)
	}
}

// HealthHandler answers 200 while the site runs and 503 once it stopped.
func HealthHandler(site Site) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := site.Err(); err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.PlainText(w, r, err.Error())
			return
		}
		render.PlainText(w, r, "ok")
	}
}

// SSEHandler streams protocol events over Server-Sent Events.
func SSEHandler(hub *events.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := hub.Watch(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer hub.Unwatch(ch)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams protocol events over WebSocket, one JSON text
// message per event.
func WebSocketHandler(hub *events.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := hub.Watch(ctx)
		if err != nil {
			return
		}
		defer hub.Unwatch(ch)
		// a read error means the peer went away
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
