// Package events describes protocol events emitted by sites and offers a
// fan-out hub for live watchers and a recorder that checks safety properties
// over a run.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Kind names a protocol event.
type Kind string

const (
	RequestSent     Kind = "request_sent"
	RequestReceived Kind = "request_received"
	RequestStale    Kind = "request_stale"
	TokenSent       Kind = "token_sent"
	TokenReceived   Kind = "token_received"
	EnterCS         Kind = "cs_enter"
	ExitCS          Kind = "cs_exit"
)

// Event is a single protocol step at a site. Peer is the other end of a
// message (-1 when not applicable).
type Event struct {
	Site  int       `json:"site"`
	Kind  Kind      `json:"kind"`
	Peer  int       `json:"peer"`
	Seq   uint64    `json:"seq,omitempty"`
	Queue []int     `json:"queue,omitempty"`
	Time  time.Time `json:"time"`
}

// Observer receives events. Observe is called on the site's protocol
// goroutine and must not block.
type Observer interface {
	Observe(Event)
}

// Multi fans an event out to several observers.
type Multi []Observer

func (m Multi) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// Hub broadcasts events to watchers. Slow watchers drop events.
type Hub struct {
	mu   sync.Mutex
	subs []chan []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{}
}

// Observe implements Observer.
func (h *Hub) Observe(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	// Unwatch closes under the same lock
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// Watch returns a channel receiving JSON encoded events until ctx is done or
// Unwatch is called.
func (h *Hub) Watch(ctx context.Context) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	go func() {
		<-ctx.Done()
		h.Unwatch(ch)
	}()
	return ch, nil
}

// Unwatch removes ch and closes it. It is safe to call more than once.
func (h *Hub) Unwatch(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.subs {
		if c == ch {
			h.subs[i] = h.subs[len(h.subs)-1]
			h.subs = h.subs[:len(h.subs)-1]
			close(c)
			return
		}
	}
}

// Watchers returns the number of active watchers.
func (h *Hub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
