package transport

import (
	"context"
	"sync"
	"sync/atomic"

	skerrors "github.com/mirkobrombin/go-skmutex/v1/errors"
)

const defaultInboxSize = 1024

// Network connects n in-process sites through buffered inboxes. It is mainly
// used by tests and the simulator.
type Network struct {
	n       int
	inboxes []chan []byte

	mu        sync.Mutex
	endpoints map[int]*InMemory
	intercept func(from, to int, data []byte)
}

// NewNetwork returns a network for n sites. inboxSize bounds the number of
// undelivered messages per site; values <= 0 use a default.
func NewNetwork(n, inboxSize int) *Network {
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	nw := &Network{
		n:         n,
		inboxes:   make([]chan []byte, n),
		endpoints: make(map[int]*InMemory),
	}
	for i := range nw.inboxes {
		nw.inboxes[i] = make(chan []byte, inboxSize)
	}
	return nw
}

// Size returns the number of sites.
func (nw *Network) Size() int { return nw.n }

// Intercept registers fn to observe every message before delivery. It is
// called on the sender's goroutine.
func (nw *Network) Intercept(fn func(from, to int, data []byte)) {
	nw.mu.Lock()
	nw.intercept = fn
	nw.mu.Unlock()
}

// Endpoint returns the transport of site id. Repeated calls return the same
// endpoint.
func (nw *Network) Endpoint(id int) (*InMemory, error) {
	if err := CheckSite(id, nw.n); err != nil {
		return nil, err
	}
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if ep, ok := nw.endpoints[id]; ok {
		return ep, nil
	}
	ep := &InMemory{net: nw, id: id, done: make(chan struct{})}
	nw.endpoints[id] = ep
	return ep, nil
}

// InMemory is the Transport of one site on a Network.
type InMemory struct {
	net       *Network
	id        int
	done      chan struct{}
	closeOnce sync.Once
	sent      atomic.Uint64
	received  atomic.Uint64
}

// Send implements Transport.Send.
func (t *InMemory) Send(ctx context.Context, to int, data []byte) error {
	if err := CheckSite(to, t.net.n); err != nil {
		return err
	}
	select {
	case <-t.done:
		return skerrors.ErrConnectionClosed
	default:
	}
	buf := append([]byte(nil), data...)

	t.net.mu.Lock()
	fn := t.net.intercept
	t.net.mu.Unlock()
	if fn != nil {
		fn(t.id, to, buf)
	}

	select {
	case t.net.inboxes[to] <- buf:
		t.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return skerrors.ErrConnectionClosed
	}
}

// Recv implements Transport.Recv.
func (t *InMemory) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.net.inboxes[t.id]:
		t.received.Add(1)
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, skerrors.ErrConnectionClosed
	}
}

// Close implements Transport.Close.
func (t *InMemory) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// Metrics returns the sent and received counts.
func (t *InMemory) Metrics() Metrics {
	return Metrics{Sent: t.sent.Load(), Received: t.received.Load()}
}
