package nats

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"

	skerrors "github.com/mirkobrombin/go-skmutex/v1/errors"
	"github.com/mirkobrombin/go-skmutex/v1/transport"
)

const (
	defaultPrefix       = "skmutex"
	defaultBuffer       = 1024
	defaultFlushTimeout = 5 * time.Second
)

// Options configures a NATS transport.
type Options struct {
	// Prefix namespaces the subjects of one group of sites.
	Prefix string
	// Buffer bounds the number of received but unconsumed messages.
	Buffer int
	// FlushTimeout bounds how long Send waits for the server to acknowledge
	// the publish.
	FlushTimeout time.Duration
}

// Transport implements transport.Transport over core NATS. Site i listens on
// subject "<prefix>.site.<i>".
type Transport struct {
	conn      *nats.Conn
	opts      Options
	self      int
	n         int
	sub       *nats.Subscription
	msgs      chan *nats.Msg
	done      chan struct{}
	closeOnce sync.Once
	sent      atomic.Uint64
	received  atomic.Uint64
}

// New subscribes site self of an n-site group on conn.
func New(conn *nats.Conn, self, n int, opts Options) (*Transport, error) {
	if err := transport.CheckSite(self, n); err != nil {
		return nil, err
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	t := &Transport{
		conn: conn,
		opts: opts,
		self: self,
		n:    n,
		msgs: make(chan *nats.Msg, opts.Buffer),
		done: make(chan struct{}),
	}
	sub, err := conn.ChanSubscribe(t.subject(self), t.msgs)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", t.subject(self), err)
	}
	// The subscription must be known to the server before peers publish.
	if err := conn.FlushTimeout(opts.FlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats: flush subscription: %w", err)
	}
	t.sub = sub
	return t, nil
}

func (t *Transport) subject(id int) string {
	return t.opts.Prefix + ".site." + strconv.Itoa(id)
}

// Send implements transport.Transport.Send.
func (t *Transport) Send(ctx context.Context, to int, data []byte) error {
	if err := transport.CheckSite(to, t.n); err != nil {
		return err
	}
	select {
	case <-t.done:
		return skerrors.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := t.conn.Publish(t.subject(to), data); err != nil {
		return err
	}
	timeout := t.opts.FlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d <= 0 {
			return ctx.Err()
		} else if d < timeout {
			timeout = d
		}
	}
	if err := t.conn.FlushTimeout(timeout); err != nil {
		return err
	}
	t.sent.Add(1)
	return nil
}

// Recv implements transport.Transport.Recv.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case m := <-t.msgs:
		t.received.Add(1)
		return m.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, skerrors.ErrConnectionClosed
	}
}

// Close unsubscribes. The connection is owned by the caller.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.sub.Unsubscribe()
	})
	return err
}

// Metrics returns the sent and received counts.
func (t *Transport) Metrics() transport.Metrics {
	return transport.Metrics{Sent: t.sent.Load(), Received: t.received.Load()}
}
