package redis

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	skerrors "github.com/mirkobrombin/go-skmutex/v1/errors"
	"github.com/mirkobrombin/go-skmutex/v1/transport"
)

const (
	defaultPrefix       = "skmutex"
	defaultPollInterval = time.Second
)

// Options configures a Redis transport.
type Options struct {
	Client *redis.Client
	// Prefix namespaces the inbox keys of one group of sites.
	Prefix string
	// PollInterval is the BLPOP timeout between checks for close.
	PollInterval time.Duration
}

// Transport implements transport.Transport over Redis lists. Each site owns
// the list "<prefix>:inbox:<id>"; RPUSH appends and BLPOP consumes, so
// messages survive until read and keep their push order.
type Transport struct {
	client    *redis.Client
	prefix    string
	poll      time.Duration
	self      int
	n         int
	done      chan struct{}
	closeOnce sync.Once
	sent      atomic.Uint64
	received  atomic.Uint64
}

// New returns the transport of site self in an n-site group.
func New(self, n int, opts Options) (*Transport, error) {
	if err := transport.CheckSite(self, n); err != nil {
		return nil, err
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Transport{
		client: opts.Client,
		prefix: opts.Prefix,
		poll:   opts.PollInterval,
		self:   self,
		n:      n,
		done:   make(chan struct{}),
	}, nil
}

func (t *Transport) inbox(id int) string {
	return t.prefix + ":inbox:" + strconv.Itoa(id)
}

// Send implements transport.Transport.Send.
func (t *Transport) Send(ctx context.Context, to int, data []byte) error {
	if err := transport.CheckSite(to, t.n); err != nil {
		return err
	}
	select {
	case <-t.done:
		return skerrors.ErrConnectionClosed
	default:
	}
	if err := t.client.RPush(ctx, t.inbox(to), data).Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return skerrors.ErrTimeout
		}
		return err
	}
	t.sent.Add(1)
	return nil
}

// Recv implements transport.Transport.Recv.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	key := t.inbox(t.self)
	for {
		select {
		case <-t.done:
			return nil, skerrors.ErrConnectionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		res, err := t.client.BLPop(ctx, t.poll, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// the socket deadline can fire just before ctx is marked done
			if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
				return nil, context.DeadlineExceeded
			}
			return nil, err
		}
		// res is [key, value]
		t.received.Add(1)
		return []byte(res[1]), nil
	}
}

// Purge deletes everything queued in this site's inbox. Call it before the
// site announces itself so messages of an earlier run are not delivered.
func (t *Transport) Purge(ctx context.Context) error {
	return t.client.Del(ctx, t.inbox(t.self)).Err()
}

// Close stops Recv. The client is owned by the caller.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// Metrics returns the sent and received counts.
func (t *Transport) Metrics() transport.Metrics {
	return transport.Metrics{Sent: t.sent.Load(), Received: t.received.Load()}
}
