// Package transport carries encoded protocol messages between sites.
//
// Implementations must deliver reliably and preserve the order of messages
// sent by the same site. No ordering across senders is required.
package transport

import (
	"context"
	"fmt"

	skerrors "github.com/mirkobrombin/go-skmutex/v1/errors"
)

// Transport is the unicast channel used by a single site.
type Transport interface {
	// Send delivers data to site to.
	Send(ctx context.Context, to int, data []byte) error
	// Recv blocks until the next message addressed to this site arrives.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the resources held by the transport.
	Close() error
}

// Metrics reports message counts of a transport.
type Metrics struct {
	Sent     uint64
	Received uint64
}

// Broadcast sends data to every site in [0, n) except self, one unicast at a
// time. It stops at the first failure.
func Broadcast(ctx context.Context, t Transport, self, n int, data []byte) error {
	for to := 0; to < n; to++ {
		if to == self {
			continue
		}
		if err := t.Send(ctx, to, data); err != nil {
			return fmt.Errorf("broadcast to %d: %w", to, err)
		}
	}
	return nil
}

// CheckSite returns ErrInvalidSite when id is outside [0, n).
func CheckSite(id, n int) error {
	if id < 0 || id >= n {
		return fmt.Errorf("%w: %d not in [0,%d)", skerrors.ErrInvalidSite, id, n)
	}
	return nil
}
