package nats

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mirkobrombin/go-skmutex/v1/lock"
)

// Core NATS drops publishes nobody is subscribed to, so a site that starts
// late only learns about its peers through the startup announcements.
func TestNATSSitesWaitForLateSubscriber(t *testing.T) {
	conn := newConn(t)
	opts := Options{Prefix: "test-" + uuid.NewString()}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	t1, err := New(conn, 1, 2, opts)
	if err != nil {
		t.Fatalf("new 1: %v", err)
	}
	defer t1.Close()
	if err := t1.Send(ctx, 0, []byte("lost")); err != nil {
		t.Fatalf("send: %v", err)
	}

	s1, err := lock.NewSite(1, 2, t1, lock.WithLogger(logger))
	if err != nil {
		t.Fatalf("site 1: %v", err)
	}
	go func() { _ = s1.Run(ctx) }()
	ready1 := make(chan error, 1)
	go func() { ready1 <- s1.WaitReady(ctx, 10*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-s1.Ready():
		t.Fatal("site 1 ready while site 0 is not subscribed")
	default:
	}

	t0, err := New(conn, 0, 2, opts)
	if err != nil {
		t.Fatalf("new 0: %v", err)
	}
	defer t0.Close()

	// nothing published before the subscription reaches site 0
	rctx, rcancel := context.WithTimeout(ctx, 20*time.Millisecond)
	for {
		data, err := t0.Recv(rctx)
		if errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if string(data) == "lost" {
			t.Fatal("message published before subscribing was delivered")
		}
	}
	rcancel()

	s0, err := lock.NewSite(0, 2, t0, lock.WithLogger(logger))
	if err != nil {
		t.Fatalf("site 0: %v", err)
	}
	go func() { _ = s0.Run(ctx) }()
	if err := s0.WaitReady(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("site 0 ready: %v", err)
	}
	if err := <-ready1; err != nil {
		t.Fatalf("site 1 ready: %v", err)
	}

	if err := s1.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s1.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s0.Acquire(ctx); err != nil {
		t.Fatalf("acquire back: %v", err)
	}
	if err := s0.Release(ctx); err != nil {
		t.Fatalf("release back: %v", err)
	}
}
