package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	skerrors "github.com/mirkobrombin/go-skmutex/v1/errors"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("SKMUTEX_TEST_REDIS_ADDR")
	var mr *miniredis.Miniredis
	if addr == "" {
		t.Log("using miniredis")
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		addr = mr.Addr()
	} else {
		t.Logf("using real Redis at %s", addr)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
	})
	return client
}

func newPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	client := newClient(t)
	opts := Options{Client: client, Prefix: "test-" + uuid.NewString(), PollInterval: 100 * time.Millisecond}
	a, err := New(0, 2, opts)
	if err != nil {
		t.Fatalf("new 0: %v", err)
	}
	b, err := New(1, 2, opts)
	if err != nil {
		t.Fatalf("new 1: %v", err)
	}
	return a, b
}

func TestRedisTransportSendRecvAndMetrics(t *testing.T) {
	a, b := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Send(ctx, 1, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected hello got %q", got)
	}
	if a.Metrics().Sent != 1 || b.Metrics().Received != 1 {
		t.Fatalf("unexpected metrics %+v %+v", a.Metrics(), b.Metrics())
	}
}

func TestRedisTransportKeepsOrderAndBacklog(t *testing.T) {
	a, b := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// messages sent before the receiver polls must not be lost
	for i := 0; i < 20; i++ {
		if err := a.Send(ctx, 1, []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 20; i++ {
		got, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if string(got) != fmt.Sprint(i) {
			t.Fatalf("expected %d got %s", i, got)
		}
	}
}

func TestRedisTransportRecvTimeoutAndClose(t *testing.T) {
	a, _ := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded got %v", err)
	}
	_ = a.Close()
	if _, err := a.Recv(context.Background()); !errors.Is(err, skerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed got %v", err)
	}
}

func TestRedisTransportPurgeDropsOldRun(t *testing.T) {
	a, b := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Send(ctx, 1, []byte("stale")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := a.Send(ctx, 1, []byte("fresh")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "fresh" {
		t.Fatalf("expected fresh got %q", got)
	}
}
