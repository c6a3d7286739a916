package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockTransport struct {
	sendFunc func(ctx context.Context, to int, data []byte) error
	*InMemory
}

func (m *mockTransport) Send(ctx context.Context, to int, data []byte) error {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, to, data)
	}
	return m.InMemory.Send(ctx, to, data)
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	ep, _ := NewNetwork(2, 0).Endpoint(0)
	mt := &mockTransport{InMemory: ep}
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(mt, 2, timeout)

	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	mt.sendFunc = func(context.Context, int, []byte) error { return failErr }
	if err := cb.Send(ctx, 1, nil); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Send(ctx, 1, nil); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Send(ctx, 1, nil); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	// half-open trial fails: open again
	if err := cb.Send(ctx, 1, nil); err != failErr {
		t.Fatalf("expected trial failErr, got %v", err)
	}
	if err := cb.Send(ctx, 1, nil); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen after failed trial, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	mt.sendFunc = nil
	if err := cb.Send(ctx, 1, []byte("ok")); err != nil {
		t.Fatalf("expected trial success, got %v", err)
	}
	if err := cb.Send(ctx, 1, []byte("ok")); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
}

func TestCircuitBreakerPassesRecv(t *testing.T) {
	nw := NewNetwork(2, 0)
	a, _ := nw.Endpoint(0)
	b, _ := nw.Endpoint(1)
	cb := NewCircuitBreaker(b, 1, time.Second)
	if err := a.Send(context.Background(), 1, []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := cb.Recv(context.Background())
	if err != nil || string(got) != "x" {
		t.Fatalf("recv through breaker: %q %v", got, err)
	}
}
