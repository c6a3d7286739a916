package lock

import (
	"context"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Workload is the work done inside the critical section.
type Workload func(ctx context.Context) error

// RandomDelay returns a workload that sleeps for a uniformly random duration
// in [min, max].
func RandomDelay(min, max time.Duration) Workload {
	return func(ctx context.Context) error {
		return sleep(ctx, between(min, max))
	}
}

func between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do acquires the critical section, runs w and releases. Release runs even
// when w fails; the workload error is returned.
func (s *Site) Do(ctx context.Context, w Workload) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	cctx, span := tracer.Start(ctx, "skmutex.CriticalSection", trace.WithAttributes(attribute.Int("skmutex.site", s.id)))
	werr := w(cctx)
	if werr != nil {
		span.RecordError(werr)
	}
	span.End()
	if err := s.Release(ctx); err != nil {
		return err
	}
	return werr
}
