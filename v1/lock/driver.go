package lock

import (
	"context"
	"sync/atomic"
	"time"
)

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithThinkTime sets the idle interval between two critical sections.
func WithThinkTime(min, max time.Duration) DriverOption {
	return func(d *Driver) {
		d.thinkMin, d.thinkMax = min, max
	}
}

// WithMaxIterations stops the driver after n critical sections. Zero means
// no limit.
func WithMaxIterations(n int) DriverOption {
	return func(d *Driver) {
		d.max = n
	}
}

// Driver makes a site request the critical section over and over, idling
// between rounds.
type Driver struct {
	site     *Site
	work     Workload
	thinkMin time.Duration
	thinkMax time.Duration
	max      int
	iters    atomic.Int64
}

// NewDriver creates a driver running w on site. The default think time is
// one to three seconds.
func NewDriver(site *Site, w Workload, opts ...DriverOption) *Driver {
	if w == nil {
		w = func(context.Context) error { return nil }
	}
	d := &Driver{
		site:     site,
		work:     w,
		thinkMin: time.Second,
		thinkMax: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run loops until ctx is done, the iteration limit is reached or the site
// fails. Workload errors are logged and do not stop the loop.
func (d *Driver) Run(ctx context.Context) error {
	for d.max == 0 || int(d.iters.Load()) < d.max {
		err := d.site.Do(ctx, d.work)
		if ctx.Err() != nil {
			return nil
		}
		if serr := d.site.Err(); serr != nil {
			return serr
		}
		if err != nil {
			d.site.log.WithError(err).Warn("critical section round failed")
		} else {
			d.iters.Add(1)
		}
		if err := sleep(ctx, between(d.thinkMin, d.thinkMax)); err != nil {
			return nil
		}
	}
	return nil
}

// Iterations returns the number of completed critical sections.
func (d *Driver) Iterations() int {
	return int(d.iters.Load())
}
