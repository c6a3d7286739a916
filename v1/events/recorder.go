package events

import (
	"fmt"
	"sync"
)

// Recorder keeps every observed event in arrival order. When shared by all
// sites of a run the order respects causality: a site records cs_exit and
// token_sent before the message leaves, and the receiver records
// token_received and cs_enter after it arrived.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{events: make([]Event, 0, 1024)}
}

// Observe implements Observer.
func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the trace.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind k were recorded, per site.
func (r *Recorder) Count(k Kind) map[int]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]int)
	for _, e := range r.events {
		if e.Kind == k {
			out[e.Site]++
		}
	}
	return out
}

// CheckMutualExclusion verifies that no two sites were ever inside their
// critical section at the same time.
func (r *Recorder) CheckMutualExclusion() error {
	inside := -1
	for i, e := range r.Events() {
		switch e.Kind {
		case EnterCS:
			if inside != -1 {
				return fmt.Errorf("event %d: site %d entered while site %d is inside", i, e.Site, inside)
			}
			inside = e.Site
		case ExitCS:
			if inside != e.Site {
				return fmt.Errorf("event %d: site %d exited but site %d is inside", i, e.Site, inside)
			}
			inside = -1
		}
	}
	return nil
}

// CheckTokenUniqueness verifies that the token is always either held by
// exactly one site or in flight, never both and never duplicated. holder is
// the site holding the token when recording started.
func (r *Recorder) CheckTokenUniqueness(holder int) error {
	inFlight := -1
	for i, e := range r.Events() {
		switch e.Kind {
		case TokenSent:
			if holder != e.Site || inFlight != -1 {
				return fmt.Errorf("event %d: site %d sent a token it does not hold (holder %d, in flight to %d)", i, e.Site, holder, inFlight)
			}
			holder, inFlight = -1, e.Peer
		case TokenReceived:
			if inFlight != e.Site || holder != -1 {
				return fmt.Errorf("event %d: site %d received an unexpected token (holder %d, in flight to %d)", i, e.Site, holder, inFlight)
			}
			holder, inFlight = e.Site, -1
		}
	}
	return nil
}

// CheckBoundedWaiting verifies that once every other site of an n-site group
// has received a site's request, at most n-1 critical sections of other
// sites happen before that site enters its own.
func (r *Recorder) CheckBoundedWaiting(n int) error {
	type pending struct {
		seq    uint64
		heard  map[int]bool
		armed  bool
		grants int
	}
	waiting := make(map[int]*pending)
	for i, e := range r.Events() {
		switch e.Kind {
		case RequestSent:
			if p, ok := waiting[e.Site]; ok && p.seq == e.Seq {
				// retry of the same request
				continue
			}
			waiting[e.Site] = &pending{seq: e.Seq, heard: make(map[int]bool), armed: n == 1}
		case RequestReceived:
			if p, ok := waiting[e.Peer]; ok && e.Seq >= p.seq {
				p.heard[e.Site] = true
				p.armed = len(p.heard) >= n-1
			}
		case EnterCS:
			for id, p := range waiting {
				if id != e.Site && p.armed {
					p.grants++
				}
			}
			if p, ok := waiting[e.Site]; ok {
				if p.grants > n-1 {
					return fmt.Errorf("event %d: site %d entered after %d other critical sections, bound is %d", i, e.Site, p.grants, n-1)
				}
				delete(waiting, e.Site)
			}
		}
	}
	return nil
}
