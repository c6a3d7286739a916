package lock

import (
	"slices"

	"github.com/mirkobrombin/go-skmutex/v1/message"
)

// Phase is the position of a site in its lifecycle.
type Phase string

const (
	NoToken         Phase = "no_token"
	WaitingForToken Phase = "waiting_for_token"
	HasTokenIdle    Phase = "has_token_idle"
	HasTokenInCS    Phase = "has_token_in_cs"
)

// State is an immutable snapshot of a site.
type State struct {
	ID       int      `json:"id"`
	N        int      `json:"n"`
	RN       []uint64 `json:"rn"`
	LN       []uint64 `json:"ln,omitempty"`
	Queue    []int    `json:"queue,omitempty"`
	HasToken bool     `json:"has_token"`
	InCS     bool     `json:"in_cs"`
	Waiting  bool     `json:"waiting"`
}

// Phase derives the lifecycle phase from the flags.
func (s State) Phase() Phase {
	switch {
	case s.HasToken && s.InCS:
		return HasTokenInCS
	case s.HasToken:
		return HasTokenIdle
	case s.Waiting:
		return WaitingForToken
	default:
		return NoToken
	}
}

// siteState is the protocol state of one site. It is owned by the site's
// actor goroutine and never shared.
type siteState struct {
	id       int
	n        int
	rn       []uint64
	ln       []uint64
	queue    []int
	hasToken bool
	inCS     bool
	waiting  bool
}

func newSiteState(id, n int) *siteState {
	s := &siteState{
		id: id,
		n:  n,
		rn: make([]uint64, n),
		ln: make([]uint64, n),
	}
	// site 0 implicitly requested once and holds the token from the start
	s.rn[0] = 1
	s.hasToken = id == 0
	return s
}

// nextRequest starts a new request of the local site and returns its
// sequence number.
func (s *siteState) nextRequest() uint64 {
	s.rn[s.id]++
	s.waiting = true
	return s.rn[s.id]
}

// recordRequest applies REQUEST(from, seq). It reports whether the request
// was stale, in which case nothing changed.
func (s *siteState) recordRequest(from int, seq uint64) (stale bool) {
	if seq <= s.rn[from] {
		return true
	}
	s.rn[from] = seq
	return false
}

// shouldGrant reports whether the idle token must go to site j right away.
func (s *siteState) shouldGrant(j int) bool {
	return s.hasToken && !s.inCS && s.rn[j] == s.ln[j]+1
}

// acceptToken installs a received token, overwriting LN and Queue.
func (s *siteState) acceptToken(tok message.Token) {
	s.ln = append(s.ln[:0], tok.LN...)
	s.queue = append(s.queue[:0], tok.Queue...)
	s.hasToken = true
	s.waiting = false
}

// tokenPayload copies the token for sending.
func (s *siteState) tokenPayload() message.Token {
	return message.Token{LN: s.ln, Queue: s.queue}.Clone()
}

func (s *siteState) inQueue(j int) bool {
	return slices.Contains(s.queue, j)
}

// release marks the local request granted, enqueues every site with an
// outstanding request in ascending id order and pops the queue head. added
// lists the sites enqueued by this call. When forward is false the token
// stays here.
func (s *siteState) release() (added []int, next int, forward bool) {
	s.inCS = false
	s.ln[s.id] = s.rn[s.id]
	for k := 0; k < s.n; k++ {
		if !s.inQueue(k) && s.rn[k] == s.ln[k]+1 {
			s.queue = append(s.queue, k)
			added = append(added, k)
		}
	}
	if len(s.queue) == 0 {
		return added, 0, false
	}
	next = s.queue[0]
	s.queue = slices.Delete(s.queue, 0, 1)
	return added, next, true
}

func (s *siteState) snapshot() *State {
	st := &State{
		ID:       s.id,
		N:        s.n,
		RN:       slices.Clone(s.rn),
		HasToken: s.hasToken,
		InCS:     s.inCS,
		Waiting:  s.waiting,
	}
	if s.hasToken {
		st.LN = slices.Clone(s.ln)
		st.Queue = slices.Clone(s.queue)
	}
	return st
}
