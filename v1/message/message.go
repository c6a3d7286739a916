// Package message defines the two messages exchanged by Suzuki-Kasami sites
// and the codecs used to put them on the wire.
package message

import (
	"fmt"

	"github.com/google/uuid"

	skerrors "github.com/mirkobrombin/go-skmutex/v1/errors"
)

// Kind identifies the shape of an Envelope.
type Kind string

const (
	// KindRequest asks every other site for the token.
	KindRequest Kind = "REQUEST"
	// KindToken carries the token itself.
	KindToken Kind = "TOKEN"
	// KindHello announces that a site is receiving. Ack marks the answer.
	KindHello Kind = "HELLO"
)

// Token is the unique permission object: the last granted sequence number of
// every site and the queue of sites with an outstanding request.
type Token struct {
	LN    []uint64
	Queue []int
}

// Clone returns a deep copy of t.
func (t Token) Clone() Token {
	return Token{
		LN:    append([]uint64(nil), t.LN...),
		Queue: append([]int(nil), t.Queue...),
	}
}

// Envelope is the single wire type. Seq is set for REQUEST, LN and Queue for
// TOKEN, Ack for HELLO.
type Envelope struct {
	ID    string   `json:"id"`
	Kind  Kind     `json:"kind"`
	From  int      `json:"from"`
	Seq   uint64   `json:"seq,omitempty"`
	LN    []uint64 `json:"ln,omitempty"`
	Queue []int    `json:"queue,omitempty"`
	Ack   bool     `json:"ack,omitempty"`
}

// NewRequest builds REQUEST(from, seq).
func NewRequest(from int, seq uint64) Envelope {
	return Envelope{ID: uuid.NewString(), Kind: KindRequest, From: from, Seq: seq}
}

// NewToken builds TOKEN(LN, Queue). The token is copied.
func NewToken(from int, tok Token) Envelope {
	c := tok.Clone()
	return Envelope{ID: uuid.NewString(), Kind: KindToken, From: from, LN: c.LN, Queue: c.Queue}
}

// NewHello builds HELLO(from). ack is set when answering a peer's HELLO.
func NewHello(from int, ack bool) Envelope {
	return Envelope{ID: uuid.NewString(), Kind: KindHello, From: from, Ack: ack}
}

// Token extracts the token carried by a TOKEN envelope.
func (e Envelope) Token() Token {
	return Token{LN: e.LN, Queue: e.Queue}.Clone()
}

// Validate checks that e is a well formed message for a group of n sites.
// Every failure wraps ErrMalformedMessage.
func (e Envelope) Validate(n int) error {
	if e.From < 0 || e.From >= n {
		return fmt.Errorf("%w: sender %d outside [0,%d)", skerrors.ErrMalformedMessage, e.From, n)
	}
	switch e.Kind {
	case KindRequest:
		if e.Seq < 1 {
			return fmt.Errorf("%w: request from %d without sequence number", skerrors.ErrMalformedMessage, e.From)
		}
	case KindToken:
		if len(e.LN) != n {
			return fmt.Errorf("%w: token LN has %d entries, want %d", skerrors.ErrMalformedMessage, len(e.LN), n)
		}
		seen := make(map[int]struct{}, len(e.Queue))
		for _, id := range e.Queue {
			if id < 0 || id >= n {
				return fmt.Errorf("%w: queued site %d outside [0,%d)", skerrors.ErrMalformedMessage, id, n)
			}
			if _, dup := seen[id]; dup {
				return fmt.Errorf("%w: site %d queued twice", skerrors.ErrMalformedMessage, id)
			}
			seen[id] = struct{}{}
		}
	case KindHello:
	default:
		return fmt.Errorf("%w: unknown kind %q", skerrors.ErrMalformedMessage, e.Kind)
	}
	return nil
}
