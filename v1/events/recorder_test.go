package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(r *Recorder, evs ...Event) {
	for _, e := range evs {
		r.Observe(e)
	}
}

func TestRecorderValidTrace(t *testing.T) {
	r := NewRecorder()
	record(r,
		Event{Site: 1, Kind: RequestSent, Peer: -1, Seq: 1},
		Event{Site: 0, Kind: RequestReceived, Peer: 1, Seq: 1},
		Event{Site: 0, Kind: TokenSent, Peer: 1},
		Event{Site: 1, Kind: TokenReceived, Peer: 0},
		Event{Site: 1, Kind: EnterCS, Peer: -1},
		Event{Site: 1, Kind: ExitCS, Peer: -1},
		Event{Site: 1, Kind: TokenSent, Peer: 0, Queue: []int{}},
		Event{Site: 0, Kind: TokenReceived, Peer: 1},
		Event{Site: 0, Kind: EnterCS, Peer: -1},
		Event{Site: 0, Kind: ExitCS, Peer: -1},
	)
	require.NoError(t, r.CheckMutualExclusion())
	require.NoError(t, r.CheckTokenUniqueness(0))
	assert.Equal(t, map[int]int{0: 1, 1: 1}, r.Count(EnterCS))
	assert.Len(t, r.Events(), 10)
}

func TestRecorderDetectsOverlap(t *testing.T) {
	r := NewRecorder()
	record(r,
		Event{Site: 0, Kind: EnterCS, Peer: -1},
		Event{Site: 1, Kind: EnterCS, Peer: -1},
	)
	assert.Error(t, r.CheckMutualExclusion())
}

func TestRecorderDetectsForeignExit(t *testing.T) {
	r := NewRecorder()
	record(r,
		Event{Site: 0, Kind: EnterCS, Peer: -1},
		Event{Site: 1, Kind: ExitCS, Peer: -1},
	)
	assert.Error(t, r.CheckMutualExclusion())
}

func TestRecorderDetectsDuplicatedToken(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
	}{
		{"send without holding", []Event{
			{Site: 1, Kind: TokenSent, Peer: 2},
		}},
		{"send twice", []Event{
			{Site: 0, Kind: TokenSent, Peer: 1},
			{Site: 0, Kind: TokenSent, Peer: 2},
		}},
		{"wrong receiver", []Event{
			{Site: 0, Kind: TokenSent, Peer: 1},
			{Site: 2, Kind: TokenReceived, Peer: 0},
		}},
		{"receive while held", []Event{
			{Site: 1, Kind: TokenReceived, Peer: 0},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecorder()
			record(r, tt.events...)
			assert.Error(t, r.CheckTokenUniqueness(0))
		})
	}
}

func TestRecorderBoundedWaiting(t *testing.T) {
	request := func(site int, seq uint64, peers ...int) []Event {
		evs := []Event{{Site: site, Kind: RequestSent, Peer: -1, Seq: seq}}
		for _, p := range peers {
			evs = append(evs, Event{Site: p, Kind: RequestReceived, Peer: site, Seq: seq})
		}
		return evs
	}
	cs := func(site int) []Event {
		return []Event{{Site: site, Kind: EnterCS, Peer: -1}, {Site: site, Kind: ExitCS, Peer: -1}}
	}

	t.Run("within bound", func(t *testing.T) {
		r := NewRecorder()
		record(r, request(2, 1, 0, 1)...)
		record(r, cs(0)...)
		record(r, cs(1)...)
		record(r, cs(2)...)
		require.NoError(t, r.CheckBoundedWaiting(3))
	})
	t.Run("overtaken", func(t *testing.T) {
		r := NewRecorder()
		record(r, request(2, 1, 0, 1)...)
		record(r, cs(0)...)
		record(r, cs(1)...)
		record(r, cs(0)...)
		record(r, cs(2)...)
		assert.Error(t, r.CheckBoundedWaiting(3))
	})
	t.Run("not counted before everyone heard", func(t *testing.T) {
		r := NewRecorder()
		record(r, request(2, 1, 0)...)
		record(r, cs(0)...)
		record(r, cs(0)...)
		record(r, cs(0)...)
		record(r, Event{Site: 1, Kind: RequestReceived, Peer: 2, Seq: 1})
		record(r, cs(1)...)
		record(r, cs(2)...)
		require.NoError(t, r.CheckBoundedWaiting(3))
	})
	t.Run("retry keeps the count", func(t *testing.T) {
		r := NewRecorder()
		record(r, request(1, 1, 0)...)
		record(r, cs(0)...)
		record(r, request(1, 1, 0)...)
		record(r, cs(0)...)
		record(r, cs(1)...)
		assert.Error(t, r.CheckBoundedWaiting(2))
	})
}
