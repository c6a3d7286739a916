package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSiteStateSeedsSiteZero(t *testing.T) {
	for id := 0; id < 3; id++ {
		s := newSiteState(id, 3)
		assert.Equal(t, []uint64{1, 0, 0}, s.rn)
		assert.Equal(t, []uint64{0, 0, 0}, s.ln)
		assert.Empty(t, s.queue)
		assert.Equal(t, id == 0, s.hasToken)
		assert.False(t, s.inCS)
		assert.False(t, s.waiting)
	}
	assert.Equal(t, HasTokenIdle, newSiteState(0, 3).snapshot().Phase())
	assert.Equal(t, NoToken, newSiteState(1, 3).snapshot().Phase())
}

func TestThreeSiteHandoff(t *testing.T) {
	s0, s1, s2 := newSiteState(0, 3), newSiteState(1, 3), newSiteState(2, 3)

	seq := s1.nextRequest()
	require.Equal(t, uint64(1), seq)
	assert.Equal(t, WaitingForToken, s1.snapshot().Phase())

	require.False(t, s0.recordRequest(1, seq))
	require.False(t, s2.recordRequest(1, seq))
	assert.Equal(t, []uint64{1, 1, 0}, s0.rn)
	require.True(t, s0.shouldGrant(1))
	require.False(t, s2.shouldGrant(1))

	tok := s0.tokenPayload()
	s0.hasToken = false
	assert.Equal(t, []uint64{0, 0, 0}, tok.LN)
	assert.Empty(t, tok.Queue)

	s1.acceptToken(tok)
	s1.inCS = true
	assert.Equal(t, HasTokenInCS, s1.snapshot().Phase())
	assert.Equal(t, NoToken, s0.snapshot().Phase())

	added, next, forward := s1.release()
	require.True(t, forward)
	assert.Equal(t, []int{0}, added)
	assert.Equal(t, 0, next)
	assert.Equal(t, []uint64{0, 1, 0}, s1.ln)
	assert.Empty(t, s1.queue)
}

func TestReleaseEnqueuesAscending(t *testing.T) {
	s := newSiteState(2, 5)
	s.acceptToken(s.tokenPayload())
	s.ln[0] = 1 // site 0's startup grant already consumed
	s.inCS = true
	s.rn[s.id] = 1
	s.queue = []int{3}
	require.False(t, s.recordRequest(4, 1))
	require.False(t, s.recordRequest(1, 1))
	require.False(t, s.recordRequest(3, 1))

	added, next, forward := s.release()
	require.True(t, forward)
	assert.Equal(t, []int{1, 4}, added)
	assert.Equal(t, 3, next)
	assert.Equal(t, []int{1, 4}, s.queue)
	assert.Equal(t, s.rn[2], s.ln[2])
	assert.False(t, s.inCS)
}

func TestReleaseRetainsWhenNobodyWaits(t *testing.T) {
	s := newSiteState(0, 3)
	s.inCS = true
	added, _, forward := s.release()
	assert.False(t, forward)
	assert.Empty(t, added)
	assert.True(t, s.hasToken)
	assert.Equal(t, []uint64{1, 0, 0}, s.ln)
	assert.Equal(t, HasTokenIdle, s.snapshot().Phase())
}

func TestStaleRequestIsIdempotent(t *testing.T) {
	s := newSiteState(0, 3)
	require.False(t, s.recordRequest(2, 3))
	before := append([]uint64(nil), s.rn...)
	assert.True(t, s.recordRequest(2, 3))
	assert.Equal(t, before, s.rn)
	assert.True(t, s.recordRequest(2, 1))
	assert.Equal(t, before, s.rn)
}

func TestRNNeverDecreases(t *testing.T) {
	s := newSiteState(1, 2)
	for _, seq := range []uint64{2, 1, 5, 4, 5, 6} {
		prev := s.rn[0]
		s.recordRequest(0, seq)
		assert.GreaterOrEqual(t, s.rn[0], prev)
	}
	assert.Equal(t, uint64(6), s.rn[0])
}

func TestGrantNeedsIdleToken(t *testing.T) {
	s := newSiteState(0, 2)
	s.recordRequest(1, 1)
	s.inCS = true
	assert.False(t, s.shouldGrant(1))
	s.inCS = false
	assert.True(t, s.shouldGrant(1))
	s.hasToken = false
	assert.False(t, s.shouldGrant(1))
}

func TestSnapshotIsCopy(t *testing.T) {
	s := newSiteState(0, 2)
	st := s.snapshot()
	st.RN[0] = 42
	st.LN[1] = 42
	assert.Equal(t, uint64(1), s.rn[0])
	assert.Equal(t, uint64(0), s.ln[1])
}
