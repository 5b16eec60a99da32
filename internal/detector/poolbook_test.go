package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
	"github.com/dawsh2/alphapulse/pkg/protocol"
)

func TestPoolBookPairIndex(t *testing.T) {
	book := NewPoolBook()
	now := time.Now()

	require.NoError(t, book.ApplyState(v2State(poolX, 100, 100), now))
	require.NoError(t, book.ApplyState(v2State(poolY, 100, 100), now))

	// A pool on an unrelated pair never becomes a candidate.
	other := v2State(0x03, 100, 100)
	other.Token0 = 0xE0
	other.Token1 = 0xE1
	require.NoError(t, book.ApplyState(other, now))

	cands := book.Candidates(poolX)
	assert.Equal(t, []protocol.InstrumentID{poolY}, cands)
	assert.Equal(t, 3, book.Len())
}

func TestPoolBookSyncUpdatesReservesAndFreshness(t *testing.T) {
	book := NewPoolBook()
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, book.ApplyState(v2State(poolX, 100, 100), t0))

	t1 := t0.Add(time.Second)
	require.NoError(t, book.ApplySync(protocol.PoolSync{
		Pool:     poolX,
		Reserve0: fixedpoint.FromInt64(111, 6),
		Reserve1: fixedpoint.FromInt64(222, 6),
	}, t1))

	entry := book.Get(poolX)
	assert.Equal(t, int64(111), entry.State.Reserve0.Value().Int64())
	assert.Equal(t, t1, entry.LastUpdate)
	assert.True(t, entry.Fresh(t1.Add(500*time.Millisecond), time.Second))
	assert.False(t, entry.Fresh(t1.Add(2*time.Second), time.Second))
}

func TestPoolBookRejectsBadSync(t *testing.T) {
	book := NewPoolBook()
	now := time.Now()
	require.NoError(t, book.ApplyState(v2State(poolX, 100, 100), now))

	err := book.ApplySync(protocol.PoolSync{
		Pool:     poolX,
		Reserve0: fixedpoint.Zero(6),
		Reserve1: fixedpoint.FromInt64(1, 6),
	}, now)
	assert.Error(t, err)

	// The bad update must not have touched the book.
	assert.Equal(t, int64(100), book.Get(poolX).State.Reserve0.Value().Int64())
}

func TestPoolBookIgnoresUnknownPoolUpdates(t *testing.T) {
	book := NewPoolBook()
	require.NoError(t, book.ApplySync(protocol.PoolSync{
		Pool:     0x99,
		Reserve0: fixedpoint.FromInt64(1, 6),
		Reserve1: fixedpoint.FromInt64(1, 6),
	}, time.Now()))
	assert.Zero(t, book.Len())
}
