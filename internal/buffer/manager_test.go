package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zsiec/tilestream/internal/errors"
)

func newManager(t *testing.T, maxBytes int64) *Manager {
	t.Helper()
	m, err := NewManager(Config{MinBuffer: 3 * time.Second, TargetBuffer: 8 * time.Second, MaxBytes: maxBytes})
	require.NoError(t, err)
	return m
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(Config{MinBuffer: time.Second, TargetBuffer: 0})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))

	_, err = NewManager(Config{MinBuffer: 9 * time.Second, TargetBuffer: 8 * time.Second})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))

	_, err = NewManager(Config{MinBuffer: time.Second, TargetBuffer: 2 * time.Second, MaxBytes: -1})
	assert.Error(t, err)
}

func TestAddAndAggregate(t *testing.T) {
	m := newManager(t, 0)
	m.Track(0, 1)
	assert.Equal(t, time.Duration(0), m.Aggregate())

	m.Add(0, 1, 0, 1000, time.Second)
	m.Add(0, 2, 0, 1000, time.Second)
	m.Add(1, 1, 2, 200, time.Second)

	assert.Equal(t, 2*time.Second, m.Buffered(0))
	assert.Equal(t, time.Second, m.Buffered(1))
	assert.Equal(t, time.Second, m.Aggregate(), "aggregate is the shortest tile")
	assert.Equal(t, int64(2200), m.TotalBytes())
}

func TestNeedsMoreCountsInFlight(t *testing.T) {
	m := newManager(t, 0)
	m.Track(0)
	assert.True(t, m.NeedsMore(0))
	assert.True(t, m.NeedsMore(42), "unknown tiles need data")

	for i := 0; i < 6; i++ {
		m.Add(0, i, 0, 10, time.Second)
	}
	assert.True(t, m.NeedsMore(0))

	m.Reserve(0, 2*time.Second)
	assert.False(t, m.NeedsMore(0), "6s buffered plus 2s in flight reaches target")

	m.Unreserve(0, time.Second)
	assert.True(t, m.NeedsMore(0))

	m.Unreserve(0, 10*time.Second)
	assert.Equal(t, time.Duration(0), m.Snapshot().Tiles[0].InFlight)
}

func TestAddReleasesReservation(t *testing.T) {
	m := newManager(t, 0)
	m.Reserve(3, time.Second)
	m.Add(3, 0, 0, 10, time.Second)
	assert.Equal(t, time.Duration(0), m.Snapshot().Tiles[0].InFlight)
}

func TestConsume(t *testing.T) {
	m := newManager(t, 0)
	m.Add(0, 0, 0, 100, time.Second)
	m.Add(0, 1, 0, 100, time.Second)
	m.Add(1, 0, 1, 50, time.Second)

	played := m.Consume(500 * time.Millisecond)
	assert.Empty(t, played)
	assert.Equal(t, 1500*time.Millisecond, m.Buffered(0))
	assert.Equal(t, 500*time.Millisecond, m.Buffered(1))

	played = m.Consume(700 * time.Millisecond)
	require.Len(t, played, 2)
	assert.Equal(t, 0, played[0].TileID)
	assert.Equal(t, 1, played[1].TileID)
	assert.Equal(t, 800*time.Millisecond, m.Buffered(0))
	assert.Equal(t, time.Duration(0), m.Buffered(1))
	assert.Equal(t, int64(100), m.TotalBytes())

	assert.Nil(t, m.Consume(0))
}

func TestStarving(t *testing.T) {
	m := newManager(t, 0)
	m.Track(0, 1)
	assert.True(t, m.Starving(nil))

	for i := 0; i < 3; i++ {
		m.Add(0, i, 0, 10, time.Second)
		m.Add(1, i, 0, 10, time.Second)
	}
	assert.False(t, m.Starving(nil))

	m.Consume(time.Second)
	assert.True(t, m.Starving(nil))
}

func TestHorizonIgnoresExcludedTiles(t *testing.T) {
	m := newManager(t, 0)
	m.Track(0, 1, 2)
	for i := 0; i < 4; i++ {
		m.Add(0, i, 0, 10, time.Second)
		m.Add(1, i, 0, 10, time.Second)
	}
	near := func(id int) bool { return id != 2 }

	assert.Equal(t, time.Duration(0), m.Aggregate(), "tile 2 is empty")
	assert.Equal(t, 4*time.Second, m.Horizon(near))
	assert.False(t, m.Starving(near))
	assert.True(t, m.Starving(nil))

	none := func(int) bool { return false }
	assert.Equal(t, m.Aggregate(), m.Horizon(none), "an empty selection falls back to every tile")
}

func TestConsumeCarriesDeficitOnEmptyTile(t *testing.T) {
	m := newManager(t, 0)
	m.Track(0)
	m.Reserve(0, time.Second)

	// Playback moves on while the segment is still downloading.
	m.Consume(400 * time.Millisecond)
	assert.True(t, m.Add(0, 1, 0, 100, time.Second))
	assert.Equal(t, 600*time.Millisecond, m.Buffered(0))

	m.Consume(2 * time.Second)
	assert.Equal(t, time.Duration(0), m.Buffered(0))
	assert.Equal(t, int64(0), m.TotalBytes())

	// 1.4s behind: the next segment is stale, the one after is partly played.
	assert.False(t, m.Add(0, 2, 0, 100, time.Second))
	assert.Equal(t, int64(0), m.TotalBytes())
	assert.True(t, m.Add(0, 3, 0, 100, time.Second))
	assert.Equal(t, 600*time.Millisecond, m.Buffered(0))
}

func TestSkipMovesPastPlayedIndexes(t *testing.T) {
	m := newManager(t, 0)
	m.Add(0, 1, 0, 100, time.Second)
	m.Consume(3500 * time.Millisecond)

	m.Reserve(0, time.Second)
	assert.Zero(t, m.Skip(0, time.Second), "a download in flight still counts")
	m.Unreserve(0, time.Second)

	assert.Equal(t, 2, m.Skip(0, time.Second))
	assert.Zero(t, m.Skip(0, time.Second))
	assert.True(t, m.Add(0, 4, 0, 100, time.Second))
	assert.Equal(t, 500*time.Millisecond, m.Buffered(0))
}

func TestFits(t *testing.T) {
	m := newManager(t, 1000)
	assert.True(t, m.Fits(1000))
	m.Add(0, 0, 0, 600, time.Second)
	assert.False(t, m.Fits(500))
	assert.True(t, m.Fits(400))

	unlimited := newManager(t, 0)
	assert.True(t, unlimited.Fits(1<<40))
}

func TestEvictLeastRecentlyBufferedFirst(t *testing.T) {
	m := newManager(t, 0)
	m.Add(5, 0, 2, 100, time.Second) // oldest
	m.Add(6, 0, 2, 100, time.Second)
	m.Add(0, 0, 0, 1000, time.Second) // visible tile
	m.Add(5, 1, 2, 100, time.Second)  // tile 5 becomes most recent far tile

	far := func(id int) (float64, bool) { return 150, id != 0 }

	evicted := m.Evict(100, far)
	require.Len(t, evicted, 1)
	assert.Equal(t, 6, evicted[0].TileID)

	evicted = m.Evict(150, far)
	require.Len(t, evicted, 2)
	assert.Equal(t, 5, evicted[0].TileID)
	assert.Equal(t, 1, evicted[0].Index, "newest segment of a tile goes first")
	assert.Equal(t, 0, evicted[1].Index)

	assert.Equal(t, int64(1000), m.TotalBytes())
	assert.Empty(t, m.Evict(1, far), "visible tile is never a candidate")
	assert.Nil(t, m.Evict(0, far))
}

func TestEvictKeepsPlayheadOffset(t *testing.T) {
	m := newManager(t, 0)
	m.Add(4, 7, 2, 100, time.Second)
	m.Add(4, 8, 2, 100, time.Second)
	m.Consume(300 * time.Millisecond)

	evicted := m.Evict(200, func(int) (float64, bool) { return 150, true })
	require.Len(t, evicted, 2)

	// Refetching index 7 resumes where playback stands.
	assert.True(t, m.Add(4, 7, 2, 100, time.Second))
	assert.Equal(t, 700*time.Millisecond, m.Buffered(4))
}

func TestDistanceEvictionStrategy(t *testing.T) {
	m, err := NewManager(Config{MinBuffer: time.Second, TargetBuffer: 4 * time.Second, Strategy: &DistanceEvictionStrategy{}})
	require.NoError(t, err)

	m.Add(1, 0, 2, 100, time.Second)
	m.Add(2, 0, 2, 100, time.Second)
	dist := map[int]float64{1: 120, 2: 170}

	evicted := m.Evict(50, func(id int) (float64, bool) { return dist[id], true })
	require.Len(t, evicted, 1)
	assert.Equal(t, 2, evicted[0].TileID)
}

func TestSnapshotAndRelease(t *testing.T) {
	m := newManager(t, 0)
	m.Track(2, 0, 1)
	m.Add(1, 0, 0, 300, 2*time.Second)
	m.Reserve(2, time.Second)

	s := m.Snapshot()
	require.Len(t, s.Tiles, 3)
	assert.Equal(t, 0, s.Tiles[0].TileID)
	assert.Equal(t, TileState{TileID: 1, Buffered: 2 * time.Second, Bytes: 300, Segments: 1}, s.Tiles[1])
	assert.Equal(t, time.Second, s.Tiles[2].InFlight)
	assert.Equal(t, int64(300), s.TotalBytes)

	m.Release()
	s = m.Snapshot()
	assert.Len(t, s.Tiles, 3)
	assert.Equal(t, int64(0), s.TotalBytes)
	assert.Equal(t, time.Duration(0), m.Buffered(1))
}
