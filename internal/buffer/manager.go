// Package buffer tracks how much media is buffered per tile and decides
// when the scheduler should keep fetching, idle, or reclaim space.
package buffer

import (
	"sort"
	"sync"
	"time"

	apperrors "github.com/zsiec/tilestream/internal/errors"
)

// Config is the buffer window and capacity.
type Config struct {
	MinBuffer    time.Duration
	TargetBuffer time.Duration
	// MaxBytes caps total buffered bytes. Zero means unlimited.
	MaxBytes int64
	Strategy EvictionStrategy
}

// Entry is one buffered segment awaiting playback.
type Entry struct {
	TileID   int           `json:"tile_id"`
	Index    int           `json:"index"`
	Quality  int           `json:"quality"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	AddedAt  time.Time     `json:"added_at"`
}

// TileState is the buffer accounting of one tile.
type TileState struct {
	TileID   int           `json:"tile_id"`
	Buffered time.Duration `json:"buffered"`
	InFlight time.Duration `json:"in_flight"`
	Bytes    int64         `json:"bytes"`
	Segments int           `json:"segments"`
}

// State is a snapshot of every tile.
type State struct {
	Tiles      []TileState   `json:"tiles"`
	Aggregate  time.Duration `json:"aggregate"`
	TotalBytes int64         `json:"total_bytes"`
}

type tileBuffer struct {
	entries []Entry
	// consumed is the played portion of entries[0]. With no entries it is
	// the playback time that passed while the tile was empty.
	consumed time.Duration
	inFlight time.Duration
	bytes    int64
	lastAdd  time.Time
	seq      uint64
}

func (t *tileBuffer) buffered() time.Duration {
	var d time.Duration
	for _, e := range t.entries {
		d += e.Duration
	}
	if d <= t.consumed {
		return 0
	}
	return d - t.consumed
}

// dropPlayed removes leading entries that playback has fully passed.
func (t *tileBuffer) dropPlayed() []Entry {
	var played []Entry
	for len(t.entries) > 0 && t.consumed >= t.entries[0].Duration {
		e := t.entries[0]
		t.consumed -= e.Duration
		t.entries = t.entries[1:]
		t.bytes -= e.Bytes
		played = append(played, e)
	}
	return played
}

// Manager is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	tiles      map[int]*tileBuffer
	totalBytes int64
	seq        uint64
	now        func() time.Time
}

// NewManager validates the window and creates an empty manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MinBuffer < 0 || cfg.TargetBuffer <= 0 {
		return nil, apperrors.NewConfigurationError("buffer window must be positive")
	}
	if cfg.MinBuffer > cfg.TargetBuffer {
		return nil, apperrors.NewConfigurationError("min buffer %s exceeds target %s", cfg.MinBuffer, cfg.TargetBuffer)
	}
	if cfg.MaxBytes < 0 {
		return nil, apperrors.NewConfigurationError("max buffer bytes must not be negative")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = &LRUEvictionStrategy{}
	}
	return &Manager{
		cfg:   cfg,
		tiles: make(map[int]*tileBuffer),
		now:   time.Now,
	}, nil
}

// Track registers tiles so they count toward the aggregate.
func (m *Manager) Track(tileIDs ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range tileIDs {
		m.tileLocked(id)
	}
}

// Reserve accounts for a segment that has been requested but not delivered.
func (m *Manager) Reserve(tileID int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tileLocked(tileID).inFlight += d
}

// Unreserve drops an in-flight reservation after a failure or cancellation.
func (m *Manager) Unreserve(tileID int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tileLocked(tileID)
	t.inFlight -= d
	if t.inFlight < 0 {
		t.inFlight = 0
	}
}

// Add stores a delivered segment and releases its reservation. It reports
// false when playback has already passed the whole segment, in which case
// nothing is kept.
func (m *Manager) Add(tileID, index, quality int, bytes int64, d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tileLocked(tileID)
	t.inFlight -= d
	if t.inFlight < 0 {
		t.inFlight = 0
	}

	now := m.now()
	m.seq++
	t.entries = append(t.entries, Entry{
		TileID: tileID, Index: index, Quality: quality,
		Bytes: bytes, Duration: d, AddedAt: now,
	})
	t.bytes += bytes
	t.lastAdd = now
	t.seq = m.seq
	m.totalBytes += bytes

	kept := true
	for _, e := range t.dropPlayed() {
		m.totalBytes -= e.Bytes
		if e.Index == index {
			kept = false
		}
	}
	return kept
}

// Skip consumes whole segments of length d from the playback time that
// passed while tileID held nothing and had nothing in flight. It returns the
// number of segment indexes playback has moved past, so the caller can
// request from the playhead instead of fetching stale media.
func (m *Manager) Skip(tileID int, d time.Duration) int {
	if d <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tiles[tileID]
	if !ok || len(t.entries) > 0 || t.inFlight > 0 || t.consumed < d {
		return 0
	}
	n := int(t.consumed / d)
	t.consumed -= time.Duration(n) * d
	return n
}

// Consume advances playback by d on every tile. Fully played segments are
// dropped and returned.
func (m *Manager) Consume(d time.Duration) []Entry {
	if d <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var played []Entry
	for _, t := range m.tiles {
		t.consumed += d
		for _, e := range t.dropPlayed() {
			m.totalBytes -= e.Bytes
			played = append(played, e)
		}
	}
	sort.Slice(played, func(i, j int) bool {
		if played[i].TileID != played[j].TileID {
			return played[i].TileID < played[j].TileID
		}
		return played[i].Index < played[j].Index
	})
	return played
}

// Buffered returns the playable duration held for a tile.
func (m *Manager) Buffered(tileID int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tiles[tileID]; ok {
		return t.buffered()
	}
	return 0
}

// Aggregate is the smallest buffered duration of any tracked tile.
func (m *Manager) Aggregate() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.horizonLocked(nil)
}

// Horizon is the smallest buffered duration among tiles accepted by
// include: the playback time available before one of them runs dry. A nil
// include, or one that accepts no tracked tile, covers every tile.
func (m *Manager) Horizon(include func(tileID int) bool) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.horizonLocked(include)
}

func (m *Manager) horizonLocked(include func(int) bool) time.Duration {
	lowest, found := time.Duration(0), false
	for id, t := range m.tiles {
		if include != nil && !include(id) {
			continue
		}
		if b := t.buffered(); !found || b < lowest {
			lowest, found = b, true
		}
	}
	if !found && include != nil {
		return m.horizonLocked(nil)
	}
	return lowest
}

// NeedsMore reports whether a tile's buffered plus in-flight duration is
// still below the target.
func (m *Manager) NeedsMore(tileID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tiles[tileID]
	if !ok {
		return true
	}
	return t.buffered()+t.inFlight < m.cfg.TargetBuffer
}

// Starving reports whether the horizon of the tiles accepted by include is
// below the minimum buffer.
func (m *Manager) Starving(include func(tileID int) bool) bool {
	return m.Horizon(include) < m.cfg.MinBuffer
}

// TotalBytes returns bytes currently buffered across all tiles.
func (m *Manager) TotalBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

// Fits reports whether bytes more can be buffered without exceeding the cap.
func (m *Manager) Fits(bytes int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxBytes == 0 || m.totalBytes+bytes <= m.cfg.MaxBytes
}

// Evict reclaims at least need bytes from tiles accepted by eligible, using
// the configured strategy to order tiles by how recently they buffered.
// Within a tile the newest segments go first so what remains still starts
// at the playhead. It returns what was removed; the total may fall short if
// candidates run out.
func (m *Manager) Evict(need int64, eligible func(tileID int) (distance float64, ok bool)) []Entry {
	if need <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []TileInfo
	for id, t := range m.tiles {
		if len(t.entries) == 0 {
			continue
		}
		dist, ok := eligible(id)
		if !ok {
			continue
		}
		candidates = append(candidates, TileInfo{
			TileID: id, Bytes: t.bytes, LastBuffered: t.lastAdd, Distance: dist, seq: t.seq,
		})
	}

	var evicted []Entry
	var freed int64
	for _, id := range m.cfg.Strategy.SelectTilesForEviction(candidates, need) {
		t := m.tiles[id]
		for len(t.entries) > 0 && freed < need {
			last := len(t.entries) - 1
			e := t.entries[last]
			t.entries = t.entries[:last]
			t.bytes -= e.Bytes
			m.totalBytes -= e.Bytes
			freed += e.Bytes
			evicted = append(evicted, e)
		}
		if freed >= need {
			break
		}
	}
	return evicted
}

// Snapshot returns every tile's accounting ordered by tile id.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{Aggregate: m.horizonLocked(nil), TotalBytes: m.totalBytes}
	for id, t := range m.tiles {
		s.Tiles = append(s.Tiles, TileState{
			TileID:   id,
			Buffered: t.buffered(),
			InFlight: t.inFlight,
			Bytes:    t.bytes,
			Segments: len(t.entries),
		})
	}
	sort.Slice(s.Tiles, func(i, j int) bool { return s.Tiles[i].TileID < s.Tiles[j].TileID })
	return s
}

// Release drops every buffered segment and reservation. Tracked tiles stay
// tracked.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.tiles {
		m.tiles[id] = &tileBuffer{}
	}
	m.totalBytes = 0
}

func (m *Manager) tileLocked(id int) *tileBuffer {
	t, ok := m.tiles[id]
	if !ok {
		t = &tileBuffer{}
		m.tiles[id] = t
	}
	return t
}
