package quality

import (
	"sync"

	apperrors "github.com/zsiec/tilestream/internal/errors"
)

// Decision is the outcome of one selection for one tile.
type Decision struct {
	TileID   int     `json:"tile_id"`
	Distance float64 `json:"distance"`
	Band     int     `json:"band"`     // committed angular tier
	Tier     int     `json:"tier"`     // tier to fetch
	Previous int     `json:"previous"` // tier before this selection
	Starved  bool    `json:"starved"`
	Changed  bool    `json:"changed"`
}

type tileState struct {
	band     int
	pending  int
	current  int
	lastGood int
	seen     bool
}

// Selector applies band selection with downgrade hysteresis and the
// bandwidth constraint. It is safe for concurrent use.
type Selector struct {
	mu         sync.Mutex
	ladder     Ladder
	thresholds Thresholds
	frames     int
	safety     float64
	tiles      map[int]*tileState
}

// NewSelector creates a selector. hysteresisFrames is the number of
// consecutive updates a tile must spend in a lower band before its band is
// downgraded.
func NewSelector(ladder Ladder, th Thresholds, hysteresisFrames int, safetyFactor float64) (*Selector, error) {
	if len(ladder) == 0 {
		return nil, apperrors.NewConfigurationError("quality ladder must not be empty")
	}
	if hysteresisFrames < 1 {
		return nil, apperrors.NewConfigurationError("hysteresis frames must be at least 1, got %d", hysteresisFrames)
	}
	if safetyFactor <= 0 || safetyFactor > 1 {
		return nil, apperrors.NewConfigurationError("safety factor must be in (0,1], got %v", safetyFactor)
	}
	if th.High > th.Medium || th.Medium > th.Low {
		return nil, apperrors.NewConfigurationError("quality radii must be ascending, got %v/%v/%v", th.High, th.Medium, th.Low)
	}

	return &Selector{
		ladder:     ladder,
		thresholds: th,
		frames:     hysteresisFrames,
		safety:     safetyFactor,
		tiles:      make(map[int]*tileState),
	}, nil
}

// Ladder returns the selector's ladder.
func (s *Selector) Ladder() Ladder { return s.ladder }

// Select computes the tier for a tile at the given distance. Upgrades of the
// angular band apply at once, downgrades only after the configured number of
// consecutive updates. The bandwidth constraint applies on every call.
func (s *Selector) Select(tileID int, distance, bandwidthKbps float64) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(tileID)
	want := DesiredTier(distance, s.thresholds, len(s.ladder))

	switch {
	case !st.seen:
		st.band = want
		st.seen = true
	case want < st.band:
		st.band = want
		st.pending = 0
	case want == st.band:
		st.pending = 0
	default:
		st.pending++
		if st.pending >= s.frames {
			st.band = want
			st.pending = 0
		}
	}

	tier, starved := AffordableTier(st.band, bandwidthKbps, s.ladder, s.safety)
	d := Decision{
		TileID:   tileID,
		Distance: distance,
		Band:     st.band,
		Tier:     tier,
		Previous: st.current,
		Starved:  starved,
		Changed:  tier != st.current,
	}
	st.current = tier
	return d
}

// Current returns the tile's current tier, the lowest tier if the tile has
// never been selected.
func (s *Selector) Current(tileID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(tileID).current
}

// Confirm records that a segment at tier was delivered for the tile.
func (s *Selector) Confirm(tileID, tier int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ladder.Valid(tier) {
		s.stateLocked(tileID).lastGood = tier
	}
}

// Revert puts the tile back on its last delivered tier and returns it.
func (s *Selector) Revert(tileID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(tileID)
	st.current = st.lastGood
	return st.current
}

// Reset forgets all per-tile history.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles = make(map[int]*tileState)
}

func (s *Selector) stateLocked(tileID int) *tileState {
	st, ok := s.tiles[tileID]
	if !ok {
		lowest := s.ladder.Lowest()
		st = &tileState{band: lowest, current: lowest, lastGood: lowest}
		s.tiles[tileID] = st
	}
	return st
}
