package viewport

import (
	"sync"

	"github.com/zsiec/tilestream/internal/tile"
)

// Tracker holds the latest gaze direction of one session.
type Tracker struct {
	mu      sync.RWMutex
	current Angles
	fov     float64
	metric  Metric
	updates uint64
}

// NewTracker creates a tracker for a viewport with the given horizontal field
// of view in degrees. The gaze starts at the horizon facing yaw 0.
func NewTracker(fov float64) *Tracker {
	return &Tracker{
		current: Angles{Yaw: 0, Pitch: 90},
		fov:     fov,
		metric:  AngularDistance,
	}
}

// SetMetric replaces the distance function. Nil restores AngularDistance.
func (t *Tracker) SetMetric(m Metric) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m == nil {
		m = AngularDistance
	}
	t.metric = m
}

// Update converts the orientation to yaw/pitch and stores it.
func (t *Tracker) Update(o Orientation) Angles {
	a := AnglesOf(o)
	t.mu.Lock()
	t.current = a
	t.updates++
	t.mu.Unlock()
	return a
}

// Current returns the last stored direction.
func (t *Tracker) Current() Angles {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Updates returns how many orientations have been applied.
func (t *Tracker) Updates() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updates
}

// Distance returns the distance from the current gaze to a tile.
func (t *Tracker) Distance(tl tile.Tile) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metric(t.current.Yaw, t.current.Pitch, tl.AngularRange)
}

// Visible reports whether any part of the tile is within half the field of
// view of the gaze.
func (t *Tracker) Visible(distance float64) bool {
	return distance <= t.fov/2
}
