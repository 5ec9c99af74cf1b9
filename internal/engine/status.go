package engine

import (
	"time"

	"github.com/zsiec/tilestream/internal/buffer"
	"github.com/zsiec/tilestream/internal/manifest"
	"github.com/zsiec/tilestream/internal/tile"
	"github.com/zsiec/tilestream/internal/viewport"
)

// Status is a point-in-time view of a session.
type Status struct {
	State         string          `json:"state"`
	ManifestURL   string          `json:"manifest_url"`
	Protocol      string          `json:"protocol,omitempty"`
	Viewport      viewport.Angles `json:"viewport"`
	EstimateKbps  float64         `json:"estimate_kbps"`
	BufferedMs    int64           `json:"buffered_ms"`
	BufferedBytes int64           `json:"buffered_bytes"`
	InFlight      int             `json:"in_flight"`
	Pending       int             `json:"pending"`
	Rebuffering   bool            `json:"rebuffering"`
	Tiles         []TileDecision  `json:"tiles,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Tiles returns a copy of the tile grid with current quality, priority and
// visibility. It is empty until the session has started.
func (e *Engine) Tiles() []tile.Tile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]tile.Tile, len(e.tiles))
	copy(out, e.tiles)
	return out
}

// Decisions returns the latest per-tile decisions.
func (e *Engine) Decisions() []TileDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decisionsLocked()
}

// Viewport returns the gaze direction of the last applied update.
func (e *Engine) Viewport() viewport.Angles {
	return e.tracker.Current()
}

// Estimate returns the bandwidth estimate in kbps.
func (e *Engine) Estimate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.estimator == nil {
		return e.cfg.MinEstimateKbps
	}
	return e.estimator.Estimate()
}

// Buffer returns the buffer accounting of every tile.
func (e *Engine) Buffer() buffer.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buffers == nil {
		return buffer.State{}
	}
	return e.buffers.Snapshot()
}

// Grid returns the session's tile grid, nil before Start succeeds.
func (e *Engine) Grid() *tile.Grid {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.grid
}

// Description returns the parsed manifest, nil before Start succeeds.
func (e *Engine) Description() *manifest.Description {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc
}

// SegmentDuration returns the session's segment duration.
func (e *Engine) SegmentDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.segment > 0 {
		return e.segment
	}
	return e.cfg.SegmentDuration
}

// Status snapshots the session.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		State:        e.state.String(),
		ManifestURL:  e.manifestURL,
		Viewport:     e.tracker.Current(),
		EstimateKbps: e.cfg.MinEstimateKbps,
		Rebuffering:  e.starving,
	}
	if e.lastErr != nil {
		s.Error = e.lastErr.Error()
	}
	if e.desc != nil {
		s.Protocol = e.desc.Protocol
	}
	if e.estimator != nil {
		s.EstimateKbps = e.estimator.Estimate()
	}
	if e.buffers != nil {
		s.BufferedMs = e.horizonLocked().Milliseconds()
		s.BufferedBytes = e.buffers.TotalBytes()
	}
	if e.sched != nil {
		s.InFlight = e.sched.InFlight()
		s.Pending = len(e.sched.Pending())
	}
	if len(e.tiles) > 0 {
		s.Tiles = e.decisionsLocked()
	}
	return s
}
