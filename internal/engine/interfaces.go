package engine

import (
	"time"

	"github.com/zsiec/tilestream/internal/logger"
	"github.com/zsiec/tilestream/internal/telemetry"
	"github.com/zsiec/tilestream/internal/viewport"
)

// SegmentData is a validated segment handed to the media consumer.
type SegmentData struct {
	TileID   int
	Index    int
	Quality  int
	Bytes    []byte
	Duration time.Duration
}

// MediaSink consumes downloaded media. Calls are made with the engine
// locked; implementations must not block or call back into the engine.
type MediaSink interface {
	OnSegment(seg SegmentData)
	// OnEvict withdraws a previously delivered segment.
	OnEvict(tileID, index int)
	// OnRebuffer reports that playback has run short of buffered media.
	OnRebuffer(buffered time.Duration)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) OnSegment(SegmentData)    {}
func (NopSink) OnEvict(int, int)         {}
func (NopSink) OnRebuffer(time.Duration) {}

// TileDecision is what a renderer needs to know about one tile.
type TileDecision struct {
	TileID   int     `json:"tile_id"`
	Quality  int     `json:"quality"`
	Priority int     `json:"priority"`
	Visible  bool    `json:"visible"`
	Distance float64 `json:"distance"`
	Starved  bool    `json:"starved"`
}

// DecisionListener is notified after every applied viewport update, under
// the same rules as MediaSink.
type DecisionListener interface {
	OnTileDecisions(decisions []TileDecision)
}

// DecisionFunc adapts a function to DecisionListener.
type DecisionFunc func([]TileDecision)

// OnTileDecisions implements DecisionListener.
func (f DecisionFunc) OnTileDecisions(d []TileDecision) { f(d) }

// OrientationSource is polled at the viewport rate for the latest camera
// orientation. ok is false when nothing new is available.
type OrientationSource interface {
	Orientation() (o viewport.Orientation, ok bool)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTelemetry sets the telemetry collector.
func WithTelemetry(c telemetry.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithSink sets the media consumer.
func WithSink(s MediaSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithDecisionListener subscribes a renderer to tile decisions.
func WithDecisionListener(l DecisionListener) Option {
	return func(e *Engine) { e.listener = l }
}

// WithOrientationSource makes the engine pull orientations instead of
// waiting for OnViewportUpdate.
func WithOrientationSource(s OrientationSource) Option {
	return func(e *Engine) { e.source = s }
}

// WithDistanceMetric replaces the planar angular distance.
func WithDistanceMetric(m viewport.Metric) Option {
	return func(e *Engine) { e.metric = m }
}
