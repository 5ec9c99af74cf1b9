// Package telemetry defines the events a streaming session reports to an
// external metrics collector.
package telemetry

import (
	"sync"
	"time"

	"github.com/zsiec/tilestream/internal/logger"
)

// EventType identifies what an Event measures.
type EventType string

const (
	EventQualitySwitch     EventType = "quality_switch"     // value: new tier index
	EventBandwidthEstimate EventType = "bandwidth_estimate" // value: kbps
	EventBandwidthStarved  EventType = "bandwidth_starved"  // value: kbps available
	EventRebuffer          EventType = "rebuffer"           // value: buffered ms
	EventBufferRecovered   EventType = "buffer_recovered"   // value: buffered ms
	EventBufferLevel       EventType = "buffer_level"       // value: buffered ms
	EventSegmentCompleted  EventType = "segment_completed"  // value: elapsed ms
	EventSegmentFailed     EventType = "segment_failed"     // value: attempts
	EventEviction          EventType = "eviction"           // value: bytes freed
	EventStateChange       EventType = "state_change"       // value: state ordinal
)

// Event is a single telemetry observation. TileID is nil for session-wide events.
type Event struct {
	Type      EventType `json:"type"`
	TileID    *int      `json:"tile_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// NewEvent creates a session-wide event stamped with the current time.
func NewEvent(eventType EventType, value float64) Event {
	return Event{Type: eventType, Timestamp: time.Now(), Value: value}
}

// NewTileEvent creates an event scoped to one tile.
func NewTileEvent(eventType EventType, tileID int, value float64) Event {
	id := tileID
	return Event{Type: eventType, TileID: &id, Timestamp: time.Now(), Value: value}
}

// Collector receives telemetry events. Implementations must not block.
type Collector interface {
	Emit(event Event)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(Event)

// Emit implements Collector.
func (f CollectorFunc) Emit(event Event) { f(event) }

// Nop discards every event.
type Nop struct{}

// Emit implements Collector.
func (Nop) Emit(Event) {}

// Multi fans an event out to several collectors.
type Multi []Collector

// Emit implements Collector.
func (m Multi) Emit(event Event) {
	for _, c := range m {
		if c != nil {
			c.Emit(event)
		}
	}
}

// LogCollector writes events to a logger at debug level.
type LogCollector struct {
	logger logger.Logger
}

// NewLogCollector creates a collector that logs every event.
func NewLogCollector(l logger.Logger) *LogCollector {
	return &LogCollector{logger: l.WithField("component", "telemetry")}
}

// Emit implements Collector.
func (c *LogCollector) Emit(event Event) {
	fields := map[string]interface{}{
		"event": string(event.Type),
		"value": event.Value,
	}
	if event.TileID != nil {
		fields["tile_id"] = *event.TileID
	}
	c.logger.WithFields(fields).Debug("Telemetry event")
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Collector.
func (r *Recorder) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(eventType EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Last returns the most recent event of the given type.
func (r *Recorder) Last(eventType EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return Event{}, false
}
