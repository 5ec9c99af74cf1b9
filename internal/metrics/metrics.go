package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zsiec/tilestream/internal/telemetry"
)

var (
	// Session metrics
	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_sessions_active",
		Help: "Number of streaming sessions by protocol",
	}, []string{"protocol"})

	sessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_session_state",
		Help: "Current state ordinal of a session",
	}, []string{"session"})

	// Quality metrics
	qualitySwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_quality_switches_total",
		Help: "Total tile quality changes by resulting tier",
	}, []string{"session", "tier"})

	starvedTilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_bandwidth_starved_total",
		Help: "Tile selections where no tier fit the bandwidth estimate",
	}, []string{"session"})

	bandwidthEstimate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_bandwidth_estimate_kbps",
		Help: "Smoothed bandwidth estimate in kbps",
	}, []string{"session"})

	// Segment metrics
	segmentFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_segment_fetches_total",
		Help: "Segment fetches by result",
	}, []string{"session", "result"})

	segmentFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilestream_segment_fetch_duration_seconds",
		Help:    "Time to download one segment",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	}, []string{"session"})

	segmentsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_segments_in_flight",
		Help: "Segments currently downloading",
	}, []string{"session"})

	// Buffer metrics
	bufferedMilliseconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_buffered_milliseconds",
		Help: "Playable buffered duration across all tiles",
	}, []string{"session"})

	rebuffersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_rebuffers_total",
		Help: "Buffer starvation episodes",
	}, []string{"session"})

	evictedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_evicted_bytes_total",
		Help: "Buffered bytes evicted to make room for visible tiles",
	}, []string{"session"})

	// Registry metrics
	registryOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_registry_operations_total",
		Help: "Session registry operations by result",
	}, []string{"operation", "result"})
)

// SetActiveSessions records the number of sessions running a protocol.
func SetActiveSessions(protocol string, count int) {
	sessionsActive.WithLabelValues(protocol).Set(float64(count))
}

// SetSegmentsInFlight records the current download concurrency of a session.
func SetSegmentsInFlight(session string, n int) {
	segmentsInFlight.WithLabelValues(session).Set(float64(n))
}

// ObserveSegmentFetch records the outcome of one segment download.
func ObserveSegmentFetch(session, result string, seconds float64) {
	segmentFetchesTotal.WithLabelValues(session, result).Inc()
	if result == "ok" {
		segmentFetchDuration.WithLabelValues(session).Observe(seconds)
	}
}

// IncrementRegistryOperation counts a registry call.
func IncrementRegistryOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	registryOperationsTotal.WithLabelValues(operation, result).Inc()
}

// DeleteSession drops every series labeled with the session.
func DeleteSession(session string) {
	labels := prometheus.Labels{"session": session}
	sessionState.DeletePartialMatch(labels)
	qualitySwitchesTotal.DeletePartialMatch(labels)
	starvedTilesTotal.DeletePartialMatch(labels)
	bandwidthEstimate.DeletePartialMatch(labels)
	segmentFetchesTotal.DeletePartialMatch(labels)
	segmentFetchDuration.DeletePartialMatch(labels)
	segmentsInFlight.DeletePartialMatch(labels)
	bufferedMilliseconds.DeletePartialMatch(labels)
	rebuffersTotal.DeletePartialMatch(labels)
	evictedBytesTotal.DeletePartialMatch(labels)
}

// Collector turns telemetry events of one session into Prometheus series.
type Collector struct {
	session string
}

// NewCollector creates a telemetry collector for a session.
func NewCollector(session string) *Collector {
	return &Collector{session: session}
}

// Emit implements telemetry.Collector.
func (c *Collector) Emit(e telemetry.Event) {
	switch e.Type {
	case telemetry.EventQualitySwitch:
		qualitySwitchesTotal.WithLabelValues(c.session, strconv.Itoa(int(e.Value))).Inc()
	case telemetry.EventBandwidthEstimate:
		bandwidthEstimate.WithLabelValues(c.session).Set(e.Value)
	case telemetry.EventBandwidthStarved:
		starvedTilesTotal.WithLabelValues(c.session).Inc()
	case telemetry.EventRebuffer:
		rebuffersTotal.WithLabelValues(c.session).Inc()
		bufferedMilliseconds.WithLabelValues(c.session).Set(e.Value)
	case telemetry.EventBufferRecovered, telemetry.EventBufferLevel:
		bufferedMilliseconds.WithLabelValues(c.session).Set(e.Value)
	case telemetry.EventSegmentCompleted:
		ObserveSegmentFetch(c.session, "ok", e.Value/1000)
	case telemetry.EventSegmentFailed:
		ObserveSegmentFetch(c.session, "failed", 0)
	case telemetry.EventEviction:
		evictedBytesTotal.WithLabelValues(c.session).Add(e.Value)
	case telemetry.EventStateChange:
		sessionState.WithLabelValues(c.session).Set(e.Value)
	}
}
