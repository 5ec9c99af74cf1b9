package engine

import (
	"context"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tilestream/internal/config"
	apperrors "github.com/zsiec/tilestream/internal/errors"
	"github.com/zsiec/tilestream/internal/fetch"
	"github.com/zsiec/tilestream/internal/manifest"
	"github.com/zsiec/tilestream/internal/scheduler"
	"github.com/zsiec/tilestream/internal/telemetry"
	"github.com/zsiec/tilestream/internal/tile"
	"github.com/zsiec/tilestream/internal/viewport"
)

const manifestURL = "http://origin.test/live/manifest.mpd"

func testConfig() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.GridCols = 2
	cfg.GridRows = 1
	cfg.ProjectionWidth = 1024
	cfg.ProjectionHeight = 512
	cfg.SegmentDuration = time.Second
	cfg.MinBuffer = time.Second
	cfg.TargetBuffer = 2 * time.Second
	cfg.ConcurrencyCap = 2
	cfg.SegmentTimeout = 2 * time.Second
	cfg.ManifestRetryDelay = time.Millisecond
	return cfg
}

func buildManifest(t *testing.T, cfg config.EngineConfig) []byte {
	t.Helper()
	g, err := tile.Build(cfg.GridCols, cfg.GridRows, cfg.ProjectionWidth, cfg.ProjectionHeight)
	require.NoError(t, err)
	data, err := manifest.BuildDASH(g, cfg.QualityLadder, manifest.DefaultOptions(&cfg))
	require.NoError(t, err)
	return data
}

// origin serves a manifest and fixed-size segments. Segment requests can be
// held on a gate and selectively failed.
type origin struct {
	manifest []byte
	gate     chan struct{}
	started  chan string
	fail     func(url string) bool

	mu   sync.Mutex
	urls []string
}

func newOrigin(manifest []byte) *origin {
	return &origin{manifest: manifest, started: make(chan string, 64)}
}

func (o *origin) Fetch(ctx context.Context, url string) (*fetch.Result, error) {
	if strings.HasSuffix(url, ".mpd") {
		return &fetch.Result{Status: http.StatusOK, Bytes: o.manifest, Elapsed: time.Millisecond}, nil
	}

	o.mu.Lock()
	o.urls = append(o.urls, url)
	o.mu.Unlock()
	select {
	case o.started <- url:
	default:
	}

	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if o.fail != nil && o.fail(url) {
		return &fetch.Result{Status: http.StatusInternalServerError, Elapsed: time.Millisecond}, nil
	}
	return &fetch.Result{Status: http.StatusOK, Bytes: make([]byte, 1000), Elapsed: 10 * time.Millisecond}, nil
}

func (o *origin) requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.urls))
	copy(out, o.urls)
	return out
}

type recordingSink struct {
	mu        sync.Mutex
	segments  []SegmentData
	evicted   int
	rebuffers int
}

func (s *recordingSink) OnSegment(seg SegmentData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
}

func (s *recordingSink) OnEvict(int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted++
}

func (s *recordingSink) OnRebuffer(time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuffers++
}

func (s *recordingSink) counts() (segments, rebuffers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments), s.rebuffers
}

func startEngine(t *testing.T, cfg config.EngineConfig, f fetch.Fetcher, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, f, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background(), manifestURL))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.GridCols = 0

	_, err := New(cfg, newOrigin(nil))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))

	_, err = New(testConfig(), nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
}

func TestStartFailsAfterManifestRetries(t *testing.T) {
	var calls int32
	f := fetch.Func(func(context.Context, string) (*fetch.Result, error) {
		atomic.AddInt32(&calls, 1)
		return &fetch.Result{Status: http.StatusInternalServerError}, nil
	})
	cfg := testConfig()
	cfg.ManifestRetryAttempts = 3

	e, err := New(cfg, f)
	require.NoError(t, err)

	err = e.Start(context.Background(), manifestURL)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeManifestFetch))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, StateError, e.State())
	assert.Equal(t, err, e.Err())

	// A failed session can be stopped and started again.
	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.State())
}

func TestOriginLossMovesPlayingSessionToError(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentRetries = 0
	cfg.OriginLossTimeout = 150 * time.Millisecond
	o := newOrigin(buildManifest(t, cfg))
	o.fail = func(string) bool { return true }
	rec := &telemetry.Recorder{}

	e := startEngine(t, cfg, o, WithTelemetry(rec))
	assert.Equal(t, StatePlaying, e.State())

	require.Eventually(t, func() bool {
		return e.State() == StateError
	}, 3*time.Second, 5*time.Millisecond)

	assert.True(t, apperrors.IsType(e.Err(), apperrors.ErrorTypeSegmentFetch))
	st := e.Status()
	assert.Equal(t, "error", st.State)
	assert.Contains(t, st.Error, "no segment downloaded")
	ev, ok := rec.Last(telemetry.EventStateChange)
	require.True(t, ok)
	assert.Equal(t, float64(StateError), ev.Value)

	// Teardown finishes in the background; no further downloads start.
	require.Eventually(t, func() bool {
		return e.Status().InFlight == 0 && e.Buffer().TotalBytes == 0
	}, 2*time.Second, 5*time.Millisecond)
	seen := len(o.requests())
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, seen, len(o.requests()))
	assert.Error(t, e.ConsumePlayback(time.Second))

	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.State())
}

func TestSingleFailingTileDoesNotFailSession(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentRetries = 0
	cfg.OriginLossTimeout = 400 * time.Millisecond
	o := newOrigin(buildManifest(t, cfg))
	o.fail = func(url string) bool { return strings.Contains(url, "/tiles/1/") }

	e := startEngine(t, cfg, o)
	require.Eventually(t, func() bool {
		return e.Buffer().Tiles[0].Buffered == cfg.TargetBuffer
	}, 2*time.Second, 5*time.Millisecond)

	// Playback keeps tile 0 downloading while tile 1 keeps failing.
	for i := 0; i < 10; i++ {
		require.NoError(t, e.ConsumePlayback(500*time.Millisecond))
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, StatePlaying, e.State())
}

func TestStartRejectsUnparsableManifest(t *testing.T) {
	f := fetch.Func(func(context.Context, string) (*fetch.Result, error) {
		return &fetch.Result{Status: http.StatusOK, Bytes: []byte("not a manifest")}, nil
	})
	cfg := testConfig()
	cfg.ManifestRetryAttempts = 1

	e, err := New(cfg, f)
	require.NoError(t, err)
	err = e.Start(context.Background(), manifestURL)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeManifestFetch))
	assert.Equal(t, StateError, e.State())
}

func TestStartTakesGridFromManifest(t *testing.T) {
	published := testConfig()
	published.GridCols = 4
	published.GridRows = 2

	e := startEngine(t, testConfig(), newOrigin(buildManifest(t, published)))

	assert.Equal(t, StatePlaying, e.State())
	assert.Len(t, e.Tiles(), 8)
	assert.Equal(t, 4, e.Description().GridCols)
}

func TestStartFetchesUntilTargetBuffer(t *testing.T) {
	cfg := testConfig()
	o := newOrigin(buildManifest(t, cfg))
	sink := &recordingSink{}

	e := startEngine(t, cfg, o, WithSink(sink))

	require.Eventually(t, func() bool {
		return e.Buffer().Aggregate == cfg.TargetBuffer
	}, 2*time.Second, 5*time.Millisecond)

	// Target reached: the scheduler idles.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, o.requests(), 4)
	segments, _ := sink.counts()
	assert.Equal(t, 4, segments)
	for _, u := range o.requests() {
		assert.True(t, strings.HasPrefix(u, "http://origin.test/live/tiles/"), u)
	}
}

func TestPauseLetsInFlightDownloadsComplete(t *testing.T) {
	cfg := testConfig()
	o := newOrigin(buildManifest(t, cfg))
	o.gate = make(chan struct{})

	e := startEngine(t, cfg, o)

	for i := 0; i < 2; i++ {
		select {
		case <-o.started:
		case <-time.After(2 * time.Second):
			t.Fatal("downloads did not start")
		}
	}

	require.NoError(t, e.Pause())
	assert.Equal(t, StatePaused, e.State())
	close(o.gate)

	require.Eventually(t, func() bool {
		var n int
		for _, ts := range e.Buffer().Tiles {
			n += ts.Segments
		}
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, o.requests(), 2, "no new requests while paused")

	require.NoError(t, e.Resume())
	require.Eventually(t, func() bool {
		return len(o.requests()) == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopAbortsDownloadsAndReleasesBuffers(t *testing.T) {
	cfg := testConfig()
	o := newOrigin(buildManifest(t, cfg))
	o.gate = make(chan struct{})
	sink := &recordingSink{}

	e, err := New(cfg, o, WithSink(sink))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background(), manifestURL))

	select {
	case <-o.started:
	case <-time.After(2 * time.Second):
		t.Fatal("downloads did not start")
	}

	done := make(chan struct{})
	go func() {
		_ = e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not abort in-flight downloads")
	}

	assert.Equal(t, StateStopped, e.State())
	assert.Empty(t, e.Buffer().Tiles)
	segments, _ := sink.counts()
	assert.Zero(t, segments)
	assert.NoError(t, e.Stop())
}

func TestInvalidTransitions(t *testing.T) {
	cfg := testConfig()
	e, err := New(cfg, newOrigin(buildManifest(t, cfg)))
	require.NoError(t, err)

	assert.True(t, apperrors.IsType(e.Pause(), apperrors.ErrorTypeInvalidState))
	assert.True(t, apperrors.IsType(e.Resume(), apperrors.ErrorTypeInvalidState))
	assert.True(t, apperrors.IsType(e.ConsumePlayback(time.Second), apperrors.ErrorTypeInvalidState))

	require.NoError(t, e.Start(context.Background(), manifestURL))
	defer e.Stop()

	assert.True(t, apperrors.IsType(e.Start(context.Background(), manifestURL), apperrors.ErrorTypeInvalidState))
	assert.True(t, apperrors.IsType(e.Resume(), apperrors.ErrorTypeInvalidState))
	require.NoError(t, e.Pause())
	assert.True(t, apperrors.IsType(e.Pause(), apperrors.ErrorTypeInvalidState))
}

func TestViewportUpdatesAreThrottled(t *testing.T) {
	cfg := testConfig()
	cfg.ViewportRateHz = 10
	e := startEngine(t, cfg, newOrigin(buildManifest(t, cfg)))

	for i := 0; i < 100; i++ {
		e.OnViewportUpdate(viewport.FromAngles(float64(i), 90))
	}

	require.Eventually(t, func() bool {
		return e.Viewport().Yaw > 98.9
	}, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 99, e.Viewport().Yaw, 1e-6)
	assert.LessOrEqual(t, e.tracker.Updates(), uint64(3))
}

func TestTileDecisionsFollowGaze(t *testing.T) {
	cfg := testConfig()
	cfg.GridCols = 6
	cfg.GridRows = 3
	cfg.MinEstimateKbps = 20000

	var mu sync.Mutex
	var last []TileDecision
	listener := DecisionFunc(func(d []TileDecision) {
		mu.Lock()
		defer mu.Unlock()
		last = d
	})

	e := startEngine(t, cfg, newOrigin(buildManifest(t, cfg)), WithDecisionListener(listener))
	e.OnViewportUpdate(viewport.FromAngles(30, 90))

	// Tile 6 is the left-most middle-row tile, tile 9 sits opposite it.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 18 && math.Abs(last[9].Distance-150) < 1e-6
	}, 2*time.Second, 5*time.Millisecond)

	d := e.Decisions()
	assert.Equal(t, 0, d[6].Quality)
	assert.Equal(t, 0, d[6].Priority)
	assert.True(t, d[6].Visible)
	assert.Equal(t, 2, d[9].Quality)
	assert.False(t, d[9].Visible)
}

func TestFetchCapsTierToBandwidth(t *testing.T) {
	cfg := testConfig()
	o := newOrigin(buildManifest(t, cfg))
	e := startEngine(t, cfg, o)

	// Samples of 800 kbps afford nothing above the lowest tier.
	req := &scheduler.Request{Key: scheduler.Key{TileID: 1, Index: 42}, Quality: 0}
	_, _, err := e.fetchSegment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, req.Quality)
	assert.Contains(t, o.requests(), "http://origin.test/live/tiles/1/q2/42.m4s")
}

func TestFailedSegmentKeepsLastKnownGoodQuality(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentRetries = 1
	o := newOrigin(buildManifest(t, cfg))
	o.fail = func(url string) bool { return strings.Contains(url, "/tiles/1/") }
	rec := &telemetry.Recorder{}

	e := startEngine(t, cfg, o, WithTelemetry(rec))

	require.Eventually(t, func() bool {
		return rec.Count(telemetry.EventSegmentFailed) > 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StatePlaying, e.State())
	tiles := e.Tiles()
	assert.Equal(t, 2, tiles[1].QualityLevel)
	ev, ok := rec.Last(telemetry.EventSegmentFailed)
	require.True(t, ok)
	require.NotNil(t, ev.TileID)
	assert.Equal(t, 1, *ev.TileID)
	assert.Equal(t, float64(2), ev.Value, "original attempt plus one retry")

	// The healthy tile is unaffected.
	require.Eventually(t, func() bool {
		return e.Buffer().Tiles[0].Buffered == cfg.TargetBuffer
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStarvationRaisesRebufferOncePerEpisode(t *testing.T) {
	cfg := testConfig()
	o := newOrigin(buildManifest(t, cfg))
	rec := &telemetry.Recorder{}
	sink := &recordingSink{}

	e := startEngine(t, cfg, o, WithTelemetry(rec), WithSink(sink))

	require.Eventually(t, func() bool {
		return e.Buffer().Aggregate == cfg.TargetBuffer
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.Count(telemetry.EventRebuffer), "initial buffering is not a rebuffer")

	require.NoError(t, e.ConsumePlayback(5*time.Second))

	require.Eventually(t, func() bool {
		return rec.Count(telemetry.EventBufferRecovered) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.Count(telemetry.EventRebuffer))
	_, rebuffers := sink.counts()
	assert.Equal(t, 1, rebuffers)
}

func TestEvictionReclaimsFarTiles(t *testing.T) {
	cfg := testConfig()
	cfg.GridCols = 4
	cfg.ConcurrencyCap = 1
	cfg.MinEstimateKbps = 20000
	cfg.HighQualityRadiusDeg = 30
	cfg.MediumQualityRadiusDeg = 50
	cfg.LowQualityRadiusDeg = 60
	// Facing yaw 0, tiles 0 and 3 buffer two tier 0 segments each and
	// tiles 1 and 2 two tier 2 segments each: exactly the capacity.
	cfg.MaxBufferBytes = 2*500000 + 2*500000 + 2*37500 + 2*37500

	src := fetch.NewSimulated(buildManifest(t, cfg), cfg.QualityLadder, cfg.SegmentDuration, 0)
	sink := &recordingSink{}
	rec := &telemetry.Recorder{}

	e := startEngine(t, cfg, src, WithSink(sink), WithTelemetry(rec))
	require.Eventually(t, func() bool {
		return e.Buffer().Aggregate == cfg.TargetBuffer
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.Count(telemetry.EventEviction))

	// Turning around makes the buffered high quality tiles far.
	e.OnViewportUpdate(viewport.FromAngles(180, 90))
	require.Eventually(t, func() bool {
		return e.Viewport().Yaw > 179
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.ConsumePlayback(500*time.Millisecond))

	require.Eventually(t, func() bool {
		return rec.Count(telemetry.EventEviction) > 0
	}, 2*time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	assert.Positive(t, sink.evicted)
	sink.mu.Unlock()
	assert.LessOrEqual(t, e.Buffer().TotalBytes, cfg.MaxBufferBytes)
}

func TestEvictedFarTilesDoNotHoldRebuffering(t *testing.T) {
	cfg := testConfig()
	cfg.GridCols = 4
	cfg.ConcurrencyCap = 1
	cfg.MinEstimateKbps = 20000
	cfg.HighQualityRadiusDeg = 30
	cfg.MediumQualityRadiusDeg = 50
	cfg.LowQualityRadiusDeg = 60
	cfg.MaxBufferBytes = 2*500000 + 2*500000 + 2*37500 + 2*37500

	src := fetch.NewSimulated(buildManifest(t, cfg), cfg.QualityLadder, cfg.SegmentDuration, 0)
	sink := &recordingSink{}
	rec := &telemetry.Recorder{}

	e := startEngine(t, cfg, src, WithSink(sink), WithTelemetry(rec))
	require.Eventually(t, func() bool {
		return e.Buffer().Aggregate == cfg.TargetBuffer
	}, 2*time.Second, 5*time.Millisecond)

	e.OnViewportUpdate(viewport.FromAngles(180, 90))
	require.Eventually(t, func() bool {
		return e.Viewport().Yaw > 179
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.ConsumePlayback(500*time.Millisecond))

	// Tiles 1 and 2 face the gaze; 0 and 3 are beyond the low quality radius.
	require.Eventually(t, func() bool {
		b := e.Buffer()
		return rec.Count(telemetry.EventEviction) > 0 &&
			b.Tiles[1].Buffered >= cfg.TargetBuffer && b.Tiles[2].Buffered >= cfg.TargetBuffer
	}, 3*time.Second, 5*time.Millisecond)

	st := e.Status()
	assert.False(t, st.Rebuffering)
	assert.GreaterOrEqual(t, st.BufferedMs, cfg.TargetBuffer.Milliseconds())
	assert.Zero(t, rec.Count(telemetry.EventRebuffer))
	_, rebuffers := sink.counts()
	assert.Zero(t, rebuffers)

	// A further playback step with full near tiles stays out of rebuffering
	// even though far tiles were emptied.
	require.NoError(t, e.ConsumePlayback(200*time.Millisecond))
	assert.False(t, e.Status().Rebuffering)
}

func TestEnginesDoNotShareState(t *testing.T) {
	cfg := testConfig()
	a := startEngine(t, cfg, newOrigin(buildManifest(t, cfg)))
	b := startEngine(t, cfg, newOrigin(buildManifest(t, cfg)))

	a.OnViewportUpdate(viewport.FromAngles(180, 90))
	require.Eventually(t, func() bool {
		return a.Viewport().Yaw > 179
	}, 2*time.Second, 5*time.Millisecond)

	assert.InDelta(t, 0, b.Viewport().Yaw, 1e-9)
	require.NoError(t, a.Stop())
	assert.Equal(t, StatePlaying, b.State())
}

func TestOrientationSourceIsPolled(t *testing.T) {
	cfg := testConfig()
	src := &fixedSource{o: viewport.FromAngles(200, 90)}

	e := startEngine(t, cfg, newOrigin(buildManifest(t, cfg)), WithOrientationSource(src))

	require.Eventually(t, func() bool {
		return e.Viewport().Yaw > 199
	}, 2*time.Second, 5*time.Millisecond)
}

type fixedSource struct {
	o    viewport.Orientation
	used int32
}

func (s *fixedSource) Orientation() (viewport.Orientation, bool) {
	if atomic.AddInt32(&s.used, 1) > 1 {
		return nil, false
	}
	return s.o, true
}
