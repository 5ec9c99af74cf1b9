// Package engine orchestrates a viewport-adaptive tiled 360° streaming
// session: it turns gaze direction and bandwidth into per-tile quality
// decisions and bounded, prioritized segment downloads.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/tilestream/internal/backoff"
	"github.com/zsiec/tilestream/internal/bandwidth"
	"github.com/zsiec/tilestream/internal/buffer"
	"github.com/zsiec/tilestream/internal/config"
	apperrors "github.com/zsiec/tilestream/internal/errors"
	"github.com/zsiec/tilestream/internal/fetch"
	"github.com/zsiec/tilestream/internal/logger"
	"github.com/zsiec/tilestream/internal/manifest"
	"github.com/zsiec/tilestream/internal/quality"
	"github.com/zsiec/tilestream/internal/scheduler"
	"github.com/zsiec/tilestream/internal/telemetry"
	"github.com/zsiec/tilestream/internal/tile"
	"github.com/zsiec/tilestream/internal/viewport"
)

// State is the session lifecycle position.
type State int

const (
	StateStopped State = iota
	StateStarting
	StatePlaying
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Engine owns every piece of state of one streaming session. Multiple
// engines never share state.
type Engine struct {
	cfg       config.EngineConfig
	fetcher   fetch.Fetcher
	logger    logger.Logger
	collector telemetry.Collector
	sink      MediaSink
	listener  DecisionListener
	source    OrientationSource
	metric    viewport.Metric

	mu          sync.Mutex
	state       State
	lastErr     error
	manifestURL string
	desc        *manifest.Description
	grid        *tile.Grid
	tiles       []tile.Tile
	distances   []float64
	starved     []bool
	ladder      quality.Ladder
	tracker     *viewport.Tracker
	estimator   *bandwidth.Estimator
	selector    *quality.Selector
	buffers     *buffer.Manager
	sched       *scheduler.Scheduler
	nextIndex   []int
	segment     time.Duration
	playing     bool // consumer has started playback
	starving    bool
	lastSuccess time.Time

	// Estimated size of requests not yet delivered.
	reserved      map[scheduler.Key]int64
	reservedBytes int64

	limiter     *rate.Limiter
	latest      viewport.Orientation
	signal      chan struct{}
	startCancel context.CancelFunc
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
}

// New validates cfg and creates a stopped engine. The grid, ladder and
// segment duration are replaced by those of the manifest on Start.
func New(cfg config.EngineConfig, fetcher fetch.Fetcher, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, apperrors.NewConfigurationError("a fetcher is required")
	}
	cfg.QualityLadder = append([]config.QualityLevel(nil), cfg.QualityLadder...)

	e := &Engine{
		cfg:       cfg,
		fetcher:   fetcher,
		logger:    logger.NewNullLogger(),
		collector: telemetry.Nop{},
		sink:      NopSink{},
		metric:    viewport.AngularDistance,
		state:     StateStopped,
		tracker:   viewport.NewTracker(cfg.ViewportFOV),
		signal:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithField("component", "engine")
	e.tracker.SetMetric(e.metric)
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() config.EngineConfig { return e.cfg }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error that moved the engine to StateError.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Start fetches and parses the manifest, retrying with backoff, builds the
// tile grid and begins playback. Exhausted retries leave the engine in
// StateError and return a ManifestFetchError.
func (e *Engine) Start(ctx context.Context, manifestURL string) error {
	e.mu.Lock()
	if e.state != StateStopped && e.state != StateError {
		st := e.state
		e.mu.Unlock()
		return apperrors.NewInvalidStateError("start", st.String())
	}
	startCtx, cancel := context.WithCancel(ctx)
	e.startCancel = cancel
	e.manifestURL = manifestURL
	e.lastErr = nil
	e.setStateLocked(StateStarting)
	e.mu.Unlock()
	defer cancel()

	log := e.logger.WithField("manifest_url", manifestURL)
	log.Info("Starting session")

	var desc *manifest.Description
	strategy := backoff.Attempts(e.cfg.ManifestRetryAttempts, e.cfg.ManifestRetryDelay)
	err := backoff.Retry(startCtx, strategy, func(ctx context.Context) error {
		res, err := fetch.Get(ctx, e.fetcher, manifestURL)
		if err != nil {
			return err
		}
		d, err := manifest.Parse(res.Bytes, manifestURL)
		if err != nil {
			return err
		}
		desc = d
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		log.WithError(err).WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("Manifest fetch failed, retrying")
	})
	if err == nil {
		err = e.initSession(desc)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.startCancel = nil

	if e.state != StateStarting {
		// Stopped while starting.
		e.teardownLocked()
		return apperrors.NewInvalidStateError("start", e.state.String())
	}
	if err != nil {
		appErr := apperrors.NewManifestFetchError(err, manifestURL)
		e.lastErr = appErr
		e.teardownLocked()
		e.setStateLocked(StateError)
		log.WithError(err).Error("Session failed to start")
		return appErr
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	e.loopCancel = loopCancel
	e.loopDone = make(chan struct{})
	e.setStateLocked(StatePlaying)
	e.applyLocked()
	go e.run(loopCtx, e.loopDone, e.limiter)

	log.WithFields(map[string]interface{}{
		"grid":     fmt.Sprintf("%dx%d", desc.GridCols, desc.GridRows),
		"tiers":    len(desc.Ladder),
		"protocol": desc.Protocol,
	}).Info("Session playing")
	return nil
}

// initSession builds every per-session component from the manifest.
func (e *Engine) initSession(desc *manifest.Description) error {
	grid, err := tile.Build(desc.GridCols, desc.GridRows, desc.ProjectionWidth, desc.ProjectionHeight)
	if err != nil {
		return err
	}
	ladder, err := quality.NewLadder(desc.Ladder)
	if err != nil {
		return err
	}
	selector, err := quality.NewSelector(ladder, quality.ThresholdsFrom(&e.cfg), e.cfg.HysteresisFrames, e.cfg.SafetyFactor)
	if err != nil {
		return err
	}
	estimator, err := bandwidth.New(e.cfg.BandwidthWindowSize, e.cfg.EMAAlpha, e.cfg.MinEstimateKbps)
	if err != nil {
		return err
	}
	buffers, err := buffer.NewManager(buffer.Config{
		MinBuffer:    e.cfg.MinBuffer,
		TargetBuffer: e.cfg.TargetBuffer,
		MaxBytes:     e.cfg.MaxBufferBytes,
	})
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Config{
		Concurrency: e.cfg.ConcurrencyCap,
		Timeout:     e.cfg.SegmentTimeout,
		Retries:     e.cfg.SegmentRetries,
	}, e.fetchSegment, e.handleResult, e.logger)
	if err != nil {
		return err
	}

	tiles := grid.Tiles()
	next := make([]int, len(tiles))
	start := desc.StartNumber
	if start <= 0 {
		start = 1
	}
	ids := make([]int, len(tiles))
	for i := range tiles {
		tiles[i].QualityLevel = ladder.Lowest()
		next[i] = start
		ids[i] = tiles[i].ID
	}
	buffers.Track(ids...)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStarting {
		sched.Stop()
		return nil
	}
	e.desc = desc
	e.grid = grid
	e.tiles = tiles
	e.distances = make([]float64, len(tiles))
	e.starved = make([]bool, len(tiles))
	e.ladder = ladder
	e.selector = selector
	e.estimator = estimator
	e.buffers = buffers
	e.sched = sched
	e.nextIndex = next
	e.reserved = make(map[scheduler.Key]int64)
	e.reservedBytes = 0
	e.segment = desc.SegmentDuration
	e.playing = false
	e.starving = false
	e.lastSuccess = time.Now()
	e.limiter = rate.NewLimiter(rate.Limit(e.cfg.ViewportRateHz), 1)
	return nil
}

// Pause stops issuing new segment requests. In-flight downloads complete
// and are buffered.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePlaying {
		return apperrors.NewInvalidStateError("pause", e.state.String())
	}
	e.sched.Pause()
	e.setStateLocked(StatePaused)
	e.logger.Info("Session paused")
	return nil
}

// Resume restarts the scheduling loop.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return apperrors.NewInvalidStateError("resume", e.state.String())
	}
	e.setStateLocked(StatePlaying)
	e.sched.Resume()
	e.fillLocked()
	e.logger.Info("Session resumed")
	return nil
}

// Stop cancels pending requests, aborts in-flight downloads, halts the
// control loop and releases all buffers. Stopping a stopped engine is a
// no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	if e.startCancel != nil {
		e.startCancel()
	}
	sched := e.sched
	loopCancel, loopDone := e.loopCancel, e.loopDone
	e.loopCancel, e.loopDone = nil, nil
	e.setStateLocked(StateStopped)
	e.mu.Unlock()

	if loopCancel != nil {
		loopCancel()
		<-loopDone
	}
	// Workers may call back into the engine, so the lock is not held here.
	if sched != nil {
		sched.Stop()
	}

	e.mu.Lock()
	e.teardownLocked()
	e.mu.Unlock()

	e.logger.Info("Session stopped")
	return nil
}

// failLocked moves a playing session to StateError. A download worker may
// be the caller, so the loop and scheduler are stopped from a goroutine and
// the session is torn down once they have exited.
func (e *Engine) failLocked(err error) {
	e.lastErr = err
	e.setStateLocked(StateError)
	e.logger.WithError(err).Error("Session failed")

	sched := e.sched
	loopCancel, loopDone := e.loopCancel, e.loopDone
	e.loopCancel, e.loopDone = nil, nil
	go func() {
		if loopCancel != nil {
			loopCancel()
			<-loopDone
		}
		sched.Stop()
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.sched == sched && e.state == StateError {
			e.teardownLocked()
		}
	}()
}

// teardownLocked drops per-session components. The scheduler must already
// be stopped or never started.
func (e *Engine) teardownLocked() {
	if e.buffers != nil {
		e.buffers.Release()
	}
	if e.sched != nil {
		e.sched.Stop()
	}
	e.sched = nil
	e.buffers = nil
	e.selector = nil
	e.estimator = nil
	e.reserved = nil
	e.reservedBytes = 0
	e.starving = false
	e.playing = false
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.logger.WithFields(map[string]interface{}{
		"from": e.state.String(),
		"to":   s.String(),
	}).Debug("State change")
	e.state = s
	e.collector.Emit(telemetry.NewEvent(telemetry.EventStateChange, float64(s)))
}
