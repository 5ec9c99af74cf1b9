// Package scheduler orders, deduplicates and bounds concurrent segment
// downloads.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/zsiec/tilestream/internal/errors"
	"github.com/zsiec/tilestream/internal/logger"
)

// State is the lifecycle position of one (tile, index) segment.
type State int

const (
	StateIdle State = iota
	StateRequested
	StateDownloading
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateDownloading:
		return "downloading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Key identifies a segment of a tile.
type Key struct {
	TileID int `json:"tile_id"`
	Index  int `json:"index"`
}

// Request is one segment to download.
type Request struct {
	Key
	Quality  int           `json:"quality"`
	Distance float64       `json:"distance"`
	Boost    bool          `json:"boost"`
	Duration time.Duration `json:"duration"`
}

// Result is the terminal outcome of a request.
type Result struct {
	Request
	State    State
	Bytes    []byte
	Elapsed  time.Duration
	Attempts int
	Err      error
}

// FetchFunc downloads one segment. It must honor ctx cancellation. It may
// lower req.Quality before downloading; the result reports the final value.
// A non-positive elapsed time is replaced by the scheduler's own measurement.
type FetchFunc func(ctx context.Context, req *Request) (data []byte, elapsed time.Duration, err error)

// Handler receives terminal results. It runs on the worker goroutine before
// the next request is dispatched.
type Handler func(Result)

// Config bounds the scheduler.
type Config struct {
	Concurrency int
	Timeout     time.Duration
	Retries     int
}

// Scheduler dispatches requests in priority order with at most
// Config.Concurrency in flight.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	fetch    FetchFunc
	onResult Handler
	logger   logger.Logger

	pending priorityQueue
	queued  map[Key]*item
	active  map[Key]State
	paused  bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. onResult may be nil.
func New(cfg Config, fetch FetchFunc, onResult Handler, log logger.Logger) (*Scheduler, error) {
	if cfg.Concurrency < 1 {
		return nil, apperrors.NewConfigurationError("concurrency cap must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.Timeout <= 0 {
		return nil, apperrors.NewConfigurationError("segment timeout must be positive")
	}
	if cfg.Retries < 0 {
		return nil, apperrors.NewConfigurationError("segment retries must not be negative")
	}
	if fetch == nil {
		return nil, apperrors.NewConfigurationError("fetch function is required")
	}
	if onResult == nil {
		onResult = func(Result) {}
	}
	if log == nil {
		log = logger.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		fetch:    fetch,
		onResult: onResult,
		logger:   log.WithField("component", "scheduler"),
		queued:   make(map[Key]*item),
		active:   make(map[Key]State),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Enqueue adds a request. It returns false when the same (tile, index) is
// already pending or in flight, or the scheduler is stopped.
func (s *Scheduler) Enqueue(req Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.queued[req.Key]; ok {
		return false
	}
	if _, ok := s.active[req.Key]; ok {
		return false
	}

	it := &item{req: req}
	heap.Push(&s.pending, it)
	s.queued[req.Key] = it
	s.dispatchLocked()
	return true
}

// Has reports whether the segment is pending or in flight.
func (s *Scheduler) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, queued := s.queued[key]
	_, active := s.active[key]
	return queued || active
}

// State returns StateRequested or StateDownloading for in-flight segments
// and StateIdle otherwise.
func (s *Scheduler) State(key Key) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.active[key]; ok {
		return st
	}
	return StateIdle
}

// Reprioritize applies update to every pending request and reorders the
// queue. In-flight requests are left alone.
func (s *Scheduler) Reprioritize(update func(*Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.pending {
		key := it.req.Key
		update(&it.req)
		it.req.Key = key
	}
	heap.Init(&s.pending)
}

// Pending returns queued requests in dispatch order.
func (s *Scheduler) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.pending))
	for i, it := range s.pending {
		out[i] = it.req
	}
	sort.Slice(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

// InFlight returns how many requests are requested or downloading.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Pause stops dispatching. In-flight downloads run to completion.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume restarts dispatching.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.dispatchLocked()
}

// Paused reports whether dispatch is suspended.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Clear drops every pending request and returns them.
func (s *Scheduler) Clear() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

// Stop drops pending requests, aborts in-flight downloads and waits for
// their workers to exit. No results are delivered after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.clearLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Wait blocks until no request is pending or in flight, or ctx ends. A
// paused scheduler with pending work never drains.
func (s *Scheduler) Wait(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		idle := len(s.active) == 0 && len(s.pending) == 0
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) clearLocked() []Request {
	out := make([]Request, 0, len(s.pending))
	for _, it := range s.pending {
		out = append(out, it.req)
	}
	s.pending = nil
	s.queued = make(map[Key]*item)
	return out
}

func (s *Scheduler) dispatchLocked() {
	for !s.paused && !s.stopped && len(s.active) < s.cfg.Concurrency && s.pending.Len() > 0 {
		it := heap.Pop(&s.pending).(*item)
		delete(s.queued, it.req.Key)
		s.active[it.req.Key] = StateRequested
		s.wg.Add(1)
		go s.run(it.req)
	}
}

func (s *Scheduler) setState(key Key, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[key]; ok {
		s.active[key] = st
	}
}

func (s *Scheduler) run(req Request) {
	defer s.wg.Done()

	s.setState(req.Key, StateDownloading)
	var res Result
	start := time.Now()

	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		res.Attempts = attempt + 1
		attemptStart := time.Now()

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
		data, elapsed, err := s.fetch(ctx, &req)
		cancel()

		if err == nil {
			if elapsed <= 0 {
				elapsed = time.Since(attemptStart)
			}
			res.State = StateCompleted
			res.Bytes = data
			res.Elapsed = elapsed
			res.Err = nil
			break
		}
		if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
			err = apperrors.NewTimeoutError(fmt.Sprintf("segment %d of tile %d timed out after %s", req.Index, req.TileID, s.cfg.Timeout))
		}
		res.State = StateFailed
		res.Err = apperrors.NewSegmentFetchError(err, req.TileID, req.Index)
		res.Elapsed = time.Since(start)

		if s.ctx.Err() != nil {
			break
		}
		s.logger.WithFields(map[string]interface{}{
			"tile_id": req.TileID,
			"index":   req.Index,
			"attempt": res.Attempts,
		}).WithError(err).Debug("Segment fetch attempt failed")
	}

	res.Request = req

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	// The key stays active while the handler runs so it cannot be re-queued.
	if !stopped {
		s.onResult(res)
	}

	s.mu.Lock()
	delete(s.active, req.Key)
	s.dispatchLocked()
	s.mu.Unlock()
}
