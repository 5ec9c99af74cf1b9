package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zsiec/tilestream/internal/errors"
	"github.com/zsiec/tilestream/internal/logger"
)

type results struct {
	mu  sync.Mutex
	all []Result
}

func (r *results) handle(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, res)
}

func (r *results) get() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.all))
	copy(out, r.all)
	return out
}

// simple adapts a fetch that does not report its own timing.
func simple(f func(context.Context, *Request) ([]byte, error)) FetchFunc {
	return func(ctx context.Context, req *Request) ([]byte, time.Duration, error) {
		data, err := f(ctx, req)
		return data, 0, err
	}
}

func newScheduler(t *testing.T, cfg Config, fetch FetchFunc, h Handler) *Scheduler {
	t.Helper()
	s, err := New(cfg, fetch, h, logger.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestNewValidates(t *testing.T) {
	fetch := func(context.Context, *Request) ([]byte, error) { return nil, nil }

	_, err := New(Config{Concurrency: 0, Timeout: time.Second}, simple(fetch), nil, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
	_, err = New(Config{Concurrency: 1, Timeout: 0}, simple(fetch), nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Concurrency: 1, Timeout: time.Second, Retries: -1}, simple(fetch), nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Concurrency: 1, Timeout: time.Second}, nil, nil, nil)
	assert.Error(t, err)
}

func TestDispatchOrder(t *testing.T) {
	var mu sync.Mutex
	var order []Key
	fetch := func(_ context.Context, req *Request) ([]byte, error) {
		mu.Lock()
		order = append(order, req.Key)
		mu.Unlock()
		return []byte("x"), nil
	}

	s := newScheduler(t, Config{Concurrency: 1, Timeout: time.Second}, simple(fetch), nil)
	s.Pause()

	s.Enqueue(Request{Key: Key{TileID: 4, Index: 0}, Distance: 30})
	s.Enqueue(Request{Key: Key{TileID: 2, Index: 1}, Distance: 10})
	s.Enqueue(Request{Key: Key{TileID: 1, Index: 0}, Distance: 30})
	s.Enqueue(Request{Key: Key{TileID: 2, Index: 0}, Distance: 10})
	s.Enqueue(Request{Key: Key{TileID: 9, Index: 0}, Distance: 150, Boost: true})

	pending := s.Pending()
	require.Len(t, pending, 5)
	assert.Equal(t, 9, pending[0].TileID)

	s.Resume()
	waitIdle(t, s)

	assert.Equal(t, []Key{
		{TileID: 9, Index: 0},
		{TileID: 2, Index: 0},
		{TileID: 2, Index: 1},
		{TileID: 1, Index: 0},
		{TileID: 4, Index: 0},
	}, order)
}

func TestEnqueueDeduplicates(t *testing.T) {
	release := make(chan struct{})
	fetch := func(ctx context.Context, _ *Request) ([]byte, error) {
		select {
		case <-release:
			return []byte("ok"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := newScheduler(t, Config{Concurrency: 1, Timeout: 5 * time.Second}, simple(fetch), nil)
	k := Key{TileID: 1, Index: 3}

	assert.True(t, s.Enqueue(Request{Key: k}))
	assert.False(t, s.Enqueue(Request{Key: k}), "in flight")
	assert.True(t, s.Has(k))

	other := Key{TileID: 2, Index: 3}
	assert.True(t, s.Enqueue(Request{Key: other}))
	assert.False(t, s.Enqueue(Request{Key: other, Distance: 1}), "pending")

	close(release)
	waitIdle(t, s)
	assert.False(t, s.Has(k))
	assert.True(t, s.Enqueue(Request{Key: k}), "completed keys may be fetched again")
}

func TestConcurrencyCapAndNoDuplicates(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		limit := 1 + rng.Intn(4)

		var current, peak int32
		var mu sync.Mutex
		live := make(map[Key]bool)
		var dup atomic.Bool

		fetch := func(_ context.Context, req *Request) ([]byte, error) {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			mu.Lock()
			if live[req.Key] {
				dup.Store(true)
			}
			live[req.Key] = true
			mu.Unlock()

			time.Sleep(time.Duration(delayFor(*req)) * time.Millisecond)

			mu.Lock()
			delete(live, req.Key)
			mu.Unlock()
			atomic.AddInt32(&current, -1)
			return []byte("seg"), nil
		}

		var res results
		s := newScheduler(t, Config{Concurrency: limit, Timeout: time.Second}, simple(fetch), res.handle)

		accepted := 0
		for i := 0; i < 200; i++ {
			req := Request{
				Key:      Key{TileID: rng.Intn(8), Index: rng.Intn(10)},
				Distance: rng.Float64() * 180,
			}
			if s.Enqueue(req) {
				accepted++
			}
			require.LessOrEqual(t, s.InFlight(), limit)
		}
		waitIdle(t, s)

		assert.LessOrEqual(t, int(atomic.LoadInt32(&peak)), limit, "seed %d", seed)
		assert.False(t, dup.Load(), "seed %d", seed)
		assert.Len(t, res.get(), accepted)
	}
}

// delayFor derives a small deterministic delay from the request.
func delayFor(req Request) int {
	return (req.TileID*7 + req.Index*3) % 4
}

func TestRetryOnceThenSucceed(t *testing.T) {
	var calls int32
	fetch := func(context.Context, *Request) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("status 503")
		}
		return []byte("data"), nil
	}

	var res results
	s := newScheduler(t, Config{Concurrency: 1, Timeout: time.Second, Retries: 1}, simple(fetch), res.handle)
	s.Enqueue(Request{Key: Key{TileID: 0, Index: 0}})
	waitIdle(t, s)

	got := res.get()
	require.Len(t, got, 1)
	assert.Equal(t, StateCompleted, got[0].State)
	assert.Equal(t, 2, got[0].Attempts)
	assert.Equal(t, []byte("data"), got[0].Bytes)
	assert.NoError(t, got[0].Err)
}

func TestFailsAfterRetry(t *testing.T) {
	var calls int32
	fetch := func(context.Context, *Request) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("status 404")
	}

	var res results
	s := newScheduler(t, Config{Concurrency: 2, Timeout: time.Second, Retries: 1}, simple(fetch), res.handle)
	s.Enqueue(Request{Key: Key{TileID: 3, Index: 7}})
	s.Enqueue(Request{Key: Key{TileID: 4, Index: 7}})
	waitIdle(t, s)

	got := res.get()
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, StateFailed, r.State)
		assert.Equal(t, 2, r.Attempts)
		assert.True(t, apperrors.IsType(r.Err, apperrors.ErrorTypeSegmentFetch))
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestTimeout(t *testing.T) {
	fetch := func(ctx context.Context, _ *Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var res results
	s := newScheduler(t, Config{Concurrency: 1, Timeout: 20 * time.Millisecond, Retries: 1}, simple(fetch), res.handle)
	s.Enqueue(Request{Key: Key{TileID: 1, Index: 1}})
	waitIdle(t, s)

	got := res.get()
	require.Len(t, got, 1)
	assert.Equal(t, StateFailed, got[0].State)
	assert.Equal(t, 2, got[0].Attempts)
	assert.True(t, apperrors.IsType(got[0].Err, apperrors.ErrorTypeTimeout))
}

func TestPauseLetsInFlightFinish(t *testing.T) {
	started := make(chan Key, 10)
	release := make(chan struct{})
	fetch := func(ctx context.Context, req *Request) ([]byte, error) {
		started <- req.Key
		select {
		case <-release:
			return []byte("seg"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var res results
	s := newScheduler(t, Config{Concurrency: 2, Timeout: 5 * time.Second}, simple(fetch), res.handle)
	for i := 0; i < 4; i++ {
		s.Enqueue(Request{Key: Key{TileID: i, Index: 0}, Distance: float64(i)})
	}

	<-started
	<-started
	assert.Equal(t, StateDownloading, waitForState(t, s, Key{TileID: 0, Index: 0}))
	s.Pause()
	close(release)

	require.Eventually(t, func() bool { return len(res.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)

	select {
	case k := <-started:
		t.Fatalf("request %v started while paused", k)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, s.Pending(), 2)

	s.Resume()
	waitIdle(t, s)
	assert.Len(t, res.get(), 4)
}

func waitForState(t *testing.T, s *Scheduler, k Key) State {
	t.Helper()
	var st State
	require.Eventually(t, func() bool {
		st = s.State(k)
		return st == StateDownloading
	}, time.Second, time.Millisecond)
	return st
}

func TestStopAbortsInFlight(t *testing.T) {
	started := make(chan struct{}, 4)
	fetch := func(ctx context.Context, _ *Request) ([]byte, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var res results
	s, err := New(Config{Concurrency: 2, Timeout: time.Minute}, simple(fetch), res.handle, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.Enqueue(Request{Key: Key{TileID: i}})
	}
	<-started
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	assert.Empty(t, res.get())
	assert.Equal(t, 0, s.InFlight())
	assert.Empty(t, s.Pending())
	assert.False(t, s.Enqueue(Request{Key: Key{TileID: 9}}))
	s.Stop()
}

func TestReprioritize(t *testing.T) {
	fetch := func(context.Context, *Request) ([]byte, error) { return nil, nil }
	s := newScheduler(t, Config{Concurrency: 1, Timeout: time.Second}, simple(fetch), nil)
	s.Pause()

	s.Enqueue(Request{Key: Key{TileID: 0}, Distance: 10})
	s.Enqueue(Request{Key: Key{TileID: 1}, Distance: 90})

	s.Reprioritize(func(r *Request) {
		if r.TileID == 1 {
			r.Distance = 0
			r.Quality = 0
			r.TileID = 55 // keys are immutable
		} else {
			r.Distance = 120
		}
	})

	pending := s.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].TileID)
	assert.Equal(t, 0.0, pending[0].Distance)

	cleared := s.Clear()
	assert.Len(t, cleared, 2)
	assert.Empty(t, s.Pending())
	assert.False(t, s.Has(Key{TileID: 0}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "downloading", StateDownloading.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestFetchMayAdjustRequest(t *testing.T) {
	fetch := func(_ context.Context, req *Request) ([]byte, time.Duration, error) {
		req.Quality = 2
		return []byte("low"), 40 * time.Millisecond, nil
	}

	var res results
	s := newScheduler(t, Config{Concurrency: 1, Timeout: time.Second}, fetch, res.handle)
	s.Enqueue(Request{Key: Key{TileID: 1, Index: 4}, Quality: 0})
	waitIdle(t, s)

	got := res.get()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Quality)
	assert.Equal(t, Key{TileID: 1, Index: 4}, got[0].Key)
	assert.Equal(t, 40*time.Millisecond, got[0].Elapsed)
}
