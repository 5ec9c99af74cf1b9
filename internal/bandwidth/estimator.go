// Package bandwidth smooths per-segment throughput samples into a single
// bandwidth estimate.
//
// The estimate is an exponential moving average over the mean of a fixed
// window of recent samples. A higher alpha keeps the estimate stable but
// reacts slowly to sudden drops, which risks rebuffering. A lower alpha
// reacts quickly but is noisier.
package bandwidth

import (
	"sync"
	"time"

	apperrors "github.com/zsiec/tilestream/internal/errors"
)

// Sample is one throughput measurement.
type Sample struct {
	Kbps      float64   `json:"kbps"`
	Timestamp time.Time `json:"timestamp"`
}

// Estimator is safe for concurrent use.
type Estimator struct {
	mu       sync.RWMutex
	ring     []Sample
	next     int
	count    int
	alpha    float64
	floor    float64
	estimate float64
	seeded   bool
	now      func() time.Time
}

// New creates an estimator keeping windowSize samples. alpha weights the
// previous estimate and minKbps floors the reported value.
func New(windowSize int, alpha, minKbps float64) (*Estimator, error) {
	if windowSize <= 0 {
		return nil, apperrors.NewConfigurationError("bandwidth window size must be positive, got %d", windowSize)
	}
	if alpha < 0 || alpha >= 1 {
		return nil, apperrors.NewConfigurationError("ema alpha must be in [0,1), got %v", alpha)
	}
	if minKbps <= 0 {
		return nil, apperrors.NewConfigurationError("minimum estimate must be positive, got %v", minKbps)
	}

	return &Estimator{
		ring:  make([]Sample, windowSize),
		alpha: alpha,
		floor: minKbps,
		now:   time.Now,
	}, nil
}

// RecordSample adds a completed transfer of bytes over elapsedMs
// milliseconds. Samples with non-positive elapsed time or negative size are
// discarded and false is returned.
func (e *Estimator) RecordSample(bytes int64, elapsedMs float64) bool {
	if elapsedMs <= 0 || bytes < 0 {
		return false
	}
	kbps := float64(bytes) * 8 / (elapsedMs / 1000) / 1000

	e.mu.Lock()
	defer e.mu.Unlock()

	e.ring[e.next] = Sample{Kbps: kbps, Timestamp: e.now()}
	e.next = (e.next + 1) % len(e.ring)
	if e.count < len(e.ring) {
		e.count++
	}

	avg := e.windowedAverageLocked()
	if !e.seeded {
		e.estimate = avg
		e.seeded = true
	} else {
		e.estimate = e.alpha*e.estimate + (1-e.alpha)*avg
	}
	return true
}

// Estimate returns the smoothed estimate in kbps, never below the floor.
func (e *Estimator) Estimate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.estimate < e.floor {
		return e.floor
	}
	return e.estimate
}

// WindowedAverage returns the arithmetic mean of the samples in the window.
func (e *Estimator) WindowedAverage() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.windowedAverageLocked()
}

// Samples returns the window oldest first.
func (e *Estimator) Samples() []Sample {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Sample, 0, e.count)
	start := (e.next - e.count + len(e.ring)) % len(e.ring)
	for i := 0; i < e.count; i++ {
		out = append(out, e.ring[(start+i)%len(e.ring)])
	}
	return out
}

// Len returns the number of samples currently held.
func (e *Estimator) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count
}

// Reset forgets every sample.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next, e.count = 0, 0
	e.estimate, e.seeded = 0, false
}

func (e *Estimator) windowedAverageLocked() float64 {
	if e.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < e.count; i++ {
		sum += e.ring[i].Kbps
	}
	return sum / float64(e.count)
}
