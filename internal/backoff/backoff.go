// Package backoff retries operations with exponential backoff and jitter.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Strategy yields successive retry delays.
type Strategy interface {
	// NextDelay returns the next delay and whether another retry is allowed.
	NextDelay() (time.Duration, bool)
	Reset()
}

// ExponentialBackoff grows the delay by Multiplier per retry with ±20% jitter.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int // zero means unlimited

	currentDelay time.Duration
	retryCount   int
	jitter       func() float64
	mu           sync.Mutex
}

// NewExponentialBackoff creates a strategy allowing maxRetries retries.
func NewExponentialBackoff(initialDelay, maxDelay time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	if multiplier < 1 {
		multiplier = 1
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	return &ExponentialBackoff{
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		MaxRetries:   maxRetries,
		currentDelay: initialDelay,
		jitter:       rand.Float64,
	}
}

// NextDelay implements Strategy.
func (e *ExponentialBackoff) NextDelay() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.MaxRetries > 0 && e.retryCount >= e.MaxRetries {
		return 0, false
	}

	delay := time.Duration(float64(e.currentDelay) * (0.8 + 0.4*e.jitter()))

	e.currentDelay = time.Duration(float64(e.currentDelay) * e.Multiplier)
	if e.currentDelay > e.MaxDelay {
		e.currentDelay = e.MaxDelay
	}
	e.retryCount++

	return delay, true
}

// Reset implements Strategy.
func (e *ExponentialBackoff) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentDelay = e.InitialDelay
	e.retryCount = 0
}

// Attempts builds a strategy that allows attempts total tries of an
// operation, doubling from delay up to 16x.
func Attempts(attempts int, delay time.Duration) Strategy {
	if attempts <= 1 {
		return noRetry{}
	}
	return NewExponentialBackoff(delay, 16*delay, 2, attempts-1)
}

type noRetry struct{}

func (noRetry) NextDelay() (time.Duration, bool) { return 0, false }
func (noRetry) Reset()                           {}

// RetryFunc is notified before each wait.
type RetryFunc func(attempt int, delay time.Duration, err error)

// Retry runs op until it succeeds, the strategy gives up, or ctx ends. It
// returns the last error from op, or ctx's error if cancelled while waiting.
func Retry(ctx context.Context, s Strategy, op func(context.Context) error, onRetry RetryFunc) error {
	attempt := 0
	for {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		delay, ok := s.NextDelay()
		if !ok {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
