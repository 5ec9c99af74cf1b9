// Package health runs dependency checks for the tilestream server: the
// session registry, the manifest origin and the local sessions.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zsiec/tilestream/internal/logger"
)

// Status is the outcome of a check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) rank() int {
	switch s {
	case StatusOK:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 5 * time.Second

// Check is the latest result of one checker.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"-"`
	DurationMS  float64       `json:"duration_ms"`
}

// Checker reports nil when healthy, a Degraded error when usable but
// impaired, and any other error when down.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// DegradedError marks a check that works but needs attention.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string { return e.Reason }

// Degraded returns an error that makes a check report StatusDegraded.
func Degraded(reason string) error {
	return &DegradedError{Reason: reason}
}

func classify(err error) (Status, string) {
	var degraded *DegradedError
	switch {
	case err == nil:
		return StatusOK, ""
	case errors.As(err, &degraded):
		return StatusDegraded, degraded.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return StatusDown, "Health check timed out"
	default:
		return StatusDown, err.Error()
	}
}

// Manager runs registered checkers and keeps their latest results.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	results  map[string]*Check
	timeout  time.Duration
	logger   logger.Logger
}

func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Manager{
		results: make(map[string]*Check),
		timeout: DefaultCheckTimeout,
		logger:  log.WithField("component", "health"),
	}
}

// SetTimeout changes the per-check timeout. Non-positive values are ignored.
func (m *Manager) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

// Register adds a checker, replacing any earlier one with the same name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.checkers {
		if existing.Name() == c.Name() {
			m.checkers[i] = c
			return
		}
	}
	m.checkers = append(m.checkers, c)
	m.logger.WithField("checker", c.Name()).Debug("Registered health checker")
}

// RunChecks runs every checker concurrently and returns the fresh results.
func (m *Manager) RunChecks(ctx context.Context) map[string]*Check {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	timeout := m.timeout
	m.mu.RUnlock()

	fresh := make([]*Check, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			fresh[i] = runOne(ctx, c, timeout)
		}(i, c)
	}
	wg.Wait()

	out := make(map[string]*Check, len(fresh))
	m.mu.Lock()
	for _, check := range fresh {
		m.logTransition(m.results[check.Name], check)
		m.results[check.Name] = check
		out[check.Name] = check
	}
	m.mu.Unlock()
	return out
}

func runOne(ctx context.Context, c Checker, timeout time.Duration) *Check {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	elapsed := time.Since(start)

	status, msg := classify(err)
	return &Check{
		Name:        c.Name(),
		Status:      status,
		Message:     msg,
		LastChecked: start.Add(elapsed),
		Duration:    elapsed,
		DurationMS:  float64(elapsed.Milliseconds()),
	}
}

// logTransition logs only status changes, so a steady failure does not
// repeat every period.
func (m *Manager) logTransition(prev, next *Check) {
	if prev != nil && prev.Status == next.Status {
		return
	}
	log := m.logger.WithFields(map[string]interface{}{
		"checker":     next.Name,
		"status":      next.Status,
		"duration_ms": next.DurationMS,
	})
	switch next.Status {
	case StatusOK:
		if prev == nil {
			log.Debug("Health check passing")
		} else {
			log.Info("Health check recovered")
		}
	case StatusDegraded:
		log.WithField("reason", next.Message).Warn("Health check degraded")
	default:
		log.WithField("reason", next.Message).Error("Health check failing")
	}
}

// GetResults returns copies of the latest results.
func (m *Manager) GetResults() map[string]*Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Check, len(m.results))
	for name, check := range m.results {
		c := *check
		out[name] = &c
	}
	return out
}

// GetOverallStatus is the worst latest status, or down before any check ran.
func (m *Manager) GetOverallStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.results) == 0 {
		return StatusDown
	}
	worst := StatusOK
	for _, check := range m.results {
		if check.Status.rank() > worst.rank() {
			worst = check.Status
		}
	}
	return worst
}

// StartPeriodicChecks runs the checks now and then every interval until ctx
// is done.
func (m *Manager) StartPeriodicChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.RunChecks(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			m.logger.Debug("Stopping periodic health checks")
			return
		}
	}
}
