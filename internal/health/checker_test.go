package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tilestream/internal/logger"
)

// stubChecker returns whatever err currently holds, after an optional delay.
type stubChecker struct {
	name  string
	delay time.Duration

	mu  sync.Mutex
	err error
}

func (s *stubChecker) Name() string { return s.name }

func (s *stubChecker) Check(ctx context.Context) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stubChecker) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func TestRunChecksClassifiesResults(t *testing.T) {
	m := NewManager(nil)
	m.Register(&stubChecker{name: "registry"})
	m.Register(&stubChecker{name: "origin", err: errors.New("origin returned 502")})
	m.Register(&stubChecker{name: "sessions", err: Degraded("1 of 4 sessions failed")})

	results := m.RunChecks(context.Background())
	require.Len(t, results, 3)

	assert.Equal(t, StatusOK, results["registry"].Status)
	assert.Empty(t, results["registry"].Message)
	assert.Equal(t, StatusDown, results["origin"].Status)
	assert.Equal(t, "origin returned 502", results["origin"].Message)
	assert.Equal(t, StatusDegraded, results["sessions"].Status)
	assert.Equal(t, "1 of 4 sessions failed", results["sessions"].Message)
}

func TestRegisterReplacesSameName(t *testing.T) {
	m := NewManager(nil)
	m.Register(&stubChecker{name: "origin", err: errors.New("down")})
	m.Register(&stubChecker{name: "origin"})

	results := m.RunChecks(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, StatusOK, results["origin"].Status)
}

func TestGetResultsReturnsCopies(t *testing.T) {
	m := NewManager(nil)
	m.Register(&stubChecker{name: "registry"})
	m.RunChecks(context.Background())

	results := m.GetResults()
	results["registry"].Status = StatusDown
	assert.Equal(t, StatusOK, m.GetResults()["registry"].Status)
}

func TestGetOverallStatusIsWorst(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		want     Status
	}{
		{"all ok", []Checker{&stubChecker{name: "a"}, &stubChecker{name: "b"}}, StatusOK},
		{"one degraded", []Checker{&stubChecker{name: "a"}, &stubChecker{name: "b", err: Degraded("slow")}}, StatusDegraded},
		{"down beats degraded", []Checker{&stubChecker{name: "a", err: Degraded("slow")}, &stubChecker{name: "b", err: errors.New("gone")}}, StatusDown},
		{"nothing ran", nil, StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil)
			for _, c := range tt.checkers {
				m.Register(c)
			}
			m.RunChecks(context.Background())
			assert.Equal(t, tt.want, m.GetOverallStatus())
		})
	}
}

func TestRunChecksTimesOut(t *testing.T) {
	m := NewManager(nil)
	m.SetTimeout(50 * time.Millisecond)
	m.SetTimeout(0)
	m.Register(&stubChecker{name: "origin", delay: 10 * time.Second})

	start := time.Now()
	check := m.RunChecks(context.Background())["origin"]
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NotNil(t, check)
	assert.Equal(t, StatusDown, check.Status)
	assert.Contains(t, check.Message, "timed out")
	assert.GreaterOrEqual(t, check.Duration, 50*time.Millisecond)
	assert.GreaterOrEqual(t, check.DurationMS, float64(50))
}

func TestRunChecksLogsOnlyTransitions(t *testing.T) {
	base, hook := logtest.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	m := NewManager(logger.NewLogrusAdapter(logrus.NewEntry(base)))

	origin := &stubChecker{name: "origin", err: errors.New("connection refused")}
	m.Register(origin)
	hook.Reset()

	m.RunChecks(context.Background())
	m.RunChecks(context.Background())
	origin.set(nil)
	m.RunChecks(context.Background())

	var messages []string
	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
	}
	assert.Equal(t, []string{"Health check failing", "Health check recovered"}, messages)
}

func TestStartPeriodicChecks(t *testing.T) {
	m := NewManager(nil)
	counter := &countingChecker{}
	m.Register(counter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartPeriodicChecks(ctx, 20*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return counter.count() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("periodic checks did not stop")
	}
}
