package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zsiec/tilestream/pkg/version"
)

// Response is the body of /health.
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Sessions  *int              `json:"sessions,omitempty"`
	Draining  bool              `json:"draining,omitempty"`
	Checks    map[string]*Check `json:"checks,omitempty"`
}

type readyResponse struct {
	Status    Status    `json:"status"`
	Draining  bool      `json:"draining,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler serves the health endpoints. Degraded answers 200 so that a few
// failed sessions do not take the instance out of rotation.
type Handler struct {
	manager   *Manager
	startTime time.Time
	sessions  func() int
	draining  atomic.Bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSessionCount reports the number of locally owned sessions in /health.
func WithSessionCount(count func() int) HandlerOption {
	return func(h *Handler) { h.sessions = count }
}

func NewHandler(manager *Manager, opts ...HandlerOption) *Handler {
	h := &Handler{manager: manager, startTime: time.Now()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetDraining makes /ready fail while the server shuts down, so load
// balancers stop routing new sessions here.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// HandleHealth runs every checker and reports the results.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	checks := h.manager.RunChecks(ctx)
	overall := h.manager.GetOverallStatus()

	response := Response{
		Status:    overall,
		Timestamp: time.Now(),
		Version:   version.Version,
		Uptime:    h.getUptime(),
		Draining:  h.draining.Load(),
		Checks:    checks,
	}
	if h.sessions != nil {
		n := h.sessions()
		response.Sessions = &n
	}

	h.writeJSON(w, statusCode(overall), response)
}

// HandleReady reports the last check results without running them.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallStatus()
	draining := h.draining.Load()

	code := statusCode(overall)
	if draining {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, readyResponse{Status: overall, Draining: draining, Timestamp: time.Now()})
}

// HandleLive answers as long as the process serves HTTP.
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}{Status: "alive", Timestamp: time.Now()})
}

func statusCode(s Status) int {
	if s == StatusDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (h *Handler) getUptime() string {
	uptime := time.Since(h.startTime)
	return formatDuration(
		int(uptime.Hours()/24),
		int(uptime.Hours())%24,
		int(uptime.Minutes())%60,
		int(uptime.Seconds())%60,
	)
}

// formatDuration renders the non-zero units, always including seconds when
// nothing else is.
func formatDuration(days, hours, minutes, seconds int) string {
	var parts []string
	for _, u := range []struct {
		n    int
		name string
	}{{days, "day"}, {hours, "hour"}, {minutes, "minute"}} {
		if u.n > 0 {
			parts = append(parts, formatUnit(u.n, u.name))
		}
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, formatUnit(seconds, "second"))
	}
	return strings.Join(parts, " ")
}

func formatUnit(value int, unit string) string {
	if value == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(value) + " " + unit + "s"
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.manager.logger.WithError(err).Error("Failed to encode health response")
	}
}
