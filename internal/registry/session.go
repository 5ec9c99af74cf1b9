package registry

import (
	"time"

	"github.com/google/uuid"
)

// Session is the registry record of one streaming engine instance.
type Session struct {
	ID            string    `json:"id"`
	ManifestURL   string    `json:"manifest_url"`
	Protocol      string    `json:"protocol"`
	State         string    `json:"state"`
	Grid          string    `json:"grid,omitempty"` // "<cols>x<rows>"
	EstimateKbps  float64   `json:"estimate_kbps"`
	BufferedMs    int64     `json:"buffered_ms"`
	Rebuffers     int64     `json:"rebuffers"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// SessionStats are the figures refreshed on every heartbeat.
type SessionStats struct {
	EstimateKbps float64 `json:"estimate_kbps"`
	BufferedMs   int64   `json:"buffered_ms"`
	Rebuffers    int64   `json:"rebuffers"`
}

// NewSessionID returns a random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Active reports whether the session is still streaming.
func (s *Session) Active() bool {
	return s.State == "starting" || s.State == "playing" || s.State == "paused"
}

func (s *Session) apply(stats SessionStats) {
	s.EstimateKbps = stats.EstimateKbps
	s.BufferedMs = stats.BufferedMs
	s.Rebuffers = stats.Rebuffers
}
