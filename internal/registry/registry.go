// Package registry records streaming sessions so several API processes can
// list and inspect each other's sessions.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/tilestream/internal/config"
	apperrors "github.com/zsiec/tilestream/internal/errors"
	"github.com/zsiec/tilestream/internal/logger"
)

var (
	// ErrSessionNotFound is returned when a session is not in the registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when registering a duplicate id.
	ErrSessionExists = errors.New("session already exists")
)

// Registry stores session records.
type Registry interface {
	// Register adds a new session.
	Register(ctx context.Context, s *Session) error
	// Unregister removes a session.
	Unregister(ctx context.Context, id string) error
	// Get retrieves a session by id.
	Get(ctx context.Context, id string) (*Session, error)
	// List returns every live session ordered by creation time.
	List(ctx context.Context) ([]*Session, error)
	// UpdateHeartbeat refreshes a session's stats and expiry.
	UpdateHeartbeat(ctx context.Context, id string, stats SessionStats) error
	// UpdateState records a lifecycle change.
	UpdateState(ctx context.Context, id, state string) error
	// Close releases backend resources.
	Close() error
}

// New builds the registry selected by cfg.Backend. client is required for
// the redis backend.
func New(cfg config.RegistryConfig, client *redis.Client, log logger.Logger) (Registry, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryRegistry(), nil
	case "redis":
		if client == nil {
			return nil, apperrors.NewConfigurationError("redis registry requires a redis client")
		}
		return NewRedisRegistry(client, log, cfg.Prefix, cfg.TTL), nil
	default:
		return nil, apperrors.NewConfigurationError("unknown registry backend %q", cfg.Backend)
	}
}

// MemoryRegistry is a single-process registry. Records never expire.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]*Session)}
}

func (m *MemoryRegistry) Register(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	now := time.Now()
	s.CreatedAt = now
	s.LastHeartbeat = now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryRegistry) Unregister(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRegistry) List(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sortSessions(out)
	return out, nil
}

func (m *MemoryRegistry) UpdateHeartbeat(_ context.Context, id string, stats SessionStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.apply(stats)
	s.LastHeartbeat = time.Now()
	return nil
}

func (m *MemoryRegistry) UpdateState(_ context.Context, id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.State = state
	s.LastHeartbeat = time.Now()
	return nil
}

func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	return nil
}

func sortSessions(s []*Session) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.Before(s[j].CreatedAt)
		}
		return s[i].ID < s[j].ID
	})
}
