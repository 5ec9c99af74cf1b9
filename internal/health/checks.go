package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/tilestream/internal/fetch"
	"github.com/zsiec/tilestream/internal/registry"
)

// RedisChecker checks Redis connectivity.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// Name returns the name of the checker.
func (r *RedisChecker) Name() string { return "redis" }

// Check pings Redis. A reply other than PONG counts as down.
func (r *RedisChecker) Check(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("redis client not configured")
	}
	pong, err := r.client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if pong != "PONG" {
		return fmt.Errorf("unexpected redis ping reply %q", pong)
	}
	return nil
}

// OriginChecker verifies that a manifest origin answers with a usable
// document.
type OriginChecker struct {
	fetcher fetch.Fetcher
	url     string
}

// NewOriginChecker checks url through fetcher.
func NewOriginChecker(fetcher fetch.Fetcher, url string) *OriginChecker {
	return &OriginChecker{fetcher: fetcher, url: url}
}

// Name returns the name of the checker.
func (o *OriginChecker) Name() string { return "origin" }

// Check fetches the manifest.
func (o *OriginChecker) Check(ctx context.Context) error {
	if _, err := fetch.Get(ctx, o.fetcher, o.url); err != nil {
		return fmt.Errorf("origin unavailable: %w", err)
	}
	return nil
}

// SessionsChecker reports degraded health while any registered session has
// failed.
type SessionsChecker struct {
	registry registry.Registry
}

// NewSessionsChecker creates a checker over the session registry.
func NewSessionsChecker(r registry.Registry) *SessionsChecker {
	return &SessionsChecker{registry: r}
}

// Name returns the name of the checker.
func (s *SessionsChecker) Name() string { return "sessions" }

// Check lists sessions.
func (s *SessionsChecker) Check(ctx context.Context) error {
	sessions, err := s.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("session registry unavailable: %w", err)
	}
	failed := 0
	for _, sess := range sessions {
		if sess.State == "error" {
			failed++
		}
	}
	if failed > 0 {
		return Degraded(fmt.Sprintf("%d of %d sessions failed", failed, len(sessions)))
	}
	return nil
}
