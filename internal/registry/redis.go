package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/tilestream/internal/logger"
	"github.com/zsiec/tilestream/internal/metrics"
)

const (
	defaultPrefix = "tilestream:sessions:"
	defaultTTL    = 5 * time.Minute
	notFoundReply = "session not found"
)

var registerScript = redis.NewScript(`
	local key = KEYS[1]
	local active_key = KEYS[2]
	local data = ARGV[1]
	local ttl = tonumber(ARGV[2])
	local id = ARGV[3]
	local ok = redis.call('SET', key, data, 'PX', ttl, 'NX')
	if not ok then
		return 0
	end
	redis.call('SADD', active_key, id)
	return 1
`)

var listScript = redis.NewScript(`
	local active_key = KEYS[1]
	local prefix = ARGV[1]
	local active = redis.call('SMEMBERS', active_key)
	local result = {}
	local expired = {}
	for i, id in ipairs(active) do
		local data = redis.call('GET', prefix .. id)
		if data then
			table.insert(result, data)
		else
			table.insert(expired, id)
		end
	end
	for i, id in ipairs(expired) do
		redis.call('SREM', active_key, id)
	end
	return result
`)

var heartbeatScript = redis.NewScript(`
	local key = KEYS[1]
	local ttl = tonumber(ARGV[1])
	local stats = cjson.decode(ARGV[2])
	local now = ARGV[3]
	local data = redis.call('GET', key)
	if not data then
		return redis.error_reply("session not found")
	end
	local session = cjson.decode(data)
	session.estimate_kbps = stats.estimate_kbps
	session.buffered_ms = stats.buffered_ms
	session.rebuffers = stats.rebuffers
	session.last_heartbeat = now
	redis.call('SET', key, cjson.encode(session), 'PX', ttl)
	return "OK"
`)

var stateScript = redis.NewScript(`
	local key = KEYS[1]
	local ttl = tonumber(ARGV[1])
	local state = ARGV[2]
	local now = ARGV[3]
	local data = redis.call('GET', key)
	if not data then
		return redis.error_reply("session not found")
	end
	local session = cjson.decode(data)
	session.state = state
	session.last_heartbeat = now
	redis.call('SET', key, cjson.encode(session), 'PX', ttl)
	return "OK"
`)

// RedisRegistry keeps sessions as JSON values with a TTL, plus a set of
// active ids. Sessions that miss heartbeats for a TTL disappear.
type RedisRegistry struct {
	client *redis.Client
	logger logger.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(client *redis.Client, log logger.Logger, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RedisRegistry{
		client: client,
		logger: log.WithField("component", "registry"),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisRegistry) key(id string) string { return r.prefix + id }

func (r *RedisRegistry) activeKey() string { return r.prefix + "active" }

// Register adds a new session. Registering an id twice fails.
func (r *RedisRegistry) Register(ctx context.Context, s *Session) (err error) {
	defer func() { metrics.IncrementRegistryOperation("register", err) }()

	now := time.Now()
	s.CreatedAt = now
	s.LastHeartbeat = now

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := registerScript.Run(ctx, r.client,
		[]string{r.key(s.ID), r.activeKey()},
		data, r.ttl.Milliseconds(), s.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("session %s: %w", s.ID, ErrSessionExists)
	}

	r.logger.WithFields(map[string]interface{}{
		"session_id":   s.ID,
		"manifest_url": s.ManifestURL,
		"protocol":     s.Protocol,
	}).Info("Session registered")
	return nil
}

// Unregister removes a session.
func (r *RedisRegistry) Unregister(ctx context.Context, id string) (err error) {
	defer func() { metrics.IncrementRegistryOperation("unregister", err) }()

	deleted, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}
	if err := r.client.SRem(ctx, r.activeKey(), id).Err(); err != nil {
		r.logger.WithError(err).Warnf("Failed to remove session %s from active set", id)
	}
	if deleted == 0 {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}

	r.logger.WithField("session_id", id).Info("Session unregistered")
	return nil
}

// Get retrieves a session.
func (r *RedisRegistry) Get(ctx context.Context, id string) (_ *Session, err error) {
	defer func() { metrics.IncrementRegistryOperation("get", err) }()

	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// List returns every live session and prunes expired ids from the active set.
func (r *RedisRegistry) List(ctx context.Context) (_ []*Session, err error) {
	defer func() { metrics.IncrementRegistryOperation("list", err) }()

	res, err := listScript.Run(ctx, r.client, []string{r.activeKey()}, r.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T from list script", res)
	}

	sessions := make([]*Session, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			r.logger.Warn("Invalid data type in session list")
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			r.logger.WithError(err).Warn("Failed to unmarshal session")
			continue
		}
		sessions = append(sessions, &s)
	}
	sortSessions(sessions)
	return sessions, nil
}

// UpdateHeartbeat refreshes stats and extends the TTL.
func (r *RedisRegistry) UpdateHeartbeat(ctx context.Context, id string, stats SessionStats) (err error) {
	defer func() { metrics.IncrementRegistryOperation("heartbeat", err) }()

	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	now := time.Now().Format(time.RFC3339Nano)
	if err := heartbeatScript.Run(ctx, r.client, []string{r.key(id)}, r.ttl.Milliseconds(), string(payload), now).Err(); err != nil {
		return r.scriptError(id, "update heartbeat", err)
	}
	return nil
}

// UpdateState records a lifecycle change and extends the TTL.
func (r *RedisRegistry) UpdateState(ctx context.Context, id, state string) (err error) {
	defer func() { metrics.IncrementRegistryOperation("state", err) }()

	now := time.Now().Format(time.RFC3339Nano)
	if err := stateScript.Run(ctx, r.client, []string{r.key(id)}, r.ttl.Milliseconds(), state, now).Err(); err != nil {
		return r.scriptError(id, "update state", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"session_id": id,
		"state":      state,
	}).Debug("Session state updated")
	return nil
}

func (r *RedisRegistry) scriptError(id, op string, err error) error {
	if errors.Is(err, redis.Nil) || strings.Contains(err.Error(), notFoundReply) {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// Close closes the Redis client.
func (r *RedisRegistry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
