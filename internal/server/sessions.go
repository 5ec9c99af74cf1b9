package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zsiec/tilestream/internal/config"
	"github.com/zsiec/tilestream/internal/engine"
	"github.com/zsiec/tilestream/internal/errors"
	"github.com/zsiec/tilestream/internal/fetch"
	"github.com/zsiec/tilestream/internal/logger"
	"github.com/zsiec/tilestream/internal/metrics"
	"github.com/zsiec/tilestream/internal/registry"
	"github.com/zsiec/tilestream/internal/telemetry"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultFailedTTL         = 5 * time.Minute
)

// session is an engine owned by this process.
type session struct {
	id        string
	engine    *engine.Engine
	createdAt time.Time
	rebuffers atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) stats() registry.SessionStats {
	st := s.engine.Status()
	return registry.SessionStats{
		EstimateKbps: st.EstimateKbps,
		BufferedMs:   st.BufferedMs,
		Rebuffers:    s.rebuffers.Load(),
	}
}

// sessionManager owns the engines started through the API and mirrors them
// into the registry.
type sessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	// failed holds the expiry timers of sessions that never started.
	failed   map[string]*time.Timer

	cfg       config.EngineConfig
	fetcher   fetch.Fetcher
	registry  registry.Registry
	logger    *logrus.Logger
	heartbeat time.Duration
	failedTTL time.Duration
}

func newSessionManager(cfg config.EngineConfig, fetcher fetch.Fetcher, reg registry.Registry, log *logrus.Logger, regCfg config.RegistryConfig) *sessionManager {
	if fetcher == nil {
		fetcher = fetch.NewHTTPFetcher(fetch.WithLogger(logger.NewLogrusAdapter(logger.WithComponent(log, "fetch"))))
	}
	heartbeat := regCfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	failedTTL := regCfg.TTL
	if failedTTL <= 0 {
		failedTTL = defaultFailedTTL
	}
	return &sessionManager{
		sessions:  make(map[string]*session),
		failed:    make(map[string]*time.Timer),
		cfg:       cfg,
		fetcher:   fetcher,
		registry:  reg,
		logger:    log,
		heartbeat: heartbeat,
		failedTTL: failedTTL,
	}
}

// create starts an engine on manifestURL and registers it. The call blocks
// until the manifest has been fetched or retries are exhausted.
func (m *sessionManager) create(ctx context.Context, manifestURL string, initial *orientationRequest) (*session, error) {
	if manifestURL == "" {
		return nil, errors.NewValidationError("manifest_url is required")
	}
	if u, err := url.Parse(manifestURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.NewValidationError("manifest_url must be an absolute http(s) URL")
	}
	id := registry.NewSessionID()
	log := logger.WithSession(m.logger, id)
	sess := &session{id: id, createdAt: time.Now()}

	collector := telemetry.Multi{
		metrics.NewCollector(id),
		telemetry.CollectorFunc(func(e telemetry.Event) {
			if e.Type == telemetry.EventRebuffer {
				sess.rebuffers.Add(1)
			}
		}),
	}
	eng, err := engine.New(m.cfg, m.fetcher,
		engine.WithLogger(logger.NewLogrusAdapter(log)),
		engine.WithTelemetry(collector))
	if err != nil {
		return nil, err
	}
	sess.engine = eng

	if initial != nil {
		o, err := initial.orientation()
		if err != nil {
			return nil, err
		}
		eng.OnViewportUpdate(o)
	}

	if err := eng.Start(ctx, manifestURL); err != nil {
		metrics.DeleteSession(id)
		m.recordFailure(ctx, id, manifestURL, sess.createdAt, err)
		return nil, err
	}

	st := eng.Status()
	grid := eng.Grid()
	record := &registry.Session{
		ID:            id,
		ManifestURL:   manifestURL,
		Protocol:      st.Protocol,
		State:         st.State,
		Grid:          fmt.Sprintf("%dx%d", grid.Cols(), grid.Rows()),
		EstimateKbps:  st.EstimateKbps,
		CreatedAt:     sess.createdAt,
		LastHeartbeat: sess.createdAt,
	}
	if err := m.registry.Register(ctx, record); err != nil {
		_ = eng.Stop()
		metrics.DeleteSession(id)
		return nil, errors.WrapInternalError(err, "failed to register session")
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.done = make(chan struct{})
	go m.runHeartbeat(hbCtx, sess, st.State)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	m.updateActiveGauge()

	log.WithField("manifest_url", manifestURL).Info("Session created")
	return sess, nil
}

// recordFailure keeps a session that failed to start visible in the
// registry, in state error, for failedTTL.
func (m *sessionManager) recordFailure(ctx context.Context, id, manifestURL string, createdAt time.Time, cause error) {
	log := logger.WithSession(m.logger, id)
	if appErr, ok := errors.GetAppError(cause); ok {
		if appErr.Details == nil {
			appErr.Details = make(map[string]interface{})
		}
		appErr.Details["session_id"] = id
	}

	record := &registry.Session{
		ID:            id,
		ManifestURL:   manifestURL,
		Protocol:      m.cfg.Protocol,
		State:         engine.StateError.String(),
		CreatedAt:     createdAt,
		LastHeartbeat: time.Now(),
	}
	if err := m.registry.Register(context.WithoutCancel(ctx), record); err != nil {
		log.WithError(err).Warn("Failed to register failed session")
		return
	}

	m.mu.Lock()
	m.failed[id] = time.AfterFunc(m.failedTTL, func() { m.expireFailed(id) })
	m.mu.Unlock()
	log.WithError(cause).WithField("manifest_url", manifestURL).Warn("Session failed to start")
}

// expireFailed drops the registry record of a failed session.
func (m *sessionManager) expireFailed(id string) {
	m.mu.Lock()
	_, ok := m.failed[id]
	delete(m.failed, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.unregister(context.Background(), id)
}

func (m *sessionManager) unregister(ctx context.Context, id string) {
	if err := m.registry.Unregister(ctx, id); err != nil && !stderrors.Is(err, registry.ErrSessionNotFound) {
		logger.WithSession(m.logger, id).WithError(err).Warn("Failed to unregister session")
	}
}

// runHeartbeat refreshes the registry record until the session is removed.
func (m *sessionManager) runHeartbeat(ctx context.Context, sess *session, state string) {
	defer close(sess.done)
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	log := logger.WithSession(m.logger, sess.id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := sess.engine.Status()
			metrics.SetSegmentsInFlight(sess.id, status.InFlight)
			if err := m.registry.UpdateHeartbeat(ctx, sess.id, sess.stats()); err != nil {
				log.WithError(err).Warn("Failed to refresh session heartbeat")
			}
			if status.State != state {
				if err := m.registry.UpdateState(ctx, sess.id, status.State); err != nil {
					log.WithError(err).Warn("Failed to update session state")
					continue
				}
				state = status.State
			}
		}
	}
}

func (m *sessionManager) get(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *sessionManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// syncState pushes the engine state to the registry right away.
func (m *sessionManager) syncState(ctx context.Context, sess *session) {
	if err := m.registry.UpdateState(ctx, sess.id, sess.engine.State().String()); err != nil {
		logger.WithSession(m.logger, sess.id).WithError(err).Warn("Failed to update session state")
	}
}

// remove stops and unregisters a local session.
func (m *sessionManager) remove(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	timer, failed := m.failed[id]
	delete(m.failed, id)
	m.mu.Unlock()
	if failed {
		timer.Stop()
		m.unregister(ctx, id)
		logger.WithSession(m.logger, id).Info("Failed session removed")
		return nil
	}
	if !ok {
		return errors.NewNotFoundError("session " + id)
	}

	m.stop(ctx, sess)
	m.updateActiveGauge()
	logger.WithSession(m.logger, id).Info("Session removed")
	return nil
}

func (m *sessionManager) stop(ctx context.Context, sess *session) {
	sess.cancel()
	<-sess.done
	if err := sess.engine.Stop(); err != nil {
		logger.WithSession(m.logger, sess.id).WithError(err).Warn("Failed to stop engine")
	}
	m.unregister(ctx, sess.id)
	metrics.DeleteSession(sess.id)
}

// closeAll stops every local session.
func (m *sessionManager) closeAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.sessions = make(map[string]*session)
	failed := m.failed
	m.failed = make(map[string]*time.Timer)
	m.mu.Unlock()

	for _, sess := range all {
		m.stop(ctx, sess)
	}
	for id, timer := range failed {
		timer.Stop()
		m.unregister(ctx, id)
	}
	m.updateActiveGauge()
}

func (m *sessionManager) updateActiveGauge() {
	m.mu.RLock()
	byProtocol := map[string]int{config.ProtocolDASH: 0, config.ProtocolLLHLS: 0}
	for _, sess := range m.sessions {
		if d := sess.engine.Description(); d != nil {
			byProtocol[d.Protocol]++
		}
	}
	m.mu.RUnlock()

	for p, n := range byProtocol {
		metrics.SetActiveSessions(p, n)
	}
}
