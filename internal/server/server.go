package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects (registers pprof handlers)
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/tilestream/internal/config"
	"github.com/zsiec/tilestream/internal/errors"
	"github.com/zsiec/tilestream/internal/fetch"
	"github.com/zsiec/tilestream/internal/health"
	"github.com/zsiec/tilestream/internal/logger"
	"github.com/zsiec/tilestream/internal/registry"
	"github.com/zsiec/tilestream/internal/tile"
)

// Server is the HTTP control API and manifest origin.
type Server struct {
	config       *config.Config
	router       *mux.Router
	httpServer   *http.Server
	logger       *logrus.Logger
	redis        *redis.Client
	registry     registry.Registry
	healthMgr    *health.Manager
	health       *health.Handler
	errorHandler *errors.ErrorHandler
	sessions     *sessionManager

	// Origin state
	grid  *tile.Grid
	epoch time.Time

	// Additional handlers can be registered
	additionalRoutes []func(*mux.Router)
}

// New creates a new server instance. redisClient may be nil when the
// registry is in memory. fetcher is used by sessions to download manifests
// and segments.
func New(cfg *config.Config, log *logrus.Logger, redisClient *redis.Client, reg registry.Registry, fetcher fetch.Fetcher) (*Server, error) {
	grid, err := tile.Build(cfg.Engine.GridCols, cfg.Engine.GridRows, cfg.Engine.ProjectionWidth, cfg.Engine.ProjectionHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to build origin grid: %w", err)
	}
	if reg == nil {
		reg = registry.NewMemoryRegistry()
	}

	s := &Server{
		config:           cfg,
		router:           mux.NewRouter(),
		logger:           log,
		redis:            redisClient,
		registry:         reg,
		healthMgr:        health.NewManager(logger.NewLogrusAdapter(logger.WithComponent(log, "health"))),
		errorHandler:     errors.NewErrorHandler(log),
		grid:             grid,
		epoch:            time.Now(),
		additionalRoutes: make([]func(*mux.Router), 0),
	}
	s.sessions = newSessionManager(cfg.Engine, fetcher, reg, log, cfg.Registry)
	s.health = health.NewHandler(s.healthMgr, health.WithSessionCount(s.sessions.count))

	s.registerHealthCheckers()

	return s, nil
}

// Start serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.setupRoutes()

	go s.healthMgr.StartPeriodicChecks(ctx, 30*time.Second)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.WithField("port", s.config.Server.HTTPPort).Info("Starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting requests and stops every local session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.health.SetDraining(true)

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	s.sessions.closeAll(ctx)

	s.logger.Info("HTTP server shutdown complete")
	return shutdownErr
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Apply global middleware
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	// Health endpoints
	s.router.HandleFunc("/health", s.health.HandleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.health.HandleReady).Methods("GET")
	s.router.HandleFunc("/live", s.health.HandleLive).Methods("GET")

	// Version endpoint
	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")

	// Origin
	s.router.HandleFunc("/manifest.mpd", s.handleDASHManifest).Methods("GET")
	s.router.HandleFunc("/master.m3u8", s.handleMultivariant).Methods("GET")
	s.router.HandleFunc("/tiles/{tile:[0-9]+}/playlist.m3u8", s.handleTilePlaylist).Methods("GET")
	s.router.HandleFunc("/tiles/{tile:[0-9]+}/{rep:q[0-9]+}/playlist.m3u8", s.handleTilePlaylist).Methods("GET")
	if s.config.Server.SyntheticSegments {
		s.router.HandleFunc("/tiles/{tile:[0-9]+}/{rep:q[0-9]+}/{segment}", s.handleSegment).Methods("GET")
	}

	// Session API
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/viewport", s.handleViewport).Methods("POST")
	api.HandleFunc("/sessions/{id}/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/sessions/{id}/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/sessions/{id}/playback", s.handlePlayback).Methods("POST")

	// Debug endpoints (only if enabled)
	if s.config.Server.DebugEndpoints {
		s.setupDebugEndpoints()
	}

	// Register any additional routes
	for _, registerFunc := range s.additionalRoutes {
		registerFunc(s.router)
	}

	// 404 handler
	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

// registerHealthCheckers registers all health checkers
func (s *Server) registerHealthCheckers() {
	if s.redis != nil {
		s.healthMgr.Register(health.NewRedisChecker(s.redis))
	}
	if url := s.config.Server.OriginCheckURL; url != "" {
		s.healthMgr.Register(health.NewOriginChecker(s.sessions.fetcher, url))
	}
	s.healthMgr.Register(health.NewSessionsChecker(s.registry))
}

// setupDebugEndpoints registers debug endpoints like pprof
func (s *Server) setupDebugEndpoints() {
	s.logger.Info("Enabling debug endpoints")

	s.router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	s.router.HandleFunc("/debug/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		info := map[string]interface{}{
			"grid":           fmt.Sprintf("%dx%d", s.grid.Cols(), s.grid.Rows()),
			"tiers":          len(s.config.Engine.QualityLadder),
			"protocol":       s.config.Engine.Protocol,
			"local_sessions": s.sessions.count(),
			"debug_enabled":  true,
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(info)
	}).Methods("GET")
}

// RegisterRoutes adds additional route handlers to the server
func (s *Server) RegisterRoutes(registerFunc func(*mux.Router)) {
	s.additionalRoutes = append(s.additionalRoutes, registerFunc)
}

// GetRouter returns the router for testing.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// HealthManager exposes the health checks so callers can add their own.
func (s *Server) HealthManager() *health.Manager {
	return s.healthMgr
}
