package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zsiec/tilestream/internal/config"
	"github.com/zsiec/tilestream/internal/fetch"
	"github.com/zsiec/tilestream/internal/logger"
	"github.com/zsiec/tilestream/internal/registry"
	"github.com/zsiec/tilestream/internal/server"
	"github.com/zsiec/tilestream/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control API and manifest origin",
	Long: `Serve the generated DASH and LL-HLS manifests of the configured grid and
ladder, optional synthetic segments, health endpoints and the session API
that starts streaming engines against any manifest URL.`,
	RunE: func(c *cobra.Command, _ []string) error {
		return runServe(c.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	log.WithField("version", version.GetInfo().Short()).Info("Starting tilestream server")

	var redisClient *redis.Client
	if cfg.Registry.Backend == "redis" {
		redisClient = newRedisClient(&cfg.Redis)
		if err := redisClient.Ping(parent).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info("Connected to Redis successfully")
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).Error("Failed to close Redis connection")
			}
		}()
	}

	reg, err := registry.New(cfg.Registry, redisClient, logger.NewLogrusAdapter(logger.WithComponent(log, "registry")))
	if err != nil {
		return err
	}
	defer reg.Close()

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg.Metrics, log)
	}

	fetcher := fetch.NewHTTPFetcher(fetch.WithLogger(logger.NewLogrusAdapter(logger.WithComponent(log, "fetch"))))
	srv, err := server.New(cfg, log, redisClient, reg, fetcher)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("Server shutdown complete")
	return nil
}

func newRedisClient(c *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         c.Addresses[0],
		Password:     c.Password,
		DB:           c.DB,
		MaxRetries:   c.MaxRetries,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	})
}

// startMetricsServer starts the Prometheus metrics server
func startMetricsServer(c config.MetricsConfig, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle(c.Path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", c.Port)
	log.WithField("addr", addr).Info("Starting metrics server")

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("Metrics server error")
	}
}
