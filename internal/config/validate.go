package config

import (
	"fmt"

	apperrors "github.com/zsiec/tilestream/internal/errors"
)

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	if c.Registry.Backend == "redis" {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", s.HTTPPort)
	}

	if s.PlaylistWindow <= 0 {
		return fmt.Errorf("playlist_window must be positive")
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.DB)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	if r.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns cannot be negative")
	}

	if r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("min_idle_conns cannot be greater than pool_size")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", m.Port)
		}

		if m.Path == "" {
			return fmt.Errorf("metrics path cannot be empty")
		}
	}

	return nil
}

func (r *RegistryConfig) Validate() error {
	if r.Backend != "redis" && r.Backend != "memory" {
		return fmt.Errorf("registry backend must be 'redis' or 'memory'")
	}

	if r.Backend == "redis" && r.Prefix == "" {
		return fmt.Errorf("registry prefix cannot be empty")
	}

	if r.TTL <= 0 {
		return fmt.Errorf("registry ttl must be positive")
	}

	return nil
}

// Validate checks every engine field and returns a CONFIGURATION_ERROR on
// the first invalid value. Unset quality band radii are the one exception:
// they are filled with their defaults before the remaining checks run.
func (e *EngineConfig) Validate() error {
	e.applyBandDefaults()

	if e.GridCols <= 0 || e.GridRows <= 0 {
		return apperrors.NewConfigurationError("grid dimensions must be positive, got %dx%d", e.GridCols, e.GridRows)
	}

	if e.ProjectionWidth <= 0 || e.ProjectionHeight <= 0 {
		return apperrors.NewConfigurationError("projection size must be positive, got %dx%d", e.ProjectionWidth, e.ProjectionHeight)
	}

	if len(e.QualityLadder) == 0 {
		return apperrors.NewConfigurationError("quality ladder is empty")
	}

	for i, q := range e.QualityLadder {
		if q.Width <= 0 || q.Height <= 0 || q.BitrateKbps <= 0 {
			return apperrors.NewConfigurationError("quality ladder entry %d must have positive width, height and bitrate", i)
		}
		if i > 0 && q.BitrateKbps > e.QualityLadder[i-1].BitrateKbps {
			return apperrors.NewConfigurationError("quality ladder must be ordered highest bitrate first (entry %d)", i)
		}
	}

	if e.Protocol != ProtocolDASH && e.Protocol != ProtocolLLHLS {
		return apperrors.NewConfigurationError("protocol must be %q or %q, got %q", ProtocolDASH, ProtocolLLHLS, e.Protocol)
	}

	if e.SegmentDuration <= 0 {
		return apperrors.NewConfigurationError("segment_duration must be positive")
	}

	if e.Protocol == ProtocolLLHLS && (e.PartDuration <= 0 || e.PartDuration > e.SegmentDuration) {
		return apperrors.NewConfigurationError("part_duration must be in (0, segment_duration]")
	}

	if e.ViewportFOV <= 0 || e.ViewportFOV > 360 {
		return apperrors.NewConfigurationError("viewport_fov must be in (0, 360], got %v", e.ViewportFOV)
	}

	if !(e.HighQualityRadiusDeg <= e.MediumQualityRadiusDeg && e.MediumQualityRadiusDeg <= e.LowQualityRadiusDeg) {
		return apperrors.NewConfigurationError("quality radii must be ascending, got %v/%v/%v",
			e.HighQualityRadiusDeg, e.MediumQualityRadiusDeg, e.LowQualityRadiusDeg)
	}

	if e.HysteresisFrames < 1 {
		return apperrors.NewConfigurationError("hysteresis_frames must be at least 1")
	}

	if e.ViewportRateHz <= 0 {
		return apperrors.NewConfigurationError("viewport_rate_hz must be positive")
	}

	if e.BandwidthWindowSize <= 0 {
		return apperrors.NewConfigurationError("bandwidth_window_size must be positive")
	}

	if e.EMAAlpha < 0 || e.EMAAlpha >= 1 {
		return apperrors.NewConfigurationError("ema_alpha must be in [0, 1), got %v", e.EMAAlpha)
	}

	if e.MinEstimateKbps <= 0 {
		return apperrors.NewConfigurationError("min_estimate_kbps must be positive")
	}

	if e.SafetyFactor <= 0 || e.SafetyFactor > 1 {
		return apperrors.NewConfigurationError("safety_factor must be in (0, 1], got %v", e.SafetyFactor)
	}

	if e.ConcurrencyCap <= 0 {
		return apperrors.NewConfigurationError("concurrency_cap must be positive")
	}

	if e.MinBuffer <= 0 || e.TargetBuffer < e.MinBuffer {
		return apperrors.NewConfigurationError("buffer window must satisfy 0 < min_buffer <= target_buffer")
	}

	if e.MaxBufferBytes <= 0 {
		return apperrors.NewConfigurationError("max_buffer_bytes must be positive")
	}

	if e.SegmentTimeout <= 0 {
		return apperrors.NewConfigurationError("segment_timeout must be positive")
	}

	if e.SegmentRetries < 0 {
		return apperrors.NewConfigurationError("segment_retries cannot be negative")
	}

	if e.OriginLossTimeout < 0 {
		return apperrors.NewConfigurationError("origin_loss_timeout cannot be negative")
	}

	if e.ManifestRetryAttempts < 1 {
		return apperrors.NewConfigurationError("manifest_retry_attempts must be at least 1")
	}

	if e.ManifestRetryDelay < 0 {
		return apperrors.NewConfigurationError("manifest_retry_delay cannot be negative")
	}

	return nil
}

func (e *EngineConfig) applyBandDefaults() {
	if e.HighQualityRadiusDeg <= 0 {
		e.HighQualityRadiusDeg = DefaultHighQualityRadiusDeg
	}
	if e.MediumQualityRadiusDeg <= 0 {
		e.MediumQualityRadiusDeg = DefaultMediumQualityRadiusDeg
	}
	if e.LowQualityRadiusDeg <= 0 {
		e.LowQualityRadiusDeg = DefaultLowQualityRadiusDeg
	}
}
