package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Registry RegistryConfig `mapstructure:"registry"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Origin settings for the generated manifests
	SegmentBaseURL string `mapstructure:"segment_base_url"` // prefix for segment URIs, may be relative
	PlaylistWindow int    `mapstructure:"playlist_window"`  // segments listed per LL-HLS playlist

	// SyntheticSegments serves placeholder media sized from the ladder so
	// the origin can drive sessions without an encoder.
	SyntheticSegments bool `mapstructure:"synthetic_segments"`
	DebugEndpoints    bool `mapstructure:"debug_endpoints"`

	// OriginCheckURL is fetched by the origin health check when set.
	OriginCheckURL string `mapstructure:"origin_check_url"`
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`   // json or text
	Output     string `mapstructure:"output"`   // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

type RegistryConfig struct {
	Backend           string        `mapstructure:"backend"` // redis or memory
	Prefix            string        `mapstructure:"prefix"`
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// QualityLevel is one rung of the per-tile quality ladder. The first entry
// is the highest quality.
type QualityLevel struct {
	Width       int `mapstructure:"width"`
	Height      int `mapstructure:"height"`
	BitrateKbps int `mapstructure:"bitrate_kbps"`
}

// EngineConfig enumerates every tunable of a streaming engine instance.
type EngineConfig struct {
	// Tiling
	GridCols         int            `mapstructure:"grid_cols"`
	GridRows         int            `mapstructure:"grid_rows"`
	ProjectionWidth  int            `mapstructure:"projection_width"`
	ProjectionHeight int            `mapstructure:"projection_height"`
	QualityLadder    []QualityLevel `mapstructure:"quality_ladder"`
	Protocol         string         `mapstructure:"protocol"` // dash or ll-hls
	SegmentDuration  time.Duration  `mapstructure:"segment_duration"`
	PartDuration     time.Duration  `mapstructure:"part_duration"` // LL-HLS partial segment target

	// Viewport and quality bands (degrees)
	ViewportFOV            float64 `mapstructure:"viewport_fov"`
	HighQualityRadiusDeg   float64 `mapstructure:"high_quality_radius_deg"`
	MediumQualityRadiusDeg float64 `mapstructure:"medium_quality_radius_deg"`
	LowQualityRadiusDeg    float64 `mapstructure:"low_quality_radius_deg"`
	HysteresisFrames       int     `mapstructure:"hysteresis_frames"`
	ViewportRateHz         float64 `mapstructure:"viewport_rate_hz"`

	// Bandwidth estimation
	BandwidthWindowSize int     `mapstructure:"bandwidth_window_size"`
	EMAAlpha            float64 `mapstructure:"ema_alpha"`
	MinEstimateKbps     float64 `mapstructure:"min_estimate_kbps"`
	SafetyFactor        float64 `mapstructure:"safety_factor"`

	// Scheduling and buffering
	ConcurrencyCap int           `mapstructure:"concurrency_cap"`
	MinBuffer      time.Duration `mapstructure:"min_buffer"`
	TargetBuffer   time.Duration `mapstructure:"target_buffer"`
	MaxBufferBytes int64         `mapstructure:"max_buffer_bytes"`
	SegmentTimeout time.Duration `mapstructure:"segment_timeout"`
	SegmentRetries int           `mapstructure:"segment_retries"`
	// OriginLossTimeout moves a playing session to the error state when
	// downloads keep failing and none has completed for this long. Zero
	// disables it.
	OriginLossTimeout time.Duration `mapstructure:"origin_loss_timeout"`

	// Session start
	ManifestRetryAttempts int           `mapstructure:"manifest_retry_attempts"`
	ManifestRetryDelay    time.Duration `mapstructure:"manifest_retry_delay"`
}

const (
	ProtocolDASH  = "dash"
	ProtocolLLHLS = "ll-hls"
)

// Default quality band radii. These are the only engine values that are
// filled in silently when left unset.
const (
	DefaultHighQualityRadiusDeg   = 45.0
	DefaultMediumQualityRadiusDeg = 100.0
	DefaultLowQualityRadiusDeg    = 180.0
)

// DefaultQualityLadder is sized for 1280x1280 tiles of an 8K equirectangular frame.
func DefaultQualityLadder() []QualityLevel {
	return []QualityLevel{
		{Width: 1280, Height: 1280, BitrateKbps: 4000},
		{Width: 854, Height: 854, BitrateKbps: 1500},
		{Width: 426, Height: 426, BitrateKbps: 300},
	}
}

// DefaultEngineConfig returns the documented engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		GridCols:               6,
		GridRows:               3,
		ProjectionWidth:        7680,
		ProjectionHeight:       3840,
		QualityLadder:          DefaultQualityLadder(),
		Protocol:               ProtocolDASH,
		SegmentDuration:        time.Second,
		PartDuration:           200 * time.Millisecond,
		ViewportFOV:            100,
		HighQualityRadiusDeg:   DefaultHighQualityRadiusDeg,
		MediumQualityRadiusDeg: DefaultMediumQualityRadiusDeg,
		LowQualityRadiusDeg:    DefaultLowQualityRadiusDeg,
		HysteresisFrames:       3,
		ViewportRateHz:         10,
		BandwidthWindowSize:    30,
		EMAAlpha:               0.8,
		MinEstimateKbps:        250,
		SafetyFactor:           0.8,
		ConcurrencyCap:         3,
		MinBuffer:              3 * time.Second,
		TargetBuffer:           8 * time.Second,
		MaxBufferBytes:         64 << 20,
		SegmentTimeout:         5 * time.Second,
		SegmentRetries:         1,
		OriginLossTimeout:      30 * time.Second,
		ManifestRetryAttempts:  3,
		ManifestRetryDelay:     500 * time.Millisecond,
	}
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Environment variable override
	v.SetEnvPrefix("TILESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.segment_base_url", "")
	v.SetDefault("server.playlist_window", 6)
	v.SetDefault("server.synthetic_segments", true)
	v.SetDefault("server.debug_endpoints", false)
	v.SetDefault("server.origin_check_url", "")

	// Redis defaults
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	// Registry defaults
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.prefix", "tilestream:sessions:")
	v.SetDefault("registry.ttl", "5m")
	v.SetDefault("registry.heartbeat_interval", "10s")

	// Engine defaults
	d := DefaultEngineConfig()
	ladder := make([]map[string]interface{}, 0, len(d.QualityLadder))
	for _, q := range d.QualityLadder {
		ladder = append(ladder, map[string]interface{}{
			"width":        q.Width,
			"height":       q.Height,
			"bitrate_kbps": q.BitrateKbps,
		})
	}
	v.SetDefault("engine.grid_cols", d.GridCols)
	v.SetDefault("engine.grid_rows", d.GridRows)
	v.SetDefault("engine.projection_width", d.ProjectionWidth)
	v.SetDefault("engine.projection_height", d.ProjectionHeight)
	v.SetDefault("engine.quality_ladder", ladder)
	v.SetDefault("engine.protocol", d.Protocol)
	v.SetDefault("engine.segment_duration", d.SegmentDuration.String())
	v.SetDefault("engine.part_duration", d.PartDuration.String())
	v.SetDefault("engine.viewport_fov", d.ViewportFOV)
	v.SetDefault("engine.high_quality_radius_deg", d.HighQualityRadiusDeg)
	v.SetDefault("engine.medium_quality_radius_deg", d.MediumQualityRadiusDeg)
	v.SetDefault("engine.low_quality_radius_deg", d.LowQualityRadiusDeg)
	v.SetDefault("engine.hysteresis_frames", d.HysteresisFrames)
	v.SetDefault("engine.viewport_rate_hz", d.ViewportRateHz)
	v.SetDefault("engine.bandwidth_window_size", d.BandwidthWindowSize)
	v.SetDefault("engine.ema_alpha", d.EMAAlpha)
	v.SetDefault("engine.min_estimate_kbps", d.MinEstimateKbps)
	v.SetDefault("engine.safety_factor", d.SafetyFactor)
	v.SetDefault("engine.concurrency_cap", d.ConcurrencyCap)
	v.SetDefault("engine.min_buffer", d.MinBuffer.String())
	v.SetDefault("engine.target_buffer", d.TargetBuffer.String())
	v.SetDefault("engine.max_buffer_bytes", d.MaxBufferBytes)
	v.SetDefault("engine.segment_timeout", d.SegmentTimeout.String())
	v.SetDefault("engine.segment_retries", d.SegmentRetries)
	v.SetDefault("engine.origin_loss_timeout", d.OriginLossTimeout.String())
	v.SetDefault("engine.manifest_retry_attempts", d.ManifestRetryAttempts)
	v.SetDefault("engine.manifest_retry_delay", d.ManifestRetryDelay.String())
}
