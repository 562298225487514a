package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Fetch     FetchConfig     `mapstructure:"fetch" yaml:"fetch"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SimilarityMode selects the flow detector's similarity function.
type SimilarityMode string

const (
	// SimilarityJaccard is the deterministic set-overlap baseline.
	SimilarityJaccard SimilarityMode = "jaccard"
	// SimilarityCosine is the term-frequency weighted cosine mode.
	SimilarityCosine SimilarityMode = "cosine"
)

// EngineConfig tunes the ingest pipeline: bucketing, flow detection and
// worker sharding.
type EngineConfig struct {
	BucketDuration    time.Duration  `mapstructure:"bucket_duration" yaml:"bucket_duration"`
	HalflifeHours     float64        `mapstructure:"halflife_hours" yaml:"halflife_hours"`
	FlowThreshold     float64        `mapstructure:"flow_threshold" yaml:"flow_threshold"`
	VolumeCap         float64        `mapstructure:"volume_cap" yaml:"volume_cap"`
	VelocityRateCap   float64        `mapstructure:"velocity_rate_cap" yaml:"velocity_rate_cap"`
	WorkerConcurrency int            `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	QueueDepth        int            `mapstructure:"queue_depth" yaml:"queue_depth"`
	SimilarityMode    SimilarityMode `mapstructure:"similarity_mode" yaml:"similarity_mode"`
	PersistSignals    bool           `mapstructure:"persist_signals" yaml:"persist_signals"`
}

// RetentionConfig defines the tier boundaries of the retention state machine.
type RetentionConfig struct {
	HotDays       int     `mapstructure:"hot_days" yaml:"hot_days"`
	WarmDays      int     `mapstructure:"warm_days" yaml:"warm_days"`
	ColdDays      int     `mapstructure:"cold_days" yaml:"cold_days"`
	ColdHeatFloor float64 `mapstructure:"cold_heat_floor" yaml:"cold_heat_floor"`
	TopThemes     int     `mapstructure:"top_themes" yaml:"top_themes"`
	DryRun        bool    `mapstructure:"dry_run" yaml:"dry_run"`
}

// FetchConfig tunes the external batch fetch collaborator: retry/backoff,
// rate limiting and the circuit breaker.
type FetchConfig struct {
	ManifestURL     string        `mapstructure:"manifest_url" yaml:"manifest_url"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	BreakerFailures int           `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "flowscope")
	v.SetDefault("logger.log_file", "flowscope.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.bucket_duration", "15m")
	v.SetDefault("engine.halflife_hours", 6.0)
	v.SetDefault("engine.flow_threshold", 0.5)
	v.SetDefault("engine.volume_cap", 100.0)
	v.SetDefault("engine.velocity_rate_cap", 10.0)
	v.SetDefault("engine.worker_concurrency", 8)
	v.SetDefault("engine.queue_depth", 1)
	v.SetDefault("engine.similarity_mode", "jaccard")
	v.SetDefault("engine.persist_signals", true)

	// -- Retention --
	v.SetDefault("retention.hot_days", 30)
	v.SetDefault("retention.warm_days", 90)
	v.SetDefault("retention.cold_days", 365)
	v.SetDefault("retention.cold_heat_floor", 0.7)
	v.SetDefault("retention.top_themes", 10)
	v.SetDefault("retention.dry_run", false)

	// -- Fetch --
	v.SetDefault("fetch.manifest_url", "http://data.gdeltproject.org/gdeltv2/lastupdate.txt")
	v.SetDefault("fetch.max_attempts", 4)
	v.SetDefault("fetch.backoff_base", "2s")
	v.SetDefault("fetch.backoff_cap", "1m")
	v.SetDefault("fetch.rate_limit", 2.0)
	v.SetDefault("fetch.breaker_failures", 5)
	v.SetDefault("fetch.breaker_cooldown", "2m")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
// Configuration-level failures are fatal at startup, not per-tick.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration invalid: %w", err)
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention configuration invalid: %w", err)
	}
	if err := c.Fetch.Validate(); err != nil {
		return fmt.Errorf("fetch configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the EngineConfig settings. A non-positive halflife is
// permitted: the flow detector treats it as the degenerate instantaneous-only
// mode rather than an error.
func (e *EngineConfig) Validate() error {
	if e.BucketDuration <= 0 {
		return fmt.Errorf("bucket_duration must be a positive duration")
	}
	if e.FlowThreshold < 0.0 || e.FlowThreshold > 1.0 {
		return fmt.Errorf("flow_threshold must be between 0.0 and 1.0")
	}
	if e.VolumeCap <= 0 {
		return fmt.Errorf("volume_cap must be positive")
	}
	if e.VelocityRateCap <= 0 {
		return fmt.Errorf("velocity_rate_cap must be positive")
	}
	if e.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be a positive integer")
	}
	if e.QueueDepth < 0 {
		return fmt.Errorf("queue_depth must not be negative")
	}
	switch e.SimilarityMode {
	case SimilarityJaccard, SimilarityCosine:
	default:
		return fmt.Errorf("similarity_mode must be %q or %q", SimilarityJaccard, SimilarityCosine)
	}
	return nil
}

// Validate checks the RetentionConfig tier boundaries.
func (r *RetentionConfig) Validate() error {
	if r.HotDays <= 0 || r.WarmDays <= 0 || r.ColdDays <= 0 {
		return fmt.Errorf("tier boundaries must be positive day counts")
	}
	if r.HotDays >= r.WarmDays || r.WarmDays >= r.ColdDays {
		return fmt.Errorf("tier boundaries must be strictly increasing: hot < warm < cold")
	}
	if r.ColdHeatFloor < 0.0 || r.ColdHeatFloor > 1.0 {
		return fmt.Errorf("cold_heat_floor must be between 0.0 and 1.0")
	}
	if r.TopThemes <= 0 {
		return fmt.Errorf("top_themes must be positive")
	}
	return nil
}

// Validate checks the FetchConfig settings.
func (f *FetchConfig) Validate() error {
	if f.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if f.BackoffBase <= 0 || f.BackoffCap < f.BackoffBase {
		return fmt.Errorf("backoff_base must be positive and backoff_cap >= backoff_base")
	}
	if f.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be positive")
	}
	if f.BreakerFailures <= 0 {
		return fmt.Errorf("breaker_failures must be positive")
	}
	return nil
}
