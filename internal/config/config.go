// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Pools    PoolsConfig    `mapstructure:"pools"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// CacheConfig sizes the two cache tiers and the eviction sweep.
type CacheConfig struct {
	DataDir              string  `mapstructure:"data_dir"`
	RotatingBudgetGB     float64 `mapstructure:"rotating_budget_gb"`
	PersistentBudgetGB   float64 `mapstructure:"persistent_budget_gb"`
	LowWaterFraction     float64 `mapstructure:"low_water_fraction"`
	ProtectionWindowMins int     `mapstructure:"protection_window_minutes"`
	PopularityHalfLifeH  int     `mapstructure:"popularity_half_life_hours"`
	SweepSeconds         int     `mapstructure:"sweep_seconds"`
}

// IngestConfig governs the orchestrator's retry and rescan behavior.
// Per-source slot budgets live in the registry; SlotOverrides lets a
// deployment shrink or grow them without a rebuild.
type IngestConfig struct {
	MaxAttempts      int            `mapstructure:"max_attempts"`
	BackoffInitialMs int            `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int            `mapstructure:"backoff_max_ms"`
	RescanSeconds    int            `mapstructure:"rescan_seconds"`
	FailBackoffSecs  int            `mapstructure:"fail_backoff_seconds"`
	TaskGCMinutes    int            `mapstructure:"task_gc_minutes"`
	SlotOverrides    map[string]int `mapstructure:"slot_overrides"`
}

// PoolsConfig sizes the four admission-control gates.
type PoolsConfig struct {
	Render                int `mapstructure:"render"`
	Prerender             int `mapstructure:"prerender"`
	Hydrate               int `mapstructure:"hydrate"`
	Convert               int `mapstructure:"convert"`
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
}

// UpstreamConfig configures the HTTP GRIB fetcher.
type UpstreamConfig struct {
	UserAgent        string   `mapstructure:"user_agent"`
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
	MinPayloadBytes  int64    `mapstructure:"min_payload_bytes"`
	MirrorPreference []string `mapstructure:"mirror_preference"`
	HostRPS          float64  `mapstructure:"host_rps"`
	HostBurst        int      `mapstructure:"host_burst"`
	RetentionHours   int      `mapstructure:"retention_hours"`
}

// ArchiveConfig points at a cloud bucket mirroring historical cycles.
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// CatalogConfig controls the optional Postgres catalog.
type CatalogConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for lifecycle event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NWPCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("cache.data_dir", "data")
	v.SetDefault("cache.rotating_budget_gb", 64)
	v.SetDefault("cache.persistent_budget_gb", 500)
	v.SetDefault("cache.low_water_fraction", 0.85)
	v.SetDefault("cache.protection_window_minutes", 120)
	v.SetDefault("cache.popularity_half_life_hours", 12)
	v.SetDefault("cache.sweep_seconds", 60)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.backoff_initial_ms", 250)
	v.SetDefault("ingest.backoff_max_ms", 5000)
	v.SetDefault("ingest.rescan_seconds", 2)
	v.SetDefault("ingest.fail_backoff_seconds", 60)
	v.SetDefault("ingest.task_gc_minutes", 10)
	v.SetDefault("pools.render", 4)
	v.SetDefault("pools.prerender", 2)
	v.SetDefault("pools.hydrate", 4)
	v.SetDefault("pools.convert", 2)
	v.SetDefault("pools.acquire_timeout_seconds", 10)
	v.SetDefault("upstream.user_agent", "nwpcache/0.1")
	v.SetDefault("upstream.timeout_seconds", 600)
	v.SetDefault("upstream.min_payload_bytes", 500_000)
	v.SetDefault("upstream.mirror_preference", []string{"nomads", "aws"})
	v.SetDefault("upstream.host_rps", 4)
	v.SetDefault("upstream.host_burst", 2)
	v.SetDefault("upstream.retention_hours", 48)
	v.SetDefault("catalog.table", "nwp_catalog")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Cache.DataDir == "" {
		return fmt.Errorf("cache.data_dir is required")
	}
	if c.Cache.RotatingBudgetGB <= 0 || c.Cache.PersistentBudgetGB <= 0 {
		return fmt.Errorf("cache tier budgets must be > 0")
	}
	if c.Cache.LowWaterFraction <= 0 || c.Cache.LowWaterFraction > 1 {
		return fmt.Errorf("cache.low_water_fraction must be in (0, 1]")
	}
	if c.Pools.Render <= 0 || c.Pools.Prerender <= 0 || c.Pools.Hydrate <= 0 || c.Pools.Convert <= 0 {
		return fmt.Errorf("all pool capacities must be > 0")
	}
	if c.Ingest.MaxAttempts <= 0 {
		return fmt.Errorf("ingest.max_attempts must be > 0")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be > 0")
	}
	for name, slots := range c.Ingest.SlotOverrides {
		if slots < 0 {
			return fmt.Errorf("ingest.slot_overrides.%s must be >= 0", name)
		}
	}
	return nil
}

// AcquireTimeout converts the pool acquire knob into a duration.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Pools.AcquireTimeoutSeconds) * time.Second
}

// ProtectionWindow converts the cache protection knob into a duration.
func (c Config) ProtectionWindow() time.Duration {
	return time.Duration(c.Cache.ProtectionWindowMins) * time.Minute
}
