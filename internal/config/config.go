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
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Roster    RosterConfig    `mapstructure:"roster"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
}

// LogConfig toggles zap development features.
type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// RosterConfig locates the candidate roster file and its reload cadence.
type RosterConfig struct {
	Path string        `mapstructure:"path"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// CacheConfig governs the durable creator store.
type CacheConfig struct {
	Path      string        `mapstructure:"path"`
	Freshness time.Duration `mapstructure:"freshness"`
	RetainFor time.Duration `mapstructure:"retain_for"`
}

// FetchConfig configures the adaptive HTTP fetch client.
type FetchConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	Attempts       int           `mapstructure:"attempts"`
	MinDelay       time.Duration `mapstructure:"min_delay"`
	MidDelay       time.Duration `mapstructure:"mid_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Jitter         time.Duration `mapstructure:"jitter"`
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	CacheSize      int           `mapstructure:"cache_size"`
	RPS            float64       `mapstructure:"rps"`
	UserAgent      string        `mapstructure:"user_agent"`
	// BaselineHeaders override the rotated request headers key by key.
	BaselineHeaders map[string]string `mapstructure:"baseline_headers"`
}

// SchedulerConfig governs batch sizing, concurrency, and background cadence.
type SchedulerConfig struct {
	Workers         int           `mapstructure:"workers"`
	BatchSize       int           `mapstructure:"batch_size"`
	PageConcurrency int           `mapstructure:"page_concurrency"`
	PageBudget      int           `mapstructure:"page_budget"`
	TargetTimeout   time.Duration `mapstructure:"target_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// ResolverConfig tunes fuzzy name resolution.
type ResolverConfig struct {
	Threshold  float64 `mapstructure:"threshold"`
	MaxResults int     `mapstructure:"max_results"`
	MemoSize   int     `mapstructure:"memo_size"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CREATORCACHE")
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
	v.SetDefault("log.development", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("roster.path", "creators.csv")
	v.SetDefault("roster.ttl", 10*time.Minute)
	v.SetDefault("cache.path", "creatorcache.db")
	v.SetDefault("cache.freshness", 24*time.Hour)
	v.SetDefault("cache.retain_for", 7*24*time.Hour)
	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.attempts", 3)
	v.SetDefault("fetch.min_delay", 500*time.Millisecond)
	v.SetDefault("fetch.mid_delay", 2*time.Second)
	v.SetDefault("fetch.max_delay", 5*time.Second)
	v.SetDefault("fetch.jitter", 500*time.Millisecond)
	v.SetDefault("fetch.backoff_ceiling", time.Minute)
	v.SetDefault("fetch.cache_ttl", 5*time.Minute)
	v.SetDefault("fetch.cache_size", 256)
	v.SetDefault("fetch.rps", 2.0)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.page_concurrency", 3)
	v.SetDefault("scheduler.page_budget", 0)
	v.SetDefault("scheduler.target_timeout", 2*time.Minute)
	v.SetDefault("scheduler.refresh_interval", 6*time.Hour)
	v.SetDefault("scheduler.sweep_interval", 24*time.Hour)
	v.SetDefault("resolver.threshold", 0.5)
	v.SetDefault("resolver.max_results", 8)
	v.SetDefault("resolver.memo_size", 10000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Roster.Path == "" {
		return fmt.Errorf("roster.path must be set")
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path must be set")
	}
	if c.Cache.Freshness <= 0 {
		return fmt.Errorf("cache.freshness must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.Attempts <= 0 {
		return fmt.Errorf("fetch.attempts must be > 0")
	}
	if c.Fetch.MinDelay > c.Fetch.MaxDelay {
		return fmt.Errorf("fetch.min_delay must not exceed fetch.max_delay")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if c.Scheduler.PageConcurrency <= 0 {
		return fmt.Errorf("scheduler.page_concurrency must be > 0")
	}
	if c.Resolver.Threshold < 0 || c.Resolver.Threshold > 1 {
		return fmt.Errorf("resolver.threshold must be within [0, 1]")
	}
	if c.Resolver.MaxResults <= 0 {
		return fmt.Errorf("resolver.max_results must be > 0")
	}
	return nil
}
