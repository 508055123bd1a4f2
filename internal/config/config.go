// Package config loads collector and server configuration from a YAML file,
// an optional .env file and HEALTHD_-prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HEALTHD_"

// Findings authentication schemes
const (
	AuthAPIKey = "api_key"
	AuthOAuth2 = "oauth2"
)

type Config struct {
	// Logger configuration
	Log LogConfig `yaml:"log" env:", prefix=LOG_"`
	// The work-tracking authority (work items, pull requests, builds)
	WorkTracker WorkTrackerConfig `yaml:"work_tracker" env:", prefix=WORK_TRACKER_"`
	// The vulnerability scanner authority. Optional.
	Findings FindingsConfig `yaml:"findings" env:", prefix=FINDINGS_"`
	// Unit scheduling and per-unit collection settings
	Collector CollectorConfig `yaml:"collector" env:", prefix=COLLECTOR_"`
	// Chunked identifier resolution
	Batch BatchConfig `yaml:"batch" env:", prefix=BATCH_"`
	// Snapshot persistence
	Store StoreConfig `yaml:"store" env:", prefix=STORE_"`
	// Shared Redis, used by the redis store, the redis rate limiter and
	// the upstream pause tracker
	Redis RedisConfig `yaml:"redis" env:", prefix=REDIS_"`
	// Serving API
	Server ServerConfig `yaml:"server" env:", prefix=SERVER_"`
	// Ingress rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit" env:", prefix=RATE_LIMIT_"`

	Units []domain.CollectionUnit `yaml:"units"`
}

type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL, overwrite"`
	Pretty bool   `yaml:"pretty" env:"PRETTY, overwrite"`
}

type WorkTrackerConfig struct {
	BaseURL   string        `yaml:"base_url"   env:"BASE_URL, overwrite"`
	Username  string        `yaml:"username"   env:"USERNAME, overwrite"`
	Token     string        `yaml:"token"      env:"TOKEN, overwrite"`
	UserAgent string        `yaml:"user_agent" env:"USER_AGENT, overwrite"`
	Timeout   time.Duration `yaml:"timeout"    env:"TIMEOUT, overwrite"`
	CAFile    string        `yaml:"ca_file"    env:"CA_FILE, overwrite"`
}

type FindingsConfig struct {
	Enabled bool          `yaml:"enabled"  env:"ENABLED, overwrite"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL, overwrite"`
	Timeout time.Duration `yaml:"timeout"  env:"TIMEOUT, overwrite"`
	CAFile  string        `yaml:"ca_file"  env:"CA_FILE, overwrite"`
	// Auth is api_key or oauth2 (client credentials).
	Auth         string   `yaml:"auth"           env:"AUTH, overwrite"`
	APIKeyHeader string   `yaml:"api_key_header" env:"API_KEY_HEADER, overwrite"`
	APIKey       string   `yaml:"api_key"        env:"API_KEY, overwrite"`
	ClientID     string   `yaml:"client_id"      env:"CLIENT_ID, overwrite"`
	ClientSecret string   `yaml:"client_secret"  env:"CLIENT_SECRET, overwrite"`
	TokenURL     string   `yaml:"token_url"      env:"TOKEN_URL, overwrite"`
	Scopes       []string `yaml:"scopes"         env:"SCOPES, overwrite"`
	// Listing pagination
	PageSize        int `yaml:"page_size"        env:"PAGE_SIZE, overwrite"`
	PageConcurrency int `yaml:"page_concurrency" env:"PAGE_CONCURRENCY, overwrite"`
}

type CollectorConfig struct {
	Concurrency         int           `yaml:"concurrency"           env:"CONCURRENCY, overwrite"`
	SectionConcurrency  int           `yaml:"section_concurrency"   env:"SECTION_CONCURRENCY, overwrite"`
	BuildLookback       time.Duration `yaml:"build_lookback"        env:"BUILD_LOOKBACK, overwrite"`
	StalePullRequestAge time.Duration `yaml:"stale_pr_age"          env:"STALE_PR_AGE, overwrite"`
}

type BatchConfig struct {
	ChunkSize   int `yaml:"chunk_size"  env:"CHUNK_SIZE, overwrite"`
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY, overwrite"`
	// Chunk-level retries, layered above the transport retry
	MaxAttempts    int           `yaml:"max_attempts"    env:"MAX_ATTEMPTS, overwrite"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF, overwrite"`
	MaxBackoff     time.Duration `yaml:"max_backoff"     env:"MAX_BACKOFF, overwrite"`
	MaxTotalWait   time.Duration `yaml:"max_total_wait"  env:"MAX_TOTAL_WAIT, overwrite"`
}

type StoreConfig struct {
	// Backend is memory, redis, sqlite or postgres.
	Backend string `yaml:"backend" env:"BACKEND, overwrite"`
	// DSN is the sqlite path or the postgres connection string.
	DSN       string `yaml:"dsn"       env:"DSN, overwrite"`
	Retention int    `yaml:"retention" env:"RETENTION, overwrite"`
}

type RedisConfig struct {
	// Addr enables Redis when set.
	Addr     string `yaml:"addr"     env:"ADDR, overwrite"`
	Password string `yaml:"password" env:"PASSWORD, overwrite"`
	DB       int    `yaml:"db"       env:"DB, overwrite"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"             env:"ADDR, overwrite"`
	APIKeys         []string      `yaml:"api_keys"         env:"API_KEYS, overwrite"`
	TrustedProxies  []string      `yaml:"trusted_proxies"  env:"TRUSTED_PROXIES, overwrite"`
	FreshnessWindow time.Duration `yaml:"freshness_window" env:"FRESHNESS_WINDOW, overwrite"`
	HealthTimeout   time.Duration `yaml:"health_timeout"   env:"HEALTH_TIMEOUT, overwrite"`
	DataMaxAge      time.Duration `yaml:"data_max_age"     env:"DATA_MAX_AGE, overwrite"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT, overwrite"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" env:"PER_MINUTE, overwrite"`
	PerHour   int `yaml:"per_hour"   env:"PER_HOUR, overwrite"`
	// Backend is memory or redis.
	Backend string `yaml:"backend" env:"BACKEND, overwrite"`
	// MaxKeys caps client keys tracked by the memory backend.
	MaxKeys int `yaml:"max_keys" env:"MAX_KEYS, overwrite"`
}

// Default returns the configuration used for every unset value.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		WorkTracker: WorkTrackerConfig{
			UserAgent: "eng-health-collector/1.0",
			Timeout:   30 * time.Second,
		},
		Findings: FindingsConfig{
			Timeout:         30 * time.Second,
			Auth:            AuthAPIKey,
			APIKeyHeader:    "X-API-Key",
			PageSize:        100,
			PageConcurrency: 4,
		},
		Collector: CollectorConfig{
			Concurrency:         4,
			SectionConcurrency:  4,
			BuildLookback:       7 * 24 * time.Hour,
			StalePullRequestAge: 14 * 24 * time.Hour,
		},
		Batch: BatchConfig{
			ChunkSize:      200,
			Concurrency:    4,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			MaxTotalWait:   30 * time.Second,
		},
		Store: StoreConfig{
			Backend:   "sqlite",
			DSN:       "healthd.db",
			Retention: 400,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			FreshnessWindow: 24 * time.Hour,
			HealthTimeout:   2 * time.Second,
			DataMaxAge:      time.Hour,
			ShutdownTimeout: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 60,
			PerHour:   1000,
			Backend:   "memory",
			MaxKeys:   100_000,
		},
	}
}

// Options locate the configuration sources.
type Options struct {
	// Path is the YAML file. Empty skips the file.
	Path string
	// EnvFile is loaded into the process environment if it exists.
	// Empty means ".env".
	EnvFile string
	// Lookuper replaces the process environment (tests).
	Lookuper envconfig.Lookuper
}

// Load reads every source and validates the result. All validation
// failures are reported together.
func Load(ctx context.Context, opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()

	if opts.Path != "" {
		data, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", opts.Path, err)
		}
	}

	lookuper := opts.Lookuper
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML decodes over the defaults already in cfg. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
