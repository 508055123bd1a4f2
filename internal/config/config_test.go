package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
)

const validYAML = `
log:
  level: debug
work_tracker:
  base_url: https://tracker.example.com/org
  username: svc-health
  token: 3f9a7c1e5b2d4f8a
batch:
  chunk_size: 150
server:
  api_keys:
    - a1b2c3d4e5f60718293a
units:
  - id: payments
    project: Payments
    area_path: Payments\Core
  - id: search
    project: Search
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func validUnit(id string) domain.CollectionUnit {
	return domain.CollectionUnit{ID: domain.UnitID(id), Project: id}
}

func load(t *testing.T, yamlContent string, env map[string]string) (*Config, error) {
	t.Helper()
	return Load(context.Background(), Options{
		Path:     writeFile(t, "healthd.yaml", yamlContent),
		EnvFile:  filepath.Join(t.TempDir(), "missing.env"),
		Lookuper: envconfig.MapLookuper(env),
	})
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := load(t, validYAML, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Batch.ChunkSize != 150 {
		t.Errorf("Batch.ChunkSize = %d, want 150", cfg.Batch.ChunkSize)
	}
	// Untouched values keep their defaults.
	if cfg.Batch.Concurrency != 4 {
		t.Errorf("Batch.Concurrency = %d, want default 4", cfg.Batch.Concurrency)
	}
	if cfg.WorkTracker.Timeout != 30*time.Second {
		t.Errorf("WorkTracker.Timeout = %v, want 30s", cfg.WorkTracker.Timeout)
	}
	if len(cfg.Units) != 2 || cfg.Units[0].AreaPath != `Payments\Core` {
		t.Errorf("Units = %+v", cfg.Units)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := load(t, validYAML, map[string]string{
		"HEALTHD_BATCH_CHUNK_SIZE":         "50",
		"HEALTHD_SERVER_API_KEYS":          "k-0123456789abcdef,k-fedcba9876543210",
		"HEALTHD_SERVER_FRESHNESS_WINDOW":  "6h",
		"HEALTHD_WORK_TRACKER_TOKEN":       "from-env-7d1c2b9e",
		"HEALTHD_RATE_LIMIT_PER_MINUTE":    "30",
		"UNPREFIXED_BATCH_CHUNK_SIZE":      "1",
		"HEALTHD_COLLECTOR_BUILD_LOOKBACK": "72h",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Batch.ChunkSize != 50 {
		t.Errorf("Batch.ChunkSize = %d, want 50 from env", cfg.Batch.ChunkSize)
	}
	if len(cfg.Server.APIKeys) != 2 {
		t.Errorf("Server.APIKeys = %v, want 2 keys", cfg.Server.APIKeys)
	}
	if cfg.Server.FreshnessWindow != 6*time.Hour {
		t.Errorf("FreshnessWindow = %v, want 6h", cfg.Server.FreshnessWindow)
	}
	if cfg.WorkTracker.Token != "from-env-7d1c2b9e" {
		t.Errorf("Token = %q, want env value", cfg.WorkTracker.Token)
	}
	if cfg.RateLimit.PerMinute != 30 {
		t.Errorf("PerMinute = %d, want 30", cfg.RateLimit.PerMinute)
	}
	if cfg.Collector.BuildLookback != 72*time.Hour {
		t.Errorf("BuildLookback = %v, want 72h", cfg.Collector.BuildLookback)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	const key = "HEALTHD_WORK_TRACKER_USER_AGENT"
	t.Cleanup(func() { os.Unsetenv(key) })

	envFile := writeFile(t, ".env", key+"=healthd-dotenv/2.0\n")
	cfg, err := Load(context.Background(), Options{
		Path:    writeFile(t, "healthd.yaml", validYAML),
		EnvFile: envFile,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WorkTracker.UserAgent != "healthd-dotenv/2.0" {
		t.Errorf("UserAgent = %q, want value from .env", cfg.WorkTracker.UserAgent)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	_, err := load(t, validYAML+"\nbatch_size: 10\n", nil)
	if err == nil {
		t.Fatal("Load() should reject unknown keys")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(context.Background(), Options{Path: filepath.Join(t.TempDir(), "nope.yaml")})
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.WorkTracker.BaseURL = "http://tracker.example.com"
	cfg.WorkTracker.Token = "changeme"
	cfg.Batch.ChunkSize = 500
	cfg.Collector.Concurrency = 0
	cfg.RateLimit.PerMinute = 100
	cfg.RateLimit.PerHour = 50
	cfg.Units = nil

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}

	for _, field := range []string{
		"work_tracker.base_url",
		"work_tracker.token",
		"batch.chunk_size",
		"collector.concurrency",
		"rate_limit.per_hour",
		"server.api_keys",
	} {
		if !strings.Contains(err.Error(), field+":") {
			t.Errorf("error should mention %s, got:\n%v", field, err)
		}
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Error("errors.As(*ConfigError) should succeed on the joined error")
	}
}

func TestValidate_Cases(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.WorkTracker.BaseURL = "https://tracker.example.com"
		cfg.WorkTracker.Token = "3f9a7c1e5b2d4f8a"
		cfg.Server.APIKeys = []string{"a1b2c3d4e5f60718293a"}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		field   string
		wantErr bool
	}{
		{"defaults with credentials", func(*Config) {}, "", false},
		{"chunk size at maximum", func(c *Config) { c.Batch.ChunkSize = 200 }, "", false},
		{"chunk size zero", func(c *Config) { c.Batch.ChunkSize = 0 }, "batch.chunk_size", true},
		{"relative url", func(c *Config) { c.WorkTracker.BaseURL = "/org" }, "work_tracker.base_url", true},
		{"angle placeholder", func(c *Config) { c.WorkTracker.Token = "<your-pat>" }, "work_tracker.token", true},
		{"short api key", func(c *Config) { c.Server.APIKeys = []string{"short"} }, "server.api_keys[0]", true},
		{"placeholder api key", func(c *Config) { c.Server.APIKeys = []string{"placeholder-api-key-000"} }, "server.api_keys[0]", true},
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, "store.backend", true},
		{"redis store without addr", func(c *Config) { c.Store.Backend = "redis" }, "redis.addr", true},
		{"redis limiter with addr", func(c *Config) { c.RateLimit.Backend = "redis"; c.Redis.Addr = "localhost:6379" }, "", false},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level", true},
		{"zero timeout", func(c *Config) { c.WorkTracker.Timeout = 0 }, "work_tracker.timeout", true},
		{"findings without key", func(c *Config) {
			c.Findings.Enabled = true
			c.Findings.BaseURL = "https://scanner.example.com"
		}, "findings.api_key", true},
		{"findings oauth2", func(c *Config) {
			c.Findings.Enabled = true
			c.Findings.BaseURL = "https://scanner.example.com"
			c.Findings.Auth = AuthOAuth2
			c.Findings.ClientID = "healthd-collector"
			c.Findings.ClientSecret = "9c8b7a6d5e4f3a2b"
			c.Findings.TokenURL = "https://auth.example.com/oauth/token"
		}, "", false},
		{"duplicate units", func(c *Config) {
			c.Units = append(c.Units, validUnit("payments"), validUnit("payments"))
		}, "units[1]", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.field+":") {
				t.Errorf("error should mention %s, got %v", tt.field, err)
			}
		})
	}
}

func TestIsPlaceholder(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"changeme", true},
		{"CHANGEME", true},
		{"<token>", true},
		{"xxx", true},
		{"XXXXXXXX", true},
		{"TODO", true},
		{"insert-placeholder-here", true},
		{"3f9a7c1e5b2d4f8a", false},
		{"xoxb-1234", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if got := IsPlaceholder(tt.value); got != tt.want {
				t.Errorf("IsPlaceholder(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
