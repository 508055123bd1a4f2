package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/eng-health-collector/pkg/logging"
)

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

// IsPlaceholder reports whether v looks like a template value rather than
// a real credential.
func IsPlaceholder(v string) bool {
	s := strings.ToLower(strings.TrimSpace(v))
	switch {
	case strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">"):
		return true
	case strings.Contains(s, "changeme"), strings.Contains(s, "change-me"), strings.Contains(s, "placeholder"):
		return true
	case s == "todo", s == "tbd":
		return true
	case len(s) >= 3 && strings.Trim(s, "x") == "":
		return true
	}
	return false
}

// Validate checks every setting and returns all violations joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	credential := func(field, v string) {
		switch {
		case strings.TrimSpace(v) == "":
			add(field, "is required")
		case IsPlaceholder(v):
			add(field, "looks like a placeholder, set a real credential")
		}
	}
	httpsURL := func(field, v string) {
		if err := checkHTTPS(v); err != nil {
			add(field, "%v", err)
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}

	// Work tracker
	httpsURL("work_tracker.base_url", c.WorkTracker.BaseURL)
	credential("work_tracker.token", c.WorkTracker.Token)
	if c.WorkTracker.Timeout <= 0 {
		add("work_tracker.timeout", "must be > 0")
	}

	// Findings
	if c.Findings.Enabled {
		httpsURL("findings.base_url", c.Findings.BaseURL)
		if c.Findings.Timeout <= 0 {
			add("findings.timeout", "must be > 0")
		}
		switch c.Findings.Auth {
		case AuthAPIKey:
			credential("findings.api_key", c.Findings.APIKey)
			if c.Findings.APIKeyHeader == "" {
				add("findings.api_key_header", "is required")
			}
		case AuthOAuth2:
			credential("findings.client_id", c.Findings.ClientID)
			credential("findings.client_secret", c.Findings.ClientSecret)
			httpsURL("findings.token_url", c.Findings.TokenURL)
		default:
			add("findings.auth", "must be %q or %q, got %q", AuthAPIKey, AuthOAuth2, c.Findings.Auth)
		}
		if c.Findings.PageSize < 1 {
			add("findings.page_size", "must be >= 1")
		}
		if c.Findings.PageConcurrency < 1 {
			add("findings.page_concurrency", "must be >= 1")
		}
	}

	// Collection
	if c.Collector.Concurrency < 1 {
		add("collector.concurrency", "must be >= 1")
	}
	if c.Collector.SectionConcurrency < 1 {
		add("collector.section_concurrency", "must be >= 1")
	}
	if c.Collector.BuildLookback <= 0 {
		add("collector.build_lookback", "must be > 0")
	}
	if c.Batch.ChunkSize < 1 || c.Batch.ChunkSize > 200 {
		add("batch.chunk_size", "must be between 1 and 200, got %d", c.Batch.ChunkSize)
	}
	if c.Batch.Concurrency < 1 {
		add("batch.concurrency", "must be >= 1")
	}
	if c.Batch.MaxAttempts < 1 {
		add("batch.max_attempts", "must be >= 1")
	}
	if c.Batch.InitialBackoff <= 0 || c.Batch.MaxBackoff < c.Batch.InitialBackoff {
		add("batch.initial_backoff", "must be > 0 and not above batch.max_backoff")
	}

	seen := make(map[string]bool, len(c.Units))
	for i, u := range c.Units {
		if err := u.Validate(); err != nil {
			add(fmt.Sprintf("units[%d]", i), "%v", err)
			continue
		}
		if seen[string(u.ID)] {
			add(fmt.Sprintf("units[%d]", i), "duplicate unit id %q", u.ID)
		}
		seen[string(u.ID)] = true
	}

	// Store
	switch c.Store.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			add("store.dsn", "is required for the %s backend", c.Store.Backend)
		}
	case "redis":
		if c.Redis.Addr == "" {
			add("redis.addr", "is required for the redis store backend")
		}
	default:
		add("store.backend", "must be memory, redis, sqlite or postgres, got %q", c.Store.Backend)
	}
	if c.Store.Retention < 1 {
		add("store.retention", "must be >= 1")
	}

	// Serving
	if len(c.Server.APIKeys) == 0 {
		add("server.api_keys", "at least one api key is required")
	}
	for i, k := range c.Server.APIKeys {
		switch {
		case IsPlaceholder(k):
			add(fmt.Sprintf("server.api_keys[%d]", i), "looks like a placeholder")
		case len(k) < 16:
			add(fmt.Sprintf("server.api_keys[%d]", i), "must be at least 16 characters")
		}
	}
	if c.Server.FreshnessWindow <= 0 {
		add("server.freshness_window", "must be > 0")
	}
	if c.Server.HealthTimeout <= 0 {
		add("server.health_timeout", "must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout", "must be > 0")
	}

	if c.RateLimit.PerMinute <= 0 || c.RateLimit.PerHour <= 0 {
		add("rate_limit", "per_minute and per_hour must be > 0")
	} else if c.RateLimit.PerHour < c.RateLimit.PerMinute {
		add("rate_limit.per_hour", "must be >= per_minute (%d), got %d", c.RateLimit.PerMinute, c.RateLimit.PerHour)
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			add("redis.addr", "is required for the redis rate limit backend")
		}
	default:
		add("rate_limit.backend", "must be memory or redis, got %q", c.RateLimit.Backend)
	}

	return errors.Join(errs...)
}

func checkHTTPS(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("must be an absolute https url, got %q", raw)
	}
	return nil
}
