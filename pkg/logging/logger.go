// Package logging provides structured logging configuration using zerolog
// for the collector, the CLI and the API server.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Service is attached to every event when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Output:  os.Stderr,
		Service: "healthd",
	}
}

// Setup configures the global zerolog logger and returns it. Durations are
// logged in milliseconds and timestamps in RFC 3339 with milliseconds.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return logger
}

// ParseLevel validates a configured level name.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", name)
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithRun returns a child logger tagged with a collection run.
func WithRun(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str(FieldRunID, runID).Logger()
}

// Context field names shared across packages.
const (
	FieldRunID     = "run_id"
	FieldUnit      = "unit"
	FieldSection   = "section"
	FieldAuthority = "authority"
	FieldRequestID = "request_id"
)

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Individual upstream requests and batch chunks
//   - Retry backoff decisions
//   - Store reads
//
// Info: Normal operation events
//   - Run start and finish with totals
//   - Unit completion
//   - API requests (one line per request)
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Partial snapshots (failed sections or chunks)
//   - Retry-After pauses from an upstream
//   - Ingress rate limit store errors (fail open)
//
// Error: Error conditions requiring attention
//   - Failed units
//   - Runs with no completed unit
//   - Store write failures
//   - Configuration errors
//
// Context Fields:
//   - run_id: Collection run identifier
//   - unit: Collection unit (scope) identifier
//   - section: Snapshot section (work_items, pull_requests, builds, vulnerabilities)
//   - authority: Upstream name (work_tracker, findings)
//   - request_id: API request identifier
//   - error_kind: Failure kind (unauthorized, rate_limited, transient, fatal, cancelled)
//   - status_code: HTTP status code
//   - duration: Request or unit duration
