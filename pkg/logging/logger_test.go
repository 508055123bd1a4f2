package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Pretty should default to false (JSON)")
	}
	if cfg.Service != "healthd" {
		t.Errorf("Service = %q, want healthd", cfg.Service)
	}
}

// TestSetup_LevelFiltering writes one event per level and checks which
// survive the configured minimum.
func TestSetup_LevelFiltering(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
		drop  []string
	}{
		{LevelDebug, []string{"debug-event", "info-event", "warn-event", "error-event"}, nil},
		{LevelInfo, []string{"info-event", "warn-event", "error-event"}, []string{"debug-event"}},
		{LevelWarn, []string{"warn-event", "error-event"}, []string{"debug-event", "info-event"}},
		{LevelError, []string{"error-event"}, []string{"debug-event", "info-event", "warn-event"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			Setup(Config{Level: tt.level, Output: buf})

			logger := NewLogger("collector")
			logger.Debug().Msg("debug-event")
			logger.Info().Msg("info-event")
			logger.Warn().Msg("warn-event")
			logger.Error().Msg("error-event")

			output := buf.String()
			for _, msg := range tt.want {
				if !strings.Contains(output, msg) {
					t.Errorf("output should contain %s at level %s", msg, tt.level)
				}
			}
			for _, msg := range tt.drop {
				if strings.Contains(output, msg) {
					t.Errorf("output should not contain %s at level %s", msg, tt.level)
				}
			}
		})
	}
}

func TestSetup_ServiceAndComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf, Service: "healthd"})

	logger := NewLogger("api")
	logger.Info().Str(FieldRequestID, "req-1").Msg("Request completed")

	output := buf.String()
	for _, want := range []string{`"service":"healthd"`, `"component":"api"`, `"request_id":"req-1"`, `"time":`} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %s, got %q", want, output)
		}
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf, Pretty: true})

	logger := NewLogger("collector")
	logger.Info().Msg("Run finished")

	output := buf.String()
	if strings.HasPrefix(strings.TrimSpace(output), "{") {
		t.Errorf("pretty output should not be JSON, got %q", output)
	}
	if !strings.Contains(output, "Run finished") {
		t.Errorf("output = %q, want message", output)
	}
}

// Loggers pulled from a context without one fall back to the global logger.
func TestSetup_DefaultContextLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	zerolog.Ctx(context.Background()).Warn().Msg("no logger in context")

	if !strings.Contains(buf.String(), "no logger in context") {
		t.Errorf("zerolog.Ctx should fall back to the global logger, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseLevelName(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestWithRun(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := WithRun(NewLogger("collector"), "run-42")
	logger.Info().Str(FieldUnit, "payments").Msg("Unit completed")

	output := buf.String()
	for _, want := range []string{`"run_id":"run-42"`, `"unit":"payments"`, `"component":"collector"`} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %s, got %q", want, output)
		}
	}
}
