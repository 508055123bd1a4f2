// Package client provides the transport client for one upstream authority
// with TLS enforcement, error classification, retry and circuit breaking.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"resty.dev/v3"

	"github.com/Sternrassler/eng-health-collector/pkg/failure"
	"github.com/Sternrassler/eng-health-collector/pkg/logging"
	"github.com/Sternrassler/eng-health-collector/pkg/ratelimit"
	"github.com/Sternrassler/eng-health-collector/pkg/retry"
)

// Prometheus metrics for upstream requests. One observation per Send call.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_upstream_requests_total",
		Help: "Total upstream calls by authority and outcome",
	}, []string{"authority", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "healthd_upstream_request_duration_seconds",
		Help:    "Upstream call duration in seconds including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"authority"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_upstream_errors_total",
		Help: "Total failed upstream calls by authority and error kind",
	}, []string{"authority", "kind"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "healthd_upstream_breaker_open",
		Help: "1 while the circuit breaker for an authority is open",
	}, []string{"authority"})
)

// Request describes one logical call against the authority.
type Request struct {
	Method string
	// Path is joined to the authority base URL.
	Path   string
	Query  url.Values
	Header http.Header
	// Body is JSON-encoded when non-nil.
	Body any
}

// Response is the successful outcome of Send.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// BreakerConfig configures the per-authority circuit breaker.
type BreakerConfig struct {
	Enabled bool

	// ConsecutiveFailures trips the breaker after this many Transient
	// failures in a row.
	ConsecutiveFailures uint32

	// Interval clears the closed-state counts. Zero never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
}

// Config holds the client configuration.
type Config struct {
	// Name identifies the authority in logs and metrics.
	Name string

	// BaseURL must be an absolute https URL.
	BaseURL string

	// UserAgent is sent on every request.
	UserAgent string

	// Timeout bounds each attempt.
	Timeout time.Duration

	// RootCAs replaces the system pool when set (private CAs, tests).
	RootCAs *x509.CertPool

	// Auth applies credentials to each attempt. Nil sends none.
	Auth Authenticator

	// Retry is the single-request retry policy.
	Retry retry.Policy

	// Breaker configures circuit breaking.
	Breaker BreakerConfig

	// Tracker shares upstream Retry-After pauses. Nil uses a private
	// in-process tracker.
	Tracker *ratelimit.Tracker

	// MaxGateWait is the longest a call will wait on an upstream pause
	// before returning RateLimited to the caller.
	MaxGateWait time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(name, baseURL string) Config {
	return Config{
		Name:      name,
		BaseURL:   baseURL,
		UserAgent: "eng-health-collector/1.0",
		Timeout:   30 * time.Second,
		Retry:     retry.DefaultPolicy(),
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
			MaxRequests:         1,
		},
		MaxGateWait: 5 * time.Second,
	}
}

// Client sends requests to one upstream authority. It is safe for
// concurrent use.
type Client struct {
	cfg     Config
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	tracker *ratelimit.Tracker
	logger  zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("authority name is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("base url must be an absolute https url (got %q)", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = "transport"
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = retry.TransientOnly
	}

	logger := log.With().Str("component", "upstream-client").Str(logging.FieldAuthority, cfg.Name).Logger()

	tracker := cfg.Tracker
	if tracker == nil {
		tracker = ratelimit.NewTracker(nil, logger)
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetTLSClientConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    cfg.RootCAs,
		}).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{logger: logger})

	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		tracker: tracker,
		logger:  logger,
	}

	if cfg.Breaker.Enabled {
		c.breaker = newBreaker(cfg.Name, cfg.Breaker, logger)
	}

	return c, nil
}

func newBreaker(name string, cfg BreakerConfig, logger zerolog.Logger) *gobreaker.CircuitBreaker[*resty.Response] {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only Transient failures count against the upstream.
		IsSuccessful: func(err error) bool {
			return err == nil || !failure.Is(err, failure.Transient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			breakerState.WithLabelValues(name).Set(open)
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

// Name returns the authority name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Send performs req with retry. Non-2xx responses are returned as
// classified *failure.Error values.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	start := time.Now()
	var last *resty.Response

	attempts, err := c.cfg.Retry.Do(ctx, func(attempt int) error {
		if err := c.tracker.Wait(ctx, c.cfg.Name, c.cfg.MaxGateWait); err != nil {
			return err
		}

		resp, err := c.execute(ctx, req)
		last = resp
		if err != nil {
			c.logger.Debug().
				Err(err).
				Str("method", req.Method).
				Str("path", req.Path).
				Int("attempt", attempt).
				Msg("Upstream attempt failed")
		}
		return err
	})

	duration := time.Since(start)
	status := statusLabel(last, err)
	requestsTotal.WithLabelValues(c.cfg.Name, status).Inc()
	requestDuration.WithLabelValues(c.cfg.Name).Observe(duration.Seconds())

	event := c.logger.Info()
	if err != nil {
		kind := failure.KindOf(err)
		errorsTotal.WithLabelValues(c.cfg.Name, string(kind)).Inc()
		if kind == failure.Cancelled {
			event = c.logger.Debug()
		} else {
			event = c.logger.Warn().Str("error_kind", string(kind)).Err(err)
		}
	}
	event.
		Str("method", req.Method).
		Str("path", req.Path).
		Str("status", status).
		Dur("duration", duration).
		Int("attempts", attempts).
		Msg("Upstream request")

	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: last.StatusCode(),
		Header:     last.Header(),
		Body:       last.Bytes(),
		Duration:   duration,
		Attempts:   attempts,
	}, nil
}

// GetJSON sends a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.doJSON(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// PostJSON sends body as JSON and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, path string, query url.Values, body, out any) error {
	return c.doJSON(ctx, Request{Method: http.MethodPost, Path: path, Query: query, Body: body}, out)
}

func (c *Client) doJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &failure.Error{
			Kind:       failure.Fatal,
			Op:         req.Path,
			StatusCode: resp.StatusCode,
			Message:    "decode response",
			Err:        err,
		}
	}
	return nil
}

// execute runs a single attempt, through the breaker when enabled.
func (c *Client) execute(ctx context.Context, req Request) (*resty.Response, error) {
	attempt := func() (*resty.Response, error) {
		r := c.http.R().WithContext(ctx)
		if len(req.Query) > 0 {
			r.SetQueryParamsFromValues(req.Query)
		}
		for key, values := range req.Header {
			if len(values) > 0 {
				r.SetHeader(key, values[0])
			}
		}
		if req.Body != nil {
			r.SetHeader("Content-Type", "application/json").SetBody(req.Body)
		}
		if c.cfg.Auth != nil {
			if err := c.cfg.Auth.Apply(ctx, r); err != nil {
				return nil, err
			}
		}

		resp, err := r.Execute(req.Method, req.Path)
		if err != nil {
			return resp, c.classifyError(ctx, err)
		}
		if resp.StatusCode() >= 400 {
			return resp, c.statusError(ctx, req, resp)
		}
		return resp, nil
	}

	if c.breaker == nil {
		return attempt()
	}

	resp, err := c.breaker.Execute(attempt)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &failure.Error{Kind: failure.Transient, Op: c.cfg.Name, Message: "circuit breaker open", Err: err}
	}
	return resp, err
}

// classifyError maps a transport-level error to a failure kind.
func (c *Client) classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return failure.Wrap(failure.Cancelled, c.cfg.Name, ctx.Err())
	}

	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}

	var certErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &authorityErr) || errors.As(err, &hostErr) {
		return &failure.Error{Kind: failure.Fatal, Op: c.cfg.Name, Message: "tls verification failed", Err: err}
	}

	// Timeouts, resets, refused connections and EOFs are all worth
	// another attempt.
	return &failure.Error{Kind: failure.Transient, Op: c.cfg.Name, Message: "request failed", Err: err}
}

// statusError classifies an HTTP error response. 429 responses pause the
// authority for every caller sharing the tracker.
func (c *Client) statusError(ctx context.Context, req Request, resp *resty.Response) error {
	status := resp.StatusCode()
	kind := failure.FromStatus(status)
	retryAfter := failure.ParseRetryAfter(resp.Header().Get("Retry-After"), time.Now())

	if kind == failure.RateLimited && retryAfter > 0 {
		if err := c.tracker.Block(ctx, c.cfg.Name, retryAfter); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record upstream pause")
		}
	}

	return &failure.Error{
		Kind:       kind,
		Op:         req.Method + " " + req.Path,
		StatusCode: status,
		RetryAfter: retryAfter,
		Message:    http.StatusText(status),
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

func statusLabel(resp *resty.Response, err error) string {
	if resp != nil && resp.StatusCode() > 0 {
		return strconv.Itoa(resp.StatusCode())
	}
	if err != nil {
		return string(failure.KindOf(err))
	}
	return "unknown"
}

// restyLogger routes resty's internal logging through zerolog.
type restyLogger struct {
	logger zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) { l.logger.Error().Msgf(format, v...) }
func (l restyLogger) Warnf(format string, v ...any)  { l.logger.Warn().Msgf(format, v...) }
func (l restyLogger) Debugf(format string, v ...any) { l.logger.Debug().Msgf(format, v...) }
