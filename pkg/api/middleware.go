package api

import (
	"crypto/subtle"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/eng-health-collector/pkg/logging"
	"github.com/Sternrassler/eng-health-collector/pkg/ratelimit"
)

// Header names
const (
	HeaderRequestID          = "X-Request-ID"
	HeaderAPIKey             = "X-API-Key"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

const requestIDKey = "request_id"

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_http_requests_total",
		Help: "Total number of API requests by method, route and status",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "healthd_http_request_duration_seconds",
		Help:    "API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// RequestID propagates a well-formed X-Request-ID or assigns a new UUID. The
// id is echoed in the response and attached to a request-scoped logger.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if !requestIDPattern.MatchString(id) {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)

		logger := log.With().
			Str("component", "api").
			Str(logging.FieldRequestID, id).
			Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
	}
}

// RequestIDFrom returns the id assigned by RequestID, if any.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// Logger writes one structured line per request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		logger := zerolog.Ctx(c.Request.Context())
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status_code", status).
			Str("client_ip", c.ClientIP()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}

// Metrics records request counts and latency by route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Recovery turns a panic into an INTERNAL_ERROR envelope. The panic value
// is logged; the client sees neither it nor a stack trace.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		zerolog.Ctx(c.Request.Context()).Error().
			Interface("panic", recovered).
			Str("path", c.Request.URL.Path).
			Msg("Handler panicked")
		respondError(c, NewInternalError(nil), "")
	})
}

// RateLimit admits requests through limiter keyed by client IP. Paths in
// exempt bypass the check. A store failure lets the request through.
func RateLimit(limiter *ratelimit.Limiter, exempt ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}

	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		d, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			zerolog.Ctx(c.Request.Context()).Warn().
				Err(err).
				Msg("Rate limit store unavailable, admitting request")
			c.Next()
			return
		}

		c.Header(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
		c.Header(HeaderRateLimitReset, strconv.FormatInt(time.Now().Add(d.Reset).Unix(), 10))

		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(ceilSeconds(d.RetryAfter)))
			respondError(c, NewRateLimitedError("rate limit exceeded"), "")
			return
		}
		c.Next()
	}
}

// APIKeyAuth requires X-API-Key to match one of keys.
func APIKeyAuth(keys []string) gin.HandlerFunc {
	accepted := make([][]byte, len(keys))
	for i, k := range keys {
		accepted[i] = []byte(k)
	}

	return func(c *gin.Context) {
		presented := []byte(c.GetHeader(HeaderAPIKey))
		if len(presented) == 0 {
			respondError(c, NewUnauthorizedError("missing api key"), "")
			return
		}

		match := 0
		for _, k := range accepted {
			match |= subtle.ConstantTimeCompare(presented, k)
		}
		if match != 1 {
			respondError(c, NewUnauthorizedError("invalid api key"), "")
			return
		}
		c.Next()
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
