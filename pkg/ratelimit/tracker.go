package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/eng-health-collector/pkg/failure"
	"github.com/Sternrassler/eng-health-collector/pkg/logging"
)

// Prometheus metrics for upstream pause tracking.
var (
	upstreamPausesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_upstream_pauses_total",
		Help: "Total number of Retry-After pauses recorded by authority",
	}, []string{"authority"})

	upstreamPauseWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "healthd_upstream_pause_wait_seconds",
		Help:    "Time callers spent waiting on an upstream pause",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"authority"})

	upstreamPauseRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_upstream_pause_rejects_total",
		Help: "Total calls returned as rate limited because the pause exceeded the wait budget",
	}, []string{"authority"})
)

// extendPause sets the pause only when it moves the resume instant later.
// KEYS[1] = pause key, ARGV[1] = resume unix nanos, ARGV[2] = ttl millis.
var extendPause = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local nxt = tonumber(ARGV[1])
if nxt > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// Tracker records upstream Retry-After pauses and gates requests until they
// pass. With a Redis client the pause is shared by every process talking
// to the same authority; without one it is process-local.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	local map[string]time.Time
}

// NewTracker creates a new pause tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
		local:  make(map[string]time.Time),
	}
}

// GetState returns the pause in effect for authority.
func (t *Tracker) GetState(ctx context.Context, authority string) (PauseState, error) {
	state := PauseState{Authority: authority}

	if t.redis == nil {
		t.mu.Lock()
		state.PausedUntil = t.local[authority]
		t.mu.Unlock()
		return state, nil
	}

	raw, err := t.redis.Get(ctx, RedisKeyUpstreamPause+authority).Result()
	if err == redis.Nil {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("get upstream pause: %w", err)
	}

	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return state, fmt.Errorf("parse upstream pause: %w", err)
	}
	state.PausedUntil = time.Unix(0, nanos)
	return state, nil
}

// Block pauses authority for d. An existing longer pause is kept.
func (t *Tracker) Block(ctx context.Context, authority string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	until := t.now().Add(d)

	if t.redis == nil {
		t.mu.Lock()
		if until.After(t.local[authority]) {
			t.local[authority] = until
		}
		t.mu.Unlock()
	} else {
		ttl := d.Milliseconds()
		if ttl < 1 {
			ttl = 1
		}
		if err := extendPause.Run(ctx, t.redis, []string{RedisKeyUpstreamPause + authority}, until.UnixNano(), ttl).Err(); err != nil {
			return fmt.Errorf("store upstream pause in redis: %w", err)
		}
	}

	upstreamPausesTotal.WithLabelValues(authority).Inc()
	t.logger.Warn().
		Str(logging.FieldAuthority, authority).
		Dur("retry_after", d).
		Time("paused_until", until).
		Msg("Upstream asked us to back off")

	return nil
}

// Wait blocks until authority is no longer paused. If the remaining pause
// exceeds maxWait it returns a RateLimited error carrying the remaining
// time instead of waiting. State lookup failures are logged and let the
// request through.
func (t *Tracker) Wait(ctx context.Context, authority string, maxWait time.Duration) error {
	state, err := t.GetState(ctx, authority)
	if err != nil {
		t.logger.Warn().Err(err).Str(logging.FieldAuthority, authority).Msg("Upstream pause lookup failed")
		return nil
	}

	remaining := state.TimeUntilResume(t.now())
	if remaining <= 0 {
		return nil
	}

	if remaining > maxWait {
		upstreamPauseRejectsTotal.WithLabelValues(authority).Inc()
		return &failure.Error{
			Kind:       failure.RateLimited,
			Op:         authority,
			RetryAfter: remaining,
			Message:    "upstream paused",
		}
	}

	t.logger.Debug().
		Str(logging.FieldAuthority, authority).
		Dur("wait", remaining).
		Msg("Waiting for upstream pause")

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return failure.Wrap(failure.Cancelled, authority, ctx.Err())
	case <-timer.C:
	}

	upstreamPauseWaitSeconds.WithLabelValues(authority).Observe(remaining.Seconds())
	return nil
}
