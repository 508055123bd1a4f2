package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the ingress limiter.
var (
	ingressDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_ingress_ratelimit_decisions_total",
		Help: "Ingress rate limit decisions by outcome",
	}, []string{"outcome"})

	ingressTrackedKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "healthd_ingress_ratelimit_tracked_keys",
		Help: "Number of client keys currently tracked by the in-memory store",
	})
)

// Window is one sliding window: at most Limit requests in any trailing
// interval of length Size.
type Window struct {
	Size  time.Duration
	Limit int
}

// Decision is the outcome of one admission check. Limit, Remaining and
// Reset describe the window closest to exhaustion.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is the time until the oldest counted request in the reported
	// window ages out.
	Reset time.Duration
	// RetryAfter is set on rejection: the time until every exhausted
	// window has room again.
	RetryAfter time.Duration
}

// Store keeps per-key request logs. Implementations must be safe for
// concurrent use and must check and record atomically per key. Rejected
// requests are not recorded.
type Store interface {
	Take(ctx context.Context, key string, now time.Time, windows []Window) (Decision, error)
}

// Config holds limiter configuration.
type Config struct {
	// PerMinute is the request budget in any trailing minute.
	PerMinute int

	// PerHour is the request budget in any trailing hour.
	PerHour int

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultConfig returns the serving API defaults.
func DefaultConfig() Config {
	return Config{
		PerMinute: 60,
		PerHour:   1000,
	}
}

// Limiter admits or rejects requests per client key.
type Limiter struct {
	store   Store
	windows []Window
	now     func() time.Time
}

// NewLimiter creates a limiter over store.
func NewLimiter(store Store, cfg Config) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limit store is required")
	}
	if cfg.PerMinute <= 0 || cfg.PerHour <= 0 {
		return nil, fmt.Errorf("rate limits must be > 0 (per_minute=%d, per_hour=%d)", cfg.PerMinute, cfg.PerHour)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		store: store,
		windows: []Window{
			{Size: time.Minute, Limit: cfg.PerMinute},
			{Size: time.Hour, Limit: cfg.PerHour},
		},
		now: now,
	}, nil
}

// Allow checks and, if admitted, records one request for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	d, err := l.store.Take(ctx, key, l.now(), l.windows)
	if err != nil {
		ingressDecisionsTotal.WithLabelValues("error").Inc()
		return Decision{}, err
	}
	if d.Allowed {
		ingressDecisionsTotal.WithLabelValues("allowed").Inc()
	} else {
		ingressDecisionsTotal.WithLabelValues("rejected").Inc()
	}
	return d, nil
}

// decide builds a Decision from the per-window counts observed before this
// request and the oldest counted timestamp in each window.
func decide(now time.Time, windows []Window, counts []int, oldest []time.Time) Decision {
	d := Decision{Allowed: true, Remaining: -1}
	for i, w := range windows {
		if counts[i] >= w.Limit {
			d.Allowed = false
		}
	}

	for i, w := range windows {
		used := counts[i]
		if d.Allowed {
			used++
		}
		remaining := w.Limit - used
		if remaining < 0 {
			remaining = 0
		}

		reset := w.Size
		if !oldest[i].IsZero() {
			reset = oldest[i].Add(w.Size).Sub(now)
		}

		if d.Remaining < 0 || remaining < d.Remaining {
			d.Limit = w.Limit
			d.Remaining = remaining
			d.Reset = reset
		}
		if counts[i] >= w.Limit && reset > d.RetryAfter {
			d.RetryAfter = reset
		}
	}
	return d
}

// countWindows counts stamps (ascending) inside each window ending at now.
// A stamp exactly Size old has aged out.
func countWindows(stamps []time.Time, now time.Time, windows []Window) ([]int, []time.Time) {
	counts := make([]int, len(windows))
	oldest := make([]time.Time, len(windows))
	for i, w := range windows {
		cutoff := now.Add(-w.Size)
		idx := sort.Search(len(stamps), func(j int) bool {
			return stamps[j].After(cutoff)
		})
		counts[i] = len(stamps) - idx
		if idx < len(stamps) {
			oldest[i] = stamps[idx]
		}
	}
	return counts, oldest
}

func largestWindow(windows []Window) time.Duration {
	var max time.Duration
	for _, w := range windows {
		if w.Size > max {
			max = w.Size
		}
	}
	return max
}
