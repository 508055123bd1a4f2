// Package retry provides the retry policy shared by the transport client and
// the batch fetcher. The same Policy type serves both layers; only the
// retryable predicate and the budgets differ.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	retrygo "github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/eng-health-collector/pkg/failure"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_retries_total",
		Help: "Total number of retry attempts by layer and error kind",
	}, []string{"layer", "kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "healthd_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by layer",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"layer"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by layer and error kind",
	}, []string{"layer", "kind"})
)

// ErrExhausted is joined into the error returned once the attempt count or
// the total wait budget runs out.
var ErrExhausted = errors.New("retry attempts exhausted")

// Timer abstracts waiting between attempts. It matches the timer interface
// of avast/retry-go so tests can skip real sleeps.
type Timer interface {
	After(time.Duration) <-chan time.Time
}

// Policy describes how an operation is retried.
type Policy struct {
	// Name labels metrics and log events (e.g. "transport", "batch").
	Name string

	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each retry.
	Multiplier float64

	// Jitter is the random spread applied to each wait, as a fraction
	// (0.2 means ±20%).
	Jitter float64

	// MaxTotalWait caps the sum of all waits. Once the next wait would
	// exceed it, the last error is surfaced.
	MaxTotalWait time.Duration

	// Retryable decides whether an error is worth another attempt.
	Retryable func(error) bool

	// Timer overrides real waiting. Nil uses time.After.
	Timer Timer
}

// DefaultPolicy returns the transport-level policy: 3 attempts total,
// exponential backoff from 500ms, ±20% jitter, at most 10s of waiting,
// retrying only Transient failures.
func DefaultPolicy() Policy {
	return Policy{
		Name:           "transport",
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
		MaxTotalWait:   10 * time.Second,
		Retryable:      TransientOnly,
	}
}

// TransientOnly retries Transient failures.
func TransientOnly(err error) bool {
	return failure.Is(err, failure.Transient)
}

// TransientOrRateLimited retries Transient and RateLimited failures.
func TransientOrRateLimited(err error) bool {
	kind := failure.KindOf(err)
	return kind == failure.Transient || kind == failure.RateLimited
}

// Backoff returns the un-jittered wait before retry number n (zero-based).
func (p Policy) Backoff(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(n)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt or wait budget runs out. fn receives the 1-based attempt number.
// It returns the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = TransientOnly
	}

	if err := ctx.Err(); err != nil {
		return 0, failure.Wrap(failure.Cancelled, p.Name, err)
	}

	var (
		mu        sync.Mutex
		attempts  int
		retries   int
		waited    time.Duration
		budgetHit bool
		lastErr   error
	)

	// nextWait is set by RetryIf. A wait that would exceed MaxTotalWait
	// ends the loop rather than being shortened.
	var nextWait time.Duration

	opts := []retrygo.Option{
		retrygo.Context(ctx),
		retrygo.Attempts(uint(p.MaxAttempts)),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(func(err error) bool {
			if !retryable(err) {
				return false
			}
			mu.Lock()
			defer mu.Unlock()
			wait := p.jitter(p.Backoff(retries))
			if hint := failure.RetryAfterOf(err); hint > wait {
				wait = hint
			}
			if p.MaxTotalWait > 0 && waited+wait > p.MaxTotalWait {
				budgetHit = true
				return false
			}
			nextWait = wait
			return true
		}),
		retrygo.DelayType(func(_ uint, err error, _ *retrygo.Config) time.Duration {
			mu.Lock()
			defer mu.Unlock()
			wait := nextWait
			waited += wait
			retries++

			kind := string(failure.KindOf(err))
			retriesTotal.WithLabelValues(p.Name, kind).Inc()
			retryBackoffSeconds.WithLabelValues(p.Name).Observe(wait.Seconds())
			log.Debug().
				Str("layer", p.Name).
				Str("error_kind", kind).
				Int("attempt", attempts).
				Dur("backoff", wait).
				Msg("Retrying after backoff")
			return wait
		}),
	}
	if p.Timer != nil {
		opts = append(opts, retrygo.WithTimer(p.Timer))
	}

	err := retrygo.Do(func() error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()

		err := fn(n)
		mu.Lock()
		lastErr = err
		mu.Unlock()
		return err
	}, opts...)

	mu.Lock()
	defer mu.Unlock()

	if err == nil {
		if attempts > 1 {
			log.Info().
				Str("layer", p.Name).
				Int("attempt", attempts).
				Msg("Succeeded after retry")
		}
		return attempts, nil
	}

	// Cancellation while waiting surfaces as the bare context error.
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) && !errors.Is(lastErr, ctxErr) {
		log.Warn().
			Str("layer", p.Name).
			Int("attempt", attempts).
			Msg("Context cancelled during retry backoff")
		return attempts, failure.Wrap(failure.Cancelled, p.Name, ctxErr)
	}

	if retryable(err) && (attempts >= p.MaxAttempts || budgetHit) {
		kind := string(failure.KindOf(err))
		retryExhaustedTotal.WithLabelValues(p.Name, kind).Inc()
		log.Warn().
			Str("layer", p.Name).
			Str("error_kind", kind).
			Int("attempts", attempts).
			Dur("waited", waited).
			Bool("budget_exhausted", budgetHit).
			Msg("Retry attempts exhausted")
		return attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}

	return attempts, err
}

// jitter spreads d by ±p.Jitter.
func (p Policy) jitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := 1 - p.Jitter + rand.Float64()*2*p.Jitter
	return time.Duration(float64(d) * spread)
}
