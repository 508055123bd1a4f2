// Package collector runs collection units concurrently and folds their
// outcomes into a run result.
//
// One unit's failure or panic is recorded against that unit only; siblings
// keep running and the run always completes with whatever succeeded.
//
// There is no per-unit deadline beyond the transport timeouts. A unit that
// never returns holds only its own slot, but the run waits for it.
package collector

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
	"github.com/Sternrassler/eng-health-collector/pkg/failure"
	"github.com/Sternrassler/eng-health-collector/pkg/logging"
)

var (
	unitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_collector_units_total",
		Help: "Total number of collection units by outcome",
	}, []string{"outcome"})

	unitsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "healthd_collector_units_in_flight",
		Help: "Number of collection units currently running",
	})

	unitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "healthd_collector_unit_duration_seconds",
		Help:    "Duration of one collection unit",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "healthd_collector_run_duration_seconds",
		Help:    "Duration of one collection run",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
	})

	lastRunTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "healthd_collector_last_run_timestamp_seconds",
		Help: "Unix time of the last finished run by status",
	}, []string{"status"})
)

// Worker produces the snapshot of one unit.
type Worker interface {
	Collect(ctx context.Context, unit domain.CollectionUnit, runID string) (domain.Snapshot, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, unit domain.CollectionUnit, runID string) (domain.Snapshot, error)

// Collect calls f.
func (f WorkerFunc) Collect(ctx context.Context, unit domain.CollectionUnit, runID string) (domain.Snapshot, error) {
	return f(ctx, unit, runID)
}

// Orchestrator schedules units under a concurrency ceiling.
type Orchestrator struct {
	worker   Worker
	now      func() time.Time
	newRunID func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunID overrides run id generation.
func WithRunID(gen func() string) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

// New creates an orchestrator for worker.
func New(worker Worker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		worker:   worker,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type unitOutcome struct {
	snapshot *domain.Snapshot
	failure  *domain.UnitFailure
	skipped  bool
}

// Run executes every unit once with at most concurrencyLimit in flight
// (values below 1 mean 1). It returns once every launched unit has finished.
// After ctx is cancelled no further unit is launched; those units are listed
// in Skipped.
func (o *Orchestrator) Run(ctx context.Context, units []domain.CollectionUnit, concurrencyLimit int) domain.RunResult {
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}

	result := domain.RunResult{
		RunID:     o.newRunID(),
		Completed: []domain.Snapshot{},
		Failed:    map[domain.UnitID]domain.UnitFailure{},
		StartedAt: o.now(),
	}

	logger := logging.WithRun(logging.NewLogger("collector"), result.RunID)
	ctx = logger.WithContext(ctx)

	logger.Info().
		Int("units", len(units)).
		Int("concurrency", concurrencyLimit).
		Msg("Collection run started")

	outcomes := make([]unitOutcome, len(units))
	runnable := o.screen(units, outcomes)

	var (
		sem = semaphore.NewWeighted(int64(concurrencyLimit))
		wg  sync.WaitGroup
	)

	for i := range units {
		if !runnable[i] {
			continue
		}
		// Acquire may succeed on a done context when a slot is free.
		if ctx.Err() != nil || sem.Acquire(ctx, 1) != nil {
			for j := i; j < len(units); j++ {
				if runnable[j] {
					outcomes[j] = unitOutcome{skipped: true}
				}
			}
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i] = o.runUnit(ctx, units[i], result.RunID)
		}(i)
	}
	wg.Wait()

	for i, out := range outcomes {
		id := units[i].ID
		switch {
		case out.snapshot != nil:
			result.Completed = append(result.Completed, *out.snapshot)
			unitsTotal.WithLabelValues("completed").Inc()
		case out.failure != nil:
			result.Failed[id] = *out.failure
			unitsTotal.WithLabelValues(string(out.failure.Kind)).Inc()
		case out.skipped:
			result.Skipped = append(result.Skipped, id)
			unitsTotal.WithLabelValues("skipped").Inc()
		}
	}

	result.FinishedAt = o.now()
	runDuration.Observe(result.Duration().Seconds())
	status := "failed"
	if result.Successful() {
		status = "success"
	}
	lastRunTimestamp.WithLabelValues(status).Set(float64(result.FinishedAt.Unix()))

	event := logger.Info()
	if len(result.Failed) > 0 || len(result.Skipped) > 0 {
		event = logger.Warn()
	}
	event.
		Int("completed", len(result.Completed)).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Dur("duration", result.Duration()).
		Msg("Collection run finished")

	return result
}

// screen rejects invalid units and every unit whose ID is not unique.
func (o *Orchestrator) screen(units []domain.CollectionUnit, outcomes []unitOutcome) []bool {
	counts := make(map[domain.UnitID]int, len(units))
	for _, u := range units {
		counts[u.ID]++
	}

	runnable := make([]bool, len(units))
	for i, u := range units {
		var f *domain.UnitFailure
		switch {
		case counts[u.ID] > 1:
			f = &domain.UnitFailure{Kind: failure.Fatal, Message: fmt.Sprintf("duplicate unit id %q", u.ID)}
		default:
			if err := u.Validate(); err != nil {
				f = &domain.UnitFailure{Kind: failure.Fatal, Message: err.Error()}
			}
		}
		if f != nil {
			outcomes[i] = unitOutcome{failure: f}
			continue
		}
		runnable[i] = true
	}
	return runnable
}

// runUnit executes one unit and converts errors and panics into outcomes.
func (o *Orchestrator) runUnit(ctx context.Context, unit domain.CollectionUnit, runID string) (out unitOutcome) {
	logger := zerolog.Ctx(ctx).With().Str(logging.FieldUnit, string(unit.ID)).Logger()
	ctx = logger.WithContext(ctx)

	start := time.Now()
	unitsInFlight.Inc()
	defer func() {
		unitsInFlight.Dec()
		unitDuration.Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Collection unit panicked")
			out = unitOutcome{failure: &domain.UnitFailure{
				Kind:    failure.Fatal,
				Message: fmt.Sprintf("unit panicked: %v", r),
			}}
		}
	}()

	snap, err := o.worker.Collect(ctx, unit, runID)
	if err != nil {
		kind := failure.KindOf(err)
		if kind == failure.Cancelled {
			logger.Info().Msg("Collection unit cancelled")
			return unitOutcome{skipped: true}
		}
		logger.Warn().
			Err(err).
			Str("error_kind", string(kind)).
			Dur("duration", time.Since(start)).
			Msg("Collection unit failed")
		f := domain.NewUnitFailure(err)
		return unitOutcome{failure: &f}
	}

	logger.Info().
		Dur("duration", time.Since(start)).
		Bool("partial", snap.Coverage.Partial).
		Msg("Collection unit completed")
	return unitOutcome{snapshot: &snap}
}
