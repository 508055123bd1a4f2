// Package store persists collection runs and serves snapshots to the API.
//
// Three backends implement Store:
//
//   - memory: a process-local store for tests and single-shot CLI runs
//   - redis: shared by several API replicas (sorted set per scope)
//   - sqlite / postgres: durable history through database/sql
//
// # Basic Usage
//
//	s, err := store.Open(ctx, store.Config{Backend: "sqlite", DSN: "healthd.db"})
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	if err := s.SaveRun(ctx, result); err != nil { ... }
//	snap, err := s.Latest(ctx, "payments")
//	if errors.Is(err, store.ErrNotFound) { ... }
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
)

var (
	// ErrNotFound indicates the requested scope or run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidEntry indicates a stored record could not be decoded.
	ErrInvalidEntry = errors.New("invalid store entry")
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// DefaultRetention is the number of snapshots kept per scope.
const DefaultRetention = 400

var (
	storeOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_store_operations_total",
		Help: "Total number of store operations by backend, operation and result",
	}, []string{"backend", "operation", "result"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_store_errors_total",
		Help: "Total number of store operation errors",
	}, []string{"backend", "operation"})
)

// HistoryQuery bounds a history listing. Zero times are open bounds.
type HistoryQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

// normalize applies the default and maximum limit.
func (q HistoryQuery) normalize() HistoryQuery {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}
	return q
}

func (q HistoryQuery) contains(t time.Time) bool {
	if !q.From.IsZero() && t.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && t.After(q.To) {
		return false
	}
	return true
}

// Store is the persistence contract of the collection path and the API.
type Store interface {
	// SaveRun stores every completed snapshot and the run summary.
	SaveRun(ctx context.Context, result domain.RunResult) error
	// Latest returns the newest snapshot of scope.
	Latest(ctx context.Context, scope domain.UnitID) (domain.Snapshot, error)
	// History returns snapshots of scope, newest first.
	History(ctx context.Context, scope domain.UnitID, q HistoryQuery) ([]domain.Snapshot, error)
	// Scopes lists every scope with its latest collection time.
	Scopes(ctx context.Context) ([]domain.ScopeInfo, error)
	// LatestRun returns the summary of the most recent run.
	LatestRun(ctx context.Context) (domain.RunSummary, error)
	// LatestSuccessfulRun returns the most recent run that completed at
	// least one unit.
	LatestSuccessfulRun(ctx context.Context) (domain.RunSummary, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	// DSN is the sqlite path or the postgres connection string.
	DSN string
	// Redis is required for the redis backend.
	Redis *redis.Client
	// Retention is the snapshot count kept per scope.
	Retention int
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(cfg.Retention), nil
	case BackendRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		return NewRedisStore(cfg.Redis, cfg.Retention), nil
	case BackendSQLite:
		s, err := NewSQLiteStore(ctx, cfg.DSN, cfg.Retention)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, cfg.DSN, cfg.Retention)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// sortedSnapshots returns the completed snapshots ordered by scope.
func sortedSnapshots(result domain.RunResult) []domain.Snapshot {
	snaps := append([]domain.Snapshot(nil), result.Completed...)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Scope < snaps[j].Scope })
	return snaps
}

func record(backend, op string, err error) {
	switch {
	case err == nil:
		storeOperations.WithLabelValues(backend, op, "ok").Inc()
	case errors.Is(err, ErrNotFound):
		storeOperations.WithLabelValues(backend, op, "not_found").Inc()
	default:
		storeOperations.WithLabelValues(backend, op, "error").Inc()
		storeErrors.WithLabelValues(backend, op).Inc()
	}
}
