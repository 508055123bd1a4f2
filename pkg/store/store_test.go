package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
	"github.com/Sternrassler/eng-health-collector/pkg/failure"
)

var baseTime = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

// setupTestRedis connects to a local Redis and skips when none is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

// makeRun builds a run on day d with the given completed scopes.
func makeRun(d int, completed ...domain.UnitID) domain.RunResult {
	at := baseTime.Add(time.Duration(d) * 24 * time.Hour)
	r := domain.RunResult{
		RunID:      fmt.Sprintf("run-%d", d),
		Completed:  []domain.Snapshot{},
		Failed:     map[domain.UnitID]domain.UnitFailure{},
		StartedAt:  at,
		FinishedAt: at.Add(time.Minute),
	}
	for _, scope := range completed {
		r.Completed = append(r.Completed, domain.Snapshot{
			Scope:       scope,
			Project:     string(scope) + "-project",
			RunID:       r.RunID,
			CollectedAt: at,
			WorkItems:   domain.WorkItemStats{Total: d, ByState: map[string]int{"Active": d}, ByType: map[string]int{}},
			Coverage:    domain.Coverage{RequestedItems: d},
		})
	}
	return r
}

// testStoreContract runs the behaviour every backend must share.
func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		if _, err := s.Latest(ctx, "payments"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Latest() error = %v, want ErrNotFound", err)
		}
		if _, err := s.History(ctx, "payments", HistoryQuery{}); !errors.Is(err, ErrNotFound) {
			t.Errorf("History() error = %v, want ErrNotFound", err)
		}
		if _, err := s.LatestRun(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("LatestRun() error = %v, want ErrNotFound", err)
		}
		if _, err := s.LatestSuccessfulRun(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("LatestSuccessfulRun() error = %v, want ErrNotFound", err)
		}
		scopes, err := s.Scopes(ctx)
		if err != nil || len(scopes) != 0 {
			t.Errorf("Scopes() = %v, %v, want empty", scopes, err)
		}
	})

	for d := 1; d <= 5; d++ {
		if err := s.SaveRun(ctx, makeRun(d, "payments", "search")); err != nil {
			t.Fatalf("SaveRun(day %d) error = %v", d, err)
		}
	}

	failed := makeRun(6)
	failed.Failed["payments"] = domain.UnitFailure{Kind: failure.Unauthorized, Message: "401"}
	if err := s.SaveRun(ctx, failed); err != nil {
		t.Fatalf("SaveRun(failed) error = %v", err)
	}

	t.Run("latest", func(t *testing.T) {
		snap, err := s.Latest(ctx, "payments")
		if err != nil {
			t.Fatalf("Latest() error = %v", err)
		}
		if snap.RunID != "run-5" || snap.WorkItems.Total != 5 {
			t.Errorf("Latest() = %s total %d, want run-5", snap.RunID, snap.WorkItems.Total)
		}
		if snap.WorkItems.ByState["Active"] != 5 {
			t.Errorf("ByState not round-tripped: %v", snap.WorkItems.ByState)
		}
		if !snap.CollectedAt.Equal(baseTime.Add(5 * 24 * time.Hour)) {
			t.Errorf("CollectedAt = %v", snap.CollectedAt)
		}
	})

	t.Run("history", func(t *testing.T) {
		all, err := s.History(ctx, "payments", HistoryQuery{})
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("History() = %d snapshots, want 3 (retention)", len(all))
		}
		if all[0].RunID != "run-5" || all[2].RunID != "run-3" {
			t.Errorf("History() order = %s..%s, want newest first", all[0].RunID, all[2].RunID)
		}

		ranged, err := s.History(ctx, "payments", HistoryQuery{
			From: baseTime.Add(3 * 24 * time.Hour),
			To:   baseTime.Add(4 * 24 * time.Hour),
		})
		if err != nil {
			t.Fatalf("History(range) error = %v", err)
		}
		if len(ranged) != 2 {
			t.Errorf("History(range) = %d, want 2", len(ranged))
		}

		limited, err := s.History(ctx, "payments", HistoryQuery{Limit: 1})
		if err != nil {
			t.Fatalf("History(limit) error = %v", err)
		}
		if len(limited) != 1 || limited[0].RunID != "run-5" {
			t.Errorf("History(limit 1) = %v", limited)
		}
	})

	t.Run("scopes", func(t *testing.T) {
		scopes, err := s.Scopes(ctx)
		if err != nil {
			t.Fatalf("Scopes() error = %v", err)
		}
		if len(scopes) != 2 || scopes[0].Scope != "payments" || scopes[1].Scope != "search" {
			t.Fatalf("Scopes() = %+v, want payments, search", scopes)
		}
		if scopes[0].Project != "payments-project" {
			t.Errorf("Project = %q", scopes[0].Project)
		}
		if !scopes[0].LastCollect.Equal(baseTime.Add(5 * 24 * time.Hour)) {
			t.Errorf("LastCollect = %v", scopes[0].LastCollect)
		}
	})

	t.Run("runs", func(t *testing.T) {
		latest, err := s.LatestRun(ctx)
		if err != nil {
			t.Fatalf("LatestRun() error = %v", err)
		}
		if latest.RunID != "run-6" || latest.Failed["payments"].Kind != failure.Unauthorized {
			t.Errorf("LatestRun() = %+v, want failed run-6", latest)
		}

		success, err := s.LatestSuccessfulRun(ctx)
		if err != nil {
			t.Fatalf("LatestSuccessfulRun() error = %v", err)
		}
		if success.RunID != "run-5" || len(success.Completed) != 2 {
			t.Errorf("LatestSuccessfulRun() = %+v, want run-5", success)
		}
	})

	t.Run("resave replaces", func(t *testing.T) {
		again := makeRun(5, "payments")
		again.Completed[0].WorkItems.Total = 42
		if err := s.SaveRun(ctx, again); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
		snap, err := s.Latest(ctx, "payments")
		if err != nil {
			t.Fatalf("Latest() error = %v", err)
		}
		if snap.WorkItems.Total != 42 {
			t.Errorf("re-saved snapshot Total = %d, want 42", snap.WorkItems.Total)
		}
		history, _ := s.History(ctx, "payments", HistoryQuery{})
		for _, h := range history {
			if h.RunID == "run-5" && h.WorkItems.Total != 42 {
				t.Error("stale copy of the re-saved snapshot remains")
			}
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore(3))
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "healthd.db"), 3)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()
	testStoreContract(t, s)
}

func TestRedisStore(t *testing.T) {
	testStoreContract(t, NewRedisStore(setupTestRedis(t), 3))
}

func TestNewRedisStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore should panic with nil redis client")
		}
	}()
	NewRedisStore(nil, 0)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Backend: BackendMemory}, false},
		{"default is memory", Config{}, false},
		{"sqlite", Config{Backend: BackendSQLite, DSN: filepath.Join(t.TempDir(), "open.db")}, false},
		{"sqlite without path", Config{Backend: BackendSQLite}, true},
		{"redis without client", Config{Backend: BackendRedis}, true},
		{"postgres without dsn", Config{Backend: BackendPostgres}, true},
		{"unknown", Config{Backend: "mongo"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s != nil {
				s.Close()
			}
		})
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{backend: BackendPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind() = %q", got)
	}
	lite := &SQLStore{backend: BackendSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind() = %q", got)
	}
}
