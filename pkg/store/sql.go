package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	scope TEXT NOT NULL,
	run_id TEXT NOT NULL,
	project TEXT NOT NULL,
	collected_at BIGINT NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (scope, run_id)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_scope_collected ON snapshots(scope, collected_at);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	finished_at BIGINT NOT NULL,
	successful INTEGER NOT NULL,
	data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
`

// SQLStore keeps snapshot history in sqlite or postgres. Timestamps are
// stored as unix milliseconds so both dialects compare them the same way.
type SQLStore struct {
	db        *sql.DB
	backend   string
	retention int
}

// NewSQLiteStore opens (and migrates) a sqlite database at path.
func NewSQLiteStore(ctx context.Context, path string, retention int) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows one writer at a time.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, BackendSQLite, retention)
}

// NewPostgresStore opens (and migrates) a postgres database.
func NewPostgresStore(ctx context.Context, dsn string, retention int) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newSQLStore(ctx, db, BackendPostgres, retention)
}

func newSQLStore(ctx context.Context, db *sql.DB, backend string, retention int) (*SQLStore, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &SQLStore{db: db, backend: backend, retention: retention}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	// One statement per Exec.
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.backend, err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.backend != BackendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveRun stores every snapshot and the run summary in one transaction.
func (s *SQLStore) SaveRun(ctx context.Context, result domain.RunResult) (err error) {
	defer func() { record(s.backend, "save_run", err) }()

	summary, err := json.Marshal(result.Summary())
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	upsertSnapshot := s.rebind(`
		INSERT INTO snapshots (scope, run_id, project, collected_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, run_id) DO UPDATE SET
			project = excluded.project,
			collected_at = excluded.collected_at,
			data = excluded.data`)
	trim := s.rebind(`
		DELETE FROM snapshots
		WHERE scope = ? AND collected_at < (
			SELECT collected_at FROM snapshots
			WHERE scope = ?
			ORDER BY collected_at DESC
			LIMIT 1 OFFSET ?
		)`)

	for _, snap := range sortedSnapshots(result) {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s: %w", snap.Scope, err)
		}
		if _, err := tx.ExecContext(ctx, upsertSnapshot,
			string(snap.Scope), snap.RunID, snap.Project, snap.CollectedAt.UnixMilli(), string(data)); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", snap.Scope, err)
		}
		if _, err := tx.ExecContext(ctx, trim, string(snap.Scope), string(snap.Scope), s.retention-1); err != nil {
			return fmt.Errorf("trim snapshots %s: %w", snap.Scope, err)
		}
	}

	successful := 0
	if result.Successful() {
		successful = 1
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (run_id, finished_at, successful, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			successful = excluded.successful,
			data = excluded.data`),
		result.RunID, result.FinishedAt.UnixMilli(), successful, string(summary)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot of scope.
func (s *SQLStore) Latest(ctx context.Context, scope domain.UnitID) (snap domain.Snapshot, err error) {
	defer func() { record(s.backend, "latest", err) }()

	var data string
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT data FROM snapshots
		WHERE scope = ?
		ORDER BY collected_at DESC
		LIMIT 1`), string(scope)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("query latest: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return snap, nil
}

// History returns snapshots of scope, newest first.
func (s *SQLStore) History(ctx context.Context, scope domain.UnitID, q HistoryQuery) (out []domain.Snapshot, err error) {
	defer func() { record(s.backend, "history", err) }()
	q = q.normalize()

	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM snapshots WHERE scope = ?`), string(scope)).Scan(&n); err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	from, to := int64(0), int64(1<<62)
	if !q.From.IsZero() {
		from = q.From.UnixMilli()
	}
	if !q.To.IsZero() {
		to = q.To.UnixMilli()
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT data FROM snapshots
		WHERE scope = ? AND collected_at >= ? AND collected_at <= ?
		ORDER BY collected_at DESC
		LIMIT ?`), string(scope), from, to, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out = []domain.Snapshot{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Scopes lists every scope with its latest collection time.
func (s *SQLStore) Scopes(ctx context.Context) (out []domain.ScopeInfo, err error) {
	defer func() { record(s.backend, "scopes", err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.scope, s.project, s.collected_at
		FROM snapshots s
		JOIN (
			SELECT scope, MAX(collected_at) AS latest
			FROM snapshots
			GROUP BY scope
		) l ON s.scope = l.scope AND s.collected_at = l.latest
		ORDER BY s.scope`)
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer rows.Close()

	out = []domain.ScopeInfo{}
	seen := map[string]bool{}
	for rows.Next() {
		var (
			scope, project string
			ms             int64
		)
		if err := rows.Scan(&scope, &project, &ms); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		// Two runs with the same timestamp yield two rows.
		if seen[scope] {
			continue
		}
		seen[scope] = true
		out = append(out, domain.ScopeInfo{
			Scope:       domain.UnitID(scope),
			Project:     project,
			LastCollect: time.UnixMilli(ms).UTC(),
		})
	}
	return out, rows.Err()
}

// LatestRun returns the summary of the most recent run.
func (s *SQLStore) LatestRun(ctx context.Context) (domain.RunSummary, error) {
	return s.queryRun(ctx, "latest_run", `SELECT data FROM runs ORDER BY finished_at DESC LIMIT 1`)
}

// LatestSuccessfulRun returns the most recent run with a completed unit.
func (s *SQLStore) LatestSuccessfulRun(ctx context.Context) (domain.RunSummary, error) {
	return s.queryRun(ctx, "latest_successful_run", `SELECT data FROM runs WHERE successful = 1 ORDER BY finished_at DESC LIMIT 1`)
}

func (s *SQLStore) queryRun(ctx context.Context, op, query string) (summary domain.RunSummary, err error) {
	defer func() { record(s.backend, op, err) }()

	var data string
	err = s.db.QueryRowContext(ctx, query).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunSummary{}, ErrNotFound
	}
	if err != nil {
		return domain.RunSummary{}, fmt.Errorf("query run: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return domain.RunSummary{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return summary, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
