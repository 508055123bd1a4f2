package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
)

// MemoryStore keeps runs in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	retention   int
	snapshots   map[domain.UnitID][]domain.Snapshot // oldest first
	latestRun   *domain.RunSummary
	lastSuccess *domain.RunSummary
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		retention: retention,
		snapshots: make(map[domain.UnitID][]domain.Snapshot),
	}
}

// SaveRun stores the run.
func (m *MemoryStore) SaveRun(ctx context.Context, result domain.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range sortedSnapshots(result) {
		list := m.snapshots[snap.Scope]
		// Re-saving a run replaces its snapshot.
		replaced := false
		for i := range list {
			if list[i].RunID == snap.RunID {
				list[i] = snap
				replaced = true
			}
		}
		if !replaced {
			list = append(list, snap)
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].CollectedAt.Before(list[j].CollectedAt) })
		if len(list) > m.retention {
			list = append([]domain.Snapshot(nil), list[len(list)-m.retention:]...)
		}
		m.snapshots[snap.Scope] = list
	}

	summary := result.Summary()
	m.latestRun = &summary
	if summary.Successful() {
		m.lastSuccess = &summary
	}
	record(BackendMemory, "save_run", nil)
	return nil
}

// Latest returns the newest snapshot of scope.
func (m *MemoryStore) Latest(ctx context.Context, scope domain.UnitID) (domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.snapshots[scope]
	if len(list) == 0 {
		record(BackendMemory, "latest", ErrNotFound)
		return domain.Snapshot{}, ErrNotFound
	}
	record(BackendMemory, "latest", nil)
	return list[len(list)-1], nil
}

// History returns snapshots of scope, newest first.
func (m *MemoryStore) History(ctx context.Context, scope domain.UnitID, q HistoryQuery) ([]domain.Snapshot, error) {
	q = q.normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	list, ok := m.snapshots[scope]
	if !ok {
		record(BackendMemory, "history", ErrNotFound)
		return nil, ErrNotFound
	}

	out := []domain.Snapshot{}
	for i := len(list) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if q.contains(list[i].CollectedAt) {
			out = append(out, list[i])
		}
	}
	record(BackendMemory, "history", nil)
	return out, nil
}

// Scopes lists every scope with its latest collection time.
func (m *MemoryStore) Scopes(ctx context.Context) ([]domain.ScopeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ScopeInfo, 0, len(m.snapshots))
	for scope, list := range m.snapshots {
		if len(list) == 0 {
			continue
		}
		last := list[len(list)-1]
		out = append(out, domain.ScopeInfo{Scope: scope, Project: last.Project, LastCollect: last.CollectedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	record(BackendMemory, "scopes", nil)
	return out, nil
}

// LatestRun returns the summary of the most recent run.
func (m *MemoryStore) LatestRun(ctx context.Context) (domain.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latestRun == nil {
		return domain.RunSummary{}, ErrNotFound
	}
	return *m.latestRun, nil
}

// LatestSuccessfulRun returns the most recent run with a completed unit.
func (m *MemoryStore) LatestSuccessfulRun(ctx context.Context) (domain.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastSuccess == nil {
		return domain.RunSummary{}, ErrNotFound
	}
	return *m.lastSuccess, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
