// Package domain holds the data model shared by the collection path and the
// serving API.
package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/eng-health-collector/pkg/failure"
)

// Identifier names one remote entity to resolve (e.g. a work item id).
type Identifier string

// UnitID names a collection unit. It doubles as the scope name served by the API.
type UnitID string

// CollectionUnit is one independent scope of work in a run.
type CollectionUnit struct {
	ID       UnitID `json:"id" yaml:"id"`
	Project  string `json:"project" yaml:"project"`
	AreaPath string `json:"area_path,omitempty" yaml:"area_path"`
	// Query overrides the default work-item query for the unit.
	Query string `json:"query,omitempty" yaml:"query"`
}

// Validate checks the fields a unit needs before it can run.
func (u CollectionUnit) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("unit id is required")
	}
	if u.Project == "" {
		return fmt.Errorf("unit %s: project is required", u.ID)
	}
	return nil
}

// WorkItemStats summarises work items of one project.
type WorkItemStats struct {
	Total                int            `json:"total"`
	ByState              map[string]int `json:"by_state"`
	ByType               map[string]int `json:"by_type"`
	OpenBugs             int            `json:"open_bugs"`
	OpenHighPriorityBugs int            `json:"open_high_priority_bugs"`
	MeanOpenAgeDays      float64        `json:"mean_open_age_days"`
}

// PullRequestStats summarises active pull requests.
type PullRequestStats struct {
	Active      int     `json:"active"`
	Stale       int     `json:"stale"`
	MeanAgeDays float64 `json:"mean_age_days"`
}

// BuildStats summarises builds in the lookback window.
type BuildStats struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// VulnerabilityStats summarises open findings.
type VulnerabilityStats struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
}

// Coverage records how much of the requested data made it into a snapshot.
// ResolvedItems + MissingItems + FailedItems equals RequestedItems.
// MissingItems were queried but not returned by the upstream, usually
// because they were deleted in between; they do not make a snapshot partial.
type Coverage struct {
	RequestedItems int      `json:"requested_items"`
	ResolvedItems  int      `json:"resolved_items"`
	MissingItems   int      `json:"missing_items"`
	FailedItems    int      `json:"failed_items"`
	FailedBatches  int      `json:"failed_batches"`
	FailedSections []string `json:"failed_sections,omitempty"`
	Partial        bool     `json:"partial"`
}

// Snapshot is the quality picture of one scope at one point in time.
// It is immutable once built.
type Snapshot struct {
	Scope           UnitID             `json:"scope"`
	Project         string             `json:"project"`
	RunID           string             `json:"run_id"`
	CollectedAt     time.Time          `json:"collected_at"`
	WorkItems       WorkItemStats      `json:"work_items"`
	PullRequests    PullRequestStats   `json:"pull_requests"`
	Builds          BuildStats         `json:"builds"`
	Vulnerabilities VulnerabilityStats `json:"vulnerabilities"`
	Coverage        Coverage           `json:"coverage"`
}

// Age returns how old the snapshot is at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CollectedAt)
}

// UnitFailure is the recorded reason a unit produced no snapshot.
type UnitFailure struct {
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
}

// NewUnitFailure classifies err for the run result.
func NewUnitFailure(err error) UnitFailure {
	return UnitFailure{Kind: failure.KindOf(err), Message: err.Error()}
}

// RunResult is the aggregate of one collection run. Partially completed
// runs are valid results.
type RunResult struct {
	RunID      string                 `json:"run_id"`
	Completed  []Snapshot             `json:"completed"`
	Failed     map[UnitID]UnitFailure `json:"failed"`
	Skipped    []UnitID               `json:"skipped,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Duration returns the wall time of the run.
func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Successful reports whether at least one unit completed.
func (r RunResult) Successful() bool {
	return len(r.Completed) > 0
}

// Summary strips snapshots from the result.
func (r RunResult) Summary() RunSummary {
	completed := make([]UnitID, 0, len(r.Completed))
	for _, s := range r.Completed {
		completed = append(completed, s.Scope)
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i] < completed[j] })

	failed := make(map[UnitID]UnitFailure, len(r.Failed))
	for id, f := range r.Failed {
		failed[id] = f
	}

	return RunSummary{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Completed:  completed,
		Failed:     failed,
		Skipped:    append([]UnitID(nil), r.Skipped...),
	}
}

// RunSummary is the persisted and served view of a run.
type RunSummary struct {
	RunID      string                 `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Completed  []UnitID               `json:"completed"`
	Failed     map[UnitID]UnitFailure `json:"failed"`
	Skipped    []UnitID               `json:"skipped,omitempty"`
}

// Successful reports whether at least one unit completed.
func (s RunSummary) Successful() bool {
	return len(s.Completed) > 0
}

// ScopeInfo lists a scope and the time of its latest snapshot.
type ScopeInfo struct {
	Scope       UnitID    `json:"scope"`
	Project     string    `json:"project"`
	LastCollect time.Time `json:"last_collected_at"`
}
