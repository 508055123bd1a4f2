package transform

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
)

// DefaultStalePullRequestAge marks active pull requests older than two
// weeks as stale.
const DefaultStalePullRequestAge = 14 * 24 * time.Hour

// Input is everything Transform needs for one unit.
type Input struct {
	Unit     domain.CollectionUnit
	RunID    string
	AsOf     time.Time
	Payloads []RawPayload
	Coverage domain.Coverage
	// StalePullRequestAge defaults to DefaultStalePullRequestAge.
	StalePullRequestAge time.Duration
}

var closedStates = map[string]bool{
	"closed":   true,
	"done":     true,
	"removed":  true,
	"resolved": true,
}

var resolvedFindingStates = map[string]bool{
	"fixed":     true,
	"closed":    true,
	"resolved":  true,
	"dismissed": true,
}

// Transform builds the snapshot for in. It is deterministic: equal inputs
// yield equal snapshots.
func Transform(in Input) (domain.Snapshot, error) {
	staleAge := in.StalePullRequestAge
	if staleAge <= 0 {
		staleAge = DefaultStalePullRequestAge
	}

	snap := domain.Snapshot{
		Scope:       in.Unit.ID,
		Project:     in.Unit.Project,
		RunID:       in.RunID,
		CollectedAt: in.AsOf,
		WorkItems: domain.WorkItemStats{
			ByState: map[string]int{},
			ByType:  map[string]int{},
		},
		Vulnerabilities: domain.VulnerabilityStats{
			BySeverity: map[string]int{},
		},
		Coverage: in.Coverage,
	}
	snap.Coverage.FailedSections = append([]string(nil), in.Coverage.FailedSections...)

	var (
		openAgeSum   time.Duration
		openAgeCount int
		prAgeSum     time.Duration
		completed    int
	)

	for i, p := range in.Payloads {
		record, err := Decode(p)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("payload %d of %s: %w", i, in.Unit.ID, err)
		}

		switch r := record.(type) {
		case WorkItem:
			snap.WorkItems.Total++
			snap.WorkItems.ByState[r.State]++
			snap.WorkItems.ByType[r.Type]++

			if closedStates[strings.ToLower(r.State)] {
				continue
			}
			if strings.ToLower(r.Type) == "bug" {
				snap.WorkItems.OpenBugs++
				if r.Priority > 0 && r.Priority <= 2 {
					snap.WorkItems.OpenHighPriorityBugs++
				}
			}
			if !r.CreatedAt.IsZero() && !r.CreatedAt.After(in.AsOf) {
				openAgeSum += in.AsOf.Sub(r.CreatedAt)
				openAgeCount++
			}

		case PullRequest:
			snap.PullRequests.Active++
			age := in.AsOf.Sub(r.CreatedAt)
			if age < 0 {
				age = 0
			}
			prAgeSum += age
			if age > staleAge {
				snap.PullRequests.Stale++
			}

		case Build:
			snap.Builds.Total++
			switch r.Result {
			case "succeeded":
				snap.Builds.Succeeded++
			case "failed":
				snap.Builds.Failed++
			}
			if r.Status == "completed" || r.Result != "" {
				completed++
			}

		case Finding:
			if resolvedFindingStates[r.State] {
				continue
			}
			snap.Vulnerabilities.Total++
			snap.Vulnerabilities.BySeverity[r.Severity]++
		}
	}

	snap.WorkItems.MeanOpenAgeDays = meanDays(openAgeSum, openAgeCount)
	snap.PullRequests.MeanAgeDays = meanDays(prAgeSum, snap.PullRequests.Active)
	if completed > 0 {
		snap.Builds.SuccessRate = round2(float64(snap.Builds.Succeeded) / float64(completed))
	}

	return snap, nil
}

func meanDays(sum time.Duration, n int) float64 {
	if n == 0 {
		return 0
	}
	return round2(sum.Hours() / 24 / float64(n))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
