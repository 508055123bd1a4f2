package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/eng-health-collector/pkg/batch"
	"github.com/Sternrassler/eng-health-collector/pkg/domain"
	"github.com/Sternrassler/eng-health-collector/pkg/failure"
	"github.com/Sternrassler/eng-health-collector/pkg/logging"
	"github.com/Sternrassler/eng-health-collector/pkg/transform"
	"github.com/Sternrassler/eng-health-collector/pkg/upstream"
)

// Section names reported in Coverage.FailedSections.
const (
	SectionWorkItems       = "work_items"
	SectionPullRequests    = "pull_requests"
	SectionBuilds          = "builds"
	SectionVulnerabilities = "vulnerabilities"
)

// WorkSource lists data from the work-tracking authority.
type WorkSource interface {
	QueryIDs(ctx context.Context, project, query string) ([]domain.Identifier, error)
	PullRequests(ctx context.Context, project string) ([]json.RawMessage, error)
	Builds(ctx context.Context, project string, since time.Time) ([]json.RawMessage, error)
}

// FindingSource lists vulnerability findings.
type FindingSource interface {
	List(ctx context.Context, project string) ([]json.RawMessage, error)
}

// BatchFetcher resolves identifiers in chunks.
type BatchFetcher interface {
	FetchAll(ctx context.Context, ids []domain.Identifier, fields []string) batch.Result
}

// ProjectConfig holds per-unit collection settings.
type ProjectConfig struct {
	// BuildLookback bounds the build listing.
	BuildLookback time.Duration
	// SectionConcurrency bounds sections fetched at once within one unit.
	SectionConcurrency int
	// StalePullRequestAge is passed to the transformer.
	StalePullRequestAge time.Duration
}

// DefaultProjectConfig returns a 7 day build lookback and up to 4 sections
// in flight.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		BuildLookback:       7 * 24 * time.Hour,
		SectionConcurrency:  4,
		StalePullRequestAge: transform.DefaultStalePullRequestAge,
	}
}

// ProjectCollector collects one project: work items through the batch
// fetcher, plus pull requests, builds and findings.
type ProjectCollector struct {
	work     WorkSource
	batches  BatchFetcher
	findings FindingSource
	config   ProjectConfig
	now      func() time.Time
}

// NewProjectCollector creates a unit worker. findings may be nil when no
// scanner authority is configured.
func NewProjectCollector(work WorkSource, batches BatchFetcher, findings FindingSource, config ProjectConfig) *ProjectCollector {
	if config.BuildLookback <= 0 {
		config.BuildLookback = 7 * 24 * time.Hour
	}
	if config.SectionConcurrency <= 0 {
		config.SectionConcurrency = 1
	}
	return &ProjectCollector{
		work:     work,
		batches:  batches,
		findings: findings,
		config:   config,
		now:      time.Now,
	}
}

// sectionResult is written by exactly one section goroutine.
type sectionResult struct {
	payloads []transform.RawPayload
	err      error
}

// Collect gathers every section of unit and transforms the payloads.
// Unauthorized anywhere fails the unit; other section failures produce a
// partial snapshot. A unit where every section failed returns the first
// failure.
func (p *ProjectCollector) Collect(ctx context.Context, unit domain.CollectionUnit, runID string) (domain.Snapshot, error) {
	logger := zerolog.Ctx(ctx)
	asOf := p.now().UTC()

	var (
		coverage domain.Coverage
		covMu    sync.Mutex
	)

	sections := []string{SectionWorkItems, SectionPullRequests, SectionBuilds}
	if p.findings != nil {
		sections = append(sections, SectionVulnerabilities)
	}
	results := make([]sectionResult, len(sections))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.SectionConcurrency)

	for i, name := range sections {
		g.Go(func() (groupErr error) {
			// errgroup does not carry panics back to Wait.
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Str(logging.FieldSection, name).
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Msg("Section panicked, snapshot will be partial")
					results[i] = sectionResult{
						err: failure.New(failure.Fatal, name, fmt.Sprintf("section panicked: %v", r)),
					}
					groupErr = nil
				}
			}()

			var (
				payloads []transform.RawPayload
				err      error
			)
			switch name {
			case SectionWorkItems:
				var res batch.Result
				var requested int
				payloads, res, requested, err = p.collectWorkItems(gctx, unit)
				covMu.Lock()
				coverage.RequestedItems = requested
				coverage.ResolvedItems = len(res.Resolved)
				coverage.MissingItems = res.Missing
				coverage.FailedItems = len(res.FailedIdentifiers)
				coverage.FailedBatches = res.FailedBatches
				covMu.Unlock()
			case SectionPullRequests:
				var raw []json.RawMessage
				raw, err = p.work.PullRequests(gctx, unit.Project)
				payloads = transform.Tag(transform.KindPullRequest, raw)
			case SectionBuilds:
				var raw []json.RawMessage
				raw, err = p.work.Builds(gctx, unit.Project, asOf.Add(-p.config.BuildLookback))
				payloads = transform.Tag(transform.KindBuild, raw)
			case SectionVulnerabilities:
				var raw []json.RawMessage
				raw, err = p.findings.List(gctx, unit.Project)
				payloads = transform.Tag(transform.KindFinding, raw)
			}

			results[i] = sectionResult{payloads: payloads, err: err}
			if err == nil {
				return nil
			}

			kind := failure.KindOf(err)
			if kind == failure.Unauthorized || kind == failure.Cancelled {
				return fmt.Errorf("%s: %w", name, err)
			}
			logger.Warn().
				Err(err).
				Str(logging.FieldSection, name).
				Str("error_kind", string(kind)).
				Msg("Section failed, snapshot will be partial")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return domain.Snapshot{}, err
	}

	var (
		payloads []transform.RawPayload
		firstErr error
	)
	for i, r := range results {
		if r.err != nil {
			coverage.FailedSections = append(coverage.FailedSections, sections[i])
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", sections[i], r.err)
			}
			// Partial listings still count: keep what arrived.
		}
		payloads = append(payloads, r.payloads...)
	}
	if len(coverage.FailedSections) == len(sections) {
		return domain.Snapshot{}, firstErr
	}
	sort.Strings(coverage.FailedSections)
	coverage.Partial = coverage.FailedBatches > 0 || len(coverage.FailedSections) > 0

	return transform.Transform(transform.Input{
		Unit:                unit,
		RunID:               runID,
		AsOf:                asOf,
		Payloads:            payloads,
		Coverage:            coverage,
		StalePullRequestAge: p.config.StalePullRequestAge,
	})
}

// collectWorkItems queries ids and resolves them. An Unauthorized chunk
// fails the section with Unauthorized.
func (p *ProjectCollector) collectWorkItems(ctx context.Context, unit domain.CollectionUnit) ([]transform.RawPayload, batch.Result, int, error) {
	ids, err := p.work.QueryIDs(ctx, unit.Project, upstream.DefaultQuery(unit))
	if err != nil {
		return nil, batch.Result{}, 0, err
	}

	res := p.batches.FetchAll(ctx, ids, transform.WorkItemFields)
	payloads := transform.Tag(transform.KindWorkItem, res.Resolved)

	for _, f := range res.Failures {
		if f.Kind == failure.Unauthorized || f.Kind == failure.Cancelled {
			return payloads, res, len(ids), fmt.Errorf("chunk %d: %w", f.Index, f.Err)
		}
	}
	return payloads, res, len(ids), nil
}
