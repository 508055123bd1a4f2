// Package upstream adapts the transport client to the upstream authorities:
// the work-tracking service (work items, pull requests, builds) and the
// vulnerability scanner.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/eng-health-collector/pkg/batch"
	"github.com/Sternrassler/eng-health-collector/pkg/domain"
	"github.com/Sternrassler/eng-health-collector/pkg/failure"
)

// APIVersion is sent with every work-tracking request.
const APIVersion = "7.0"

// maxQueryPages bounds the continuation loop of one query.
const maxQueryPages = 1000

// JSONClient is the part of client.Client the adapters use.
type JSONClient interface {
	GetJSON(ctx context.Context, path string, query url.Values, out any) error
	PostJSON(ctx context.Context, path string, query url.Values, body, out any) error
}

// WorkTracker talks to the work-tracking authority. It implements
// batch.Sender for work-item resolution.
type WorkTracker struct {
	client JSONClient
}

// NewWorkTracker creates a work-tracking adapter.
func NewWorkTracker(c JSONClient) *WorkTracker {
	return &WorkTracker{client: c}
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	WorkItems []struct {
		ID json.Number `json:"id"`
	} `json:"workItems"`
	ContinuationToken string `json:"continuationToken"`
}

// DefaultQuery returns the work-item query for unit. A unit-level Query
// takes precedence.
func DefaultQuery(unit domain.CollectionUnit) string {
	if unit.Query != "" {
		return unit.Query
	}
	q := "SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = @project"
	if unit.AreaPath != "" {
		q += " AND [System.AreaPath] UNDER '" + strings.ReplaceAll(unit.AreaPath, "'", "''") + "'"
	}
	return q
}

// QueryIDs runs query in project and follows continuation tokens until the
// listing is exhausted.
func (w *WorkTracker) QueryIDs(ctx context.Context, project, query string) ([]domain.Identifier, error) {
	path := "/" + url.PathEscape(project) + "/_apis/wit/wiql"

	var (
		ids   []domain.Identifier
		token string
		seen  = map[string]bool{}
	)
	for page := 0; page < maxQueryPages; page++ {
		params := url.Values{"api-version": {APIVersion}}
		if token != "" {
			params.Set("continuationToken", token)
		}

		var resp queryResponse
		if err := w.client.PostJSON(ctx, path, params, queryRequest{Query: query}, &resp); err != nil {
			return nil, fmt.Errorf("query work items in %s: %w", project, err)
		}
		for _, item := range resp.WorkItems {
			if item.ID == "" {
				continue
			}
			ids = append(ids, domain.Identifier(item.ID.String()))
		}

		if resp.ContinuationToken == "" {
			return ids, nil
		}
		if seen[resp.ContinuationToken] {
			return nil, failure.New(failure.Fatal, "wiql", "continuation token repeated")
		}
		seen[resp.ContinuationToken] = true
		token = resp.ContinuationToken
	}
	return nil, failure.New(failure.Fatal, "wiql", fmt.Sprintf("query exceeded %d pages", maxQueryPages))
}

type batchRequest struct {
	IDs         []int64  `json:"ids"`
	Fields      []string `json:"fields,omitempty"`
	ErrorPolicy string   `json:"errorPolicy"`
}

type listResponse struct {
	Count int               `json:"count"`
	Value []json.RawMessage `json:"value"`
}

// FetchBatch resolves one chunk of work-item ids. Deleted items come back
// as null and are dropped, so the result never exceeds the request.
func (w *WorkTracker) FetchBatch(ctx context.Context, req batch.Request) ([]json.RawMessage, error) {
	body := batchRequest{
		IDs:         make([]int64, 0, len(req.IDs)),
		Fields:      req.Fields,
		ErrorPolicy: "omit",
	}
	for _, id := range req.IDs {
		n, err := strconv.ParseInt(string(id), 10, 64)
		if err != nil {
			return nil, failure.New(failure.Fatal, "workitemsbatch", fmt.Sprintf("identifier %q is not numeric", id))
		}
		body.IDs = append(body.IDs, n)
	}

	var resp listResponse
	params := url.Values{"api-version": {APIVersion}}
	if err := w.client.PostJSON(ctx, "/_apis/wit/workitemsbatch", params, body, &resp); err != nil {
		return nil, err
	}
	return dropNulls(resp.Value), nil
}

// PullRequests lists active pull requests of project.
func (w *WorkTracker) PullRequests(ctx context.Context, project string) ([]json.RawMessage, error) {
	path := "/" + url.PathEscape(project) + "/_apis/git/pullrequests"
	params := url.Values{
		"api-version": {APIVersion},
		"status":      {"active"},
	}

	var resp listResponse
	if err := w.client.GetJSON(ctx, path, params, &resp); err != nil {
		return nil, fmt.Errorf("list pull requests in %s: %w", project, err)
	}
	return dropNulls(resp.Value), nil
}

// Builds lists builds of project that finished after since.
func (w *WorkTracker) Builds(ctx context.Context, project string, since time.Time) ([]json.RawMessage, error) {
	path := "/" + url.PathEscape(project) + "/_apis/build/builds"
	params := url.Values{
		"api-version": {APIVersion},
		"minTime":     {since.UTC().Format(time.RFC3339)},
	}

	var resp listResponse
	if err := w.client.GetJSON(ctx, path, params, &resp); err != nil {
		return nil, fmt.Errorf("list builds in %s: %w", project, err)
	}
	return dropNulls(resp.Value), nil
}

var jsonNull = []byte("null")

// dropNulls removes null entries. Under errorPolicy omit the batch endpoint
// answers null for deleted items; the batch fetcher counts them as Missing.
func dropNulls(in []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(in))
	for _, raw := range in {
		if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
			continue
		}
		out = append(out, raw)
	}
	return out
}
