package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/eng-health-collector/pkg/failure"
	"github.com/Sternrassler/eng-health-collector/pkg/pagination"
)

// DefaultPageSize is the findings page size requested from the scanner.
const DefaultPageSize = 100

// Findings lists vulnerability findings from the scanner authority.
type Findings struct {
	client   JSONClient
	pageSize int
	pages    pagination.Config
}

// NewFindings creates a findings adapter.
func NewFindings(c JSONClient, pageSize int, pages pagination.Config) *Findings {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Findings{client: c, pageSize: pageSize, pages: pages}
}

type findingsPage struct {
	Findings   []json.RawMessage `json:"findings"`
	Page       int               `json:"page"`
	TotalPages int               `json:"total_pages"`
}

// List fetches every findings page for project. On a page failure it
// returns the findings fetched so far together with the error.
func (f *Findings) List(ctx context.Context, project string) ([]json.RawMessage, error) {
	pager := pagination.PageFetcherFunc(func(ctx context.Context, pageNum int) ([]byte, int, error) {
		params := url.Values{
			"project":   {project},
			"page":      {strconv.Itoa(pageNum)},
			"page_size": {strconv.Itoa(f.pageSize)},
		}

		var page findingsPage
		if err := f.client.GetJSON(ctx, "/api/v1/findings", params, &page); err != nil {
			return nil, 0, err
		}
		data, err := json.Marshal(page.Findings)
		if err != nil {
			return nil, 0, failure.Wrap(failure.Fatal, "findings", err)
		}
		return data, page.TotalPages, nil
	})

	pages, fetchErr := pagination.NewFetcher(pager, f.pages).FetchAllPages(ctx, "findings/"+project)

	var out []json.RawMessage
	for _, data := range pagination.Ordered(pages) {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, failure.Wrap(failure.Fatal, "findings", err)
		}
		out = append(out, dropNulls(items)...)
	}

	if fetchErr != nil {
		return out, fmt.Errorf("list findings for %s: %w", project, fetchErr)
	}
	return out, nil
}
