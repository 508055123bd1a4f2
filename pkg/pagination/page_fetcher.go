package pagination

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/eng-health-collector/pkg/failure"
)

// Config holds page fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel page requests
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// MaxPages caps the pages fetched for one listing
	MaxPages int
}

// DefaultConfig returns safe default configuration for listing endpoints
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        30 * time.Second,
		MaxPages:       500,
	}
}

// PageFetcher fetches a single page and reports the total page count
type PageFetcher interface {
	FetchPage(ctx context.Context, pageNum int) (data []byte, totalPages int, err error)
}

// PageFetcherFunc adapts a function to PageFetcher
type PageFetcherFunc func(ctx context.Context, pageNum int) ([]byte, int, error)

// FetchPage calls f
func (f PageFetcherFunc) FetchPage(ctx context.Context, pageNum int) ([]byte, int, error) {
	return f(ctx, pageNum)
}

// PageResult represents the result of fetching a single page
type PageResult struct {
	PageNumber int
	Data       []byte
	Error      error
}

// Fetcher handles parallel fetching of all pages of one listing
type Fetcher struct {
	fetcher PageFetcher
	config  Config
}

// NewFetcher creates a new page fetcher
func NewFetcher(fetcher PageFetcher, config Config) *Fetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 500
	}

	return &Fetcher{
		fetcher: fetcher,
		config:  config,
	}
}

// FetchAllPages fetches page 1, then pages 2..n in parallel using a worker pool.
// Returns map of pageNumber -> data. On a page failure the pages fetched so far
// are returned together with the first error.
func (f *Fetcher) FetchAllPages(ctx context.Context, listing string) (map[int][]byte, error) {
	start := time.Now()

	// Fetch first page to get total page count
	firstCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	firstPageData, totalPages, err := f.fetcher.FetchPage(firstCtx, 1)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}

	if totalPages > f.config.MaxPages {
		log.Warn().
			Str("listing", listing).
			Int("total_pages", totalPages).
			Int("max_pages", f.config.MaxPages).
			Msg("Listing exceeds page cap, truncating")
		totalPages = f.config.MaxPages
	}

	// Single page optimization
	if totalPages <= 1 {
		log.Debug().
			Str("listing", listing).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return map[int][]byte{1: firstPageData}, nil
	}

	log.Debug().
		Str("listing", listing).
		Int("total_pages", totalPages).
		Msg("Starting parallel page fetch")

	results := map[int][]byte{1: firstPageData}

	pageQueue := make(chan int, totalPages-1)
	pageResults := make(chan PageResult, totalPages-1)

	// Fill page queue (skip page 1, already fetched)
	for page := 2; page <= totalPages; page++ {
		pageQueue <- page
	}
	close(pageQueue)

	workerCtx, stop := context.WithCancel(ctx)
	defer stop()

	workers := f.config.MaxConcurrency
	if workers > totalPages-1 {
		workers = totalPages - 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go f.worker(workerCtx, pageQueue, pageResults, &wg, i)
	}

	// Close results channel when all workers done
	go func() {
		wg.Wait()
		close(pageResults)
	}()

	var firstErr error
	for result := range pageResults {
		if result.Error != nil {
			if firstErr == nil {
				firstErr = result.Error
				// Remaining pages are pointless once one is missing.
				stop()
			}
			continue
		}
		results[result.PageNumber] = result.Data
	}

	if firstErr == nil && ctx.Err() != nil {
		firstErr = failure.Wrap(failure.Cancelled, "pagination", ctx.Err())
	}

	if firstErr != nil {
		log.Warn().
			Err(firstErr).
			Str("listing", listing).
			Int("fetched_pages", len(results)).
			Int("total_pages", totalPages).
			Msg("Page fetch failed - returning partial results")
		return results, fmt.Errorf("partial listing (%d/%d pages): %w", len(results), totalPages, firstErr)
	}

	log.Debug().
		Str("listing", listing).
		Int("pages", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, nil
}

// worker processes pages from the queue
func (f *Fetcher) worker(ctx context.Context, pageQueue <-chan int, results chan<- PageResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for pageNum := range pageQueue {
		// Check context cancellation
		if ctx.Err() != nil {
			log.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		data, err := f.fetchPage(ctx, pageNum)

		// results is buffered for every page, so sends never block.
		results <- PageResult{PageNumber: pageNum, Data: data, Error: err}
		if err != nil {
			return
		}
		pagesProcessed++
	}
}

// fetchPage fetches one page under the page timeout. A panicking fetcher
// fails the page as Fatal instead of crashing the worker.
func (f *Fetcher) fetchPage(ctx context.Context, pageNum int) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = failure.New(failure.Fatal, "pagination", fmt.Sprintf("page %d fetcher panicked: %v", pageNum, r))
		}
	}()

	pageCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()
	data, _, err = f.fetcher.FetchPage(pageCtx, pageNum)
	return data, err
}

// Ordered returns page bodies sorted by page number.
func Ordered(pages map[int][]byte) [][]byte {
	nums := make([]int, 0, len(pages))
	for n := range pages {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	out := make([][]byte, 0, len(nums))
	for _, n := range nums {
		out = append(out, pages[n])
	}
	return out
}
