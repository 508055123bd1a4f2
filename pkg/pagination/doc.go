// Package pagination provides parallel fetching for paged listing endpoints.
//
// Paged listings (vulnerability findings) report the total page count on the
// first page. This package fetches page 1, then distributes the remaining
// pages over a small worker pool.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(findingsPager, pagination.DefaultConfig())
//	pages, err := fetcher.FetchAllPages(ctx, "findings/payments")
//
// The fetcher:
//   - Fetches the first page to determine total pages
//   - Spawns a worker pool (default 4 workers)
//   - Stops remaining workers after the first page failure
//   - Returns partial pages together with the error
package pagination
