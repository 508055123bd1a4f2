// Package batch resolves large identifier lists in fixed-size chunks.
//
// Each chunk is one upstream request. Chunks are independent: a chunk that
// exhausts its retries contributes its identifiers to FailedIdentifiers and
// never removes entities resolved by other chunks.
//
// Example usage:
//
//	fetcher, err := batch.NewFetcher(workTracker, batch.DefaultConfig())
//	result := fetcher.FetchAll(ctx, ids, []string{"System.State"})
//	if result.FailedBatches > 0 { ... }
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
	"github.com/Sternrassler/eng-health-collector/pkg/failure"
	"github.com/Sternrassler/eng-health-collector/pkg/retry"
)

// MaxChunkSize is the largest chunk the upstream batch endpoint accepts.
const MaxChunkSize = 200

var (
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_batch_chunks_total",
		Help: "Total number of batch chunks by outcome",
	}, []string{"outcome"})

	failedIdentifiersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthd_batch_failed_identifiers_total",
		Help: "Total number of identifiers left unresolved by error kind",
	}, []string{"kind"})
)

// Request is one chunk of identifiers plus the field projection.
type Request struct {
	Index  int
	IDs    []domain.Identifier
	Fields []string
}

// Sender resolves one chunk. Errors should be *failure.Error values so the
// fetcher can decide whether to retry.
type Sender interface {
	FetchBatch(ctx context.Context, req Request) ([]json.RawMessage, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req Request) ([]json.RawMessage, error)

// FetchBatch calls f.
func (f SenderFunc) FetchBatch(ctx context.Context, req Request) ([]json.RawMessage, error) {
	return f(ctx, req)
}

// Outcome is the result of one chunk. Err is nil on success.
type Outcome struct {
	Request    Request
	Entities   []json.RawMessage
	Kind       failure.Kind
	Err        error
	Attempts   int
	Dispatched bool
}

// Succeeded reports whether the chunk resolved.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// BatchFailure describes one failed chunk.
type BatchFailure struct {
	Index int
	IDs   []domain.Identifier
	Kind  failure.Kind
	Err   error
}

// Result aggregates every chunk of one FetchAll call. Every input
// identifier is counted once: len(Resolved) + Missing +
// len(FailedIdentifiers) equals the input length.
type Result struct {
	Resolved          []json.RawMessage
	FailedIdentifiers []domain.Identifier
	FailedBatches     int
	Failures          []BatchFailure
	// Missing counts identifiers of successful chunks the upstream did not
	// return, such as deleted items.
	Missing int
	// Requests counts chunks handed to the sender.
	Requests int
	// Attempts counts sender calls including retries.
	Attempts int
}

// HasKind reports whether any chunk failed with kind.
func (r Result) HasKind(kind failure.Kind) bool {
	for _, f := range r.Failures {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Config holds batch fetcher configuration.
type Config struct {
	// ChunkSize bounds identifiers per request (1..MaxChunkSize).
	ChunkSize int
	// Concurrency is the number of chunks in flight.
	Concurrency int
	// Retry is the per-chunk policy, layered above the transport retry.
	Retry retry.Policy
}

// DefaultConfig returns chunks of 200, 4 workers and a chunk policy that
// retries Transient and RateLimited failures.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   MaxChunkSize,
		Concurrency: 4,
		Retry: retry.Policy{
			Name:           "batch",
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.2,
			MaxTotalWait:   30 * time.Second,
			Retryable:      retry.TransientOrRateLimited,
		},
	}
}

// Fetcher partitions identifier lists and resolves them chunk by chunk.
type Fetcher struct {
	sender Sender
	config Config
}

// NewFetcher creates a new batch fetcher.
func NewFetcher(sender Sender, config Config) (*Fetcher, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = MaxChunkSize
	}
	if config.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size must be <= %d (got %d)", MaxChunkSize, config.ChunkSize)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Retry.Name == "" {
		config.Retry.Name = "batch"
	}
	if config.Retry.Retryable == nil {
		config.Retry.Retryable = retry.TransientOrRateLimited
	}

	return &Fetcher{sender: sender, config: config}, nil
}

// Partition splits ids into ordered chunks of at most size identifiers.
func Partition(ids []domain.Identifier, size int, fields []string) []Request {
	if size <= 0 {
		size = MaxChunkSize
	}
	chunks := make([]Request, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, Request{
			Index:  len(chunks),
			IDs:    ids[start:end:end],
			Fields: fields,
		})
	}
	return chunks
}

// FetchAll resolves ids chunk by chunk. It never returns an error: failures
// are reported per chunk in the Result. An empty list issues no request.
//
// After an Unauthorized chunk, or once ctx is cancelled, chunks not yet
// dispatched are not sent and are reported failed with that kind.
func (f *Fetcher) FetchAll(ctx context.Context, ids []domain.Identifier, fields []string) Result {
	if len(ids) == 0 {
		return Result{Resolved: []json.RawMessage{}, FailedIdentifiers: []domain.Identifier{}}
	}

	start := time.Now()
	chunks := Partition(ids, f.config.ChunkSize, fields)
	outcomes := make([]Outcome, len(chunks))
	// dispatched is written by the dispatch loop only; workers own outcomes.
	dispatched := make([]bool, len(chunks))

	workers := f.config.Concurrency
	if workers > len(chunks) {
		workers = len(chunks)
	}

	var (
		queue        = make(chan int)
		unauthorized atomic.Bool
		wg           sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				outcomes[i] = f.fetchChunk(ctx, chunks[i])
				if outcomes[i].Kind == failure.Unauthorized {
					unauthorized.Store(true)
				}
			}
		}()
	}

dispatch:
	for i := range chunks {
		if unauthorized.Load() || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case queue <- i:
			dispatched[i] = true
		}
	}
	close(queue)
	wg.Wait()

	for i := range outcomes {
		if dispatched[i] {
			continue
		}
		kind := failure.Cancelled
		msg := "not dispatched: run cancelled"
		if unauthorized.Load() {
			kind = failure.Unauthorized
			msg = "not dispatched: credentials rejected by an earlier chunk"
		}
		outcomes[i] = Outcome{
			Request: chunks[i],
			Kind:    kind,
			Err:     failure.New(kind, "batch", msg),
		}
	}

	result := aggregate(outcomes)

	event := log.Info()
	if result.FailedBatches > 0 {
		event = log.Warn()
	}
	event.
		Str("component", "batch-fetcher").
		Int("identifiers", len(ids)).
		Int("chunks", len(chunks)).
		Int("requests", result.Requests).
		Int("resolved", len(result.Resolved)).
		Int("missing", result.Missing).
		Int("failed_identifiers", len(result.FailedIdentifiers)).
		Int("failed_batches", result.FailedBatches).
		Dur("duration", time.Since(start)).
		Msg("Batch fetch complete")

	return result
}

// fetchChunk resolves one chunk under the chunk retry policy. A panicking
// sender fails the chunk as Fatal.
func (f *Fetcher) fetchChunk(ctx context.Context, req Request) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "batch-fetcher").
				Int("chunk", req.Index).
				Interface("panic", r).
				Msg("Chunk sender panicked")
			kind := failure.Fatal
			out = Outcome{
				Request:    req,
				Kind:       kind,
				Err:        failure.New(kind, "batch", fmt.Sprintf("chunk %d sender panicked: %v", req.Index, r)),
				Attempts:   1,
				Dispatched: true,
			}
		}
	}()

	var entities []json.RawMessage

	attempts, err := f.config.Retry.Do(ctx, func(attempt int) error {
		got, err := f.sender.FetchBatch(ctx, req)
		if err != nil {
			return err
		}
		if len(got) > len(req.IDs) {
			return failure.New(failure.Fatal, "batch",
				fmt.Sprintf("chunk %d returned %d entities for %d identifiers", req.Index, len(got), len(req.IDs)))
		}
		entities = got
		return nil
	})

	out = Outcome{Request: req, Attempts: attempts, Dispatched: true}
	if err != nil {
		out.Kind = failure.KindOf(err)
		out.Err = err
		log.Warn().
			Str("component", "batch-fetcher").
			Int("chunk", req.Index).
			Int("identifiers", len(req.IDs)).
			Int("attempts", attempts).
			Str("error_kind", string(out.Kind)).
			Err(err).
			Msg("Chunk failed")
		return out
	}

	out.Entities = entities
	return out
}

func aggregate(outcomes []Outcome) Result {
	result := Result{
		Resolved:          []json.RawMessage{},
		FailedIdentifiers: []domain.Identifier{},
	}

	for _, o := range outcomes {
		if o.Dispatched {
			result.Requests++
		}
		result.Attempts += o.Attempts

		if o.Succeeded() {
			chunksTotal.WithLabelValues("success").Inc()
			result.Resolved = append(result.Resolved, o.Entities...)
			result.Missing += len(o.Request.IDs) - len(o.Entities)
			continue
		}

		chunksTotal.WithLabelValues(string(o.Kind)).Inc()
		failedIdentifiersTotal.WithLabelValues(string(o.Kind)).Add(float64(len(o.Request.IDs)))
		result.FailedBatches++
		result.FailedIdentifiers = append(result.FailedIdentifiers, o.Request.IDs...)
		result.Failures = append(result.Failures, BatchFailure{
			Index: o.Request.Index,
			IDs:   o.Request.IDs,
			Kind:  o.Kind,
			Err:   o.Err,
		})
	}

	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].Index < result.Failures[j].Index
	})
	return result
}
