package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
	"github.com/Sternrassler/eng-health-collector/pkg/failure"
	"github.com/Sternrassler/eng-health-collector/pkg/retry"
)

// instantTimer records requested waits and fires immediately.
type instantTimer struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (t *instantTimer) After(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (t *instantTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

// fakeSender echoes one entity per identifier unless fail says otherwise.
type fakeSender struct {
	mu       sync.Mutex
	calls    []Request
	attempts map[int]int
	fail     func(req Request, attempt int) error

	inFlight    int
	maxInFlight int
	delay       time.Duration
}

func newFakeSender() *fakeSender {
	return &fakeSender{attempts: make(map[int]int)}
}

func (s *fakeSender) FetchBatch(ctx context.Context, req Request) ([]json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.attempts[req.Index]++
	attempt := s.attempts[req.Index]
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	if s.fail != nil {
		if err := s.fail(req, attempt); err != nil {
			return nil, err
		}
	}

	out := make([]json.RawMessage, 0, len(req.IDs))
	for _, id := range req.IDs {
		out = append(out, json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
	}
	return out, nil
}

func (s *fakeSender) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func makeIDs(n int) []domain.Identifier {
	ids := make([]domain.Identifier, n)
	for i := range ids {
		ids[i] = domain.Identifier(fmt.Sprintf("%d", i+1))
	}
	return ids
}

func newTestFetcher(t *testing.T, sender Sender, chunk, workers int) (*Fetcher, *instantTimer) {
	t.Helper()
	timer := &instantTimer{}
	cfg := DefaultConfig()
	cfg.ChunkSize = chunk
	cfg.Concurrency = workers
	cfg.Retry.Timer = timer
	f, err := NewFetcher(sender, cfg)
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}
	return f, timer
}

// accounted checks every input identifier appears exactly once across
// resolved entities and failed identifiers, or is one of the Missing.
func accounted(t *testing.T, ids []domain.Identifier, result Result) {
	t.Helper()

	seen := make(map[domain.Identifier]int, len(ids))
	for _, raw := range result.Resolved {
		var e struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatalf("resolved entity not decodable: %v", err)
		}
		seen[domain.Identifier(e.ID)]++
	}
	for _, id := range result.FailedIdentifiers {
		seen[id]++
	}

	if len(result.Resolved)+result.Missing+len(result.FailedIdentifiers) != len(ids) {
		t.Errorf("resolved %d + missing %d + failed %d != input %d",
			len(result.Resolved), result.Missing, len(result.FailedIdentifiers), len(ids))
	}
	absent := 0
	for _, id := range ids {
		switch seen[id] {
		case 0:
			absent++
		case 1:
		default:
			t.Errorf("identifier %s accounted %d times, want 1", id, seen[id])
		}
	}
	if absent != result.Missing {
		t.Errorf("%d identifiers absent, Missing = %d", absent, result.Missing)
	}
}

func TestFetchAll_EmptyInput(t *testing.T) {
	sender := newFakeSender()
	f, _ := newTestFetcher(t, sender, 200, 4)

	result := f.FetchAll(context.Background(), nil, []string{"System.State"})

	if sender.CallCount() != 0 {
		t.Errorf("sender called %d times for empty input", sender.CallCount())
	}
	if result.Resolved == nil || len(result.Resolved) != 0 {
		t.Errorf("Resolved = %v, want empty non-nil", result.Resolved)
	}
	if result.FailedIdentifiers == nil || len(result.FailedIdentifiers) != 0 {
		t.Errorf("FailedIdentifiers = %v, want empty non-nil", result.FailedIdentifiers)
	}
	if result.FailedBatches != 0 || result.Requests != 0 {
		t.Errorf("FailedBatches = %d, Requests = %d, want 0", result.FailedBatches, result.Requests)
	}
}

func TestFetchAll_Completeness(t *testing.T) {
	tests := []struct {
		n, chunk     int
		wantRequests int
	}{
		{1, 200, 1},
		{199, 200, 1},
		{200, 200, 1},
		{201, 200, 2},
		{450, 200, 3},
		{1000, 200, 5},
		{10, 3, 4},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d/c=%d", tt.n, tt.chunk), func(t *testing.T) {
			sender := newFakeSender()
			f, _ := newTestFetcher(t, sender, tt.chunk, 4)
			ids := makeIDs(tt.n)

			result := f.FetchAll(context.Background(), ids, nil)

			if got := sender.CallCount(); got != tt.wantRequests {
				t.Errorf("sender calls = %d, want %d", got, tt.wantRequests)
			}
			if result.Requests != tt.wantRequests {
				t.Errorf("Requests = %d, want %d", result.Requests, tt.wantRequests)
			}
			if len(result.Resolved) != tt.n {
				t.Errorf("Resolved = %d, want %d", len(result.Resolved), tt.n)
			}
			accounted(t, ids, result)
		})
	}
}

func TestPartition(t *testing.T) {
	ids := makeIDs(7)
	chunks := Partition(ids, 3, []string{"f"})

	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	wantSizes := []int{3, 3, 1}
	next := 0
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d Index = %d", i, c.Index)
		}
		if len(c.IDs) != wantSizes[i] {
			t.Errorf("chunk %d size = %d, want %d", i, len(c.IDs), wantSizes[i])
		}
		for _, id := range c.IDs {
			if id != ids[next] {
				t.Errorf("chunk %d out of order: got %s, want %s", i, id, ids[next])
			}
			next++
		}
	}

	// Appending to one chunk must not overwrite the next.
	chunks[0].IDs = append(chunks[0].IDs, "x")
	if chunks[1].IDs[0] != ids[3] {
		t.Error("chunks share backing array capacity")
	}
}

func TestFetchAll_FatalChunkIsolated(t *testing.T) {
	sender := newFakeSender()
	sender.fail = func(req Request, _ int) error {
		if req.Index == 1 {
			return failure.New(failure.Fatal, "test", "bad request")
		}
		return nil
	}
	f, _ := newTestFetcher(t, sender, 10, 2)
	ids := makeIDs(30)

	result := f.FetchAll(context.Background(), ids, nil)

	if result.FailedBatches != 1 {
		t.Errorf("FailedBatches = %d, want 1", result.FailedBatches)
	}
	if len(result.Resolved) != 20 {
		t.Errorf("Resolved = %d, want 20", len(result.Resolved))
	}
	if sender.attempts[1] != 1 {
		t.Errorf("fatal chunk attempted %d times, want 1", sender.attempts[1])
	}
	if len(result.Failures) != 1 || result.Failures[0].Kind != failure.Fatal {
		t.Errorf("Failures = %+v", result.Failures)
	}
	accounted(t, ids, result)
}

func TestFetchAll_RetriesTransientAndRateLimited(t *testing.T) {
	sender := newFakeSender()
	sender.fail = func(req Request, attempt int) error {
		switch {
		case req.Index == 0 && attempt == 1:
			return &failure.Error{Kind: failure.RateLimited, Op: "test", RetryAfter: 4 * time.Second}
		case req.Index == 1 && attempt < 3:
			return failure.New(failure.Transient, "test", "503")
		}
		return nil
	}
	f, timer := newTestFetcher(t, sender, 5, 1)
	ids := makeIDs(10)

	result := f.FetchAll(context.Background(), ids, nil)

	if result.FailedBatches != 0 {
		t.Fatalf("FailedBatches = %d, want 0: %+v", result.FailedBatches, result.Failures)
	}
	if result.Requests != 2 {
		t.Errorf("Requests = %d, want 2", result.Requests)
	}
	if result.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", result.Attempts)
	}

	waits := timer.Waits()
	if len(waits) == 0 || waits[0] < 4*time.Second {
		t.Errorf("first wait = %v, want the 4s Retry-After honored", waits)
	}
	accounted(t, ids, result)
}

func TestFetchAll_TransientExhausted(t *testing.T) {
	sender := newFakeSender()
	sender.fail = func(req Request, _ int) error {
		return failure.New(failure.Transient, "test", "503")
	}
	f, _ := newTestFetcher(t, sender, 200, 1)
	ids := makeIDs(50)

	result := f.FetchAll(context.Background(), ids, nil)

	if sender.attempts[0] != 3 {
		t.Errorf("attempts = %d, want 3", sender.attempts[0])
	}
	if len(result.FailedIdentifiers) != 50 {
		t.Errorf("FailedIdentifiers = %d, want 50", len(result.FailedIdentifiers))
	}
	if !result.HasKind(failure.Transient) {
		t.Errorf("Failures = %+v, want Transient", result.Failures)
	}
}

func TestFetchAll_UnauthorizedStopsDispatch(t *testing.T) {
	sender := newFakeSender()
	sender.fail = func(req Request, _ int) error {
		return failure.New(failure.Unauthorized, "test", "401")
	}
	f, _ := newTestFetcher(t, sender, 10, 1)
	ids := makeIDs(50)

	result := f.FetchAll(context.Background(), ids, nil)

	// The queue is unbuffered: at most one more chunk can be in the
	// worker's hands before the flag is observed.
	if got := sender.CallCount(); got > 2 {
		t.Errorf("sender calls = %d, want dispatch to stop after the 401", got)
	}
	if result.FailedBatches != 5 {
		t.Errorf("FailedBatches = %d, want 5", result.FailedBatches)
	}
	for _, fl := range result.Failures {
		if fl.Kind != failure.Unauthorized {
			t.Errorf("chunk %d kind = %q, want %q", fl.Index, fl.Kind, failure.Unauthorized)
		}
	}
	accounted(t, ids, result)
}

func TestFetchAll_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := newFakeSender()
	sender.fail = func(req Request, _ int) error {
		if req.Index == 0 {
			cancel()
		}
		return nil
	}
	f, _ := newTestFetcher(t, sender, 10, 1)
	ids := makeIDs(50)

	result := f.FetchAll(ctx, ids, nil)

	if got := sender.CallCount(); got != 1 {
		t.Errorf("sender calls = %d, want 1 after cancellation", got)
	}
	if len(result.Resolved) != 10 {
		t.Errorf("Resolved = %d, want the in-flight chunk kept", len(result.Resolved))
	}
	for _, fl := range result.Failures {
		if fl.Kind != failure.Cancelled {
			t.Errorf("chunk %d kind = %q, want %q", fl.Index, fl.Kind, failure.Cancelled)
		}
	}
	accounted(t, ids, result)
}

func TestFetchAll_ConcurrencyBound(t *testing.T) {
	sender := newFakeSender()
	sender.delay = 5 * time.Millisecond
	f, _ := newTestFetcher(t, sender, 1, 3)
	ids := makeIDs(20)

	result := f.FetchAll(context.Background(), ids, nil)

	if sender.maxInFlight > 3 {
		t.Errorf("max in flight = %d, want <= 3", sender.maxInFlight)
	}
	accounted(t, ids, result)
}

func TestFetchAll_OversizedResponseIsFatal(t *testing.T) {
	sender := SenderFunc(func(ctx context.Context, req Request) ([]json.RawMessage, error) {
		return make([]json.RawMessage, len(req.IDs)+1), nil
	})
	f, _ := newTestFetcher(t, sender, 5, 1)

	result := f.FetchAll(context.Background(), makeIDs(5), nil)

	if !result.HasKind(failure.Fatal) {
		t.Errorf("Failures = %+v, want Fatal", result.Failures)
	}
}

func TestNewFetcher_Validation(t *testing.T) {
	sender := newFakeSender()

	if _, err := NewFetcher(nil, DefaultConfig()); err == nil {
		t.Error("NewFetcher(nil) should fail")
	}

	cfg := DefaultConfig()
	cfg.ChunkSize = MaxChunkSize + 1
	if _, err := NewFetcher(sender, cfg); err == nil {
		t.Error("NewFetcher() should reject chunk size above the maximum")
	}

	f, err := NewFetcher(sender, Config{Retry: retry.Policy{MaxAttempts: 1}})
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}
	if f.config.ChunkSize != MaxChunkSize || f.config.Concurrency != 1 {
		t.Errorf("defaults not applied: %+v", f.config)
	}
}

func TestFetchAll_ManySmallChunks(t *testing.T) {
	sender := newFakeSender()
	f, _ := newTestFetcher(t, sender, 1, 8)
	ids := makeIDs(400)

	result := f.FetchAll(context.Background(), ids, nil)

	if result.Requests != 400 || result.FailedBatches != 0 {
		t.Errorf("Requests = %d, FailedBatches = %d; want 400, 0", result.Requests, result.FailedBatches)
	}
	accounted(t, ids, result)
}

func TestFetchAll_PanickingSenderIsFatal(t *testing.T) {
	sender := newFakeSender()
	sender.fail = func(req Request, attempt int) error {
		if req.Index == 2 {
			var byIndex map[int]bool
			byIndex[req.Index] = true
		}
		return nil
	}
	f, _ := newTestFetcher(t, sender, 10, 3)
	ids := makeIDs(50)

	result := f.FetchAll(context.Background(), ids, nil)

	if !result.HasKind(failure.Fatal) || result.FailedBatches != 1 {
		t.Fatalf("Failures = %+v, want one Fatal chunk", result.Failures)
	}
	if result.Failures[0].Index != 2 {
		t.Errorf("failed chunk = %d, want 2", result.Failures[0].Index)
	}
	if len(result.Resolved) != 40 {
		t.Errorf("Resolved = %d, want 40", len(result.Resolved))
	}
	accounted(t, ids, result)
}

func TestFetchAll_OmittedEntitiesAreMissing(t *testing.T) {
	deleted := map[domain.Identifier]bool{"3": true, "7": true, "8": true}
	sender := SenderFunc(func(ctx context.Context, req Request) ([]json.RawMessage, error) {
		var out []json.RawMessage
		for _, id := range req.IDs {
			if !deleted[id] {
				out = append(out, json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
			}
		}
		return out, nil
	})
	f, _ := newTestFetcher(t, sender, 4, 2)
	ids := makeIDs(10)

	result := f.FetchAll(context.Background(), ids, nil)

	if result.Missing != 3 || result.FailedBatches != 0 {
		t.Errorf("Missing = %d, FailedBatches = %d; want 3, 0", result.Missing, result.FailedBatches)
	}
	accounted(t, ids, result)
}
