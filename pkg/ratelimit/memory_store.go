package ratelimit

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// MemoryStoreConfig configures the in-process store.
type MemoryStoreConfig struct {
	// Shards is the number of independently locked partitions.
	Shards int

	// MaxKeys caps tracked client keys across all shards. The least
	// recently seen key is evicted first.
	MaxKeys int

	// IdleTimeout evicts keys not seen for this long. Zero uses the
	// largest window passed to Take.
	IdleTimeout time.Duration
}

// DefaultMemoryStoreConfig returns defaults sized for a single replica.
func DefaultMemoryStoreConfig() MemoryStoreConfig {
	return MemoryStoreConfig{
		Shards:  32,
		MaxKeys: 100_000,
	}
}

// MemoryStore is a sharded in-process Store.
type MemoryStore struct {
	shards []*shard
	idle   time.Duration
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently seen
	maxKeys int
}

type windowEntry struct {
	key      string
	stamps   []time.Time // ascending
	lastSeen time.Time
}

// NewMemoryStore creates a sharded in-memory store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 100_000
	}
	// Each shard holds at least one key, so more shards than keys would
	// overshoot MaxKeys.
	if cfg.Shards > cfg.MaxKeys {
		cfg.Shards = cfg.MaxKeys
	}
	perShard := cfg.MaxKeys / cfg.Shards

	s := &MemoryStore{
		shards: make([]*shard, cfg.Shards),
		idle:   cfg.IdleTimeout,
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			entries: make(map[string]*list.Element),
			lru:     list.New(),
			maxKeys: perShard,
		}
	}
	return s
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, now time.Time, windows []Window) (Decision, error) {
	horizon := largestWindow(windows)
	idle := s.idle
	if idle <= 0 {
		idle = horizon
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.evictIdle(now, idle)

	e := sh.get(key, now)
	e.stamps = prune(e.stamps, now.Add(-horizon))

	counts, oldest := countWindows(e.stamps, now, windows)
	d := decide(now, windows, counts, oldest)
	if d.Allowed {
		e.stamps = append(e.stamps, now)
	}
	e.lastSeen = now

	return d, nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// get returns the entry for key, creating it and evicting the least
// recently seen key when the shard is full.
func (sh *shard) get(key string, now time.Time) *windowEntry {
	if el, ok := sh.entries[key]; ok {
		sh.lru.MoveToFront(el)
		return el.Value.(*windowEntry)
	}

	for len(sh.entries) >= sh.maxKeys {
		sh.removeOldest()
	}

	e := &windowEntry{key: key, lastSeen: now}
	sh.entries[key] = sh.lru.PushFront(e)
	ingressTrackedKeys.Inc()
	return e
}

func (sh *shard) evictIdle(now time.Time, idle time.Duration) {
	for {
		el := sh.lru.Back()
		if el == nil {
			return
		}
		if now.Sub(el.Value.(*windowEntry).lastSeen) < idle {
			return
		}
		sh.removeOldest()
	}
}

func (sh *shard) removeOldest() {
	el := sh.lru.Back()
	if el == nil {
		return
	}
	e := sh.lru.Remove(el).(*windowEntry)
	delete(sh.entries, e.key)
	ingressTrackedKeys.Dec()
}

// prune drops stamps at or before cutoff, reusing the backing array.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	n := copy(stamps, stamps[i:])
	return stamps[:n]
}
