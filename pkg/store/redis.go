package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/eng-health-collector/pkg/domain"
)

// Redis keys
const (
	redisKeySnapshots   = "healthd:snapshots:"  // ZSET per scope, score = collected_at (ms)
	redisKeyScopes      = "healthd:scopes"      // HASH scope -> ScopeInfo JSON
	redisKeyLatestRun   = "healthd:run:latest"  // RunSummary JSON
	redisKeyLastSuccess = "healthd:run:success" // RunSummary JSON
)

// RedisStore keeps snapshots in one sorted set per scope, shared by all
// API replicas.
type RedisStore struct {
	redis     *redis.Client
	retention int
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client, retention int) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{redis: redisClient, retention: retention}
}

// SaveRun stores every snapshot and the run summary in one transaction.
func (s *RedisStore) SaveRun(ctx context.Context, result domain.RunResult) error {
	summary, err := json.Marshal(result.Summary())
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}

	type pending struct {
		scope domain.UnitID
		score float64
		data  []byte
		info  []byte
	}
	var items []pending
	for _, snap := range sortedSnapshots(result) {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s: %w", snap.Scope, err)
		}
		info, err := json.Marshal(domain.ScopeInfo{Scope: snap.Scope, Project: snap.Project, LastCollect: snap.CollectedAt})
		if err != nil {
			return fmt.Errorf("marshal scope %s: %w", snap.Scope, err)
		}
		items = append(items, pending{
			scope: snap.Scope,
			score: float64(snap.CollectedAt.UnixMilli()),
			data:  data,
			info:  info,
		})
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, it := range items {
			key := redisKeySnapshots + string(it.scope)
			// One snapshot per scope and collection instant; a re-saved run
			// replaces its earlier member.
			score := strconv.FormatFloat(it.score, 'f', -1, 64)
			pipe.ZRemRangeByScore(ctx, key, score, score)
			pipe.ZAdd(ctx, key, redis.Z{Score: it.score, Member: it.data})
			pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.retention-1))
			pipe.HSet(ctx, redisKeyScopes, string(it.scope), it.info)
		}
		pipe.Set(ctx, redisKeyLatestRun, summary, 0)
		if result.Successful() {
			pipe.Set(ctx, redisKeyLastSuccess, summary, 0)
		}
		return nil
	})
	record(BackendRedis, "save_run", err)
	if err != nil {
		return fmt.Errorf("redis save run: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot of scope.
func (s *RedisStore) Latest(ctx context.Context, scope domain.UnitID) (domain.Snapshot, error) {
	members, err := s.redis.ZRevRange(ctx, redisKeySnapshots+string(scope), 0, 0).Result()
	if err != nil {
		record(BackendRedis, "latest", err)
		return domain.Snapshot{}, fmt.Errorf("redis zrevrange: %w", err)
	}
	if len(members) == 0 {
		record(BackendRedis, "latest", ErrNotFound)
		return domain.Snapshot{}, ErrNotFound
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(members[0]), &snap); err != nil {
		record(BackendRedis, "latest", err)
		return domain.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	record(BackendRedis, "latest", nil)
	return snap, nil
}

// History returns snapshots of scope, newest first.
func (s *RedisStore) History(ctx context.Context, scope domain.UnitID, q HistoryQuery) ([]domain.Snapshot, error) {
	q = q.normalize()
	key := redisKeySnapshots + string(scope)

	exists, err := s.redis.Exists(ctx, key).Result()
	if err != nil {
		record(BackendRedis, "history", err)
		return nil, fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		record(BackendRedis, "history", ErrNotFound)
		return nil, ErrNotFound
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: int64(q.Limit)}
	if !q.From.IsZero() {
		rng.Min = strconv.FormatInt(q.From.UnixMilli(), 10)
	}
	if !q.To.IsZero() {
		rng.Max = strconv.FormatInt(q.To.UnixMilli(), 10)
	}

	members, err := s.redis.ZRevRangeByScore(ctx, key, rng).Result()
	if err != nil {
		record(BackendRedis, "history", err)
		return nil, fmt.Errorf("redis zrevrangebyscore: %w", err)
	}

	out := make([]domain.Snapshot, 0, len(members))
	for _, m := range members {
		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(m), &snap); err != nil {
			record(BackendRedis, "history", err)
			return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		out = append(out, snap)
	}
	record(BackendRedis, "history", nil)
	return out, nil
}

// Scopes lists every scope with its latest collection time.
func (s *RedisStore) Scopes(ctx context.Context) ([]domain.ScopeInfo, error) {
	raw, err := s.redis.HGetAll(ctx, redisKeyScopes).Result()
	if err != nil {
		record(BackendRedis, "scopes", err)
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	out := make([]domain.ScopeInfo, 0, len(raw))
	for _, v := range raw {
		var info domain.ScopeInfo
		if err := json.Unmarshal([]byte(v), &info); err != nil {
			record(BackendRedis, "scopes", err)
			return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	record(BackendRedis, "scopes", nil)
	return out, nil
}

// LatestRun returns the summary of the most recent run.
func (s *RedisStore) LatestRun(ctx context.Context) (domain.RunSummary, error) {
	return s.getRun(ctx, redisKeyLatestRun, "latest_run")
}

// LatestSuccessfulRun returns the most recent run with a completed unit.
func (s *RedisStore) LatestSuccessfulRun(ctx context.Context) (domain.RunSummary, error) {
	return s.getRun(ctx, redisKeyLastSuccess, "latest_successful_run")
}

func (s *RedisStore) getRun(ctx context.Context, key, op string) (domain.RunSummary, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			record(BackendRedis, op, ErrNotFound)
			return domain.RunSummary{}, ErrNotFound
		}
		record(BackendRedis, op, err)
		return domain.RunSummary{}, fmt.Errorf("redis get: %w", err)
	}

	var summary domain.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		record(BackendRedis, op, err)
		return domain.RunSummary{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	record(BackendRedis, op, nil)
	return summary, nil
}

// Close leaves the shared client open; its owner closes it.
func (s *RedisStore) Close() error {
	return nil
}
