package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow checks every window and records the request only if all
// have room. Times are unix microseconds so they stay exact as Lua doubles.
// KEYS[1] = log key. ARGV[1] = now, ARGV[2] = member, then size/limit pairs.
// Returns {allowed, count1, oldest1, count2, oldest2, ...}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local member = ARGV[2]
local n = (#ARGV - 2) / 2

local horizon = 0
for i = 1, n do
  local size = tonumber(ARGV[1 + i * 2])
  if size > horizon then horizon = size end
end
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - horizon)

local allowed = 1
local out = {}
for i = 1, n do
  local size = tonumber(ARGV[1 + i * 2])
  local limit = tonumber(ARGV[2 + i * 2])
  local floor = '(' .. (now - size)
  local count = redis.call('ZCOUNT', key, floor, '+inf')
  local oldest = 0
  local first = redis.call('ZRANGEBYSCORE', key, floor, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
  if #first > 0 then oldest = tonumber(first[2]) end
  if count >= limit then allowed = 0 end
  out[#out + 1] = count
  out[#out + 1] = oldest
end

if allowed == 1 then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, math.ceil(horizon / 1000))
end

table.insert(out, 1, allowed)
return out
`)

// RedisStore keeps request logs in Redis sorted sets so every replica of
// the serving API shares one budget per client.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, now time.Time, windows []Window) (Decision, error) {
	args := make([]any, 0, 2+2*len(windows))
	args = append(args, now.UnixMicro(), uuid.NewString())
	for _, w := range windows {
		args = append(args, w.Size.Microseconds(), w.Limit)
	}

	raw, err := slidingWindow.Run(ctx, s.redis, []string{RedisKeyWindow + key}, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis sliding window: %w", err)
	}
	if len(raw) != 1+2*len(windows) {
		return Decision{}, fmt.Errorf("redis sliding window: unexpected reply length %d", len(raw))
	}

	counts := make([]int, len(windows))
	oldest := make([]time.Time, len(windows))
	for i := range windows {
		counts[i] = int(raw[1+2*i])
		if us := raw[2+2*i]; us > 0 {
			oldest[i] = time.UnixMicro(us)
		}
	}

	// The script already decided; decide recomputes the headers from the
	// same counts and must agree.
	d := decide(now, windows, counts, oldest)
	d.Allowed = raw[0] == 1
	return d, nil
}
