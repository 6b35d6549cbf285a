package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisIncrementScript performs the dual-window check-and-increment
// atomically on the server.
// KEYS[1] = hour window key
// KEYS[2] = day window key
// ARGV[1] = hourly cap (0 = uncapped)
// ARGV[2] = daily cap (0 = uncapped)
// ARGV[3] = hour key TTL seconds
// ARGV[4] = day key TTL seconds
var redisIncrementScript = redis.NewScript(`
local hour = tonumber(redis.call("GET", KEYS[1]) or "0")
local day = tonumber(redis.call("GET", KEYS[2]) or "0")
local hcap = tonumber(ARGV[1])
local dcap = tonumber(ARGV[2])

if hcap > 0 and hour + 1 > hcap then
    return 0
end
if dcap > 0 and day + 1 > dcap then
    return 0
end

redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
redis.call("INCR", KEYS[2])
redis.call("EXPIRE", KEYS[2], tonumber(ARGV[4]))
return 1
`)

// RedisStore implements Store on Redis. Window keys self-expire.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a counter store on an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "agentgate:counter"}
}

func (s *RedisStore) windowKey(key Key, kind WindowKind, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", s.prefix, key.String(), kind, WindowStart(at, kind).Unix())
}

func (s *RedisStore) Peek(ctx context.Context, key Key, kind WindowKind, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, s.windowKey(key, kind, at)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter: redis peek: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Increment(ctx context.Context, key Key, at time.Time, caps Caps) (bool, error) {
	hourKey := s.windowKey(key, WindowHour, at)
	dayKey := s.windowKey(key, WindowDay, at)

	res, err := redisIncrementScript.Run(ctx, s.client,
		[]string{hourKey, dayKey},
		caps.Hourly, caps.Daily,
		int64((2 * time.Hour).Seconds()),
		int64((48 * time.Hour).Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("counter: redis increment: %w", err)
	}
	return res == 1, nil
}
