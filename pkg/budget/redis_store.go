package budget

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisReserveScript atomically reads, decrements (if affordable), and
// writes back a day's remaining balance, so concurrent engine processes
// sharing one Redis instance never oversubscribe the daily pool.
//
// KEYS[1] = budget key (e.g. "aimo:budget:2024-01-15")
// ARGV[1] = daily capacity
// ARGV[2] = cost to reserve
var redisReserveScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])

local remaining = tonumber(redis.call("GET", key))
if not remaining then
    remaining = capacity
end

local allowed = 0
if cost <= remaining then
    remaining = remaining - cost
    allowed = 1
end

redis.call("SET", key, remaining)
redis.call("EXPIRE", key, 172800)

return {allowed, tostring(remaining)}
`)

// RedisBudgetStore is the distributed Store backing the LLM daily budget
// pool, shared across concurrent engine processes via a single Redis key
// per UTC day.
type RedisBudgetStore struct {
	client   *redis.Client
	capacity float64
	keyPrefix string
}

// NewRedisBudgetStore creates a store backed by a Redis client, with the
// given daily capacity and key prefix (default "aimo:budget:" if empty).
func NewRedisBudgetStore(client *redis.Client, dailyCapacity float64, keyPrefix string) *RedisBudgetStore {
	if keyPrefix == "" {
		keyPrefix = "aimo:budget:"
	}
	return &RedisBudgetStore{client: client, capacity: dailyCapacity, keyPrefix: keyPrefix}
}

func (s *RedisBudgetStore) key(day string) string {
	return s.keyPrefix + day
}

// Reserve atomically consumes cost from day's pool via a Lua script so
// concurrent processes cannot double-spend a reservation.
func (s *RedisBudgetStore) Reserve(ctx context.Context, day string, cost float64) (bool, float64, error) {
	res, err := redisReserveScript.Run(ctx, s.client, []string{s.key(day)}, s.capacity, cost).Result()
	if err != nil {
		return false, 0, fmt.Errorf("budget: redis reserve: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("budget: unexpected redis script response")
	}
	allowed, _ := results[0].(int64)
	remaining := parseRedisFloat(results[1])
	return allowed == 1, remaining, nil
}

// Remaining reads the current balance for day without consuming it.
func (s *RedisBudgetStore) Remaining(ctx context.Context, day string) (float64, error) {
	val, err := s.client.Get(ctx, s.key(day)).Result()
	if err == redis.Nil {
		return s.capacity, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: redis remaining: %w", err)
	}
	var remaining float64
	if _, err := fmt.Sscanf(val, "%f", &remaining); err != nil {
		return 0, fmt.Errorf("budget: parse remaining: %w", err)
	}
	return remaining, nil
}

func parseRedisFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		var f float64
		_, _ = fmt.Sscanf(t, "%f", &f)
		return f
	case int64:
		return float64(t)
	default:
		return 0
	}
}
