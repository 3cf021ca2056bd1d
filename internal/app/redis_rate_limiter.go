package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateLimiter decides whether one more ledger write may hit a card.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfterSeconds int, err error)
}

// RedisRateLimiter is a fixed-window limiter shared across service replicas.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "loyalty:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  limit,
		window: window,
	}
}

// Allow consumes one slot. A nil limiter, a nil client or a non-positive limit always allows.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string) (bool, int, error) {
	count, retryAfter, err := r.consume(ctx, scope, subject)
	if err != nil {
		return true, 0, err
	}
	if r == nil || r.limit <= 0 || count <= r.limit {
		return true, 0, nil
	}
	return false, retryAfter, nil
}

func (r *RedisRateLimiter) consume(ctx context.Context, scope, subject string) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return int(currentCount), retryAfter, nil
}
