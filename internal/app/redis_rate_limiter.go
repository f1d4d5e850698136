package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// The window counter and its expiry must move together, so both live in one
// script. PTTL can report -1 when the key lost its expiry; the script resets
// the window in that case rather than leaving an immortal counter behind.
var fixedWindowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
local remaining = redis.call("PTTL", KEYS[1])
if hits == 1 or remaining < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  remaining = tonumber(ARGV[1])
end
return {hits, remaining}
`)

// RedisRateLimiter is a fixed-window limiter with per-scope counters, shared
// across instances through Redis. Each (scope, subject) pair gets its own
// window.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "ledger:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: p}
}

// ConsumeRateLimit records one hit against the subject's window and reports
// the running count plus how long until the window resets. A nil limiter,
// missing client, or non-positive budget disables limiting entirely.
func (r *RedisRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := r.prefix + ":" + scope + ":" + subject
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	hits, remainingMs, err := decodeWindowReply(raw)
	if err != nil {
		return 0, 0, err
	}
	if remainingMs < 0 {
		remainingMs = windowMs
	}

	retryAfter := int((remainingMs + 999) / 1000)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(hits), retryAfter, nil
}

// decodeWindowReply unpacks the two-integer array the window script returns.
func decodeWindowReply(raw interface{}) (hits, remainingMs int64, err error) {
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, 0, fmt.Errorf("rate limiter reply has unexpected shape: %T", raw)
	}
	if hits, ok = reply[0].(int64); !ok {
		return 0, 0, fmt.Errorf("rate limiter hit count has unexpected type: %T", reply[0])
	}
	if remainingMs, ok = reply[1].(int64); !ok {
		return 0, 0, fmt.Errorf("rate limiter ttl has unexpected type: %T", reply[1])
	}
	return hits, remainingMs, nil
}
