// Package ratelimit implements the per-client token bucket rate limiter
// (C5). Bucket state lives in Redis and is mutated by a single atomic Lua
// script, so the decrement-and-read needed for a correct token bucket
// across multiple process instances is one round trip, not a
// read-modify-write race.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/locatefinance/pricing-engine/internal/telemetry"
)

// tokenBucketScript refills the bucket proportionally to elapsed time,
// clamps at capacity+burst, then attempts to withdraw one token. KEYS[1] is
// the bucket key; ARGV is capacity, refill_per_second, burst_allowance, the
// current unix time in fractional seconds, and the bucket key's TTL in
// seconds.
//
// Returns {allowed (0/1), tokens_remaining, retry_after_seconds}. The third
// element is returned via tostring(): Redis converts a bare Lua number reply
// into a RESP integer (truncating any fractional part), so a sub-second
// retry_after would silently become 0 if returned as a number.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_second = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local max_tokens = capacity + burst

local data = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(data[1])
local last_refill = tonumber(data[2])

if tokens == nil then
  tokens = max_tokens
  last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
  tokens = math.min(max_tokens, tokens + elapsed * refill_per_second)
  last_refill = now
end

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  local deficit = 1 - tokens
  retry_after = deficit / refill_per_second
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl_seconds)

return {allowed, tokens, tostring(retry_after)}
`

// Limits configures one client's (or the default) token bucket.
type Limits struct {
	Capacity       float64
	RefillPerSec   float64
	BurstAllowance float64
}

// Limiter is the C5 rate limiter.
type Limiter struct {
	redis        *redis.Client
	scriptSHA    string
	env          string
	defaultLimit Limits
	perClient    map[string]Limits
	now          func() time.Time
}

// New constructs a Limiter and loads the Lua script into Redis via SCRIPT
// LOAD, caching its SHA for EVALSHA calls. If loading fails (store
// unreachable at startup), the limiter still constructs successfully and
// fails open on every call. Allow does not retry SCRIPT LOAD in that case,
// so such a limiter keeps failing open for the life of the process.
func New(ctx context.Context, client *redis.Client, env string, defaultLimit Limits, perClient map[string]Limits) *Limiter {
	l := &Limiter{
		redis:        client,
		env:          env,
		defaultLimit: defaultLimit,
		perClient:    perClient,
		now:          time.Now,
	}
	if client != nil {
		if sha, err := client.ScriptLoad(ctx, tokenBucketScript).Result(); err == nil {
			l.scriptSHA = sha
		}
	}
	return l
}

func (l *Limiter) key(clientID string) string {
	return l.env + ":ratelimit:" + clientID
}

func (l *Limiter) limitsFor(clientID string) Limits {
	if lim, ok := l.perClient[clientID]; ok {
		return lim
	}
	return l.defaultLimit
}

// Allow decides whether clientID may proceed. On shared-store outage it
// fails open (returns allowed=true) and records a high-severity metric and
// log line, per spec.md §4.5 — failing closed here would turn a Redis blip
// into a full outage.
func (l *Limiter) Allow(ctx context.Context, clientID string) (allowed bool, retryAfter time.Duration) {
	if l.redis == nil || l.scriptSHA == "" {
		return l.failOpen(clientID)
	}

	lim := l.limitsFor(clientID)
	key := l.key(clientID)
	ttlSeconds := int((lim.Capacity + lim.BurstAllowance) / lim.RefillPerSec * 2)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	res, err := l.redis.EvalSha(ctx, l.scriptSHA, []string{key},
		lim.Capacity, lim.RefillPerSec, lim.BurstAllowance,
		float64(l.now().UnixNano())/1e9, ttlSeconds,
	).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOSCRIPT") {
			if sha, loadErr := l.redis.ScriptLoad(ctx, tokenBucketScript).Result(); loadErr == nil {
				l.scriptSHA = sha
				return l.Allow(ctx, clientID)
			}
		}
		return l.failOpen(clientID)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 3 {
		return l.failOpen(clientID)
	}

	allowedFlag, _ := values[0].(int64)
	retrySecondsStr, _ := values[2].(string)
	retrySeconds, _ := strconv.ParseFloat(retrySecondsStr, 64)

	outcome := "denied"
	if allowedFlag == 1 {
		outcome = "allowed"
	}
	telemetry.RateLimit().RecordDecision(outcome)

	return allowedFlag == 1, time.Duration(retrySeconds * float64(time.Second))
}

func (l *Limiter) failOpen(clientID string) (bool, time.Duration) {
	slog.Error("ratelimit: shared store unavailable, failing open")
	telemetry.RateLimit().RecordFailOpen()
	telemetry.RateLimit().RecordDecision("fail_open")
	return true, 0
}
