package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

// TestAllow_FailsOpenWithoutStore pins spec.md §4.5's "on shared-store
// outage the limiter fails open" requirement. A Limiter with no Redis
// client never loads a script SHA, so every call takes this path.
func TestAllow_FailsOpenWithoutStore(t *testing.T) {
	l := New(context.Background(), nil, "test", Limits{Capacity: 60, RefillPerSec: 1}, nil)
	allowed, retryAfter := l.Allow(context.Background(), "client-1")
	require.True(t, allowed)
	require.Zero(t, retryAfter)
}

func TestLimitsFor_FallsBackToDefaultWhenNoOverride(t *testing.T) {
	l := New(context.Background(), nil, "test", Limits{Capacity: 60, RefillPerSec: 1}, map[string]Limits{
		"vip-client": {Capacity: 600, RefillPerSec: 10},
	})
	require.Equal(t, Limits{Capacity: 60, RefillPerSec: 1}, l.limitsFor("ordinary-client"))
	require.Equal(t, Limits{Capacity: 600, RefillPerSec: 10}, l.limitsFor("vip-client"))
}

func TestKey_NamespacedByEnvironment(t *testing.T) {
	l := New(context.Background(), nil, "prod", Limits{Capacity: 60, RefillPerSec: 1}, nil)
	require.Equal(t, "prod:ratelimit:client-42", l.key("client-42"))
}

func newMiniredisLimiter(t *testing.T, lim Limits) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(context.Background(), client, "test", lim, nil)
}

// TestAllow_DeniesAndComputesRetryAfterOnExhaustion pins spec.md §8
// scenario 4's retry_after ~= 1s contract against the real Lua script. It
// regresses the bug where retry_after was parsed as a RESP float when Redis
// actually returns a RESP integer for a bare Lua number, silently zeroing
// the value; tokenBucketScript now returns it via tostring().
func TestAllow_DeniesAndComputesRetryAfterOnExhaustion(t *testing.T) {
	l := newMiniredisLimiter(t, Limits{Capacity: 1, RefillPerSec: 1})

	allowed, retryAfter := l.Allow(context.Background(), "client-1")
	require.True(t, allowed)
	require.Zero(t, retryAfter)

	allowed, retryAfter = l.Allow(context.Background(), "client-1")
	require.False(t, allowed)
	require.InDelta(t, time.Second, retryAfter, float64(200*time.Millisecond))
}

// TestAllow_RefillsTokensOverTime confirms the bucket admits a request
// again once enough time has elapsed for the deficit to refill.
func TestAllow_RefillsTokensOverTime(t *testing.T) {
	l := newMiniredisLimiter(t, Limits{Capacity: 1, RefillPerSec: 5})

	allowed, _ := l.Allow(context.Background(), "client-1")
	require.True(t, allowed)

	allowed, _ = l.Allow(context.Background(), "client-1")
	require.False(t, allowed)

	time.Sleep(250 * time.Millisecond)

	allowed, retryAfter := l.Allow(context.Background(), "client-1")
	require.True(t, allowed)
	require.Zero(t, retryAfter)
}
