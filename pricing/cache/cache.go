// Package cache implements the two-tier cache fronting the upstream
// providers: a bounded per-process LRU (L1) backed by a shared Redis
// instance (L2), with single-flight fetch dedup and pub/sub invalidation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/locatefinance/pricing-engine/internal/telemetry"
)

// envelopeVersion is the schema version stamped onto every L2 value. An
// entry decoded with a different version is treated as a miss, per
// spec.md §4.3's "self-describing format" requirement.
const envelopeVersion = 1

// envelope is the on-wire L2 representation of a cached value.
type envelope struct {
	V          int             `json:"v"`
	Value      json.RawMessage `json:"value"`
	InsertedAt time.Time       `json:"inserted_at"`
	TTLSeconds float64         `json:"ttl_seconds"`
}

// entry is the in-process representation shared by L1 and decoded L2 reads.
type entry struct {
	raw        json.RawMessage
	insertedAt time.Time
	ttl        time.Duration
}

func (e entry) fresh(now time.Time) bool {
	return !e.insertedAt.Add(e.ttl).Before(now)
}

// ErrStoreUnavailable signals that L2 (Redis) could not be reached. The
// cache degrades to L1-only; callers must still be able to complete a
// request per spec.md §4.3.
var ErrStoreUnavailable = errors.New("cache: shared store unavailable")

// errMiss is returned internally to distinguish "no value" from "store
// unreachable"; it never escapes the package.
var errMiss = errors.New("cache: miss")

// Cache is the two-tier cache. One Cache instance is shared process-wide;
// callers key entries with Key(env, kind, id).
type Cache struct {
	env                  string
	l1                   *lru.Cache[string, entry]
	l1TTL                time.Duration
	redis                *redis.Client
	group                singleflight.Group
	invalidationChannel  string
	staleGraceMultiplier float64
}

// Options configures a Cache instance.
type Options struct {
	Environment         string
	L1MaxEntries        int
	L1MaxTTL            time.Duration
	Redis               *redis.Client
	InvalidationChannel string

	// StaleGraceMultiplier extends the L2 (Redis) key's physical retention
	// beyond the envelope's logical TTL, so a logically-expired entry is
	// still physically present for GetStale to find. Per spec.md §4.4 step
	// 4, GetStale must be able to return the most recently expired value;
	// without a grace window Redis would have already evicted the key the
	// instant it went logically stale, and CACHED_STALE could never be
	// observed. Must be >= 1; defaults to 2 (retain for 2x the logical TTL).
	StaleGraceMultiplier float64
}

// New constructs a Cache and starts its invalidation-bus subscriber. The
// returned stop function should be called during process shutdown.
func New(ctx context.Context, opts Options) (*Cache, func(), error) {
	if opts.L1MaxEntries <= 0 {
		opts.L1MaxEntries = 1000
	}
	if opts.L1MaxTTL <= 0 || opts.L1MaxTTL > 60*time.Second {
		opts.L1MaxTTL = 60 * time.Second
	}
	if opts.StaleGraceMultiplier < 1 {
		opts.StaleGraceMultiplier = 2
	}
	l1, err := lru.New[string, entry](opts.L1MaxEntries)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: construct L1: %w", err)
	}

	c := &Cache{
		env:                  opts.Environment,
		l1:                   l1,
		l1TTL:                opts.L1MaxTTL,
		redis:                opts.Redis,
		invalidationChannel:  opts.InvalidationChannel,
		staleGraceMultiplier: opts.StaleGraceMultiplier,
	}

	stop := func() {}
	if opts.Redis != nil && opts.InvalidationChannel != "" {
		sub := opts.Redis.Subscribe(ctx, opts.InvalidationChannel)
		subCtx, cancel := context.WithCancel(ctx)
		go c.listenInvalidations(subCtx, sub)
		stop = func() {
			cancel()
			sub.Close()
		}
	}

	return c, stop, nil
}

// Key builds the canonical cache key for a (kind, identifier) pair.
func (c *Cache) Key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", c.env, kind, id)
}

func (c *Cache) listenInvalidations(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.l1.Remove(msg.Payload)
		}
	}
}

// Get looks up key, checking L1 then L2. It returns errMiss-equivalent
// (ok=false, err=nil) on a clean miss, or ErrStoreUnavailable if L2 could
// not be reached (the lookup still resolves against L1-only in that case).
func (c *Cache) Get(ctx context.Context, key string, ttlDefault time.Duration, out interface{}) (ok bool, storeErr error) {
	telemetry.Cache()
	if e, found := c.l1.Get(key); found && e.fresh(time.Now()) {
		telemetry.Cache().RecordLookup("l1", "hit")
		if err := json.Unmarshal(e.raw, out); err != nil {
			return false, nil
		}
		return true, nil
	}
	telemetry.Cache().RecordLookup("l1", "miss")

	if c.redis == nil {
		return false, nil
	}

	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			telemetry.Cache().RecordLookup("l2", "miss")
			return false, nil
		}
		telemetry.Cache().RecordLookup("l2", "error")
		return false, ErrStoreUnavailable
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.V != envelopeVersion {
		telemetry.Cache().RecordLookup("l2", "miss")
		return false, nil
	}

	e := entry{raw: env.Value, insertedAt: env.InsertedAt, ttl: time.Duration(env.TTLSeconds * float64(time.Second))}
	if !e.fresh(time.Now()) {
		telemetry.Cache().RecordLookup("l2", "miss")
		return false, nil
	}

	telemetry.Cache().RecordLookup("l2", "hit")
	c.promoteToL1(key, e)
	if err := json.Unmarshal(e.raw, out); err != nil {
		return false, nil
	}
	return true, nil
}

// GetStale returns the most recently expired L2 value for key, ignoring
// freshness. It is only ever called by the fallback ladder (C4) after both
// L1/L2-fresh and the upstream have failed.
func (c *Cache) GetStale(ctx context.Context, key string, out interface{}) (ok bool, storeErr error) {
	if c.redis == nil {
		return false, nil
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, ErrStoreUnavailable
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.V != envelopeVersion {
		return false, nil
	}
	if err := json.Unmarshal(env.Value, out); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *Cache) promoteToL1(key string, e entry) {
	if e.ttl > c.l1TTL {
		e.ttl = c.l1TTL
	}
	c.l1.Add(key, e)
}

// Set writes value to L2 first, then L1, per spec.md §4.3's write ordering.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal value: %w", err)
	}

	now := time.Now()
	if c.redis != nil {
		env := envelope{V: envelopeVersion, Value: raw, InsertedAt: now, TTLSeconds: ttl.Seconds()}
		encoded, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("cache: marshal envelope: %w", err)
		}
		// The Redis key's physical TTL outlives the envelope's logical TTL
		// (TTLSeconds above) by staleGraceMultiplier so a logically-expired
		// entry remains fetchable by GetStale; Get still treats it as a
		// miss once TTLSeconds has elapsed, regardless of this physical TTL.
		physicalTTL := time.Duration(float64(ttl) * c.staleGraceMultiplier)
		if err := c.redis.Set(ctx, key, encoded, physicalTTL).Err(); err != nil {
			return ErrStoreUnavailable
		}
	}

	l1ttl := ttl
	if l1ttl > c.l1TTL {
		l1ttl = c.l1TTL
	}
	c.l1.Add(key, entry{raw: raw, insertedAt: now, ttl: l1ttl})
	return nil
}

// Invalidate evicts key from every process's L1 by publishing on the
// invalidation channel, and removes it from L2.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.l1.Remove(key)
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		return ErrStoreUnavailable
	}
	if c.invalidationChannel != "" {
		if err := c.redis.Publish(ctx, c.invalidationChannel, key).Err(); err != nil {
			return ErrStoreUnavailable
		}
	}
	return nil
}

// FetchFunc produces a fresh value for a cache miss.
type FetchFunc func(ctx context.Context) (interface{}, error)

// SingleFlightFetch deduplicates concurrent fetches for the same key within
// this process, without touching L1/L2. Callers that need custom
// miss-handling (the C4 fallback ladder) use this instead of GetOrFetch.
func (c *Cache) SingleFlightFetch(ctx context.Context, key string, fetch FetchFunc) (interface{}, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return fetch(ctx)
	})
	return v, err
}

// GetOrFetch implements the full read path: L1/L2 lookup, and on a clean
// miss a single-flight-guarded call to fetch, whose result is written back
// to the cache before being returned. At most one concurrent fetch per
// process is launched for a given key; other callers block on it.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, out interface{}, fetch FetchFunc) (source string, err error) {
	ok, storeErr := c.Get(ctx, key, ttl, out)
	if ok {
		if storeErr != nil {
			return "l1", nil
		}
		return "hit", nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return fetch(ctx)
	})
	if err != nil {
		return "", err
	}

	raw, marshalErr := json.Marshal(v)
	if marshalErr != nil {
		return "", fmt.Errorf("cache: marshal fetched value: %w", marshalErr)
	}
	if unmarshalErr := json.Unmarshal(raw, out); unmarshalErr != nil {
		return "", fmt.Errorf("cache: decode fetched value: %w", unmarshalErr)
	}

	_ = c.Set(ctx, key, v, ttl)
	return "fetch", nil
}
