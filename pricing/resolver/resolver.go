// Package resolver composes the upstream adapters (C2), the two-tier cache
// (C3), and persisted reference data (C8) into the five-step fallback
// ladder specified for each of the three pricing inputs: borrow rate,
// volatility, and event risk.
package resolver

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/locatefinance/pricing-engine/pricing/cache"
	"github.com/locatefinance/pricing-engine/pricing/model"
)

// BorrowRateFetcher is satisfied by adapter.BorrowRateAdapter.
type BorrowRateFetcher interface {
	Fetch(ctx context.Context, ticker string) (model.BorrowRateQuote, error)
}

// VolatilityFetcher is satisfied by adapter.VolatilityAdapter.
type VolatilityFetcher interface {
	Fetch(ctx context.Context, ticker string) (model.VolatilityMetric, error)
}

// EventRiskFetcher is satisfied by adapter.EventRiskAdapter.
type EventRiskFetcher interface {
	Fetch(ctx context.Context, ticker string) (model.EventRisk, error)
}

// MinRateStore supplies the per-security minimum borrow rate used as the
// typed default in step 5 of the borrow-rate ladder.
type MinRateStore interface {
	MinBorrowRate(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// TTLs configures the per-kind cache lifetime used by the resolver.
type TTLs struct {
	BorrowRate time.Duration
	Volatility time.Duration
	EventRisk  time.Duration
}

// Resolver implements the C4 fallback ladder.
type Resolver struct {
	cache          *cache.Cache
	borrowRate     BorrowRateFetcher
	volatility     VolatilityFetcher
	eventRisk      EventRiskFetcher
	minRates       MinRateStore
	globalMinRate  decimal.Decimal
	ttl            TTLs
	enableFallback bool
}

// New constructs a Resolver. globalMinRate is the configured floor used
// when persistence itself is unavailable for a borrow-rate fallback.
// enableFallback is spec.md §6.3/§7's master switch: when false, steps 4-5
// of the ladder (stale cache, typed default) are skipped entirely and a
// live-fetch failure is returned to the caller instead, per §8's testable
// property that Price must be able to surface UpstreamUnavailable.
func New(c *cache.Cache, borrowRate BorrowRateFetcher, volatility VolatilityFetcher, eventRisk EventRiskFetcher, minRates MinRateStore, globalMinRate decimal.Decimal, ttl TTLs, enableFallback bool) *Resolver {
	return &Resolver{
		cache:          c,
		borrowRate:     borrowRate,
		volatility:     volatility,
		eventRisk:      eventRisk,
		minRates:       minRates,
		globalMinRate:  globalMinRate,
		ttl:            ttl,
		enableFallback: enableFallback,
	}
}

// ResolveBorrowRate implements the five-step ladder for the annualized
// borrow rate input.
func (r *Resolver) ResolveBorrowRate(ctx context.Context, ticker string) (model.BorrowRateQuote, []model.Fallback, error) {
	key := r.cache.Key("borrow_rate", ticker)

	var quote model.BorrowRateQuote
	if ok, _ := r.cache.Get(ctx, key, r.ttl.BorrowRate, &quote); ok {
		return quote, nil, nil
	}

	v, fetchErr := r.cache.SingleFlightFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return r.borrowRate.Fetch(ctx, ticker)
	})
	if fetchErr == nil {
		q := v.(model.BorrowRateQuote)
		_ = r.cache.Set(ctx, key, q, r.ttl.BorrowRate)
		return q, nil, nil
	}

	if !r.enableFallback {
		return model.BorrowRateQuote{}, nil, fetchErr
	}

	if stale, ok := tryStale[model.BorrowRateQuote](ctx, r.cache, key); ok {
		stale.Source = model.SourceCachedStale
		return stale, []model.Fallback{model.FallbackRate}, nil
	}

	minRate, minErr := r.minRates.MinBorrowRate(ctx, ticker)
	source := model.SourceFallbackMin
	if minErr != nil {
		minRate = r.globalMinRate
		source = model.SourceFallbackDefault
	}
	return model.BorrowRateQuote{
		Ticker:     ticker,
		BaseRate:   minRate,
		ObservedAt: time.Now(),
		Source:     source,
	}, []model.Fallback{model.FallbackRate}, nil
}

// ResolveVolatility implements the five-step ladder for the volatility
// index input. There is no per-security persisted fallback for volatility,
// so step 5 always uses the typed default (model.DefaultVolatilityIndex).
func (r *Resolver) ResolveVolatility(ctx context.Context, ticker string) (model.VolatilityMetric, []model.Fallback, error) {
	key := r.cache.Key("volatility", ticker)

	var metric model.VolatilityMetric
	if ok, _ := r.cache.Get(ctx, key, r.ttl.Volatility, &metric); ok {
		return metric, nil, nil
	}

	v, fetchErr := r.cache.SingleFlightFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return r.volatility.Fetch(ctx, ticker)
	})
	if fetchErr == nil {
		m := v.(model.VolatilityMetric)
		_ = r.cache.Set(ctx, key, m, r.ttl.Volatility)
		return m, nil, nil
	}

	if !r.enableFallback {
		return model.VolatilityMetric{}, nil, fetchErr
	}

	if stale, ok := tryStale[model.VolatilityMetric](ctx, r.cache, key); ok {
		stale.Source = model.SourceCachedStale
		return stale, []model.Fallback{model.FallbackVolatility}, nil
	}

	return model.VolatilityMetric{
		Ticker:     ticker,
		Index:      model.DefaultVolatilityIndex,
		ObservedAt: time.Now(),
		Source:     model.SourceFallbackDefault,
	}, []model.Fallback{model.FallbackVolatility}, nil
}

// ResolveEventRisk implements the five-step ladder for the event-risk
// factor input, with the same typed-default shape as volatility.
func (r *Resolver) ResolveEventRisk(ctx context.Context, ticker string) (model.EventRisk, []model.Fallback, error) {
	key := r.cache.Key("event_risk", ticker)

	var risk model.EventRisk
	if ok, _ := r.cache.Get(ctx, key, r.ttl.EventRisk, &risk); ok {
		return risk, nil, nil
	}

	v, fetchErr := r.cache.SingleFlightFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return r.eventRisk.Fetch(ctx, ticker)
	})
	if fetchErr == nil {
		e := v.(model.EventRisk)
		_ = r.cache.Set(ctx, key, e, r.ttl.EventRisk)
		return e, nil, nil
	}

	if !r.enableFallback {
		return model.EventRisk{}, nil, fetchErr
	}

	if stale, ok := tryStale[model.EventRisk](ctx, r.cache, key); ok {
		stale.Source = model.SourceCachedStale
		return stale, []model.Fallback{model.FallbackEvent}, nil
	}

	return model.EventRisk{
		Ticker:     ticker,
		Factor:     model.DefaultEventRiskFactor,
		ObservedAt: time.Now(),
		Source:     model.SourceFallbackDefault,
	}, []model.Fallback{model.FallbackEvent}, nil
}

// tryStale is a small generic helper so the three near-identical
// GetStale-and-decode call sites above share one implementation.
func tryStale[T any](ctx context.Context, c *cache.Cache, key string) (T, bool) {
	var out T
	ok, _ := c.GetStale(ctx, key, &out)
	return out, ok
}
