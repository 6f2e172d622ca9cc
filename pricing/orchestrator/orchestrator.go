// Package orchestrator implements the calculation pipeline's public entry
// point (C6): validates a locate request, serves it from the calculation
// cache when possible, otherwise resolves the three pricing inputs
// concurrently, applies the formula kernel, and commits an audit record
// before returning.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/locatefinance/pricing-engine/internal/telemetry"
	"github.com/locatefinance/pricing-engine/pricing/cache"
	"github.com/locatefinance/pricing-engine/pricing/kernel"
	"github.com/locatefinance/pricing-engine/pricing/model"
)

var (
	tickerPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)
	clientPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)
)

// BorrowRateResolver is satisfied by resolver.Resolver.
type BorrowRateResolver interface {
	ResolveBorrowRate(ctx context.Context, ticker string) (model.BorrowRateQuote, []model.Fallback, error)
}

// VolatilityResolver is satisfied by resolver.Resolver.
type VolatilityResolver interface {
	ResolveVolatility(ctx context.Context, ticker string) (model.VolatilityMetric, []model.Fallback, error)
}

// EventRiskResolver is satisfied by resolver.Resolver.
type EventRiskResolver interface {
	ResolveEventRisk(ctx context.Context, ticker string) (model.EventRisk, []model.Fallback, error)
}

// BrokerConfigStore supplies the client's fee schedule. Satisfied by
// store.Repository, which reads the database directly; the broker-config
// lookup is not fronted by the C3 cache.
type BrokerConfigStore interface {
	GetBrokerConfig(ctx context.Context, clientID string) (model.BrokerConfig, error)
}

// AuditCommitter durably records a priced request. Satisfied by audit.Writer.
type AuditCommitter interface {
	Commit(ctx context.Context, rec model.AuditRecord) error
}

// MinRateStore supplies the per-security minimum borrow rate used as the
// kernel's clamp floor (spec.md §4.1 formula 1), independent of whichever
// source produced the live base_rate quote. Satisfied by store.Repository.
type MinRateStore interface {
	MinBorrowRate(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// cachedCalculation is the value written to the calculation cache. It
// carries the original input quotes alongside the result so a cache hit can
// still emit a complete, accurate audit record (spec.md §8 scenario 5).
type cachedCalculation struct {
	Result        model.CalculationResult
	Inputs        []model.InputQuote
	FallbacksUsed []model.Fallback
}

// Orchestrator wires together the resolver (C4), broker config store
// (C8), formula kernel (C1), and audit writer (C7) behind the single
// Price entry point.
type Orchestrator struct {
	cache         *cache.Cache
	calcTTL       time.Duration
	borrowRate    BorrowRateResolver
	volatility    VolatilityResolver
	eventRisk     EventRiskResolver
	brokerConfig  BrokerConfigStore
	audit         AuditCommitter
	minRates      MinRateStore
	globalMinRate decimal.Decimal
	kernelCfg     kernel.Config
	nextRecordID  uint64
}

// New constructs an Orchestrator. calcTTL is the lifetime of the
// calculation cache entry (60s per spec.md §4.6 step 6). globalMinRate is
// the configured floor used for the kernel's clamp when minRates itself is
// unreachable, matching the resolver's own global-floor fallback.
func New(c *cache.Cache, calcTTL time.Duration, borrowRate BorrowRateResolver, volatility VolatilityResolver, eventRisk EventRiskResolver, brokerConfig BrokerConfigStore, audit AuditCommitter, minRates MinRateStore, globalMinRate decimal.Decimal, kernelCfg kernel.Config) *Orchestrator {
	return &Orchestrator{
		cache:         c,
		calcTTL:       calcTTL,
		borrowRate:    borrowRate,
		volatility:    volatility,
		eventRisk:     eventRisk,
		brokerConfig:  brokerConfig,
		audit:         audit,
		minRates:      minRates,
		globalMinRate: globalMinRate,
		kernelCfg:     kernelCfg,
	}
}

// Price implements spec.md §4.6's seven-step sequence.
func (o *Orchestrator) Price(ctx context.Context, client model.ClientIdentity, ticker string, positionValue decimal.Decimal, loanDays int) (result model.CalculationResult, rec model.AuditRecord, err error) {
	start := time.Now()
	defer func() {
		outcome := outcomeLabel(err)
		telemetry.Pricing().RecordRequest(outcome)
		telemetry.Pricing().ObserveLatency(outcome, time.Since(start).Seconds())
	}()

	// Step 1: validate. The HTTP layer's rate limiter runs before Price is
	// called, so a request rejected here has already consumed a rate-limit
	// token.
	if err := validate(client, ticker, positionValue, loanDays); err != nil {
		return model.CalculationResult{}, model.AuditRecord{}, err
	}

	calcKey := o.cache.Key("calculation", fmt.Sprintf("%s:%s:%s:%d", ticker, client.ClientID, positionValue.String(), loanDays))

	// Step 2: calculation cache.
	var cached cachedCalculation
	if ok, _ := o.cache.Get(ctx, calcKey, o.calcTTL, &cached); ok {
		clone := cached.Result
		clone.Source = model.SourceCached
		clone.FallbacksUsed = cached.FallbacksUsed

		cachedRec := buildAuditRecord(client, ticker, positionValue, loanDays, cached.Inputs, clone)
		if err := o.commitAudit(ctx, &cachedRec); err != nil {
			return model.CalculationResult{}, model.AuditRecord{}, err
		}
		return clone, cachedRec, nil
	}

	// Step 3: broker config.
	broker, cfgErr := o.brokerConfig.GetBrokerConfig(ctx, client.ClientID)
	if cfgErr != nil || !broker.Active {
		return model.CalculationResult{}, model.AuditRecord{}, model.UnknownClient()
	}

	if ctx.Err() != nil {
		return model.CalculationResult{}, model.AuditRecord{}, model.Cancelled(ctx.Err())
	}

	// Step 4: resolve the three pricing inputs concurrently, all sharing
	// ctx. Each runs to completion independently; one resolver's error does
	// not cancel the others (no errgroup-style first-error cancellation),
	// since each resolver's own fallback ladder already recovers from
	// upstream failure and we want the full input set regardless of which
	// one took longer.
	var (
		rateQuote     model.BorrowRateQuote
		rateFallback  []model.Fallback
		rateErr       error
		volMetric     model.VolatilityMetric
		volFallback   []model.Fallback
		volErr        error
		eventRisk     model.EventRisk
		eventFallback []model.Fallback
		eventErr      error
		minRate       decimal.Decimal
		minRateErr    error
	)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		rateQuote, rateFallback, rateErr = o.borrowRate.ResolveBorrowRate(ctx, ticker)
	}()
	go func() {
		defer wg.Done()
		volMetric, volFallback, volErr = o.volatility.ResolveVolatility(ctx, ticker)
	}()
	go func() {
		defer wg.Done()
		eventRisk, eventFallback, eventErr = o.eventRisk.ResolveEventRisk(ctx, ticker)
	}()
	go func() {
		defer wg.Done()
		minRate, minRateErr = o.minRates.MinBorrowRate(ctx, ticker)
	}()
	wg.Wait()

	if rateErr != nil {
		return model.CalculationResult{}, model.AuditRecord{}, model.UpstreamUnavailable(rateErr)
	}
	if volErr != nil {
		return model.CalculationResult{}, model.AuditRecord{}, model.UpstreamUnavailable(volErr)
	}
	if eventErr != nil {
		return model.CalculationResult{}, model.AuditRecord{}, model.UpstreamUnavailable(eventErr)
	}
	// minRateErr is never fatal: it only affects the kernel's clamp floor,
	// which falls back to the configured global minimum, mirroring the
	// resolver's own borrow-rate step 5 fallback.
	if minRateErr != nil {
		minRate = o.globalMinRate
	}

	if ctx.Err() != nil {
		return model.CalculationResult{}, model.AuditRecord{}, model.Cancelled(ctx.Err())
	}

	// Step 5: kernel.
	calcResult, kernErr := kernel.TotalFee(o.kernelCfg, kernel.Inputs{
		BaseRate:      rateQuote.BaseRate,
		VolatilityIdx: volMetric.Index,
		EventRisk:     eventRisk.Factor,
		MinBorrowRate: minRate,
		PositionValue: positionValue,
		LoanDays:      loanDays,
		MarkupPct:     broker.MarkupPct,
		FeeType:       broker.FeeType,
		FeeAmount:     broker.FeeAmount,
	})
	if kernErr != nil {
		return model.CalculationResult{}, model.AuditRecord{}, kernErr
	}

	source := model.SourceLive
	fallbacks := mergeFallbacks(rateFallback, volFallback, eventFallback)
	if len(fallbacks) > 0 {
		source = rateQuote.Source
	}
	calcResult.Source = source
	calcResult.FallbacksUsed = fallbacks

	inputs := []model.InputQuote{
		{Kind: "borrow_rate", Value: rateQuote.BaseRate, ObservedAt: rateQuote.ObservedAt, Source: rateQuote.Source},
		{Kind: "volatility", Value: volMetric.Index, ObservedAt: volMetric.ObservedAt, Source: volMetric.Source},
		{Kind: "event_risk", Value: eventRisk.Factor, ObservedAt: eventRisk.ObservedAt, Source: eventRisk.Source},
	}

	if ctx.Err() != nil {
		return model.CalculationResult{}, model.AuditRecord{}, model.Cancelled(ctx.Err())
	}

	// Step 6: write the calculation cache.
	_ = o.cache.Set(ctx, calcKey, cachedCalculation{
		Result:        calcResult,
		Inputs:        inputs,
		FallbacksUsed: fallbacks,
	}, o.calcTTL)

	// Step 7: audit, before returning.
	finalRec := buildAuditRecord(client, ticker, positionValue, loanDays, inputs, calcResult)
	if err := o.commitAudit(ctx, &finalRec); err != nil {
		_ = o.cache.Invalidate(ctx, calcKey)
		return model.CalculationResult{}, model.AuditRecord{}, err
	}

	return calcResult, finalRec, nil
}

// validate implements step 1 of spec.md §4.6.
func validate(client model.ClientIdentity, ticker string, positionValue decimal.Decimal, loanDays int) error {
	if !tickerPattern.MatchString(ticker) {
		return model.InvalidInput("ticker must match ^[A-Z]{1,5}$")
	}
	if positionValue.LessThanOrEqual(decimal.Zero) {
		return model.InvalidInput("position_value must be positive")
	}
	if loanDays < 1 || loanDays > 365 {
		return model.InvalidInput("loan_days must be in [1,365]")
	}
	if !clientPattern.MatchString(client.ClientID) {
		return model.InvalidInput("client_id malformed")
	}
	return nil
}

// buildAuditRecord assembles the record a commit persists. RecordID,
// Partition, PrevHash, and SelfHash are left zero-valued; the audit.Writer
// fills them in at commit time.
func buildAuditRecord(client model.ClientIdentity, ticker string, positionValue decimal.Decimal, loanDays int, inputs []model.InputQuote, result model.CalculationResult) model.AuditRecord {
	return model.AuditRecord{
		Timestamp:     time.Now().UTC(),
		ClientID:      client.ClientID,
		Ticker:        ticker,
		PositionValue: positionValue,
		LoanDays:      loanDays,
		Inputs:        inputs,
		Result:        result,
		FallbacksUsed: result.FallbacksUsed,
	}
}

// commitAudit assigns the next monotonic record id, commits rec through the
// writer, and reclaims the id on failure so a later call does not leave a
// permanent gap in the sequence for what was, from the caller's point of
// view, a request that never happened.
func (o *Orchestrator) commitAudit(ctx context.Context, rec *model.AuditRecord) error {
	id := atomic.AddUint64(&o.nextRecordID, 1)
	rec.RecordID = id

	if err := o.audit.Commit(ctx, *rec); err != nil {
		atomic.CompareAndSwapUint64(&o.nextRecordID, id, id-1)
		return model.AuditFailure(err)
	}
	return nil
}

func mergeFallbacks(groups ...[]model.Fallback) []model.Fallback {
	var out []model.Fallback
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// outcomeLabel maps a Price error (or nil) to the metrics label used for
// both the request counter and the latency histogram.
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	var pe *model.PricingError
	if errors.As(err, &pe) {
		return string(pe.Code)
	}
	return "internal_error"
}
