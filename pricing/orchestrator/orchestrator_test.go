package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/locatefinance/pricing-engine/pricing/cache"
	"github.com/locatefinance/pricing-engine/pricing/kernel"
	"github.com/locatefinance/pricing-engine/pricing/model"
)

type fakeBorrowRate struct {
	quote model.BorrowRateQuote
	fb    []model.Fallback
	err   error
	calls int
}

func (f *fakeBorrowRate) ResolveBorrowRate(ctx context.Context, ticker string) (model.BorrowRateQuote, []model.Fallback, error) {
	f.calls++
	return f.quote, f.fb, f.err
}

type fakeVolatility struct {
	metric model.VolatilityMetric
	fb     []model.Fallback
	err    error
	calls  int
}

func (f *fakeVolatility) ResolveVolatility(ctx context.Context, ticker string) (model.VolatilityMetric, []model.Fallback, error) {
	f.calls++
	return f.metric, f.fb, f.err
}

type fakeEventRisk struct {
	risk  model.EventRisk
	fb    []model.Fallback
	err   error
	calls int
}

func (f *fakeEventRisk) ResolveEventRisk(ctx context.Context, ticker string) (model.EventRisk, []model.Fallback, error) {
	f.calls++
	return f.risk, f.fb, f.err
}

type fakeBrokerStore struct {
	cfg   model.BrokerConfig
	err   error
	calls int
}

func (f *fakeBrokerStore) GetBrokerConfig(ctx context.Context, clientID string) (model.BrokerConfig, error) {
	f.calls++
	return f.cfg, f.err
}

type fakeMinRateStore struct {
	rate decimal.Decimal
	err  error
}

func (f *fakeMinRateStore) MinBorrowRate(ctx context.Context, ticker string) (decimal.Decimal, error) {
	return f.rate, f.err
}

type fakeAudit struct {
	commits  []model.AuditRecord
	failNext bool
}

func (f *fakeAudit) Commit(ctx context.Context, rec model.AuditRecord) error {
	if f.failNext {
		return errors.New("sink unavailable")
	}
	f.commits = append(f.commits, rec)
	return nil
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, stop, err := cache.New(context.Background(), cache.Options{Environment: "test", L1MaxEntries: 100, L1MaxTTL: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(stop)
	return c
}

func activeBroker(clientID string) model.BrokerConfig {
	return model.BrokerConfig{
		ClientID:  clientID,
		MarkupPct: decimal.NewFromFloat(0.10),
		FeeType:   model.FeeTypeFlat,
		FeeAmount: decimal.NewFromFloat(25),
		Active:    true,
	}
}

func liveQuotes() (*fakeBorrowRate, *fakeVolatility, *fakeEventRisk) {
	return &fakeBorrowRate{quote: model.BorrowRateQuote{Ticker: "AAPL", BaseRate: decimal.NewFromFloat(0.05), ObservedAt: time.Now(), Source: model.SourceLive}},
		&fakeVolatility{metric: model.VolatilityMetric{Ticker: "AAPL", Index: decimal.NewFromInt(10), ObservedAt: time.Now(), Source: model.SourceLive}},
		&fakeEventRisk{risk: model.EventRisk{Ticker: "AAPL", Factor: decimal.Zero, ObservedAt: time.Now(), Source: model.SourceLive}}
}

func newOrchestrator(c *cache.Cache, br BorrowRateResolver, vol VolatilityResolver, evt EventRiskResolver, broker BrokerConfigStore, aud AuditCommitter, minRates MinRateStore) *Orchestrator {
	return New(c, 60*time.Second, br, vol, evt, broker, aud, minRates, decimal.NewFromFloat(0.01), kernel.DefaultConfig())
}

func TestPrice_InvalidTicker_NeverTouchesDownstream(t *testing.T) {
	c := newTestCache(t)
	br, vol, evt := liveQuotes()
	broker := &fakeBrokerStore{cfg: activeBroker("client-1")}
	aud := &fakeAudit{}
	o := newOrchestrator(c, br, vol, evt, broker, aud, &fakeMinRateStore{})

	_, _, err := o.Price(context.Background(), model.ClientIdentity{ClientID: "client-1"}, "nope", decimal.NewFromInt(100000), 30)

	var pe *model.PricingError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, model.CodeInvalidInput, pe.Code)
	require.Zero(t, br.calls)
	require.Zero(t, broker.calls)
	require.Empty(t, aud.commits)
}

func TestPrice_MissingOrInactiveBrokerConfig_ReturnsUnknownClient(t *testing.T) {
	c := newTestCache(t)
	br, vol, evt := liveQuotes()
	broker := &fakeBrokerStore{cfg: model.BrokerConfig{ClientID: "client-1", Active: false}}
	aud := &fakeAudit{}
	o := newOrchestrator(c, br, vol, evt, broker, aud, &fakeMinRateStore{})

	_, _, err := o.Price(context.Background(), model.ClientIdentity{ClientID: "client-1"}, "AAPL", decimal.NewFromInt(100000), 30)

	var pe *model.PricingError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, model.CodeUnknownClient, pe.Code)
	require.Zero(t, br.calls, "resolvers must not run once broker config fails")
}

func TestPrice_LiveSuccess_ComputesResultAndCommitsAudit(t *testing.T) {
	c := newTestCache(t)
	br, vol, evt := liveQuotes()
	broker := &fakeBrokerStore{cfg: activeBroker("client-1")}
	aud := &fakeAudit{}
	o := newOrchestrator(c, br, vol, evt, broker, aud, &fakeMinRateStore{rate: decimal.NewFromFloat(0.01)})

	result, rec, err := o.Price(context.Background(), model.ClientIdentity{ClientID: "client-1"}, "AAPL", decimal.NewFromInt(100000), 30)

	require.NoError(t, err)
	require.Equal(t, model.SourceLive, result.Source)
	require.True(t, result.TotalFee.IsPositive())
	require.Len(t, aud.commits, 1)
	require.Equal(t, uint64(1), rec.RecordID)
	require.Equal(t, 1, br.calls)
	require.Equal(t, 1, vol.calls)
	require.Equal(t, 1, evt.calls)
}

func TestPrice_IdempotentCache_SecondCallServedFromCacheStillAudits(t *testing.T) {
	c := newTestCache(t)
	br, vol, evt := liveQuotes()
	broker := &fakeBrokerStore{cfg: activeBroker("client-1")}
	aud := &fakeAudit{}
	o := newOrchestrator(c, br, vol, evt, broker, aud, &fakeMinRateStore{rate: decimal.NewFromFloat(0.01)})

	client := model.ClientIdentity{ClientID: "client-1"}
	positionValue := decimal.NewFromInt(100000)

	first, _, err := o.Price(context.Background(), client, "AAPL", positionValue, 30)
	require.NoError(t, err)

	second, secondRec, err := o.Price(context.Background(), client, "AAPL", positionValue, 30)
	require.NoError(t, err)

	require.Equal(t, model.SourceCached, second.Source)
	require.True(t, first.TotalFee.Equal(second.TotalFee))
	// The cached result has been through a JSON round trip, so compare the
	// serialized form of each component rather than decimal internals.
	require.Equal(t, first.Breakdown.BorrowCost.String(), second.Breakdown.BorrowCost.String())
	require.Equal(t, first.Breakdown.Markup.String(), second.Breakdown.Markup.String())
	require.Equal(t, first.Breakdown.TransactionFees.String(), second.Breakdown.TransactionFees.String())
	require.Equal(t, 1, br.calls, "second call must be served from the calculation cache, not the resolvers")
	require.Equal(t, 1, vol.calls)
	require.Equal(t, 1, evt.calls)
	require.Len(t, aud.commits, 2, "a cache hit still emits its own audit record")
	require.Equal(t, uint64(2), secondRec.RecordID)
	require.Equal(t, aud.commits[1].PrevHash, "")
}

func TestPrice_AuditFailure_RollsBackCalculationCacheEntry(t *testing.T) {
	c := newTestCache(t)
	br, vol, evt := liveQuotes()
	broker := &fakeBrokerStore{cfg: activeBroker("client-1")}
	aud := &fakeAudit{failNext: true}
	o := newOrchestrator(c, br, vol, evt, broker, aud, &fakeMinRateStore{rate: decimal.NewFromFloat(0.01)})

	client := model.ClientIdentity{ClientID: "client-1"}
	positionValue := decimal.NewFromInt(100000)

	_, _, err := o.Price(context.Background(), client, "AAPL", positionValue, 30)

	var pe *model.PricingError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, model.CodeInternal, pe.Code)
	require.Empty(t, aud.commits)

	calcKey := c.Key("calculation", "AAPL:client-1:"+positionValue.String()+":30")
	var cached cachedCalculation
	ok, _ := c.Get(context.Background(), calcKey, time.Minute, &cached)
	require.False(t, ok, "a failed audit write must roll back the calculation cache entry it just wrote")
}

// TestPrice_ResolverErrorSurfacesUpstreamUnavailable pins spec.md §8's
// testable property that, with fallback disabled, a failed resolver call
// must propagate as UpstreamUnavailable rather than a synthetic result.
// The orchestrator only depends on the BorrowRateResolver/VolatilityResolver/
// EventRiskResolver interfaces, so the fallback-disabled case is modeled
// directly by a fake that errors, with no dependency on resolver.Resolver.
func TestPrice_ResolverErrorSurfacesUpstreamUnavailable(t *testing.T) {
	c := newTestCache(t)
	broker := &fakeBrokerStore{cfg: activeBroker("client-1")}
	aud := &fakeAudit{}

	br := &fakeBorrowRate{err: errors.New("upstream unavailable")}
	_, vol, evt := liveQuotes()
	o := newOrchestrator(c, br, vol, evt, broker, aud, &fakeMinRateStore{rate: decimal.NewFromFloat(0.01)})

	_, _, err := o.Price(context.Background(), model.ClientIdentity{ClientID: "client-1"}, "AAPL", decimal.NewFromInt(100000), 30)

	var pe *model.PricingError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, model.CodeUpstreamDown, pe.Code)
	require.Empty(t, aud.commits, "a failed price must never commit an audit record")
}

func TestPrice_CancelledContext_ReturnsCancelledBeforeResolvingInputs(t *testing.T) {
	c := newTestCache(t)
	br, vol, evt := liveQuotes()
	broker := &fakeBrokerStore{cfg: activeBroker("client-1")}
	aud := &fakeAudit{}
	o := newOrchestrator(c, br, vol, evt, broker, aud, &fakeMinRateStore{rate: decimal.NewFromFloat(0.01)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := o.Price(ctx, model.ClientIdentity{ClientID: "client-1"}, "AAPL", decimal.NewFromInt(100000), 30)

	var pe *model.PricingError
	require.ErrorAs(t, err, &pe)
	require.Zero(t, br.calls, "a request cancelled before step 4 must not launch the resolvers")
	require.Empty(t, aud.commits)
}
