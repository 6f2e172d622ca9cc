package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/locatefinance/pricing-engine/pricing/model"
)

type fakePipeline struct {
	result model.CalculationResult
	err    error
}

func (f *fakePipeline) Price(ctx context.Context, client model.ClientIdentity, ticker string, positionValue decimal.Decimal, loanDays int) (model.CalculationResult, model.AuditRecord, error) {
	if f.err != nil {
		return model.CalculationResult{}, model.AuditRecord{}, f.err
	}
	return f.result, model.AuditRecord{}, nil
}

type fakeRateResolver struct {
	quote model.BorrowRateQuote
	err   error
}

func (f *fakeRateResolver) ResolveBorrowRate(ctx context.Context, ticker string) (model.BorrowRateQuote, []model.Fallback, error) {
	if f.err != nil {
		return model.BorrowRateQuote{}, nil, f.err
	}
	return f.quote, nil, nil
}

type fakeLimiter struct {
	allow      bool
	retryAfter time.Duration
}

func (f *fakeLimiter) Allow(ctx context.Context, clientID string) (bool, time.Duration) {
	return f.allow, f.retryAfter
}

type staticResolver struct {
	clientID string
	ok       bool
}

func (s staticResolver) Resolve(ctx context.Context, apiKey string) (string, bool) {
	return s.clientID, s.ok
}

func newTestServer(pipeline Pipeline, rateResolver BorrowRateResolver, limiter RateLimiter, resolver ClientResolver) *Server {
	return New(Config{
		Pipeline:     pipeline,
		RateResolver: rateResolver,
		RateLimiter:  limiter,
		Resolver:     resolver,
		ServiceName:  "locatepricingd-test",
	})
}

func TestHandleCalculateLocateSuccess(t *testing.T) {
	result := model.CalculationResult{
		TotalFee: decimal.NewFromFloat(125.50),
		Breakdown: model.FeeBreakdown{
			BorrowCost:      decimal.NewFromFloat(100),
			Markup:          decimal.NewFromFloat(20),
			TransactionFees: decimal.NewFromFloat(5.50),
		},
		RateUsed: decimal.NewFromFloat(0.045),
		Source:   model.SourceLive,
	}
	srv := newTestServer(&fakePipeline{result: result}, &fakeRateResolver{}, &fakeLimiter{allow: true}, staticResolver{clientID: "acme", ok: true})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calculate-locate", strings.NewReader(`{"ticker":"GME","position_value":"10000.00","loan_days":5}`))
	req.Header.Set("X-API-Key", "anything")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp calculateLocateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.TotalFee.Equal(result.TotalFee))
}

func TestHandleCalculateLocateMissingAPIKey(t *testing.T) {
	srv := newTestServer(&fakePipeline{}, &fakeRateResolver{}, &fakeLimiter{allow: true}, staticResolver{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calculate-locate", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCalculateLocateRateLimited(t *testing.T) {
	srv := newTestServer(&fakePipeline{}, &fakeRateResolver{}, &fakeLimiter{allow: false, retryAfter: 2 * time.Second}, staticResolver{clientID: "acme", ok: true})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calculate-locate", strings.NewReader(`{"ticker":"GME","position_value":"1","loan_days":1}`))
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHandleCalculateLocatePricingErrorMapsToStatus(t *testing.T) {
	srv := newTestServer(&fakePipeline{err: model.UnknownTicker()}, &fakeRateResolver{}, &fakeLimiter{allow: true}, staticResolver{clientID: "acme", ok: true})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calculate-locate", strings.NewReader(`{"ticker":"NOPE","position_value":"1","loan_days":1}`))
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "TICKER_NOT_FOUND", resp.ErrorCode)
}

func TestHandleCalculateLocateCancelledContextWritesNoBody(t *testing.T) {
	srv := newTestServer(&fakePipeline{err: model.Cancelled(context.Canceled)}, &fakeRateResolver{}, &fakeLimiter{allow: true}, staticResolver{clientID: "acme", ok: true})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calculate-locate", strings.NewReader(`{"ticker":"GME","position_value":"1","loan_days":1}`))
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, rec.Body.Len())
}

func TestHandleGetRate(t *testing.T) {
	quote := model.BorrowRateQuote{Ticker: "GME", BaseRate: decimal.NewFromFloat(0.08), Source: model.SourceLive}
	srv := newTestServer(&fakePipeline{}, &fakeRateResolver{quote: quote}, &fakeLimiter{allow: true}, staticResolver{clientID: "acme", ok: true})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rates/GME", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp rateQuoteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "GME", resp.Ticker)
	require.True(t, resp.BorrowRate.Equal(quote.BaseRate))
}

func TestHealthzAndReadyz(t *testing.T) {
	failing := false
	srv := New(Config{
		Pipeline:     &fakePipeline{},
		RateResolver: &fakeRateResolver{},
		RateLimiter:  &fakeLimiter{allow: true},
		Resolver:     staticResolver{},
		ServiceName:  "locatepricingd-test",
		Readiness: map[string]ReadinessChecker{
			"dep": func() error {
				if failing {
					return context.DeadlineExceeded
				}
				return nil
			},
		},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	failing = true
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
