package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testConfig(name, url string) Config {
	return Config{
		Name:             name,
		BaseURL:          url,
		RequestTimeout:   2 * time.Second,
		RetryAttempts:    3,
		BaseBackoff:      1 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  20 * time.Millisecond,
	}
}

func TestBorrowRateAdapter_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ticker":"AAPL","base_rate":"0.05","observed_at":"2025-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	a := NewBorrowRateAdapter(testConfig("borrow_rate", srv.URL))
	quote, err := a.Fetch(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, "AAPL", quote.Ticker)
	require.True(t, quote.BaseRate.Equal(dec("0.05")))
}

func TestBorrowRateAdapter_MalformedBodyIsProtocolError_NoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	a := NewBorrowRateAdapter(testConfig("borrow_rate", srv.URL))
	_, err := a.Fetch(context.Background(), "AAPL")
	require.Error(t, err)
	require.ErrorAs(t, err, new(*ProtocolError))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "protocol errors must not be retried")
}

func TestVolatilityAdapter_RetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ticker":"GME","index":"55","observed_at":"2025-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	a := NewVolatilityAdapter(testConfig("volatility", srv.URL))
	metric, err := a.Fetch(context.Background(), "GME")
	require.NoError(t, err)
	require.True(t, metric.Index.Equal(dec("55")))
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestEventRiskAdapter_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig("event_risk", srv.URL)
	cfg.RetryAttempts = 1 // isolate breaker counting from retry counting
	a := NewEventRiskAdapter(cfg)

	for i := uint32(0); i < cfg.FailureThreshold; i++ {
		_, err := a.Fetch(context.Background(), "GME")
		require.Error(t, err)
	}

	_, err := a.Fetch(context.Background(), "GME")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}
