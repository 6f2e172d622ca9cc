// Package adapter wraps the three upstream data providers (borrow rate,
// volatility, event risk) behind a single generic HTTP client that applies
// retry-with-jitter, a per-instance circuit breaker, and a request deadline.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/locatefinance/pricing-engine/internal/telemetry"
	"github.com/locatefinance/pricing-engine/pricing/model"
)

// Config tunes the shared retry and circuit-breaker behavior. Each concrete
// adapter gets its own breaker instance so one upstream tripping open does
// not affect the others.
type Config struct {
	Name             string
	BaseURL          string
	RequestTimeout   time.Duration
	RetryAttempts    int
	BaseBackoff      time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	RecoveryTimeout  time.Duration
}

// ProtocolError marks an upstream response that was reachable but malformed.
// It is terminal: retrying will not fix a provider sending garbage, so the
// adapter never retries on this error class.
type ProtocolError struct {
	Adapter string
	Detail  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %s", e.Adapter, e.Detail)
}

// httpAdapter is the shared transport used by every concrete adapter. T is
// the decoded response payload type for that adapter.
type httpAdapter[T any] struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newHTTPAdapter[T any](cfg Config) *httpAdapter[T] {
	transport := otelhttp.NewTransport(http.DefaultTransport)
	client := &http.Client{Transport: transport}

	breakerSettings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.Adapters().SetBreakerState(name, breakerStateValue(to))
		},
	}

	return &httpAdapter[T]{
		cfg:     cfg,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(breakerSettings),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// call performs the GET request against path, decoding the JSON response
// into a T. Retries transient failures (network errors, 5xx) with
// exponential backoff and full jitter; a 4xx or a body that fails to decode
// is treated as a ProtocolError and never retried.
func (a *httpAdapter[T]) call(ctx context.Context, path string) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.doWithRetry(ctx, path)
	})
	telemetry.Adapters().ObserveLatency(a.cfg.Name, time.Since(start).Seconds())

	if err != nil {
		outcome := "error"
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			outcome = "breaker_open"
		}
		telemetry.Adapters().RecordRequest(a.cfg.Name, outcome)
		return zero, err
	}

	telemetry.Adapters().RecordRequest(a.cfg.Name, "success")
	return result.(T), nil
}

func (a *httpAdapter[T]) doWithRetry(ctx context.Context, path string) (T, error) {
	var zero T

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.cfg.BaseBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 1 // full jitter
	bo := backoff.WithMaxRetries(policy, uint64(maxInt(a.cfg.RetryAttempts-1, 0)))
	bo = backoff.WithContext(bo, ctx)

	var out T
	operation := func() error {
		resp, err := a.doOnce(ctx, path, &out)
		if err != nil {
			if _, ok := err.(*ProtocolError); ok {
				return backoff.Permanent(err)
			}
			return err
		}
		_ = resp
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return zero, err
	}
	return out, nil
}

func (a *httpAdapter[T]) doOnce(ctx context.Context, path string, out *T) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, &ProtocolError{Adapter: a.cfg.Name, Detail: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: transport error: %w", a.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: upstream status %d: %s", a.cfg.Name, resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp, &ProtocolError{Adapter: a.cfg.Name, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp, &ProtocolError{Adapter: a.cfg.Name, Detail: "malformed response body: " + err.Error()}
	}
	return resp, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// borrowRatePayload is the wire shape returned by the borrow-rate provider.
type borrowRatePayload struct {
	Ticker     string    `json:"ticker"`
	BaseRate   string    `json:"base_rate"`
	ObservedAt time.Time `json:"observed_at"`
}

// volatilityPayload is the wire shape returned by the volatility provider.
type volatilityPayload struct {
	Ticker     string    `json:"ticker"`
	Index      string    `json:"index"`
	ObservedAt time.Time `json:"observed_at"`
}

// eventRiskPayload is the wire shape returned by the event-risk provider.
type eventRiskPayload struct {
	Ticker     string    `json:"ticker"`
	Factor     string    `json:"factor"`
	ObservedAt time.Time `json:"observed_at"`
}

// BorrowRateAdapter fetches the annualized borrow rate for a ticker.
type BorrowRateAdapter struct {
	inner *httpAdapter[borrowRatePayload]
}

// NewBorrowRateAdapter constructs a BorrowRateAdapter with its own breaker.
func NewBorrowRateAdapter(cfg Config) *BorrowRateAdapter {
	return &BorrowRateAdapter{inner: newHTTPAdapter[borrowRatePayload](cfg)}
}

// Fetch retrieves the current borrow rate quote for ticker.
func (a *BorrowRateAdapter) Fetch(ctx context.Context, ticker string) (model.BorrowRateQuote, error) {
	payload, err := a.inner.call(ctx, "/v1/borrow-rate/"+ticker)
	if err != nil {
		return model.BorrowRateQuote{}, err
	}
	rate, err := decimal.NewFromString(payload.BaseRate)
	if err != nil {
		return model.BorrowRateQuote{}, &ProtocolError{Adapter: a.inner.cfg.Name, Detail: "non-numeric base_rate: " + payload.BaseRate}
	}
	return model.BorrowRateQuote{
		Ticker:     ticker,
		BaseRate:   rate,
		ObservedAt: payload.ObservedAt,
		Source:     model.SourceLive,
	}, nil
}

// VolatilityAdapter fetches the volatility index for a ticker.
type VolatilityAdapter struct {
	inner *httpAdapter[volatilityPayload]
}

// NewVolatilityAdapter constructs a VolatilityAdapter with its own breaker.
func NewVolatilityAdapter(cfg Config) *VolatilityAdapter {
	return &VolatilityAdapter{inner: newHTTPAdapter[volatilityPayload](cfg)}
}

// Fetch retrieves the current volatility metric for ticker.
func (a *VolatilityAdapter) Fetch(ctx context.Context, ticker string) (model.VolatilityMetric, error) {
	payload, err := a.inner.call(ctx, "/v1/volatility/"+ticker)
	if err != nil {
		return model.VolatilityMetric{}, err
	}
	idx, err := decimal.NewFromString(payload.Index)
	if err != nil {
		return model.VolatilityMetric{}, &ProtocolError{Adapter: a.inner.cfg.Name, Detail: "non-numeric index: " + payload.Index}
	}
	return model.VolatilityMetric{
		Ticker:     ticker,
		Index:      idx,
		ObservedAt: payload.ObservedAt,
		Source:     model.SourceLive,
	}, nil
}

// EventRiskAdapter fetches the event-risk factor for a ticker.
type EventRiskAdapter struct {
	inner *httpAdapter[eventRiskPayload]
}

// NewEventRiskAdapter constructs an EventRiskAdapter with its own breaker.
func NewEventRiskAdapter(cfg Config) *EventRiskAdapter {
	return &EventRiskAdapter{inner: newHTTPAdapter[eventRiskPayload](cfg)}
}

// Fetch retrieves the current event-risk factor for ticker.
func (a *EventRiskAdapter) Fetch(ctx context.Context, ticker string) (model.EventRisk, error) {
	payload, err := a.inner.call(ctx, "/v1/event-risk/"+ticker)
	if err != nil {
		return model.EventRisk{}, err
	}
	factor, err := decimal.NewFromString(payload.Factor)
	if err != nil {
		return model.EventRisk{}, &ProtocolError{Adapter: a.inner.cfg.Name, Detail: "non-numeric factor: " + payload.Factor}
	}
	return model.EventRisk{
		Ticker:     ticker,
		Factor:     factor,
		ObservedAt: payload.ObservedAt,
		Source:     model.SourceLive,
	}, nil
}
