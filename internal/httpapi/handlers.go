package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/locatefinance/pricing-engine/pricing/model"
)

// Pipeline is satisfied by orchestrator.Orchestrator.
type Pipeline interface {
	Price(ctx context.Context, client model.ClientIdentity, ticker string, positionValue decimal.Decimal, loanDays int) (model.CalculationResult, model.AuditRecord, error)
}

// BorrowRateResolver is satisfied by resolver.Resolver, used only by the
// read-only GET /api/v1/rates/{ticker} handler.
type BorrowRateResolver interface {
	ResolveBorrowRate(ctx context.Context, ticker string) (model.BorrowRateQuote, []model.Fallback, error)
}

// RateLimiter is satisfied by ratelimit.Limiter (C5).
type RateLimiter interface {
	Allow(ctx context.Context, clientID string) (allowed bool, retryAfter time.Duration)
}

type contextKey string

const contextKeyClientID contextKey = "httpapi.client_id"

// authenticate resolves the X-API-Key header into a client_id, per
// spec.md §6.1. Key validation itself is delegated to the injected
// ClientResolver; this middleware only performs the header extraction and
// error-code mapping.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeError(w, http.StatusNotFound, "missing X-API-Key header", "CLIENT_NOT_FOUND", nil)
			return
		}
		clientID, ok := s.cfg.Resolver.Resolve(r.Context(), apiKey)
		if !ok {
			writeError(w, http.StatusNotFound, "client not recognized", "CLIENT_NOT_FOUND", nil)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClientID, clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimited consumes one token from the per-client bucket (C5) before the
// request reaches the pipeline, per spec.md §2's control-flow ordering
// (handler -> rate limiter -> orchestrator).
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, _ := r.Context().Value(contextKeyClientID).(string)
		allowed, retryAfter := s.cfg.RateLimiter.Allow(r.Context(), clientID)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.5)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMIT_EXCEEDED", map[string]interface{}{
				"retry_after_seconds": retryAfter.Seconds(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type calculateLocateRequest struct {
	Ticker        string `json:"ticker"`
	PositionValue string `json:"position_value"`
	LoanDays      int    `json:"loan_days"`
	ClientID      string `json:"client_id"`
}

type calculateLocateResponse struct {
	Status         string          `json:"status"`
	TotalFee       decimal.Decimal `json:"total_fee"`
	Breakdown      breakdownDTO    `json:"breakdown"`
	BorrowRateUsed decimal.Decimal `json:"borrow_rate_used"`
}

type breakdownDTO struct {
	BorrowCost      decimal.Decimal `json:"borrow_cost"`
	Markup          decimal.Decimal `json:"markup"`
	TransactionFees decimal.Decimal `json:"transaction_fees"`
}

// handleCalculateLocate implements POST/GET /api/v1/calculate-locate per
// spec.md §6.1: parse, authenticate (done by middleware), invoke the
// pipeline, map errors to the documented (status, error_code) pairs.
func (s *Server) handleCalculateLocate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCalculateLocateRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER", nil)
		return
	}

	authedClientID, _ := r.Context().Value(contextKeyClientID).(string)
	if req.ClientID != "" && req.ClientID != authedClientID {
		writeError(w, http.StatusBadRequest, "client_id does not match the authenticated caller", "INVALID_PARAMETER", nil)
		return
	}

	positionValue, err := decimal.NewFromString(req.PositionValue)
	if err != nil {
		writeError(w, http.StatusBadRequest, "position_value must be a decimal number", "INVALID_PARAMETER", nil)
		return
	}

	result, _, priceErr := s.cfg.Pipeline.Price(r.Context(), model.ClientIdentity{ClientID: authedClientID}, req.Ticker, positionValue, req.LoanDays)
	if priceErr != nil {
		writePricingError(w, priceErr)
		return
	}

	writeJSON(w, calculateLocateResponse{
		Status:   "success",
		TotalFee: result.TotalFee,
		Breakdown: breakdownDTO{
			BorrowCost:      result.Breakdown.BorrowCost,
			Markup:          result.Breakdown.Markup,
			TransactionFees: result.Breakdown.TransactionFees,
		},
		BorrowRateUsed: result.RateUsed,
	})
}

func decodeCalculateLocateRequest(r *http.Request) (calculateLocateRequest, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		loanDays, _ := strconv.Atoi(q.Get("loan_days"))
		return calculateLocateRequest{
			Ticker:        q.Get("ticker"),
			PositionValue: q.Get("position_value"),
			LoanDays:      loanDays,
			ClientID:      q.Get("client_id"),
		}, nil
	}

	var req calculateLocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return calculateLocateRequest{}, errors.New("malformed JSON body")
	}
	return req, nil
}

type rateQuoteResponse struct {
	Status        string            `json:"status"`
	Ticker        string            `json:"ticker"`
	BorrowRate    decimal.Decimal   `json:"borrow_rate"`
	Source        model.QuoteSource `json:"source"`
	FallbacksUsed []model.Fallback  `json:"fallbacks_used,omitempty"`
}

// handleGetRate implements GET /api/v1/rates/{ticker} per spec.md §6.1: the
// resolved borrow-rate quote only, with no fee calculation.
func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	quote, fallbacks, err := s.cfg.RateResolver.ResolveBorrowRate(r.Context(), ticker)
	if err != nil {
		writePricingError(w, err)
		return
	}
	writeJSON(w, rateQuoteResponse{
		Status:        "success",
		Ticker:        quote.Ticker,
		BorrowRate:    quote.BaseRate,
		Source:        quote.Source,
		FallbacksUsed: fallbacks,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Status    string                 `json:"status"`
	Error     string                 `json:"error"`
	ErrorCode string                 `json:"error_code"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message, code string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Status: "error", Error: message, ErrorCode: code, Details: details})
}

// writePricingError maps a *model.PricingError to the documented HTTP
// status and error_code (spec.md §6.1). A Cancelled error gets no response
// per spec.md §4.6 ("no response; connection closed") rather than a 500:
// it is detected by unwrapping to the request's own cancellation, since
// model.Cancelled shares CodeInternal with ordinary internal errors.
func writePricingError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	var pe *model.PricingError
	if !errors.As(err, &pe) {
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR", nil)
		return
	}
	var details map[string]interface{}
	if pe.Code == model.CodeRateLimited {
		details = map[string]interface{}{"retry_after_seconds": pe.RetryAfterSeconds}
	}
	writeError(w, pe.Code.HTTPStatus(), pe.Message, string(pe.Code), details)
}
