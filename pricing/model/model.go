// Package model holds the data types shared across the pricing pipeline:
// reference entities, upstream quotes, cache envelopes, calculation results,
// and audit records.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LendStatus classifies how difficult a security is to borrow.
type LendStatus string

const (
	LendStatusEasy   LendStatus = "EASY"
	LendStatusMedium LendStatus = "MEDIUM"
	LendStatusHard   LendStatus = "HARD"
)

// Security is a read-mostly reference entity keyed by ticker.
type Security struct {
	Ticker        string
	LendStatus    LendStatus
	MinBorrowRate decimal.Decimal
	LastUpdated   time.Time
}

// FeeType enumerates how a broker's transaction fee is computed.
type FeeType string

const (
	FeeTypeFlat       FeeType = "FLAT"
	FeeTypePercentage FeeType = "PERCENTAGE"
)

// BrokerConfig captures a client's markup and fee schedule.
type BrokerConfig struct {
	ClientID    string
	MarkupPct   decimal.Decimal
	FeeType     FeeType
	FeeAmount   decimal.Decimal
	Active      bool
	LastUpdated time.Time
}

// ClientIdentity is the opaque, already-authenticated caller identity the
// pipeline consumes. Resolving an X-API-Key header into one is an external
// concern (see spec's API-key Non-goal); the pipeline only ever reads
// ClientID off of it.
type ClientIdentity struct {
	ClientID string
}

// QuoteSource records where a resolved value ultimately came from.
type QuoteSource string

const (
	SourceLive            QuoteSource = "LIVE"
	SourceCached          QuoteSource = "CACHED"
	SourceCachedStale     QuoteSource = "CACHED_STALE"
	SourceFallbackMin     QuoteSource = "FALLBACK_MIN"
	SourceFallbackDefault QuoteSource = "FALLBACK_DEFAULT"
)

// BorrowRateQuote is the annualized borrow rate for a ticker.
type BorrowRateQuote struct {
	Ticker     string
	BaseRate   decimal.Decimal
	ObservedAt time.Time
	Source     QuoteSource
}

// VolatilityMetric is a per-ticker (or market-wide) volatility index in [0,100].
type VolatilityMetric struct {
	Ticker     string
	Index      decimal.Decimal
	ObservedAt time.Time
	Source     QuoteSource
}

// DefaultVolatilityIndex is used when the volatility adapter and cache both miss.
var DefaultVolatilityIndex = decimal.NewFromInt(20)

// EventRisk is a per-ticker event-risk factor in [0,10].
type EventRisk struct {
	Ticker     string
	Factor     decimal.Decimal
	ObservedAt time.Time
	Source     QuoteSource
}

// DefaultEventRiskFactor is used when the event-risk adapter and cache both miss.
var DefaultEventRiskFactor = decimal.Zero

// FeeBreakdown decomposes a total fee into its components.
type FeeBreakdown struct {
	BorrowCost      decimal.Decimal
	Markup          decimal.Decimal
	TransactionFees decimal.Decimal
}

// Fallback names a resolver step that was engaged for a given request.
type Fallback string

const (
	FallbackRate       Fallback = "rate"
	FallbackVolatility Fallback = "volatility"
	FallbackEvent      Fallback = "event"
)

// CalculationResult is the priced outcome of a single locate request.
type CalculationResult struct {
	TotalFee      decimal.Decimal
	Breakdown     FeeBreakdown
	RateUsed      decimal.Decimal
	FallbacksUsed []Fallback
	Source        QuoteSource
}

// InputQuote is the resolved, timestamped value of one of the three upstream
// inputs, recorded verbatim into the audit trail.
type InputQuote struct {
	Kind       string
	Value      decimal.Decimal
	ObservedAt time.Time
	Source     QuoteSource
}

// AuditRecord is an immutable, hash-chained record of a single priced request.
type AuditRecord struct {
	RecordID      uint64
	Partition     string
	PrevHash      string
	SelfHash      string
	Timestamp     time.Time
	ClientID      string
	Ticker        string
	PositionValue decimal.Decimal
	LoanDays      int
	Inputs        []InputQuote
	Result        CalculationResult
	FallbacksUsed []Fallback
}

// RateBucket is the in-store representation of a client's token bucket.
type RateBucket struct {
	ClientID   string
	Tokens     float64
	Capacity   float64
	RefillRate float64
	LastRefill time.Time
}

// CachedEntry wraps a value with its insertion time, TTL, and schema version.
type CachedEntry[V any] struct {
	Value      V
	InsertedAt time.Time
	TTL        time.Duration
	Version    int
}

// Fresh reports whether the entry is still valid at the given time.
func (e CachedEntry[V]) Fresh(now time.Time) bool {
	return !e.InsertedAt.Add(e.TTL).Before(now)
}
