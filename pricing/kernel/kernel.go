// Package kernel implements the fixed-precision decimal arithmetic and the
// three pricing formulas that turn a borrow rate, a volatility index, and an
// event-risk factor into a locate fee. It performs no I/O and never touches
// float64 for a value that ends up in a quote or a fee.
package kernel

import (
	"github.com/shopspring/decimal"

	"github.com/locatefinance/pricing-engine/pricing/model"
)

// Config holds the tunable constants of the formula kernel (spec.md §6.3).
type Config struct {
	// VFactor scales the volatility term of the adjusted rate formula.
	VFactor decimal.Decimal
	// EFactor scales the event-risk term of the adjusted rate formula.
	EFactor decimal.Decimal
	// DaysPerYear is the proration denominator for borrow cost. The spec's
	// source material is ambiguous between 360 and 365 (spec.md §9, Open
	// Questions); DefaultConfig and the config defaults use 360, matching
	// every worked scenario in spec.md §8, and formula.daysPerYear accepts
	// 360 or 365.
	DaysPerYear decimal.Decimal
}

// DefaultConfig matches the defaults enumerated in spec.md §6.3.
func DefaultConfig() Config {
	return Config{
		VFactor:     decimal.NewFromFloat(0.01),
		EFactor:     decimal.NewFromFloat(0.05),
		DaysPerYear: decimal.NewFromInt(360),
	}
}

const (
	adjRateScale = 6
	moneyScale   = 4
)

// roundHalfUp rounds d to the given number of decimal places, half-up. For
// every value in this domain (rates, costs, fees) the operand is always
// non-negative, so shopspring/decimal's banker-free Round (half away from
// zero) is equivalent to half-up; this helper exists so that equivalence is
// named in one place rather than assumed at each call site.
func roundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// Inputs bundles the validated parameters used by the kernel's formulas.
type Inputs struct {
	BaseRate      decimal.Decimal
	VolatilityIdx decimal.Decimal
	EventRisk     decimal.Decimal
	MinBorrowRate decimal.Decimal
	PositionValue decimal.Decimal
	LoanDays      int
	MarkupPct     decimal.Decimal
	FeeType       model.FeeType
	FeeAmount     decimal.Decimal
}

// AdjustedRate implements spec.md §4.1 formula 1: the annualized borrow rate
// actually used, floored at the security's (or global) minimum.
//
//	adj = max(base_rate · (1 + volatility_index · V) + (event_risk / 10) · E, min_rate)
func AdjustedRate(cfg Config, in Inputs) (decimal.Decimal, error) {
	if in.BaseRate.IsNegative() {
		return decimal.Zero, model.InvalidInput("base_rate must be non-negative")
	}
	if in.VolatilityIdx.IsNegative() || in.VolatilityIdx.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, model.InvalidInput("volatility_index out of range [0,100]")
	}
	if in.EventRisk.IsNegative() || in.EventRisk.GreaterThan(decimal.NewFromInt(10)) {
		return decimal.Zero, model.InvalidInput("event_risk out of range [0,10]")
	}
	if in.MinBorrowRate.IsNegative() {
		return decimal.Zero, model.InvalidInput("min_borrow_rate must be non-negative")
	}

	one := decimal.NewFromInt(1)
	volTerm := one.Add(in.VolatilityIdx.Mul(cfg.VFactor))
	rateComponent := in.BaseRate.Mul(volTerm)

	eventTerm := in.EventRisk.Div(decimal.NewFromInt(10)).Mul(cfg.EFactor)

	adj := rateComponent.Add(eventTerm)
	if adj.LessThan(in.MinBorrowRate) {
		adj = in.MinBorrowRate
	}
	return roundHalfUp(adj, adjRateScale), nil
}

// BorrowCost implements spec.md §4.1 formula 2: daily proration of the
// annualized rate over a DaysPerYear-day year.
//
//	borrow_cost = position_value · adj · (loan_days / days_per_year)
func BorrowCost(cfg Config, positionValue, adjRate decimal.Decimal, loanDays int) (decimal.Decimal, error) {
	if positionValue.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, model.InvalidInput("position_value must be positive")
	}
	if loanDays < 1 || loanDays > 365 {
		return decimal.Zero, model.InvalidInput("loan_days must be in [1,365]")
	}
	proration := decimal.NewFromInt(int64(loanDays)).Div(cfg.DaysPerYear)
	cost := positionValue.Mul(adjRate).Mul(proration)
	return cost, nil
}

// TotalFee implements spec.md §4.1 formula 3: markup and transaction fee on
// top of the base borrow cost, rounded to 4 decimal places.
func TotalFee(cfg Config, in Inputs) (model.CalculationResult, error) {
	if in.MarkupPct.IsNegative() {
		return model.CalculationResult{}, model.InvalidInput("markup_pct must be non-negative")
	}
	if in.FeeAmount.IsNegative() {
		return model.CalculationResult{}, model.InvalidInput("fee_amount must be non-negative")
	}

	adj, err := AdjustedRate(cfg, in)
	if err != nil {
		return model.CalculationResult{}, err
	}

	borrowCost, err := BorrowCost(cfg, in.PositionValue, adj, in.LoanDays)
	if err != nil {
		return model.CalculationResult{}, err
	}

	markup := borrowCost.Mul(in.MarkupPct)

	var txnFee decimal.Decimal
	switch in.FeeType {
	case model.FeeTypeFlat:
		txnFee = in.FeeAmount
	case model.FeeTypePercentage:
		txnFee = in.PositionValue.Mul(in.FeeAmount)
	default:
		return model.CalculationResult{}, model.InvalidInput("fee_type must be FLAT or PERCENTAGE")
	}

	// Round each component first, then sum the rounded values, so that
	// total_fee == borrow_cost + markup + transaction_fees holds exactly
	// over the rounded (output-scale) values (spec.md §3 CalculationResult
	// invariant).
	roundedBorrowCost := roundHalfUp(borrowCost, moneyScale)
	roundedMarkup := roundHalfUp(markup, moneyScale)
	roundedTxnFee := roundHalfUp(txnFee, moneyScale)
	total := roundedBorrowCost.Add(roundedMarkup).Add(roundedTxnFee)

	return model.CalculationResult{
		TotalFee: total,
		Breakdown: model.FeeBreakdown{
			BorrowCost:      roundedBorrowCost,
			Markup:          roundedMarkup,
			TransactionFees: roundedTxnFee,
		},
		RateUsed: adj,
	}, nil
}
