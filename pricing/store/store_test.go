package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/locatefinance/pricing-engine/pricing/model"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestRecordToSecurity_RoundTripsDecimalFields(t *testing.T) {
	rec := SecurityRecord{
		Ticker:        "AAPL",
		LendStatus:    string(model.LendStatusEasy),
		MinBorrowRate: "0.0100",
		UpdatedAt:     time.Now(),
	}
	sec, err := recordToSecurity(rec)
	require.NoError(t, err)
	require.Equal(t, "AAPL", sec.Ticker)
	require.Equal(t, model.LendStatusEasy, sec.LendStatus)
	require.True(t, sec.MinBorrowRate.Equal(dec(t, "0.0100")))
}

func TestRecordToSecurity_RejectsMalformedDecimal(t *testing.T) {
	_, err := recordToSecurity(SecurityRecord{Ticker: "AAPL", MinBorrowRate: "not-a-number"})
	require.Error(t, err)
}

func TestRecordToBrokerConfig_RoundTripsDecimalFields(t *testing.T) {
	rec := BrokerConfigRecord{
		ClientID:  "client-1",
		MarkupPct: "0.05",
		FeeType:   string(model.FeeTypeFlat),
		FeeAmount: "25.00",
		Active:    true,
	}
	cfg, err := recordToBrokerConfig(rec)
	require.NoError(t, err)
	require.Equal(t, "client-1", cfg.ClientID)
	require.True(t, cfg.Active)
	require.True(t, cfg.MarkupPct.Equal(dec(t, "0.05")))
}

func TestNew_DefaultsInvalidateToNoOp(t *testing.T) {
	repo := New(nil, "test", nil)
	require.NotNil(t, repo.invalidate)
	require.NoError(t, repo.invalidate(context.Background(), "any-key"))
}
