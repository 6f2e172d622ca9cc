// Package store persists the read-mostly reference data the pricing
// pipeline consults on cache miss: securities, broker configurations, and
// per-security minimum borrow rates. Modeled on the teacher's
// otc-gateway/models gorm style, adapted to this domain's schema.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/locatefinance/pricing-engine/pricing/model"
)

// SecurityRecord is the gorm-mapped row for a security's reference data.
type SecurityRecord struct {
	Ticker        string `gorm:"primaryKey;size:16"`
	LendStatus    string `gorm:"size:16;not null"`
	MinBorrowRate string `gorm:"size:32;not null"` // decimal stored as string; see DESIGN.md
	UpdatedAt     time.Time
}

// TableName pins the table name rather than relying on gorm's pluralizer.
func (SecurityRecord) TableName() string { return "securities" }

// BrokerConfigRecord is the gorm-mapped row for a client's fee schedule.
type BrokerConfigRecord struct {
	ClientID  string `gorm:"primaryKey;size:64"`
	MarkupPct string `gorm:"size:32;not null"`
	FeeType   string `gorm:"size:16;not null"`
	FeeAmount string `gorm:"size:32;not null"`
	Active    bool   `gorm:"not null;default:true"`
	UpdatedAt time.Time
}

func (BrokerConfigRecord) TableName() string { return "broker_configs" }

// AutoMigrate performs schema migration for the reference-data tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SecurityRecord{}, &BrokerConfigRecord{})
}

// ErrNotFound is returned when a reference-data lookup finds no row.
var ErrNotFound = errors.New("store: record not found")

// Repository is the read/write interface the resolver (C4) and the
// orchestrator (C6) use against reference data. It is also the producer
// side of the C3 invalidation bus: every Upsert publishes an invalidation
// event for the corresponding cache key.
type Repository struct {
	db         *gorm.DB
	invalidate func(ctx context.Context, cacheKey string) error
	env        string
}

// New constructs a Repository. invalidate is called after every successful
// write with the cache key that must be evicted process-wide; pass a no-op
// func if cache invalidation is wired separately.
func New(db *gorm.DB, env string, invalidate func(ctx context.Context, cacheKey string) error) *Repository {
	if invalidate == nil {
		invalidate = func(context.Context, string) error { return nil }
	}
	return &Repository{db: db, env: env, invalidate: invalidate}
}

// GetSecurity loads a security's reference row.
func (r *Repository) GetSecurity(ctx context.Context, ticker string) (model.Security, error) {
	var rec SecurityRecord
	if err := r.db.WithContext(ctx).First(&rec, "ticker = ?", ticker).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Security{}, ErrNotFound
		}
		return model.Security{}, err
	}
	return recordToSecurity(rec)
}

// MinBorrowRate implements resolver.MinRateStore by reading the
// per-security floor out of reference data.
func (r *Repository) MinBorrowRate(ctx context.Context, ticker string) (decimal.Decimal, error) {
	sec, err := r.GetSecurity(ctx, ticker)
	if err != nil {
		return decimal.Zero, err
	}
	return sec.MinBorrowRate, nil
}

// UpsertSecurity creates or updates a security's reference row, then
// invalidates the ticker's min_rate cache key. Cached quotes keyed by the
// same ticker are not invalidated here.
func (r *Repository) UpsertSecurity(ctx context.Context, sec model.Security) error {
	rec := SecurityRecord{
		Ticker:        sec.Ticker,
		LendStatus:    string(sec.LendStatus),
		MinBorrowRate: sec.MinBorrowRate.String(),
		UpdatedAt:     time.Now(),
	}
	if err := r.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return err
	}
	return r.invalidate(ctx, r.env+":min_rate:"+sec.Ticker)
}

// GetBrokerConfig loads a client's fee schedule. Inactive configs are
// returned (callers check Active themselves, matching spec.md §4.6 step 3's
// "missing or inactive -> UnknownClient" rule at the orchestrator layer).
func (r *Repository) GetBrokerConfig(ctx context.Context, clientID string) (model.BrokerConfig, error) {
	var rec BrokerConfigRecord
	if err := r.db.WithContext(ctx).First(&rec, "client_id = ?", clientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.BrokerConfig{}, ErrNotFound
		}
		return model.BrokerConfig{}, err
	}
	return recordToBrokerConfig(rec)
}

// UpsertBrokerConfig creates or updates a client's fee schedule, then
// invalidates the corresponding cache entry.
func (r *Repository) UpsertBrokerConfig(ctx context.Context, cfg model.BrokerConfig) error {
	rec := BrokerConfigRecord{
		ClientID:  cfg.ClientID,
		MarkupPct: cfg.MarkupPct.String(),
		FeeType:   string(cfg.FeeType),
		FeeAmount: cfg.FeeAmount.String(),
		Active:    cfg.Active,
		UpdatedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return err
	}
	return r.invalidate(ctx, r.env+":broker_config:"+cfg.ClientID)
}

func recordToSecurity(rec SecurityRecord) (model.Security, error) {
	minRate, err := decimal.NewFromString(rec.MinBorrowRate)
	if err != nil {
		return model.Security{}, err
	}
	return model.Security{
		Ticker:        rec.Ticker,
		LendStatus:    model.LendStatus(rec.LendStatus),
		MinBorrowRate: minRate,
		LastUpdated:   rec.UpdatedAt,
	}, nil
}

func recordToBrokerConfig(rec BrokerConfigRecord) (model.BrokerConfig, error) {
	markup, err := decimal.NewFromString(rec.MarkupPct)
	if err != nil {
		return model.BrokerConfig{}, err
	}
	fee, err := decimal.NewFromString(rec.FeeAmount)
	if err != nil {
		return model.BrokerConfig{}, err
	}
	return model.BrokerConfig{
		ClientID:    rec.ClientID,
		MarkupPct:   markup,
		FeeType:     model.FeeType(rec.FeeType),
		FeeAmount:   fee,
		Active:      rec.Active,
		LastUpdated: rec.UpdatedAt,
	}, nil
}
