package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/locatefinance/pricing-engine/pricing/model"
)

func parseDecimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// auditRecordRow is the gorm-mapped row for one committed audit record.
// Inputs/Result/FallbacksUsed are stored as JSON payloads rather than
// normalized columns, matching the otc-gateway models' use of raw jsonb
// columns (ComplianceTags, TravelRulePacket) for nested, rarely-queried
// structured data.
type auditRecordRow struct {
	Partition     string `gorm:"primaryKey;size:32"`
	RecordID      uint64 `gorm:"primaryKey"`
	PrevHash      string `gorm:"size:64;not null"`
	SelfHash      string `gorm:"size:64;not null;uniqueIndex"`
	Timestamp     time.Time
	ClientID      string `gorm:"size:64;index"`
	Ticker        string `gorm:"size:16;index"`
	PositionValue string `gorm:"size:32;not null"`
	LoanDays      int
	InputsJSON    []byte `gorm:"type:jsonb"`
	ResultJSON    []byte `gorm:"type:jsonb"`
	FallbacksJSON []byte `gorm:"type:jsonb"`
}

func (auditRecordRow) TableName() string { return "audit_records" }

// AutoMigrate performs schema migration for the audit table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&auditRecordRow{})
}

// PostgresSink is the production audit backend.
type PostgresSink struct {
	db *gorm.DB
}

// NewPostgresSink constructs a PostgresSink over an already-connected db.
func NewPostgresSink(db *gorm.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Head implements Sink by reading the highest record_id row in partition.
func (s *PostgresSink) Head(ctx context.Context, partition string) (string, error) {
	var row auditRecordRow
	err := s.db.WithContext(ctx).
		Where("partition = ?", partition).
		Order("record_id DESC").
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return genesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return row.SelfHash, nil
}

// Append implements Sink inside a transaction that re-reads the head,
// rejects a stale PrevHash, and inserts the row. The unique index on
// (partition, record_id) additionally protects against a race the
// read-then-insert might otherwise miss under concurrent writers.
func (s *PostgresSink) Append(ctx context.Context, rec model.AuditRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var currentHead auditRecordRow
		err := tx.Where("partition = ?", rec.Partition).
			Order("record_id DESC").
			Limit(1).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&currentHead).Error

		head := genesisHash
		if err == nil {
			head = currentHead.SelfHash
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if rec.PrevHash != head {
			return ErrChainConflict
		}

		row, err := toRow(rec)
		if err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
}

// Records returns every committed record for partition, ordered by
// record_id, for use with Verify.
func (s *PostgresSink) Records(ctx context.Context, partition string) ([]model.AuditRecord, error) {
	var rows []auditRecordRow
	if err := s.db.WithContext(ctx).
		Where("partition = ?", partition).
		Order("record_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func toRow(rec model.AuditRecord) (auditRecordRow, error) {
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return auditRecordRow{}, fmt.Errorf("audit: marshal inputs: %w", err)
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return auditRecordRow{}, fmt.Errorf("audit: marshal result: %w", err)
	}
	fallbacks, err := json.Marshal(rec.FallbacksUsed)
	if err != nil {
		return auditRecordRow{}, fmt.Errorf("audit: marshal fallbacks: %w", err)
	}
	return auditRecordRow{
		Partition:     rec.Partition,
		RecordID:      rec.RecordID,
		PrevHash:      rec.PrevHash,
		SelfHash:      rec.SelfHash,
		Timestamp:     rec.Timestamp,
		ClientID:      rec.ClientID,
		Ticker:        rec.Ticker,
		PositionValue: rec.PositionValue.String(),
		LoanDays:      rec.LoanDays,
		InputsJSON:    inputs,
		ResultJSON:    result,
		FallbacksJSON: fallbacks,
	}, nil
}

func fromRow(row auditRecordRow) (model.AuditRecord, error) {
	rec := model.AuditRecord{
		RecordID:  row.RecordID,
		Partition: row.Partition,
		PrevHash:  row.PrevHash,
		SelfHash:  row.SelfHash,
		Timestamp: row.Timestamp,
		ClientID:  row.ClientID,
		Ticker:    row.Ticker,
		LoanDays:  row.LoanDays,
	}
	posValue, err := parseDecimalOrZero(row.PositionValue)
	if err != nil {
		return model.AuditRecord{}, err
	}
	rec.PositionValue = posValue

	if err := json.Unmarshal(row.InputsJSON, &rec.Inputs); err != nil {
		return model.AuditRecord{}, fmt.Errorf("audit: unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal(row.ResultJSON, &rec.Result); err != nil {
		return model.AuditRecord{}, fmt.Errorf("audit: unmarshal result: %w", err)
	}
	if err := json.Unmarshal(row.FallbacksJSON, &rec.FallbacksUsed); err != nil {
		return model.AuditRecord{}, fmt.Errorf("audit: unmarshal fallbacks: %w", err)
	}
	return rec, nil
}
