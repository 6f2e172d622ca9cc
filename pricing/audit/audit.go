// Package audit implements the append-only, hash-chained audit log (C7).
// Every priced request is recorded before the response is returned; each
// record's self-hash covers the previous record's hash, so the chain
// detects any retroactive tampering.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/locatefinance/pricing-engine/internal/telemetry"
	"github.com/locatefinance/pricing-engine/pricing/model"
)

// genesisHash seeds the chain for a partition with no prior records.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Sink is the durable backend a Writer commits records to. Two
// implementations satisfy it: a Postgres/gorm sink for production and a
// bbolt-backed sink for local/dev/test use.
type Sink interface {
	// Head returns the self_hash of the most recently committed record in
	// partition, or genesisHash if the partition is empty.
	Head(ctx context.Context, partition string) (string, error)
	// Append commits rec. Implementations must enforce
	// uniqueness of (partition, record_id) and reject a rec whose PrevHash
	// does not match the current Head (a concurrent writer already
	// advanced the chain).
	Append(ctx context.Context, rec model.AuditRecord) error
}

// ErrChainConflict is returned by a Sink when rec.PrevHash no longer
// matches the partition's head, meaning another writer raced ahead.
var ErrChainConflict = errors.New("audit: chain head moved under us")

// ErrTamperDetected is returned by Verify when a record's stored self_hash
// does not match the hash recomputed from its contents and prev_hash.
var ErrTamperDetected = errors.New("audit: hash chain verification failed")

// Writer computes and commits the next record in a partition's chain.
type Writer struct {
	mu        sync.Mutex
	sink      Sink
	partition string
}

// NewWriter constructs a Writer bound to a single partition. Partitions
// serialize writes among themselves but are independent of each other, per
// spec.md §9's "sequential within a partition, parallel across partitions"
// concurrency rule.
func NewWriter(sink Sink, partition string) *Writer {
	return &Writer{sink: sink, partition: partition}
}

// Commit assigns rec's PrevHash/SelfHash/Partition fields and appends it to
// the sink. recordID must be supplied by the caller (monotonic per
// partition); the orchestrator (C6) owns the counter so it can roll back an
// id on AuditFailure.
func (w *Writer) Commit(ctx context.Context, rec model.AuditRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	prevHash, err := w.sink.Head(ctx, w.partition)
	if err != nil {
		telemetry.Audit().RecordWrite("error")
		return fmt.Errorf("audit: read chain head: %w", err)
	}

	rec.Partition = w.partition
	rec.PrevHash = prevHash
	rec.SelfHash, err = computeHash(prevHash, rec)
	if err != nil {
		telemetry.Audit().RecordWrite("error")
		return fmt.Errorf("audit: compute hash: %w", err)
	}

	if err := w.sink.Append(ctx, rec); err != nil {
		telemetry.Audit().RecordWrite("error")
		return err
	}

	telemetry.Audit().RecordWrite("success")
	return nil
}

// computeHash returns SHA-256(prevHash || canonicalJSON(rec)) hex-encoded.
// canonicalJSON excludes rec.SelfHash itself (which does not exist yet)
// and rec.PrevHash is included implicitly via the prevHash argument to
// avoid double-counting it inside the JSON payload.
func computeHash(prevHash string, rec model.AuditRecord) (string, error) {
	rec.SelfHash = ""
	rec.PrevHash = ""
	canonical, err := canonicalJSON(rec)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON produces a deterministic encoding of rec. encoding/json
// already sorts map keys and AuditRecord has no maps, so a direct Marshal
// is deterministic for this type; a dedicated field order is guaranteed by
// the struct's declaration order.
func canonicalJSON(rec model.AuditRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// Verify walks a chain of records in order and confirms every record's
// self_hash matches its recomputed hash and that PrevHash links correctly
// to the prior record.
func Verify(records []model.AuditRecord) error {
	prevHash := genesisHash
	for i, rec := range records {
		if rec.PrevHash != prevHash {
			return fmt.Errorf("%w: record %d (id=%d) has prev_hash %q, expected %q", ErrTamperDetected, i, rec.RecordID, rec.PrevHash, prevHash)
		}
		expected, err := computeHash(prevHash, rec)
		if err != nil {
			return fmt.Errorf("audit: recompute hash for record %d: %w", i, err)
		}
		if expected != rec.SelfHash {
			return fmt.Errorf("%w: record %d (id=%d) has self_hash %q, expected %q", ErrTamperDetected, i, rec.RecordID, rec.SelfHash, expected)
		}
		prevHash = rec.SelfHash
	}
	return nil
}
