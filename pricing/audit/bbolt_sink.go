package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/locatefinance/pricing-engine/pricing/model"
)

// bucketForPartition namespaces every partition's records into its own
// bbolt bucket so Head only ever scans one partition's keys, following the
// identity-gateway store's "one bucket per logical collection" layout.
func bucketForPartition(partition string) []byte {
	return []byte("audit_" + partition)
}

var headKeySuffix = []byte("__head__")

// BoltSink is the local/dev/test audit backend. It is not intended for
// production multi-instance deployments (see Postgres sink for that); a
// single bbolt file is, however, genuinely append-only and crash-safe.
type BoltSink struct {
	db *bolt.DB
}

// NewBoltSink opens (creating if absent) a bbolt-backed audit sink at path.
func NewBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: open bbolt db: %w", err)
	}
	return &BoltSink{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Head implements Sink.
func (s *BoltSink) Head(ctx context.Context, partition string) (string, error) {
	var head string
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketForPartition(partition))
		if bucket == nil {
			head = genesisHash
			return nil
		}
		raw := bucket.Get(headKeySuffix)
		if raw == nil {
			head = genesisHash
			return nil
		}
		head = string(raw)
		return nil
	})
	return head, err
}

// Append implements Sink. The write is a single bbolt transaction: it
// re-checks the head, rejects a stale PrevHash with ErrChainConflict, then
// stores the record and advances the head key atomically.
func (s *BoltSink) Append(ctx context.Context, rec model.AuditRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketForPartition(rec.Partition))
		if err != nil {
			return err
		}

		currentHead := genesisHash
		if raw := bucket.Get(headKeySuffix); raw != nil {
			currentHead = string(raw)
		}
		if rec.PrevHash != currentHead {
			return ErrChainConflict
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("audit: marshal record: %w", err)
		}
		if err := bucket.Put(recordKey(rec.RecordID), payload); err != nil {
			return err
		}
		return bucket.Put(headKeySuffix, []byte(rec.SelfHash))
	})
}

// Records returns every record committed to partition, in chain order, for
// use with Verify.
func (s *BoltSink) Records(ctx context.Context, partition string) ([]model.AuditRecord, error) {
	var out []model.AuditRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketForPartition(partition))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			if string(k) == string(headKeySuffix) {
				return nil
			}
			var rec model.AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func recordKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}
