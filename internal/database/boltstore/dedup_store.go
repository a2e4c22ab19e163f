package boltstore

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// TombstoneRetention is how long a processed event ID is remembered.
// Redelivery later than this is treated as a new event.
const TombstoneRetention = 24 * time.Hour

// DedupStore implements flood.DedupStore with expiring tombstones. The
// presence check and the tombstone write share one write transaction,
// but the guard as a whole is best-effort deduplication rather than an
// exactly-once guarantee: the feed's redelivery latency is large
// relative to event processing time.
type DedupStore struct {
	db  *bolt.DB
	now func() time.Time
}

// Admit returns true the first time an event ID is seen within the
// retention horizon and false for every replay after that.
func (s *DedupStore) Admit(ctx context.Context, eventID string) (bool, error) {
	var fresh bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketTombstones)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketTombstones)
		}

		now := s.now()
		key := []byte(eventID)

		if data := bucket.Get(key); data != nil {
			var expires time.Time
			if err := expires.UnmarshalBinary(data); err == nil && expires.After(now) {
				fresh = false
				return nil
			}
		}

		data, err := now.Add(TombstoneRetention).MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal tombstone expiry: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return err
		}

		fresh = true
		return nil
	})

	return fresh, err
}

// SweepExpired removes tombstones past their retention horizon.
func (s *DedupStore) SweepExpired(ctx context.Context) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketTombstones)
		if bucket == nil {
			return nil
		}

		now := s.now()
		var stale [][]byte

		err := bucket.ForEach(func(k, v []byte) error {
			var expires time.Time
			if err := expires.UnmarshalBinary(v); err != nil || !expires.After(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})

	return removed, err
}
