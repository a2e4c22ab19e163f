package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"floodguard/internal/flood"

	bolt "go.etcd.io/bbolt"
)

// FloodStore implements flood.CounterStore and flood.StateStore. An
// expired record is treated exactly like a deleted one: reads report it
// absent and the next increment starts a fresh window.
type FloodStore struct {
	db  *bolt.DB
	now func() time.Time
}

// Ensure FloodStore implements the engine's store interfaces.
var (
	_ flood.CounterStore = (*FloodStore)(nil)
	_ flood.StateStore   = (*FloodStore)(nil)
)

type counterRecord struct {
	Count     int64     `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
}

func counterKey(purpose flood.Purpose, subject string) []byte {
	return []byte(string(purpose) + ":" + subject)
}

func warningKey(subject string) []byte {
	return []byte(string(flood.PurposeModmail) + ":" + subject + ":warning")
}

func suppressionKey(subject string) []byte {
	return []byte(string(flood.PurposeModmail) + ":" + subject + ":muteDuration")
}

// Increment applies one event to the subject's counter. The whole
// read-increment-write happens inside a single write transaction, so
// concurrent increments for the same subject cannot lose updates.
func (s *FloodStore) Increment(ctx context.Context, subject string, purpose flood.Purpose, window time.Duration) (int64, error) {
	var count int64

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFlood)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketFlood)
		}

		now := s.now()
		key := counterKey(purpose, subject)

		var rec counterRecord
		if data := bucket.Get(key); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal counter: %w", err)
			}
			if !rec.ExpiresAt.After(now) {
				// Expired counters restart, they never carry over.
				rec.Count = 0
			}
		}

		rec.Count++
		rec.ExpiresAt = now.Add(window)
		count = rec.Count

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal counter: %w", err)
		}
		return bucket.Put(key, data)
	})

	return count, err
}

// Peek returns the current count without touching the window. A
// counter past its expiry reports absent, never a stale count.
func (s *FloodStore) Peek(ctx context.Context, subject string, purpose flood.Purpose) (int64, bool, error) {
	var (
		count int64
		ok    bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFlood)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(counterKey(purpose, subject))
		if data == nil {
			return nil
		}

		var rec counterRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal counter: %w", err)
		}
		if rec.ExpiresAt.After(s.now()) {
			count, ok = rec.Count, true
		}
		return nil
	})

	return count, ok, err
}

// Clear removes the counter immediately regardless of expiry.
func (s *FloodStore) Clear(ctx context.Context, subject string, purpose flood.Purpose) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFlood)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(counterKey(purpose, subject))
	})
}

// PutWarning stores a warning mark (upsert).
func (s *FloodStore) PutWarning(ctx context.Context, mark flood.WarningMark) error {
	data, err := json.Marshal(mark)
	if err != nil {
		return fmt.Errorf("failed to marshal warning mark: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFlood)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketFlood)
		}
		return bucket.Put(warningKey(mark.Subject), data)
	})
}

// GetWarning returns the subject's warning mark, or nil once it has
// expired or was never issued.
func (s *FloodStore) GetWarning(ctx context.Context, subject string) (*flood.WarningMark, error) {
	var mark *flood.WarningMark

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFlood)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(warningKey(subject))
		if data == nil {
			return nil
		}

		var m flood.WarningMark
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal warning mark: %w", err)
		}
		if m.ExpiresAt.After(s.now()) {
			mark = &m
		}
		return nil
	})

	return mark, err
}

// ClearWarning removes the subject's warning mark.
func (s *FloodStore) ClearWarning(ctx context.Context, subject string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFlood)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(warningKey(subject))
	})
}

// PutSuppression stores a suppression record (upsert).
func (s *FloodStore) PutSuppression(ctx context.Context, sup flood.Suppression) error {
	data, err := json.Marshal(sup)
	if err != nil {
		return fmt.Errorf("failed to marshal suppression: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFlood)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketFlood)
		}
		return bucket.Put(suppressionKey(sup.Subject), data)
	})
}

// GetSuppression returns the subject's suppression, or nil if none is
// active. Suppressions are removed by fire or reset, not by expiry, so
// no staleness check applies here.
func (s *FloodStore) GetSuppression(ctx context.Context, subject string) (*flood.Suppression, error) {
	var sup *flood.Suppression

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFlood)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(suppressionKey(subject))
		if data == nil {
			return nil
		}

		sup = &flood.Suppression{}
		return json.Unmarshal(data, sup)
	})

	return sup, err
}

// ClearSuppression removes the subject's suppression record.
func (s *FloodStore) ClearSuppression(ctx context.Context, subject string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFlood)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(suppressionKey(subject))
	})
}

// SweepExpired removes expired counters and warning marks in one pass.
// Reads already treat them as absent; the sweep just reclaims space.
func (s *FloodStore) SweepExpired(ctx context.Context) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFlood)
		if bucket == nil {
			return nil
		}

		now := s.now()
		var stale [][]byte

		err := bucket.ForEach(func(k, v []byte) error {
			key := string(k)
			if strings.HasSuffix(key, ":muteDuration") {
				// Suppressions are cleared by fire or reset only.
				return nil
			}

			if strings.HasSuffix(key, ":warning") {
				var m flood.WarningMark
				if err := json.Unmarshal(v, &m); err != nil || !m.ExpiresAt.After(now) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			}

			var rec counterRecord
			if err := json.Unmarshal(v, &rec); err != nil || !rec.ExpiresAt.After(now) {
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
