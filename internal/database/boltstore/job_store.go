package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"floodguard/internal/flood"

	bolt "go.etcd.io/bbolt"
)

// JobStore persists deferred action records. They survive restarts and
// are only removed by firing or cancellation, never by counter expiry.
type JobStore struct {
	db *bolt.DB
}

// Put stores a deferred action record. The ID doubles as the bucket
// key; it is prefixed with the fire time in nanoseconds so a cursor
// scan visits jobs in chronological order.
func (s *JobStore) Put(ctx context.Context, action flood.DeferredAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal deferred action: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketJobs)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketJobs)
		}
		return bucket.Put([]byte(action.ID), data)
	})
}

// Remove deletes a deferred action and reports whether it still
// existed. The dispatcher fires a job only when it won this removal, so
// a concurrent cancellation and firing resolve to exactly one winner.
func (s *JobStore) Remove(ctx context.Context, id string) (bool, error) {
	var existed bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketJobs)
		if bucket == nil {
			return nil
		}

		key := []byte(id)
		existed = bucket.Get(key) != nil
		if !existed {
			return nil
		}
		return bucket.Delete(key)
	})

	return existed, err
}

// Due returns all actions whose fire time is at or before now, oldest
// first.
func (s *JobStore) Due(ctx context.Context, now time.Time) ([]flood.DeferredAction, error) {
	var due []flood.DeferredAction

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketJobs)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if !keyDue(k, now) {
				// Keys are chronological, nothing later is due either.
				break
			}

			var action flood.DeferredAction
			if err := json.Unmarshal(v, &action); err != nil {
				return fmt.Errorf("failed to unmarshal deferred action %s: %w", k, err)
			}
			due = append(due, action)
		}
		return nil
	})

	return due, err
}

// Count returns the number of outstanding deferred actions.
func (s *JobStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketJobs)
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// keyDue parses the nanosecond prefix of a job key and compares it to
// now. Malformed keys are treated as due so they get drained rather
// than wedging the queue.
func keyDue(key []byte, now time.Time) bool {
	id := string(key)
	idx := strings.IndexByte(id, ':')
	if idx <= 0 {
		return true
	}
	nanos, err := strconv.ParseInt(id[:idx], 10, 64)
	if err != nil {
		return true
	}
	return nanos <= now.UnixNano()
}
