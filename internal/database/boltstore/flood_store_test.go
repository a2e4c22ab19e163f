package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"floodguard/internal/flood"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := Open(Options{Path: dbPath})
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestCounterIncrement(t *testing.T) {
	ctx := context.Background()
	fs := setupTestStore(t).FloodStore()

	t.Run("first event creates counter at 1", func(t *testing.T) {
		count, err := fs.Increment(ctx, "t2_alice", flood.PurposeModmail, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("subsequent events add 1", func(t *testing.T) {
		for want := int64(2); want <= 5; want++ {
			count, err := fs.Increment(ctx, "t2_alice", flood.PurposeModmail, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, want, count)
		}
	})

	t.Run("purposes are independent", func(t *testing.T) {
		count, err := fs.Increment(ctx, "t2_alice", flood.PurposePost, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("subjects are independent", func(t *testing.T) {
		count, err := fs.Increment(ctx, "t2_bob", flood.PurposeModmail, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestCounterExpiry(t *testing.T) {
	ctx := context.Background()
	fs := setupTestStore(t).FloodStore()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	fs.now = func() time.Time { return now }

	_, err := fs.Increment(ctx, "t2_alice", flood.PurposeModmail, time.Hour)
	require.NoError(t, err)
	_, err = fs.Increment(ctx, "t2_alice", flood.PurposeModmail, time.Hour)
	require.NoError(t, err)

	t.Run("peek inside the window", func(t *testing.T) {
		count, ok, err := fs.Peek(ctx, "t2_alice", flood.PurposeModmail)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(2), count)
	})

	t.Run("increment refreshes the window", func(t *testing.T) {
		// 50 minutes in: still inside. The increment must push the
		// expiry to now+window, not keep the original one.
		now = now.Add(50 * time.Minute)
		count, err := fs.Increment(ctx, "t2_alice", flood.PurposeModmail, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		// 70 minutes after the first event, but only 20 after the
		// refresh: the counter must still be live.
		now = now.Add(20 * time.Minute)
		count, ok, err := fs.Peek(ctx, "t2_alice", flood.PurposeModmail)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(3), count)
	})

	t.Run("peek after the window reports absent", func(t *testing.T) {
		now = now.Add(time.Hour)
		count, ok, err := fs.Peek(ctx, "t2_alice", flood.PurposeModmail)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, count)
	})

	t.Run("increment after expiry restarts at 1", func(t *testing.T) {
		count, err := fs.Increment(ctx, "t2_alice", flood.PurposeModmail, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestCounterClear(t *testing.T) {
	ctx := context.Background()
	fs := setupTestStore(t).FloodStore()

	_, err := fs.Increment(ctx, "t2_alice", flood.PurposeModmail, time.Hour)
	require.NoError(t, err)

	require.NoError(t, fs.Clear(ctx, "t2_alice", flood.PurposeModmail))

	_, ok, err := fs.Peek(ctx, "t2_alice", flood.PurposeModmail)
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing an absent counter is a no-op, not an error.
	assert.NoError(t, fs.Clear(ctx, "t2_alice", flood.PurposeModmail))
}

func TestWarningMarks(t *testing.T) {
	ctx := context.Background()
	fs := setupTestStore(t).FloodStore()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	fs.now = func() time.Time { return now }

	t.Run("absent by default", func(t *testing.T) {
		mark, err := fs.GetWarning(ctx, "t2_alice")
		require.NoError(t, err)
		assert.Nil(t, mark)
	})

	t.Run("put and get", func(t *testing.T) {
		mark := flood.WarningMark{
			Subject:   "t2_alice",
			IssuedAt:  now,
			ExpiresAt: now.Add(24 * time.Hour),
		}
		require.NoError(t, fs.PutWarning(ctx, mark))

		got, err := fs.GetWarning(ctx, "t2_alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "t2_alice", got.Subject)
		assert.True(t, got.ExpiresAt.Equal(mark.ExpiresAt))
	})

	t.Run("expired mark reads as absent", func(t *testing.T) {
		now = now.Add(25 * time.Hour)
		mark, err := fs.GetWarning(ctx, "t2_alice")
		require.NoError(t, err)
		assert.Nil(t, mark)
	})

	t.Run("clear removes the mark", func(t *testing.T) {
		now = now.Add(-25 * time.Hour)
		require.NoError(t, fs.ClearWarning(ctx, "t2_alice"))
		mark, err := fs.GetWarning(ctx, "t2_alice")
		require.NoError(t, err)
		assert.Nil(t, mark)
	})
}

func TestSuppressions(t *testing.T) {
	ctx := context.Background()
	fs := setupTestStore(t).FloodStore()

	sup := flood.Suppression{
		Subject:      "t2_alice",
		Conversation: "conv1",
		ExpiresAt:    time.Now().Add(10 * time.Minute),
		JobID:        "123:t2_alice",
	}

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, fs.PutSuppression(ctx, sup))

		got, err := fs.GetSuppression(ctx, "t2_alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "conv1", got.Conversation)
		assert.Equal(t, "123:t2_alice", got.JobID)
	})

	t.Run("clear removes it", func(t *testing.T) {
		require.NoError(t, fs.ClearSuppression(ctx, "t2_alice"))

		got, err := fs.GetSuppression(ctx, "t2_alice")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	fs := setupTestStore(t).FloodStore()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	fs.now = func() time.Time { return now }

	_, err := fs.Increment(ctx, "t2_stale", flood.PurposeModmail, time.Minute)
	require.NoError(t, err)
	_, err = fs.Increment(ctx, "t2_live", flood.PurposeModmail, 2*time.Hour)
	require.NoError(t, err)
	require.NoError(t, fs.PutWarning(ctx, flood.WarningMark{
		Subject:   "t2_stale",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
	}))
	require.NoError(t, fs.PutSuppression(ctx, flood.Suppression{
		Subject:   "t2_stale",
		ExpiresAt: now.Add(time.Minute),
		JobID:     "1:t2_stale",
	}))

	now = now.Add(time.Hour)

	removed, err := fs.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed) // stale counter + stale warning

	// The live counter survives.
	count, ok, err := fs.Peek(ctx, "t2_live", flood.PurposeModmail)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), count)

	// Suppressions are never swept by time.
	sup, err := fs.GetSuppression(ctx, "t2_stale")
	require.NoError(t, err)
	assert.NotNil(t, sup)
}
