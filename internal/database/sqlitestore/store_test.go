package sqlitestore

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
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestCounterRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	fs := store.FloodStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, err := fs.Increment(ctx, "t2_user1", flood.PurposeModmail, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	count, ok, err := fs.Peek(ctx, "t2_user1", flood.PurposeModmail)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), count)

	// Purposes are independent counters.
	_, ok, err = fs.Peek(ctx, "t2_user1", flood.PurposePost)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fs.Clear(ctx, "t2_user1", flood.PurposeModmail))
	_, ok, err = fs.Peek(ctx, "t2_user1", flood.PurposeModmail)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCounterExpiryReadsAsAbsent(t *testing.T) {
	store := setupTestStore(t)
	fs := store.FloodStore()
	ctx := context.Background()

	base := time.Now()
	fs.now = func() time.Time { return base }

	_, err := fs.Increment(ctx, "t2_user1", flood.PurposeModmail, time.Hour)
	require.NoError(t, err)

	fs.now = func() time.Time { return base.Add(time.Hour + time.Second) }

	_, ok, err := fs.Peek(ctx, "t2_user1", flood.PurposeModmail)
	require.NoError(t, err)
	assert.False(t, ok)

	// The next increment restarts at 1.
	count, err := fs.Increment(ctx, "t2_user1", flood.PurposeModmail, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestWarningMarkExpiry(t *testing.T) {
	store := setupTestStore(t)
	fs := store.FloodStore()
	ctx := context.Background()

	base := time.Now()
	fs.now = func() time.Time { return base }

	require.NoError(t, fs.PutWarning(ctx, flood.WarningMark{
		Subject:   "t2_user1",
		IssuedAt:  base,
		ExpiresAt: base.Add(time.Hour),
	}))

	mark, err := fs.GetWarning(ctx, "t2_user1")
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.Equal(t, base.UnixNano(), mark.IssuedAt.UnixNano())

	fs.now = func() time.Time { return base.Add(2 * time.Hour) }
	mark, err = fs.GetWarning(ctx, "t2_user1")
	require.NoError(t, err)
	assert.Nil(t, mark)
}

func TestSuppressionIgnoresClock(t *testing.T) {
	store := setupTestStore(t)
	fs := store.FloodStore()
	ctx := context.Background()

	base := time.Now()
	fs.now = func() time.Time { return base }

	require.NoError(t, fs.PutSuppression(ctx, flood.Suppression{
		Subject:      "t2_user1",
		Conversation: "conv1",
		ExpiresAt:    base.Add(time.Minute),
		JobID:        "job-1",
	}))

	// Past the lift time the record still reads back: removal is the
	// unmute path's job, not the store's.
	fs.now = func() time.Time { return base.Add(time.Hour) }
	sup, err := fs.GetSuppression(ctx, "t2_user1")
	require.NoError(t, err)
	require.NotNil(t, sup)
	assert.Equal(t, "conv1", sup.Conversation)
	assert.Equal(t, "job-1", sup.JobID)

	require.NoError(t, fs.ClearSuppression(ctx, "t2_user1"))
	sup, err = fs.GetSuppression(ctx, "t2_user1")
	require.NoError(t, err)
	assert.Nil(t, sup)
}

func TestSweepExpired(t *testing.T) {
	store := setupTestStore(t)
	fs := store.FloodStore()
	ctx := context.Background()

	base := time.Now()
	fs.now = func() time.Time { return base }

	_, err := fs.Increment(ctx, "t2_user1", flood.PurposeModmail, time.Minute)
	require.NoError(t, err)
	_, err = fs.Increment(ctx, "t2_user2", flood.PurposeModmail, time.Hour)
	require.NoError(t, err)
	require.NoError(t, fs.PutWarning(ctx, flood.WarningMark{
		Subject: "t2_user1", IssuedAt: base, ExpiresAt: base.Add(time.Minute),
	}))
	require.NoError(t, fs.PutSuppression(ctx, flood.Suppression{
		Subject: "t2_user1", Conversation: "conv1", ExpiresAt: base.Add(time.Minute), JobID: "job-1",
	}))

	fs.now = func() time.Time { return base.Add(30 * time.Minute) }
	removed, err := fs.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, err := fs.Peek(ctx, "t2_user2", flood.PurposeModmail)
	require.NoError(t, err)
	assert.True(t, ok)
	sup, err := fs.GetSuppression(ctx, "t2_user1")
	require.NoError(t, err)
	assert.NotNil(t, sup)
}

func TestDedupAdmit(t *testing.T) {
	store := setupTestStore(t)
	ds := store.DedupStore()
	ctx := context.Background()

	fresh, err := ds.Admit(ctx, "ev1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = ds.Admit(ctx, "ev1")
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = ds.Admit(ctx, "ev2")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestDedupRetentionHorizon(t *testing.T) {
	store := setupTestStore(t)
	ds := store.DedupStore()
	ctx := context.Background()

	base := time.Now()
	ds.now = func() time.Time { return base }

	fresh, err := ds.Admit(ctx, "ev1")
	require.NoError(t, err)
	assert.True(t, fresh)

	ds.now = func() time.Time { return base.Add(TombstoneRetention + time.Second) }
	fresh, err = ds.Admit(ctx, "ev1")
	require.NoError(t, err)
	assert.True(t, fresh)

	removed, err := ds.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestJobStore(t *testing.T) {
	store := setupTestStore(t)
	js := store.JobStore()
	ctx := context.Background()

	now := time.Now()
	early := flood.DeferredAction{ID: "1:t2_a", FireAt: now.Add(-time.Minute), Subject: "t2_a", Conversation: "conv-a"}
	late := flood.DeferredAction{ID: "2:t2_b", FireAt: now.Add(time.Hour), Subject: "t2_b", Conversation: "conv-b"}
	require.NoError(t, js.Put(ctx, early))
	require.NoError(t, js.Put(ctx, late))

	count, err := js.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	due, err := js.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t2_a", due[0].Subject)
	assert.Equal(t, "conv-a", due[0].Conversation)

	existed, err := js.Remove(ctx, early.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = js.Remove(ctx, early.ID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestAuditLogOrdering(t *testing.T) {
	store := setupTestStore(t)
	as := store.AuditStore()
	ctx := context.Background()

	base := time.Now()
	for i, action := range []flood.AuditAction{flood.AuditActionWarn, flood.AuditActionMute, flood.AuditActionReset} {
		require.NoError(t, as.Record(ctx, flood.AuditEntry{
			Subject: "t2_user1",
			Action:  action,
			At:      base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, as.Record(ctx, flood.AuditEntry{
		Subject: "t2_user2",
		Action:  flood.AuditActionBan,
		At:      base.Add(10 * time.Second),
	}))

	entries, err := as.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, flood.AuditActionBan, entries[0].Action)
	assert.Equal(t, flood.AuditActionReset, entries[1].Action)

	entries, err = as.ListForSubject(ctx, "t2_user1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, flood.AuditActionReset, entries[0].Action)
}

func TestCursorRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cursor, err := store.GetCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, store.SetCursor(ctx, 42))
	require.NoError(t, store.SetCursor(ctx, 99))

	cursor, err = store.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(99), cursor)
}
