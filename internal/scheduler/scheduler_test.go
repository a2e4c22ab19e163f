package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"floodguard/internal/flood"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memJobStore is an in-memory JobStore for dispatcher tests.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]flood.DeferredAction
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]flood.DeferredAction)}
}

func (m *memJobStore) Put(ctx context.Context, action flood.DeferredAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[action.ID] = action
	return nil
}

func (m *memJobStore) Remove(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	delete(m.jobs, id)
	return ok, nil
}

func (m *memJobStore) Due(ctx context.Context, now time.Time) ([]flood.DeferredAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []flood.DeferredAction
	for _, action := range m.jobs {
		if !action.FireAt.After(now) {
			due = append(due, action)
		}
	}
	return due, nil
}

func (m *memJobStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs), nil
}

type firedCall struct {
	subject      string
	conversation string
}

func TestScheduleAndFire(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()

	var mu sync.Mutex
	var fired []firedCall
	s := New(store, func(ctx context.Context, subject, conversation string) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, firedCall{subject, conversation})
		return nil
	}, time.Second)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	id, err := s.Schedule(ctx, now.Add(10*time.Minute), "t2_alice", "conv1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Before the fire time nothing happens.
	s.dispatch(ctx)
	assert.Empty(t, fired)
	assert.Equal(t, 1, s.Outstanding())

	// At-or-after the fire time the callback runs exactly once.
	now = now.Add(10 * time.Minute)
	s.dispatch(ctx)
	s.dispatch(ctx)
	require.Len(t, fired, 1)
	assert.Equal(t, firedCall{"t2_alice", "conv1"}, fired[0])
	assert.Zero(t, s.Outstanding())
}

func TestCancelBeforeFire(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()

	fired := 0
	s := New(store, func(ctx context.Context, subject, conversation string) error {
		fired++
		return nil
	}, time.Second)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	id, err := s.Schedule(ctx, now.Add(time.Minute), "t2_alice", "conv1")
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, id))

	now = now.Add(2 * time.Minute)
	s.dispatch(ctx)
	assert.Zero(t, fired)
}

func TestCancelAfterFireIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()

	s := New(store, func(ctx context.Context, subject, conversation string) error {
		return nil
	}, time.Second)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	id, err := s.Schedule(ctx, now.Add(time.Minute), "t2_alice", "conv1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	s.dispatch(ctx)

	// The job already fired; cancellation must not surface an error.
	assert.NoError(t, s.Cancel(ctx, id))
}

func TestFailedCallbackIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()

	fired := 0
	s := New(store, func(ctx context.Context, subject, conversation string) error {
		fired++
		return assert.AnError
	}, time.Second)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Schedule(ctx, now.Add(time.Minute), "t2_alice", "conv1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	s.dispatch(ctx)
	s.dispatch(ctx)

	// One attempt only: re-running a moderation action risks double
	// punishment.
	assert.Equal(t, 1, fired)
	assert.Zero(t, s.Outstanding())
}

func TestDispatcherLoop(t *testing.T) {
	ctx := context.Background()
	store := newMemJobStore()

	firedCh := make(chan firedCall, 1)
	s := New(store, func(ctx context.Context, subject, conversation string) error {
		firedCh <- firedCall{subject, conversation}
		return nil
	}, 10*time.Millisecond)

	_, err := s.Schedule(ctx, time.Now().Add(20*time.Millisecond), "t2_alice", "conv1")
	require.NoError(t, err)

	s.Start(ctx)
	defer s.Stop()

	select {
	case call := <-firedCh:
		assert.Equal(t, firedCall{"t2_alice", "conv1"}, call)
	case <-time.After(2 * time.Second):
		t.Fatal("deferred action did not fire")
	}
}
