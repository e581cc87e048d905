package repository

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"techsync/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	args := m.Called(ctx, bucket, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockStore) Set(ctx context.Context, bucket, key string, value []byte) error {
	args := m.Called(ctx, bucket, key, value)
	return args.Error(0)
}

func (m *mockStore) Delete(ctx context.Context, bucket, key string) error {
	args := m.Called(ctx, bucket, key)
	return args.Error(0)
}

func (m *mockStore) List(ctx context.Context, bucket string) ([]domain.Entry, error) {
	args := m.Called(ctx, bucket)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Entry), args.Error(1)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

func TestFailoverStore(t *testing.T) {
	primary := new(mockStore)
	fallback := NewMemoryStore()
	logger := zerolog.New(io.Discard)
	store := NewFailoverStore(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Get", ctx, "orders", "o1").Return([]byte("v"), nil).Once()

		got, err := store.Get(ctx, "orders", "o1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
		assert.False(t, store.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("NotFoundDoesNotFailOver", func(t *testing.T) {
		primary.On("Get", ctx, "orders", "o2").Return(nil, domain.ErrNotFound).Once()

		_, err := store.Get(ctx, "orders", "o2")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.False(t, store.Degraded())
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Set", ctx, "orders", "o3", []byte("x")).Return(errors.New("connection refused")).Once()

		require.NoError(t, store.Set(ctx, "orders", "o3", []byte("x")))
		assert.True(t, store.Degraded())

		// While degraded the primary is not consulted.
		got, err := store.Get(ctx, "orders", "o3")
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), got)
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		store.RecoveryInterval = 10 * time.Millisecond
		time.Sleep(20 * time.Millisecond)

		// o3 was written while degraded and moves back first.
		primary.On("Set", ctx, "orders", "o3", []byte("x")).Return(nil).Once()
		entries := []domain.Entry{{Key: "a", Value: []byte("1")}}
		primary.On("List", ctx, "actions").Return(entries, nil).Once()

		got, err := store.List(ctx, "actions")
		require.NoError(t, err)
		assert.Equal(t, entries, got)
		assert.False(t, store.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("DeleteFallsBack", func(t *testing.T) {
		primary.On("Delete", ctx, "orders", "o3").Return(errors.New("timeout")).Once()

		require.NoError(t, store.Delete(ctx, "orders", "o3"))
		assert.True(t, store.Degraded())
		_, err := fallback.Get(ctx, "orders", "o3")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Close", func(t *testing.T) {
		primary.On("Close").Return(nil).Once()
		assert.NoError(t, store.Close())
	})
}

// flakyStore is a MemoryStore that fails every call while down is set.
type flakyStore struct {
	*MemoryStore
	down atomic.Bool
}

var errStoreDown = errors.New("connection refused")

func (f *flakyStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if f.down.Load() {
		return nil, errStoreDown
	}
	return f.MemoryStore.Get(ctx, bucket, key)
}

func (f *flakyStore) Set(ctx context.Context, bucket, key string, value []byte) error {
	if f.down.Load() {
		return errStoreDown
	}
	return f.MemoryStore.Set(ctx, bucket, key, value)
}

func (f *flakyStore) Delete(ctx context.Context, bucket, key string) error {
	if f.down.Load() {
		return errStoreDown
	}
	return f.MemoryStore.Delete(ctx, bucket, key)
}

func (f *flakyStore) List(ctx context.Context, bucket string) ([]domain.Entry, error) {
	if f.down.Load() {
		return nil, errStoreDown
	}
	return f.MemoryStore.List(ctx, bucket)
}

func keysOf(entries []domain.Entry) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys
}

func TestFailoverStoreRestoresWritesAfterRecovery(t *testing.T) {
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	fallback := NewMemoryStore()
	store := NewFailoverStore(primary, fallback, nil)
	store.RecoveryInterval = 10 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "actions", "A", []byte("a")))

	primary.down.Store(true)
	require.NoError(t, store.Set(ctx, "actions", "B", []byte("b")))
	assert.True(t, store.Degraded())

	primary.down.Store(false)
	time.Sleep(20 * time.Millisecond)

	// C arrives after recovery and must still follow B.
	require.NoError(t, store.Set(ctx, "actions", "C", []byte("c")))

	got, err := store.List(ctx, "actions")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, keysOf(got))
	assert.False(t, store.Degraded())

	inPrimary, err := primary.List(ctx, "actions")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, keysOf(inPrimary))

	left, err := fallback.List(ctx, "actions")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestFailoverStoreRestoreFailureStaysDegraded(t *testing.T) {
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	fallback := NewMemoryStore()
	store := NewFailoverStore(primary, fallback, nil)
	store.RecoveryInterval = 10 * time.Millisecond
	ctx := context.Background()

	primary.down.Store(true)
	require.NoError(t, store.Set(ctx, "actions", "B", []byte("b")))
	time.Sleep(20 * time.Millisecond)

	got, err := store.List(ctx, "actions")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, keysOf(got))
	assert.True(t, store.Degraded())
}
