package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"channelmanager/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (*domain.Lease, error) {
	args := m.Called(ctx, connectionID, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Lease), args.Error(1)
}

func (m *mockLocker) Release(ctx context.Context, lease *domain.Lease) error {
	args := m.Called(ctx, lease)
	return args.Error(0)
}

func TestFailoverLocker(t *testing.T) {
	logger := zerolog.New(io.Discard)
	ctx := context.Background()

	t.Run("PrimaryHealthy", func(t *testing.T) {
		primary := new(mockLocker)
		fallback := NewMemoryLocker()
		locker := NewFailoverLocker(primary, fallback, &logger)

		want := &domain.Lease{ConnectionID: 1, Token: "t", Backend: BackendRedis}
		primary.On("Acquire", ctx, int64(1), time.Minute).Return(want, nil)
		primary.On("Release", ctx, want).Return(nil)

		lease, err := locker.Acquire(ctx, 1, time.Minute)
		require.NoError(t, err)
		assert.Same(t, want, lease)
		require.NoError(t, locker.Release(ctx, lease))
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryDownUsesFallback", func(t *testing.T) {
		primary := new(mockLocker)
		locker := NewFailoverLocker(primary, NewMemoryLocker(), &logger)

		primary.On("Acquire", ctx, int64(2), time.Minute).Return(nil, errors.New("connection refused")).Once()

		lease, err := locker.Acquire(ctx, 2, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, BackendMemory, lease.Backend)
		assert.True(t, locker.isDown.Load())

		// While down the primary is not consulted.
		second, err := locker.Acquire(ctx, 3, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, BackendMemory, second.Backend)

		require.NoError(t, locker.Release(ctx, lease))
		require.NoError(t, locker.Release(ctx, second))
		primary.AssertExpectations(t)
	})

	t.Run("Recovery", func(t *testing.T) {
		primary := new(mockLocker)
		locker := NewFailoverLocker(primary, NewMemoryLocker(), &logger)
		locker.isDown.Store(true)
		locker.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())

		want := &domain.Lease{ConnectionID: 4, Token: "t", Backend: BackendRedis}
		primary.On("Acquire", ctx, int64(4), time.Minute).Return(want, nil)

		lease, err := locker.Acquire(ctx, 4, time.Minute)
		require.NoError(t, err)
		assert.Same(t, want, lease)
		assert.False(t, locker.isDown.Load())
	})

	t.Run("ContentionIsNotAnOutage", func(t *testing.T) {
		primary := new(mockLocker)
		locker := NewFailoverLocker(primary, NewMemoryLocker(), &logger)
		primary.On("Acquire", ctx, int64(5), time.Minute).Return(nil, domain.ErrLockTimeout)

		_, err := locker.Acquire(ctx, 5, time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockTimeout)
		assert.False(t, locker.isDown.Load())
	})

	t.Run("RealRedisOutage", func(t *testing.T) {
		s, client := newTestRedis(t)
		locker := NewFailoverLocker(NewRedisLocker(client), NewMemoryLocker(), &logger)

		lease, err := locker.Acquire(ctx, 6, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, BackendRedis, lease.Backend)
		require.NoError(t, locker.Release(ctx, lease))

		s.Close()
		lease, err = locker.Acquire(ctx, 6, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, BackendMemory, lease.Backend)
		require.NoError(t, locker.Release(ctx, lease))
	})
}
