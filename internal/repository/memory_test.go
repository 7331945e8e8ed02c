package repository

import (
	"context"
	"testing"
	"time"

	"channelmanager/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, 7, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, lease.Backend)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(waitCtx, 7, time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)

	// Other connections are independent.
	other, err := locker.Acquire(ctx, 8, time.Minute)
	require.NoError(t, err)
	require.NoError(t, locker.Release(ctx, other))

	require.NoError(t, locker.Release(ctx, lease))
	assert.ErrorIs(t, locker.Release(ctx, lease), domain.ErrLockLost)
}

func TestMemoryLockerExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, 1, 20*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	fresh, err := locker.Acquire(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, locker.Release(ctx, stale), domain.ErrLockLost)
	assert.NoError(t, locker.Release(ctx, fresh))
}
