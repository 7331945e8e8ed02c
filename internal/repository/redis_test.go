package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"channelmanager/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func TestRedisLocker(t *testing.T) {
	s, client := newTestRedis(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	t.Run("AcquireAndRelease", func(t *testing.T) {
		lease, err := locker.Acquire(ctx, 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, BackendRedis, lease.Backend)
		assert.True(t, s.Exists("cm:lock:connection:1"))

		require.NoError(t, locker.Release(ctx, lease))
		assert.False(t, s.Exists("cm:lock:connection:1"))
	})

	t.Run("HeldLockTimesOut", func(t *testing.T) {
		lease, err := locker.Acquire(ctx, 2, time.Minute)
		require.NoError(t, err)
		defer func() { _ = locker.Release(ctx, lease) }()

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err = locker.Acquire(waitCtx, 2, time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockTimeout)
	})

	t.Run("ExpiredLeaseCannotReleaseNewOwner", func(t *testing.T) {
		old, err := locker.Acquire(ctx, 3, time.Second)
		require.NoError(t, err)
		s.FastForward(2 * time.Second)

		current, err := locker.Acquire(ctx, 3, time.Minute)
		require.NoError(t, err)

		assert.ErrorIs(t, locker.Release(ctx, old), domain.ErrLockLost)
		assert.True(t, s.Exists("cm:lock:connection:3"))
		require.NoError(t, locker.Release(ctx, current))
	})

	t.Run("Exclusive", func(t *testing.T) {
		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lease, err := locker.Acquire(ctx, 4, time.Minute)
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				assert.NoError(t, locker.Release(ctx, lease))
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside.Load())
	})
}

func TestPingAndClose(t *testing.T) {
	_, client := newTestRedis(t)
	require.NoError(t, Ping(context.Background(), client))
	assert.NoError(t, Close(nil))
}
