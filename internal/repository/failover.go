package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"channelmanager/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverLocker prefers the primary locker and drops to the fallback while
// the primary is unreachable, probing it again after recoverAfter.
type FailoverLocker struct {
	primary      domain.ConnectionLocker
	fallback     domain.ConnectionLocker
	logger       *zerolog.Logger
	isDown       atomic.Bool
	lastCheck    atomic.Int64
	recoverAfter time.Duration
}

func NewFailoverLocker(primary, fallback domain.ConnectionLocker, logger *zerolog.Logger) *FailoverLocker {
	return &FailoverLocker{
		primary:      primary,
		fallback:     fallback,
		logger:       logger,
		recoverAfter: time.Minute,
	}
}

func (r *FailoverLocker) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary lock store failed, falling back to memory")
	}
	r.lastCheck.Store(time.Now().UnixNano())
}

func (r *FailoverLocker) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, r.lastCheck.Load())) > r.recoverAfter
}

func (r *FailoverLocker) Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (*domain.Lease, error) {
	if r.usePrimary() {
		lease, err := r.primary.Acquire(ctx, connectionID, ttl)
		switch {
		case err == nil:
			if r.isDown.Swap(false) {
				r.logger.Info().Msg("Primary lock store recovered")
			}
			return lease, nil
		case errors.Is(err, domain.ErrLockTimeout):
			// Contention, not an outage.
			return nil, err
		default:
			r.markDown(err)
		}
	}
	return r.fallback.Acquire(ctx, connectionID, ttl)
}

// Release hands the lease back to whichever locker issued it.
func (r *FailoverLocker) Release(ctx context.Context, lease *domain.Lease) error {
	if lease.Backend == BackendMemory {
		return r.fallback.Release(ctx, lease)
	}
	return r.primary.Release(ctx, lease)
}
