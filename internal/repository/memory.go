package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"channelmanager/internal/domain"

	"github.com/google/uuid"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is the single-process fallback for RedisLocker.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[int64]memoryEntry
	poll    time.Duration
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[int64]memoryEntry), poll: 10 * time.Millisecond}
}

func (m *MemoryLocker) tryAcquire(connectionID int64, token string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if e, ok := m.entries[connectionID]; ok && now.Before(e.expiresAt) {
		return false
	}
	m.entries[connectionID] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return true
}

func (m *MemoryLocker) Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (*domain.Lease, error) {
	lease := &domain.Lease{ConnectionID: connectionID, Token: uuid.NewString(), Backend: BackendMemory}
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		if m.tryAcquire(connectionID, lease.Token, ttl) {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *MemoryLocker) Release(_ context.Context, lease *domain.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[lease.ConnectionID]
	if !ok || e.token != lease.Token {
		return domain.ErrLockLost
	}
	delete(m.entries, lease.ConnectionID)
	return nil
}
