package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"channelmanager/internal/config"
	"channelmanager/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes work on a connection across processes with
// SET NX PX leases.
type RedisLocker struct {
	client *redis.Client
	prefix string
	poll   time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "cm:lock:connection:", poll: 25 * time.Millisecond}
}

func (r *RedisLocker) key(connectionID int64) string {
	return fmt.Sprintf("%s%d", r.prefix, connectionID)
}

func (r *RedisLocker) Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (*domain.Lease, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	lease := &domain.Lease{ConnectionID: connectionID, Token: uuid.NewString(), Backend: BackendRedis}
	key := r.key(connectionID)

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, lease.Token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrLockTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire lock in redis: %w", err)
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *RedisLocker) Release(ctx context.Context, lease *domain.Lease) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key(lease.ConnectionID)}, lease.Token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock in redis: %w", err)
	}
	if n == 0 {
		return domain.ErrLockLost
	}
	return nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis client if present.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
