package cloudsync

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker guards a dataset against concurrent syncs from multiple processes.
// The engine takes the lock for the duration of one Sync call. The default
// is NoopLocker: the concurrency model is single-writer per session, so
// coordination is opt-in for multi-pipeline deployments.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// NoopLocker always grants the lock.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NoopLocker) Release(context.Context, string) error                        { return nil }

// RedisLocker coordinates through a shared Redis/Valkey instance using
// SET NX with a TTL, so a crashed syncer's lock expires on its own.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects to url and verifies the connection.
func NewRedisLocker(url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisLocker{client: client}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, "lock:"+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, "lock:"+key).Err()
}

// Close releases the underlying connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
