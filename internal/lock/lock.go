package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another worker holds the lock
var ErrLocked = errors.New("lock is held by another worker")

// KeyPrefix is prepended to every lock key in Redis
const KeyPrefix = "basket:lock:"

// ReleaseFunc releases an acquired lock
type ReleaseFunc func(ctx context.Context) error

// Locker serializes work per key
type Locker interface {
	// Acquire takes the lock for key without waiting. It returns
	// ErrLocked when the lock is already held.
	Acquire(ctx context.Context, key string) (ReleaseFunc, error)
}

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis is a Locker backed by SET NX PX
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis locker. Locks expire after ttl if never released.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, ttl: ttl}
}

// Acquire takes the lock for key
func (r *Redis) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	redisKey := Key(key)
	token := uuid.New().String()

	ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", redisKey, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", redisKey, err)
		}
		return nil
	}, nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Key returns the Redis key guarding key
func Key(key string) string {
	return KeyPrefix + strings.ToLower(strings.TrimSpace(key))
}

// Nop is a Locker that never blocks. It is used when Redis is not configured.
type Nop struct{}

// Acquire always succeeds
func (Nop) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	return func(context.Context) error { return nil }, nil
}
