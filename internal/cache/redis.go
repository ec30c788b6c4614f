package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventKeyPrefix     = "premarket:webhook:event:"
	reconcileKeyPrefix = "premarket:reconcile:"
)

// NewRedisClient connects and pings redis
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

var _ EventDeduper = (*RedisDeduper)(nil)

// Claim uses SET NX, the same single-winner primitive as RedisThrottle.Allow
func (d *RedisDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, eventKeyPrefix+eventID, 1, ClaimLease).Result()
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) MarkProcessed(ctx context.Context, eventID string) error {
	if err := d.client.Set(ctx, eventKeyPrefix+eventID, 1, d.ttl).Err(); err != nil {
		return fmt.Errorf("mark webhook event: %w", err)
	}
	return nil
}

func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	if err := d.client.Del(ctx, eventKeyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

type RedisThrottle struct {
	client *redis.Client
	window time.Duration
}

func NewRedisThrottle(client *redis.Client, window time.Duration) *RedisThrottle {
	return &RedisThrottle{client: client, window: window}
}

var _ Throttle = (*RedisThrottle)(nil)

// Allow uses SET NX so concurrent readers agree on a single winner per window
func (t *RedisThrottle) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := t.client.SetNX(ctx, reconcileKeyPrefix+key, 1, t.window).Result()
	if err != nil {
		return false, fmt.Errorf("throttle %s: %w", key, err)
	}
	return ok, nil
}
