package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// RevocationStore records, per subject, the time before which every token
// and session artifact is considered revoked.
type RevocationStore interface {
	RevokeSubject(ctx context.Context, subject string, at time.Time) error
	// ValidAfter returns the zero time when the subject was never revoked.
	ValidAfter(ctx context.Context, subject string) (time.Time, error)
}

// RedisRevocations keeps revocation times in Redis so that every replica
// sees them.
type RedisRevocations struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRevocations returns a Redis-backed store. Entries expire after
// ttl, which must be at least the longest session lifetime.
func NewRedisRevocations(client *redis.Client, ttl time.Duration) *RedisRevocations {
	return &RedisRevocations{client: client, prefix: "ezkeys:revoked:", ttl: ttl}
}

// RevokeSubject implements RevocationStore.
func (r *RedisRevocations) RevokeSubject(ctx context.Context, subject string, at time.Time) error {
	if err := r.client.Set(ctx, r.prefix+subject, at.Unix(), r.ttl).Err(); err != nil {
		return fmt.Errorf("store revocation: %w", err)
	}
	return nil
}

// ValidAfter implements RevocationStore.
func (r *RedisRevocations) ValidAfter(ctx context.Context, subject string) (time.Time, error) {
	v, err := r.client.Get(ctx, r.prefix+subject).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load revocation: %w", err)
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse revocation for %s: %w", subject, err)
	}
	return time.Unix(secs, 0), nil
}

// Ping checks the Redis connection.
func (r *RedisRevocations) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MemoryRevocations is a single-process RevocationStore.
type MemoryRevocations struct {
	c *cache.Cache
}

// NewMemoryRevocations returns an in-memory store whose entries expire
// after ttl.
func NewMemoryRevocations(ttl time.Duration) *MemoryRevocations {
	return &MemoryRevocations{c: cache.New(ttl, ttl/2+time.Minute)}
}

// RevokeSubject implements RevocationStore.
func (m *MemoryRevocations) RevokeSubject(_ context.Context, subject string, at time.Time) error {
	m.c.SetDefault(subject, at.Unix())
	return nil
}

// ValidAfter implements RevocationStore.
func (m *MemoryRevocations) ValidAfter(_ context.Context, subject string) (time.Time, error) {
	v, ok := m.c.Get(subject)
	if !ok {
		return time.Time{}, nil
	}
	return time.Unix(v.(int64), 0), nil
}
