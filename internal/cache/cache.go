// Package cache is the memoization port used by the calculator, the audit
// reporter and the ingest worker.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrMiss is returned by Get when the key is absent or expired
var ErrMiss = errors.New("cache miss")

// Cache stores opaque byte values with a TTL
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SetNX stores value only if key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Remember returns the cached value for key, or computes, stores and returns it.
// Cache failures are logged and fall through to compute; compute errors are never cached.
func Remember[T any](ctx context.Context, c Cache, logger *zap.Logger, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	if c == nil || ttl <= 0 {
		return compute(ctx)
	}

	if data, err := c.Get(ctx, key); err == nil {
		var cached T
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
		logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	} else if !errors.Is(err, ErrMiss) {
		logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}

	value, err := compute(ctx)
	if err != nil {
		return value, err
	}

	data, err := json.Marshal(value)
	if err != nil {
		logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return value, nil
	}
	if err := c.Set(ctx, key, data, ttl); err != nil {
		logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

// Key joins parts into a namespaced cache key
func Key(namespace string, parts ...any) string {
	key := namespace
	for _, p := range parts {
		key += fmt.Sprintf(":%v", p)
	}
	return key
}
