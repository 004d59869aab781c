package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// LayeredCache is a two-tier cache backend (L1: memory, L2: Redis).
// Reads prefer L1 and backfill it on an L2 hit; writes go through to both.
type LayeredCache struct {
	l1       Cache
	l2       Cache
	l1MaxTTL time.Duration
	logger   *slog.Logger
}

// LayeredCacheConfig configures a layered cache.
type LayeredCacheConfig struct {
	L1 Cache
	L2 Cache
	// L1MaxTTL caps the TTL used for L1 entries; zero means one minute.
	L1MaxTTL time.Duration
	// Logger, if set, receives warnings about degraded layers.
	Logger *slog.Logger
}

// NewLayeredCache creates a layered cache with default settings.
func NewLayeredCache(l1, l2 Cache) *LayeredCache {
	return NewLayeredCacheWithConfig(LayeredCacheConfig{L1: l1, L2: l2})
}

// NewLayeredCacheWithConfig creates a layered cache from explicit configuration.
func NewLayeredCacheWithConfig(cfg LayeredCacheConfig) *LayeredCache {
	if cfg.L1MaxTTL <= 0 {
		cfg.L1MaxTTL = time.Minute
	}
	return &LayeredCache{
		l1:       cfg.L1,
		l2:       cfg.L2,
		l1MaxTTL: cfg.L1MaxTTL,
		logger:   cfg.Logger,
	}
}

// Get retrieves a value, trying L1 first, then L2 with an L1 backfill.
// A failing layer degrades to the next one instead of failing the read.
func (lc *LayeredCache) Get(ctx context.Context, key string) (interface{}, error) {
	if lc.l1 != nil {
		val, err := lc.l1.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		lc.warnUnlessMiss("l1 get failed", key, err)
	}

	if lc.l2 != nil {
		val, err := lc.l2.Get(ctx, key)
		if err == nil {
			if lc.l1 != nil {
				_ = lc.l1.Set(ctx, key, val, lc.l1MaxTTL)
			}
			return val, nil
		}
		lc.warnUnlessMiss("l2 get failed", key, err)
	}

	return nil, ErrNotFound
}

// Set writes through to both layers. L1 TTL is capped at L1MaxTTL.
// An error is returned only when every configured layer fails.
func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1TTL := ttl
		if l1TTL > lc.l1MaxTTL {
			l1TTL = lc.l1MaxTTL
		}
		l1Err = lc.l1.Set(ctx, key, value, l1TTL)
	}

	if lc.l2 != nil {
		l2Err = lc.l2.Set(ctx, key, value, ttl)
	}

	if l1Err != nil && lc.l2 == nil {
		return l1Err
	}
	if l1Err != nil && l2Err != nil {
		return l2Err
	}

	return nil
}

// Delete removes a key from both layers.
func (lc *LayeredCache) Delete(ctx context.Context, key string) error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1Err = lc.l1.Delete(ctx, key)
	}
	if lc.l2 != nil {
		l2Err = lc.l2.Delete(ctx, key)
	}

	if l1Err != nil {
		return l1Err
	}
	return l2Err
}

// Close closes both layers.
func (lc *LayeredCache) Close() error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1Err = lc.l1.Close()
	}
	if lc.l2 != nil {
		l2Err = lc.l2.Close()
	}

	if l1Err != nil {
		return l1Err
	}
	return l2Err
}

func (lc *LayeredCache) warnUnlessMiss(msg, key string, err error) {
	if lc.logger == nil || errors.Is(err, ErrNotFound) {
		return
	}
	lc.logger.Warn(msg, "key", key, "error", err)
}
