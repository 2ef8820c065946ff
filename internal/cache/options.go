// Package cache holds the short-TTL read-through cache for the immutable
// parts of a poll, keeping the hot options read off the poll store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/schmich/litepoll/internal/models"
)

// Options caches CachedOptions blobs in Redis. Entries are advisory: a miss
// or a dropped entry costs a store round-trip, never correctness.
type Options struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewOptions creates an options cache with the given TTL.
func NewOptions(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Options {
	return &Options{client: client, ttl: ttl, logger: logger}
}

func optionsKey(pollID int64) string {
	return fmt.Sprintf("poll:%d:options", pollID)
}

// Get returns the cached options for a poll, or nil on a miss. Cache read
// errors are logged and reported as misses so the caller falls through to
// the store.
func (o *Options) Get(ctx context.Context, pollID int64) *models.CachedOptions {
	body, err := o.client.Get(ctx, optionsKey(pollID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		o.logger.Warn("options cache read", zap.Int64("poll_id", pollID), zap.Error(err))
		return nil
	}
	var cached models.CachedOptions
	if err := json.Unmarshal(body, &cached); err != nil {
		o.logger.Warn("options cache decode", zap.Int64("poll_id", pollID), zap.Error(err))
		return nil
	}
	return &cached
}

// Put stores the options for a poll. Failures are logged, not surfaced: the
// cache is never the source of truth.
func (o *Options) Put(ctx context.Context, pollID int64, opts *models.CachedOptions) {
	body, err := json.Marshal(opts)
	if err != nil {
		o.logger.Warn("options cache encode", zap.Int64("poll_id", pollID), zap.Error(err))
		return
	}
	if err := o.client.Set(ctx, optionsKey(pollID), body, o.ttl).Err(); err != nil {
		o.logger.Warn("options cache write", zap.Int64("poll_id", pollID), zap.Error(err))
	}
}
