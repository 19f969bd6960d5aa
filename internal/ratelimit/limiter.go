package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	rateKeyPrefix = "rate"

	// DefaultWindow and DefaultMaxRequests apply when configuration leaves
	// the limits unset.
	DefaultWindow      = 600 * time.Second
	DefaultMaxRequests = 5
)

// CounterStore reads and writes expiring counters. Get returns empty text
// for an absent key; Put overwrites the value and resets its time to live.
type CounterStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, value string, timeToLive time.Duration) error
}

// FixedWindowLimiter counts requests per client address in fixed,
// non-overlapping windows. A nil store disables limiting entirely.
type FixedWindowLimiter struct {
	store       CounterStore
	window      time.Duration
	maxRequests int
	logger      *zap.Logger
	clock       func() time.Time
}

// NewFixedWindowLimiter creates a limiter over the given counter store.
func NewFixedWindowLimiter(store CounterStore, window time.Duration, maxRequests int, logger *zap.Logger) *FixedWindowLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	return &FixedWindowLimiter{
		store:       store,
		window:      window,
		maxRequests: maxRequests,
		logger:      logger,
		clock:       time.Now,
	}
}

// WithClock overrides the time source.
func (limiter *FixedWindowLimiter) WithClock(clock func() time.Time) *FixedWindowLimiter {
	limiter.clock = clock
	return limiter
}

// Limited increments the counter for the client's current window and reports
// whether the post-increment count exceeds the configured maximum. The
// request that tips the count over the limit is itself rejected. Store
// failures never block a request; they degrade to not-limited.
func (limiter *FixedWindowLimiter) Limited(ctx context.Context, clientAddress string) bool {
	if limiter == nil || limiter.store == nil {
		return false
	}

	bucket := limiter.clock().UnixMilli() / limiter.window.Milliseconds()
	key := fmt.Sprintf("%s:%s:%d", rateKeyPrefix, clientAddress, bucket)

	currentRaw, getErr := limiter.store.Get(ctx, key)
	if getErr != nil {
		limiter.warn("rate_counter_read_failed", key, getErr)
		return false
	}

	current, _ := strconv.Atoi(currentRaw)
	current++

	if putErr := limiter.store.Put(ctx, key, strconv.Itoa(current), limiter.window); putErr != nil {
		limiter.warn("rate_counter_write_failed", key, putErr)
		return false
	}

	return current > limiter.maxRequests
}

func (limiter *FixedWindowLimiter) warn(event string, key string, cause error) {
	if limiter.logger == nil {
		return
	}
	limiter.logger.Warn(event, zap.String("key", key), zap.Error(cause))
}
