package redis

import (
	"context"
	"fmt"
	"time"
)

const rateLimitPrefix = "rl:"

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	r *Redis
}

// NewLimiter returns a Limiter that keeps its counters in r.
func NewLimiter(r *Redis) *Limiter {
	return &Limiter{r: r}
}

// Allow records one request for key and reports whether it stays within
// limit for the current window.
func (l *Limiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	k := rateLimitPrefix + key
	pipe := l.r.cli.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit: %w", err)
	}
	return incr.Val() <= limit, nil
}
