package redis

import (
	"context"
	"fmt"
	"time"
)

const idemPrefix = "idem:"

// Deduper remembers keys for a while so that work announced twice is only
// done once across all server instances.
type Deduper struct {
	r   *Redis
	ttl time.Duration
}

// NewDeduper returns a Deduper whose keys expire after ttl.
func NewDeduper(r *Redis, ttl time.Duration) *Deduper {
	return &Deduper{r: r, ttl: ttl}
}

// Claim reports whether key was seen for the first time.
func (d *Deduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.r.cli.SetNX(ctx, idemPrefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	return ok, nil
}
