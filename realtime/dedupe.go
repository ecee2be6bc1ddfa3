package realtime

import (
	"context"
	"sync"
	"time"
)

// A Deduper remembers keys so work announced twice is done once.
// redis.Deduper shares the memory across instances.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// LocalDeduper is an in-process Deduper for single instance deployments.
type LocalDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewLocalDeduper returns a LocalDeduper forgetting keys after ttl.
func NewLocalDeduper(ttl time.Duration) *LocalDeduper {
	return &LocalDeduper{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (d *LocalDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}
