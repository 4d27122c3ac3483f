package ledger

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"qrnotify/internal/domain"
)

// Cached memoizes Get for terminal entries. Terminal entries never change,
// so a cached SENT or FAILED_PERMANENT is always accurate.
type Cached struct {
	Ledger
	c *cache.Cache
}

func NewCached(inner Ledger, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cached{Ledger: inner, c: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Get(ctx context.Context, key string) (domain.LedgerEntry, bool, error) {
	if v, ok := c.c.Get(key); ok {
		return v.(domain.LedgerEntry), true, nil
	}
	e, ok, err := c.Ledger.Get(ctx, key)
	if err == nil && ok && e.Status.Terminal() {
		c.c.SetDefault(key, e)
	}
	return e, ok, err
}

// Flush drops every cached entry.
func (c *Cached) Flush() { c.c.Flush() }

// Unwrap returns the wrapped ledger.
func (c *Cached) Unwrap() Ledger { return c.Ledger }
