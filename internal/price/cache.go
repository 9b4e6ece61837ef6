package price

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

// CachedSource keeps successful quotes for ttl. Failures are not cached.
type CachedSource struct {
	next  Source
	cache *cache.Cache
}

// NewCachedSource wraps next with a TTL cache.
func NewCachedSource(next Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedSource) Price(ctx context.Context, code string) (decimal.Decimal, error) {
	if v, found := c.cache.Get(code); found {
		return v.(decimal.Decimal), nil
	}

	p, err := c.next.Price(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	c.cache.SetDefault(code, p)
	return p, nil
}

// Invalidate drops a cached quote.
func (c *CachedSource) Invalidate(code string) {
	c.cache.Delete(code)
}
