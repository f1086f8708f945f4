package mason

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inspectvault_mason_cache_hits_total",
		Help: "Mason estimates served from the in-process cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inspectvault_mason_cache_misses_total",
		Help: "Mason estimates that required an advisor call.",
	})
)

// CachedAdvisor memoizes successful estimates per request for a TTL.
// Failures are not cached so a recovered advisor is used on the next diff.
type CachedAdvisor struct {
	next  Advisor
	cache *expirable.LRU[string, Estimate]
}

func NewCachedAdvisor(next Advisor, size int, ttl time.Duration) *CachedAdvisor {
	return &CachedAdvisor{
		next:  next,
		cache: expirable.NewLRU[string, Estimate](size, nil, ttl),
	}
}

func cacheKey(req Request) string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%t\x00%s", normalize(req.Room), normalize(req.Item), req.ConditionChange, req.Damaged, req.Description)
}

func (c *CachedAdvisor) Estimate(ctx context.Context, req Request) (*Estimate, error) {
	key := cacheKey(req)
	if est, ok := c.cache.Get(key); ok {
		cacheHitsTotal.Inc()
		return &est, nil
	}
	cacheMissesTotal.Inc()

	est, err := c.next.Estimate(ctx, req)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, *est)
	return est, nil
}
