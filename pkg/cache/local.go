package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/planhub/rebac/pkg/tuple"
)

const (
	defaultMaxCacheSize = 10000
	defaultCacheTTL     = 10 * time.Second
)

var (
	localCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebac_local_cache_hit_count",
		Help: "The total number of local-tier cache hits.",
	})

	localCacheMissCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebac_local_cache_miss_count",
		Help: "The total number of local-tier cache misses.",
	})
)

type entry struct {
	allowed bool
	objects []tuple.Object
}

// LocalCache is the fast, process-local tier: bounded size, time-based
// eviction, prefix deletion for invalidation.
type LocalCache struct {
	cache   *ccache.Cache[entry]
	maxSize int64
	ttl     time.Duration

	localHits   atomic.Uint64
	localMisses atomic.Uint64
}

var _ DecisionCache = (*LocalCache)(nil)

// LocalCacheOpt configures a LocalCache.
type LocalCacheOpt func(*LocalCache)

// WithMaxCacheSize sets the maximum number of entries. Past it, keys are
// evicted with an LRU policy.
func WithMaxCacheSize(size int64) LocalCacheOpt {
	return func(c *LocalCache) {
		c.maxSize = size
	}
}

// WithCacheTTL sets the TTL for any single entry.
func WithCacheTTL(ttl time.Duration) LocalCacheOpt {
	return func(c *LocalCache) {
		c.ttl = ttl
	}
}

// NewLocalCache constructs the local-only cache tier.
func NewLocalCache(opts ...LocalCacheOpt) *LocalCache {
	c := &LocalCache{
		maxSize: defaultMaxCacheSize,
		ttl:     defaultCacheTTL,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.cache = ccache.New(ccache.Configure[entry]().MaxSize(c.maxSize))
	return c
}

func (c *LocalCache) get(key string) (entry, bool) {
	item := c.cache.Get(key)
	if item == nil || item.Expired() {
		c.localMisses.Add(1)
		localCacheMissCounter.Inc()
		return entry{}, false
	}

	c.localHits.Add(1)
	localCacheHitCounter.Inc()
	return item.Value(), true
}

// GetCheckResult see [DecisionCache].GetCheckResult.
func (c *LocalCache) GetCheckResult(_ context.Context, key CheckContext) (bool, bool) {
	e, ok := c.get(checkKey(key))
	return e.allowed, ok
}

// SetCheckResult see [DecisionCache].SetCheckResult.
func (c *LocalCache) SetCheckResult(_ context.Context, key CheckContext, allowed bool) {
	c.cache.Set(checkKey(key), entry{allowed: allowed}, c.ttl)
}

// GetExpandResult see [DecisionCache].GetExpandResult.
func (c *LocalCache) GetExpandResult(_ context.Context, key ExpandContext) ([]tuple.Object, bool) {
	e, ok := c.get(expandKey(key))
	if !ok {
		return nil, false
	}
	return e.objects, true
}

// SetExpandResult see [DecisionCache].SetExpandResult.
func (c *LocalCache) SetExpandResult(_ context.Context, key ExpandContext, objects []tuple.Object) {
	c.cache.Set(expandKey(key), entry{objects: objects}, c.ttl)
}

// InvalidateForTuple see [DecisionCache].InvalidateForTuple.
func (c *LocalCache) InvalidateForTuple(_ context.Context, t *tuple.RelationTuple) {
	c.cache.DeletePrefix(checkPrefix(t.TenantID, t.Object))
	c.cache.DeletePrefix(expandPrefix(t.TenantID, t.Subject, t.Object.Type))
}

// Stats see [DecisionCache].Stats.
func (c *LocalCache) Stats() Stats {
	return Stats{
		LocalHits:   c.localHits.Load(),
		LocalMisses: c.localMisses.Load(),
	}
}

// Stop see [DecisionCache].Stop.
func (c *LocalCache) Stop() {
	c.cache.Stop()
}
