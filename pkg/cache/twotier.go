package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/planhub/rebac/pkg/logger"
	"github.com/planhub/rebac/pkg/tuple"
)

const (
	defaultRemoteTimeout = 50 * time.Millisecond
	defaultRemoteTTL     = 30 * time.Second

	// remoteScanBatch bounds a single SCAN page during remote invalidation.
	remoteScanBatch = 256
)

var (
	remoteCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebac_remote_cache_hit_count",
		Help: "The total number of shared-tier cache hits.",
	})

	remoteCacheMissCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebac_remote_cache_miss_count",
		Help: "The total number of shared-tier cache misses, including tier errors.",
	})
)

// RemoteClient is the subset of the redis client used by the shared tier.
// redis.UniversalClient satisfies it; tests substitute a fake.
type RemoteClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// TwoTierCache layers an optional shared (redis) tier under a LocalCache.
// The local tier is consulted first; the shared tier on local miss, with a
// bounded timeout. Tier failures are recovered locally and never surfaced:
// availability of the authorization path takes priority over cache-tier
// availability.
type TwoTierCache struct {
	local  *LocalCache
	remote RemoteClient

	remoteTimeout time.Duration
	remoteTTL     time.Duration
	logger        logger.Logger

	remoteHits   atomic.Uint64
	remoteMisses atomic.Uint64
}

var _ DecisionCache = (*TwoTierCache)(nil)

// TwoTierOpt configures a TwoTierCache.
type TwoTierOpt func(*TwoTierCache)

// WithRemoteTimeout bounds every shared-tier operation.
func WithRemoteTimeout(timeout time.Duration) TwoTierOpt {
	return func(c *TwoTierCache) {
		c.remoteTimeout = timeout
	}
}

// WithRemoteTTL sets the expiry applied to shared-tier entries.
func WithRemoteTTL(ttl time.Duration) TwoTierOpt {
	return func(c *TwoTierCache) {
		c.remoteTTL = ttl
	}
}

// WithTwoTierLogger sets the logger used for tier-failure diagnostics.
func WithTwoTierLogger(log logger.Logger) TwoTierOpt {
	return func(c *TwoTierCache) {
		c.logger = log
	}
}

// NewTwoTierCache constructs the local+shared cache.
func NewTwoTierCache(local *LocalCache, remote RemoteClient, opts ...TwoTierOpt) *TwoTierCache {
	c := &TwoTierCache{
		local:         local,
		remote:        remote,
		remoteTimeout: defaultRemoteTimeout,
		remoteTTL:     defaultRemoteTTL,
		logger:        logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetCheckResult see [DecisionCache].GetCheckResult.
func (c *TwoTierCache) GetCheckResult(ctx context.Context, key CheckContext) (bool, bool) {
	if allowed, ok := c.local.GetCheckResult(ctx, key); ok {
		return allowed, true
	}

	raw, ok := c.remoteGet(ctx, checkKey(key))
	if !ok {
		return false, false
	}

	allowed := raw == "1"
	c.local.SetCheckResult(ctx, key, allowed)
	return allowed, true
}

// SetCheckResult see [DecisionCache].SetCheckResult.
func (c *TwoTierCache) SetCheckResult(ctx context.Context, key CheckContext, allowed bool) {
	c.local.SetCheckResult(ctx, key, allowed)

	value := "0"
	if allowed {
		value = "1"
	}
	c.remoteSet(ctx, checkKey(key), value)
}

// GetExpandResult see [DecisionCache].GetExpandResult.
func (c *TwoTierCache) GetExpandResult(ctx context.Context, key ExpandContext) ([]tuple.Object, bool) {
	if objects, ok := c.local.GetExpandResult(ctx, key); ok {
		return objects, true
	}

	raw, ok := c.remoteGet(ctx, expandKey(key))
	if !ok {
		return nil, false
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		c.logger.Warn("discarding undecodable shared-tier expand entry", zap.Error(err))
		return nil, false
	}

	objects := make([]tuple.Object, 0, len(keys))
	for _, k := range keys {
		obj, err := tuple.ParseObject(k)
		if err != nil {
			c.logger.Warn("discarding undecodable shared-tier expand entry", zap.Error(err))
			return nil, false
		}
		objects = append(objects, obj)
	}

	c.local.SetExpandResult(ctx, key, objects)
	return objects, true
}

// SetExpandResult see [DecisionCache].SetExpandResult.
func (c *TwoTierCache) SetExpandResult(ctx context.Context, key ExpandContext, objects []tuple.Object) {
	c.local.SetExpandResult(ctx, key, objects)

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key())
	}
	encoded, err := json.Marshal(keys)
	if err != nil {
		return
	}
	c.remoteSet(ctx, expandKey(key), string(encoded))
}

// InvalidateForTuple see [DecisionCache].InvalidateForTuple. The shared-tier
// deletion is best effort: a failure there only widens the staleness window
// to the shared tier's own TTL.
func (c *TwoTierCache) InvalidateForTuple(ctx context.Context, t *tuple.RelationTuple) {
	c.local.InvalidateForTuple(ctx, t)
	c.remoteDeletePrefix(ctx, checkPrefix(t.TenantID, t.Object))
	c.remoteDeletePrefix(ctx, expandPrefix(t.TenantID, t.Subject, t.Object.Type))
}

// Stats see [DecisionCache].Stats.
func (c *TwoTierCache) Stats() Stats {
	stats := c.local.Stats()
	stats.RemoteHits = c.remoteHits.Load()
	stats.RemoteMisses = c.remoteMisses.Load()
	return stats
}

// Stop see [DecisionCache].Stop. The remote client is owned by the caller
// and is not closed here.
func (c *TwoTierCache) Stop() {
	c.local.Stop()
}

func (c *TwoTierCache) remoteGet(ctx context.Context, key string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()

	raw, err := c.remote.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("shared cache tier read failed", zap.Error(err))
		}
		c.remoteMisses.Add(1)
		remoteCacheMissCounter.Inc()
		return "", false
	}

	c.remoteHits.Add(1)
	remoteCacheHitCounter.Inc()
	return raw, true
}

func (c *TwoTierCache) remoteSet(ctx context.Context, key, value string) {
	ctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()

	if err := c.remote.Set(ctx, key, value, c.remoteTTL).Err(); err != nil {
		c.logger.Debug("shared cache tier write failed", zap.Error(err))
	}
}

func (c *TwoTierCache) remoteDeletePrefix(ctx context.Context, prefix string) {
	ctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := c.remote.Scan(ctx, cursor, prefix+"*", remoteScanBatch).Result()
		if err != nil {
			c.logger.Debug("shared cache tier invalidation scan failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := c.remote.Del(ctx, keys...).Err(); err != nil {
				c.logger.Debug("shared cache tier invalidation delete failed", zap.Error(err))
				return
			}
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}
