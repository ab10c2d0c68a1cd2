package worker

import (
	"context"

	"entitlement-engine/internal/bus"
	"entitlement-engine/internal/models"
	"entitlement-engine/internal/redisclient"
	"entitlement-engine/internal/util"

	"go.uber.org/zap"
)

// CacheSync subscribes to service change events and drops stale cache
// entries. Like every bus consumer it treats the event as a hint: the next
// read refetches from storage, so a dropped event only delays freshness
// until the TTL runs out.
type CacheSync struct {
	cache  *redisclient.Client
	logger *zap.Logger
}

// NewCacheSync creates the cache invalidation consumer.
func NewCacheSync(cache *redisclient.Client) *CacheSync {
	return &CacheSync{
		cache:  cache,
		logger: util.NamedLogger("cachesync"),
	}
}

// Run consumes service events until ctx is cancelled.
func (c *CacheSync) Run(ctx context.Context, b *bus.Bus) {
	events, cancel := b.Subscribe(func(e models.ChangeEvent) bool {
		return e.EntityKind == models.EntityService
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := c.cache.InvalidateService(ctx, event.EntityID); err != nil {
				c.logger.Warn("Cache invalidation failed",
					zap.String("service_id", event.EntityID),
					zap.Error(err))
			}
		}
	}
}
