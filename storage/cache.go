package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/domain"
)

// ViewCache keeps assembled board read models in Redis so the common
// open-a-board read skips the three table queries. Entries are evicted on
// every mutation and expire on their own as a safety net.
type ViewCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewViewCache creates a cache over the provided Redis client and TTL.
func NewViewCache(client *redis.Client, ttl time.Duration) *ViewCache {
	if ttl < 0 {
		ttl = 0
	}
	return &ViewCache{redis: client, ttl: ttl}
}

func (c *ViewCache) GetBoardView(ctx context.Context, boardID string) (*domain.BoardView, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, viewCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, viewCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var view domain.BoardView
	if err := json.Unmarshal(data, &view); err != nil {
		_ = c.redis.Del(ctx, viewCacheKey(boardID)).Err()
		return nil, false
	}
	return &view, true
}

func (c *ViewCache) SetBoardView(ctx context.Context, view *domain.BoardView) {
	if c.redis == nil || c.ttl == 0 || view == nil {
		return
	}
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, viewCacheKey(view.ID), data, c.ttl).Err()
}

func (c *ViewCache) Evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, viewCacheKey(boardID)).Result()
}

func viewCacheKey(boardID string) string {
	return "boardview:" + boardID
}
