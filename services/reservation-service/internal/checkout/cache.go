package checkout

import (
	"context"
	"encoding/json"
	"time"

	"atelier-system/services/reservation-service/internal/domain"

	"github.com/redis/go-redis/v9"
)

// CachedReservation is the advisory session-scoped record that lets a
// shopper resume an in-flight checkout after a reload. Server state stays
// authoritative; a cache hit is always re-verified against the store.
type CachedReservation struct {
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Cache stores one CachedReservation per (session, item, variant) slot.
type Cache interface {
	Get(ctx context.Context, sessionID, itemID, variantID string) (*CachedReservation, error)
	Set(ctx context.Context, sessionID, itemID, variantID string, entry CachedReservation) error
	Clear(ctx context.Context, sessionID, itemID, variantID string) error
}

type RedisCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewRedisCache(redisClient *redis.Client, cacheTTL time.Duration) *RedisCache {
	return &RedisCache{
		redisClient: redisClient,
		ttl:         cacheTTL,
	}
}

func cacheKey(sessionID, itemID, variantID string) string {
	return "session:" + sessionID + ":reservation_" + domain.Key(itemID, variantID)
}

func (c *RedisCache) Get(ctx context.Context, sessionID, itemID, variantID string) (*CachedReservation, error) {
	data, err := c.redisClient.Get(ctx, cacheKey(sessionID, itemID, variantID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry CachedReservation
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *RedisCache) Set(ctx context.Context, sessionID, itemID, variantID string, entry CachedReservation) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.redisClient.Set(ctx, cacheKey(sessionID, itemID, variantID), data, c.ttl).Err()
}

func (c *RedisCache) Clear(ctx context.Context, sessionID, itemID, variantID string) error {
	return c.redisClient.Del(ctx, cacheKey(sessionID, itemID, variantID)).Err()
}
