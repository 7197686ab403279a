package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache is a read-through cache of normalized concepts keyed by
// system|code|version. A miss or a cache failure falls back to the store.
type Cache interface {
	Get(ctx context.Context, key string) (*Concept, bool)
	Set(ctx context.Context, key string, c *Concept)
	Flush(ctx context.Context) error
}

const redisKeyPrefix = "terminology:concept:"

// RedisCache stores concepts as JSON values with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Concept, bool) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("terminology cache get failed")
		}
		return nil, false
	}
	var concept Concept
	if err := json.Unmarshal(raw, &concept); err != nil {
		return nil, false
	}
	return &concept, true
}

func (c *RedisCache) Set(ctx context.Context, key string, concept *Concept) {
	raw, err := json.Marshal(concept)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("terminology cache set failed")
	}
}

// Flush drops every cached concept. Used after an admin reset.
func (c *RedisCache) Flush(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
