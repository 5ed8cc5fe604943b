package retrieval

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/playbook/models"
)

// RedisCache fronts another CacheStore with redis. Reads try redis first and
// fall back to the wrapped tier, backfilling redis on a hit; writes go to
// both tiers. Redis being unreachable degrades every call to the wrapped
// tier alone.
type RedisCache struct {
	client *redis.Client
	next   CacheStore
	ttl    time.Duration
	logger *log.Logger
}

func NewRedisCache(client *redis.Client, next CacheStore, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		next:   next,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}
}

func (c *RedisCache) redisKey(key string) string { return "search:" + key }

func (c *RedisCache) Get(key string) ([]models.SearchResult, bool) {
	ctx := context.Background()
	val, err := c.client.Get(ctx, c.redisKey(key)).Result()
	if err == nil {
		var results []models.SearchResult
		if jsonErr := json.Unmarshal([]byte(val), &results); jsonErr == nil {
			if results == nil {
				results = []models.SearchResult{}
			}
			return results, true
		}
		_ = c.client.Del(ctx, c.redisKey(key)).Err()
	} else if err != redis.Nil {
		c.logger.Printf("redis get %s: %v", key, err)
	}

	results, ok := c.next.Get(key)
	if ok {
		c.backfill(ctx, key, results)
	}
	return results, ok
}

func (c *RedisCache) Put(key string, results []models.SearchResult) {
	if results == nil {
		results = []models.SearchResult{}
	}
	c.backfill(context.Background(), key, results)
	c.next.Put(key, results)
}

func (c *RedisCache) backfill(ctx context.Context, key string, results []models.SearchResult) {
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
		c.logger.Printf("redis set %s: %v", key, err)
	}
}
