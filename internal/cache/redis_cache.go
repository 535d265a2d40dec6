package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"comandero/backend/internal/domain"
)

type RedisFloorCache struct {
	client *redis.Client
}

func NewRedisFloorCache(addr string, password string, db int) *RedisFloorCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisFloorCache{client: client}
}

func (c *RedisFloorCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisFloorCache) Close() error {
	return c.client.Close()
}

func floorKey(storeID string) string {
	return "floor:" + storeID
}

func (c *RedisFloorCache) Get(ctx context.Context, storeID string) (*domain.FloorSnapshot, bool, error) {
	val, err := c.client.Get(ctx, floorKey(storeID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snapshot domain.FloorSnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return nil, false, err
	}
	return &snapshot, true, nil
}

func (c *RedisFloorCache) Set(ctx context.Context, storeID string, snapshot *domain.FloorSnapshot, ttl time.Duration) error {
	if snapshot == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, floorKey(storeID), payload, ttl).Err()
}

func (c *RedisFloorCache) Invalidate(ctx context.Context, storeID string) error {
	return c.client.Del(ctx, floorKey(storeID)).Err()
}
