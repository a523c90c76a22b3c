package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rechargehub/internal/models"
)

// Cache holds per-user transaction list views. The store of record is
// postgres; entries here are dropped on every state change and rebuilt on
// the next read.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache returns redis-backed view cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) key(userID int64) string {
	return fmt.Sprintf("recharges:user:%d", userID)
}

// Save caches the user's transaction list.
func (c *Cache) Save(ctx context.Context, userID int64, txs []models.Transaction) error {
	data, err := json.Marshal(txs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(userID), data, c.ttl).Err()
}

// Get returns the cached list, or redis.Nil when absent.
func (c *Cache) Get(ctx context.Context, userID int64) ([]models.Transaction, error) {
	result, err := c.client.Get(ctx, c.key(userID)).Result()
	if err != nil {
		return nil, err
	}
	var txs []models.Transaction
	if err := json.Unmarshal([]byte(result), &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// Invalidate drops the user's cached view.
func (c *Cache) Invalidate(ctx context.Context, userID int64) error {
	return c.client.Del(ctx, c.key(userID)).Err()
}
