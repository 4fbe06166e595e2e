package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nlcqe-workers/internal/models"

	"github.com/redis/go-redis/v9"
)

// Cache holds at most one snapshot per tenant until its TTL passes.
type Cache interface {
	Get(ctx context.Context, tenant string) (*models.ContextSnapshot, bool, error)
	Set(ctx context.Context, snap *models.ContextSnapshot, ttl time.Duration) error
	Delete(ctx context.Context, tenant string) error
}

// ==========================
// Memory
// ==========================

type memoryEntry struct {
	snap    *models.ContextSnapshot
	expires time.Time
}

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, tenant string) (*models.ContextSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tenant]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, tenant)
		return nil, false, nil
	}
	return e.snap, true, nil
}

// Set also drops every expired entry, so tenants that stop asking do not
// stay resident.
func (c *MemoryCache) Set(_ context.Context, snap *models.ContextSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for tenant, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, tenant)
		}
	}
	c.entries[snap.TenantID] = memoryEntry{snap: snap, expires: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) Delete(_ context.Context, tenant string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenant)
	return nil
}

// ==========================
// Redis
// ==========================

const redisKeyPrefix = "nlcqe:snapshot:"

// RedisCache stores snapshots as JSON with a key expiry, so every worker
// replica shares them.
type RedisCache struct {
	client redis.Cmdable
}

func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func redisKey(tenant string) string { return redisKeyPrefix + tenant }

func (c *RedisCache) Get(ctx context.Context, tenant string) (*models.ContextSnapshot, bool, error) {
	raw, err := c.client.Get(ctx, redisKey(tenant)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get snapshot: %w", err)
	}
	var snap models.ContextSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, true, nil
}

func (c *RedisCache) Set(ctx context.Context, snap *models.ContextSnapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(snap.TenantID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, tenant string) error {
	if err := c.client.Del(ctx, redisKey(tenant)).Err(); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
