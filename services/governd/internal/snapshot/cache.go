// Package snapshot holds the published-PolicySnapshot cache. Reads see
// only fully committed snapshots: the hot-reload path publishes a
// complete value or nothing.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/agentlane/agentlane/pkg/domain"
)

// Cache answers "what is the current policy truth" per
// (workspace, policy set). Get returns nil without error when nothing
// has been published yet; callers fail closed on nil.
type Cache interface {
	Publish(ctx context.Context, snap *domain.PolicySnapshot) error
	Get(ctx context.Context, workspaceID, policySet string) (*domain.PolicySnapshot, error)
}

func cacheKey(workspaceID, policySet string) string {
	return "governd:snapshot:" + workspaceID + ":" + policySet
}

// RedisCache shares published snapshots across governd replicas.
type RedisCache struct{ RDB *redis.Client }

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{RDB: rdb} }

func (c *RedisCache) Publish(ctx context.Context, snap *domain.PolicySnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := c.RDB.Set(ctx, cacheKey(snap.WorkspaceID, snap.PolicySet), b, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, workspaceID, policySet string) (*domain.PolicySnapshot, error) {
	raw, err := c.RDB.Get(ctx, cacheKey(workspaceID, policySet)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	var snap domain.PolicySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// MemoryCache is the single-process cache used in tests and when redis
// is not configured.
type MemoryCache struct {
	mu    sync.RWMutex
	snaps map[string]*domain.PolicySnapshot
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snaps: make(map[string]*domain.PolicySnapshot)}
}

func (c *MemoryCache) Publish(_ context.Context, snap *domain.PolicySnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Snapshots are immutable; storing the pointer is safe.
	c.snaps[cacheKey(snap.WorkspaceID, snap.PolicySet)] = snap
	return nil
}

func (c *MemoryCache) Get(_ context.Context, workspaceID, policySet string) (*domain.PolicySnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snaps[cacheKey(workspaceID, policySet)], nil
}
