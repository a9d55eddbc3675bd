package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached role lookup. Found is false when the lookup returned no
// row, so negative results are cached too.
type Entry struct {
	Role  string `json:"role"`
	Found bool   `json:"found"`
}

type RoleCache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, value Entry, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopRoleCache struct{}

func (NoopRoleCache) Get(_ context.Context, _ string) (*Entry, bool, error) {
	return nil, false, nil
}

func (NoopRoleCache) Set(_ context.Context, _ string, _ Entry, _ time.Duration) error {
	return nil
}

func (NoopRoleCache) Delete(_ context.Context, _ ...string) error {
	return nil
}

// MemoryRoleCache is a process-local RoleCache for single-instance deployments.
type MemoryRoleCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     Entry
	expiresAt time.Time
}

func NewMemoryRoleCache(now func() time.Time) *MemoryRoleCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryRoleCache{now: now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryRoleCache) Get(_ context.Context, key string) (*Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	value := e.value
	return &value, true, nil
}

func (c *MemoryRoleCache) Set(_ context.Context, key string, value Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryRoleCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return nil
}
