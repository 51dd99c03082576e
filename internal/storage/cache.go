package storage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"licensegate/pkg/contracts/domain"
)

type cacheEntry struct {
	resolved  *domain.ResolvedKey
	expiresAt time.Time
}

// CachedDirectory is a KeyDirectory decorator holding resolved keys for a
// short TTL. Concurrent lookups of the same key share one backend call.
type CachedDirectory struct {
	next    KeyDirectory
	ttl     time.Duration
	maxSize int

	mu      sync.RWMutex
	entries map[string]cacheEntry
	byID    map[string]string // key id -> api key

	group singleflight.Group
	now   func() time.Time

	hits   int64
	misses int64
}

// NewCachedDirectory wraps next. A ttl <= 0 disables caching entirely.
func NewCachedDirectory(next KeyDirectory, ttl time.Duration, maxSize int) *CachedDirectory {
	return &CachedDirectory{
		next:    next,
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]cacheEntry),
		byID:    make(map[string]string),
		now:     time.Now,
	}
}

// ResolveKey serves from cache or resolves through the wrapped directory.
// Misses (ErrKeyNotFound) are not cached.
func (c *CachedDirectory) ResolveKey(ctx context.Context, apiKey string) (*domain.ResolvedKey, error) {
	if c.ttl <= 0 {
		return c.next.ResolveKey(ctx, apiKey)
	}

	c.mu.RLock()
	entry, ok := c.entries[apiKey]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return cloneResolved(entry.resolved), nil
	}

	v, err, _ := c.group.Do(apiKey, func() (any, error) {
		resolved, err := c.next.ResolveKey(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		c.store(apiKey, resolved)
		return resolved, nil
	})

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return cloneResolved(v.(*domain.ResolvedKey)), nil
}

// MarkKeyStatus writes through and drops the cached entry
func (c *CachedDirectory) MarkKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus) error {
	err := c.next.MarkKeyStatus(ctx, keyID, status)
	c.Invalidate(keyID)
	return err
}

// TouchLastSeen writes through. The cached copy keeps its old last-seen value.
func (c *CachedDirectory) TouchLastSeen(ctx context.Context, keyID string, at time.Time) error {
	return c.next.TouchLastSeen(ctx, keyID, at)
}

// Invalidate removes the entry cached for keyID, if any
func (c *CachedDirectory) Invalidate(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if apiKey, ok := c.byID[keyID]; ok {
		delete(c.entries, apiKey)
		delete(c.byID, keyID)
	}
}

// Stats returns cache statistics
func (c *CachedDirectory) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	ratio := float64(0)
	if total > 0 {
		ratio = float64(c.hits) / float64(total)
	}
	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hits,
		"miss_count":  c.misses,
		"hit_ratio":   ratio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

// Ping forwards to the wrapped directory when it supports it
func (c *CachedDirectory) Ping(ctx context.Context) error {
	if p, ok := c.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *CachedDirectory) store(apiKey string, resolved *domain.ResolvedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize <= 0 {
		return
	}
	if _, exists := c.entries[apiKey]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[apiKey] = cacheEntry{
		resolved:  cloneResolved(resolved),
		expiresAt: c.now().Add(c.ttl),
	}
	c.byID[resolved.Key.ID] = apiKey
}

func (c *CachedDirectory) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey = k
			oldest = e.expiresAt
		}
	}
	if oldestKey != "" {
		if e := c.entries[oldestKey]; e.resolved != nil {
			delete(c.byID, e.resolved.Key.ID)
		}
		delete(c.entries, oldestKey)
	}
}

func cloneResolved(r *domain.ResolvedKey) *domain.ResolvedKey {
	if r == nil {
		return nil
	}
	out := *r
	out.Key.AllowedDomains = append([]string(nil), r.Key.AllowedDomains...)
	out.Key.AllowedIPs = append([]string(nil), r.Key.AllowedIPs...)
	if r.Key.Subscription != nil {
		sub := *r.Key.Subscription
		out.Key.Subscription = &sub
	}
	return &out
}
