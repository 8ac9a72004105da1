package service

import (
	"context"
	"sync"

	"github.com/lamplight-id/lamplight/internal/oauth2/domain"
	"github.com/lamplight-id/lamplight/internal/oauth2/store"
)

// AudienceResolver maps scopes to the resources they grant access to,
// scoped by realm.
type AudienceResolver interface {
	ResolveAudience(ctx context.Context, realm string, scopes []string) ([]domain.Resource, error)
}

// ResourceCache is a read-through cache over the resource repository.
// Lookups are cached per (realm, scope), including negative results, and
// writes through the cache invalidate the affected entry.
type ResourceCache struct {
	source store.Resources

	mu      sync.RWMutex
	entries map[string][]domain.Resource
}

func NewResourceCache(source store.Resources) *ResourceCache {
	return &ResourceCache{
		source:  source,
		entries: make(map[string][]domain.Resource),
	}
}

func cacheKey(realm, scope string) string {
	return realm + "\x00" + scope
}

// ResolveAudience returns the resources reachable through the given scopes.
// Cache misses fall through to the repository one scope at a time so each
// (realm, scope) pair stays independently cacheable.
func (c *ResourceCache) ResolveAudience(ctx context.Context, realm string, scopes []string) ([]domain.Resource, error) {
	var out []domain.Resource
	seen := make(map[string]bool)

	for _, scope := range scopes {
		resources, err := c.lookup(ctx, realm, scope)
		if err != nil {
			return nil, err
		}
		for _, r := range resources {
			if !seen[r.ID] {
				seen[r.ID] = true
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (c *ResourceCache) lookup(ctx context.Context, realm, scope string) ([]domain.Resource, error) {
	key := cacheKey(realm, scope)

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	resources, err := c.source.ResolveAudience(ctx, realm, []string{scope})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = resources
	c.mu.Unlock()
	return resources, nil
}

// CreateResource writes through to the repository and invalidates the
// entry for the resource's scope.
func (c *ResourceCache) CreateResource(ctx context.Context, r domain.Resource) error {
	if err := c.source.CreateResource(ctx, r); err != nil {
		return err
	}
	c.Invalidate(r.Realm, r.Scope)
	return nil
}

// DeleteResource removes the mapping and invalidates its scope entry.
func (c *ResourceCache) DeleteResource(ctx context.Context, realm, scope string) error {
	if err := c.source.DeleteResource(ctx, realm, scope); err != nil {
		return err
	}
	c.Invalidate(realm, scope)
	return nil
}

// Invalidate drops the cached entry for one (realm, scope) pair.
func (c *ResourceCache) Invalidate(realm, scope string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(realm, scope))
	c.mu.Unlock()
}

// InvalidateAll clears the cache.
func (c *ResourceCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string][]domain.Resource)
	c.mu.Unlock()
}
