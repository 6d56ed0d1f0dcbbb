package agent

import (
	"sync"
	"time"

	"github.com/packdock/stevedore/pkg/session"
)

// DefaultRouteTTL bounds how long a sticky route survives without a
// fresh arbiter decision.
const DefaultRouteTTL = 30 * time.Second

type cachedRoute struct {
	resp      session.RouteResponse
	expiresAt time.Time
}

// RouteCache keeps the last allowed route per target service so
// repeated calls stick to one pod. Entries expire after a TTL and are
// invalidated explicitly when a call to the cached target fails.
type RouteCache struct {
	mu      sync.Mutex
	entries map[string]cachedRoute
	ttl     time.Duration
	now     func() time.Time
}

// NewRouteCache creates a cache with the given TTL; zero means the
// default.
func NewRouteCache(ttl time.Duration) *RouteCache {
	if ttl <= 0 {
		ttl = DefaultRouteTTL
	}
	return &RouteCache{
		entries: make(map[string]cachedRoute),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached route for a target, if still fresh.
func (c *RouteCache) Get(targetServiceID string) (session.RouteResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[targetServiceID]
	if !ok {
		return session.RouteResponse{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, targetServiceID)
		return session.RouteResponse{}, false
	}
	return entry.resp, true
}

// Put caches an allowed route. Denials are never cached.
func (c *RouteCache) Put(targetServiceID string, resp session.RouteResponse) {
	if !resp.Allowed {
		return
	}
	c.mu.Lock()
	c.entries[targetServiceID] = cachedRoute{resp: resp, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the sticky route for a target, called when a data
// channel to the cached pod fails.
func (c *RouteCache) Invalidate(targetServiceID string) {
	c.mu.Lock()
	delete(c.entries, targetServiceID)
	c.mu.Unlock()
}
