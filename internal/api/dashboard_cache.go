package api

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const dashboardKey = "dashboard"

// dashboardCache holds the last dashboard. Every write bumps a generation
// before and after it runs; a dashboard built while the generation moved is
// not stored. A nil *dashboardCache caches nothing.
type dashboardCache struct {
	mu    sync.Mutex
	gen   uint64
	items *cache.Cache
}

func newDashboardCache(ttl time.Duration) *dashboardCache {
	if ttl <= 0 {
		return nil
	}
	return &dashboardCache{items: cache.New(ttl, 2*ttl)}
}

func (c *dashboardCache) get() (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.items.Get(dashboardKey)
}

// begin returns the generation a dashboard build starts from.
func (c *dashboardCache) begin() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// store keeps v unless a write happened since begin returned gen.
func (c *dashboardCache) store(gen uint64, v any) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.items.SetDefault(dashboardKey, v)
	return true
}

func (c *dashboardCache) invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.items.Delete(dashboardKey)
}
