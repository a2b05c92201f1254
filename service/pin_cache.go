package service

import (
	"sync"
	"time"

	"github.com/layer-3/pidwallet/core"
)

// DefaultPinCacheTTL bounds how long a binding PIN stays in memory
const DefaultPinCacheTTL = 5 * time.Minute

// pinCache holds a PIN for one session between signing calls
type pinCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pin     []byte
	expires time.Time
}

func newPinCache(ttl time.Duration) *pinCache {
	if ttl <= 0 {
		ttl = DefaultPinCacheTTL
	}
	return &pinCache{ttl: ttl, now: time.Now}
}

func (c *pinCache) get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pin == nil {
		return "", false
	}
	if !c.now().Before(c.expires) {
		c.clearLocked()
		return "", false
	}
	return string(c.pin), true
}

func (c *pinCache) put(pin string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLocked()
	c.pin = []byte(pin)
	c.expires = c.now().Add(c.ttl)
}

func (c *pinCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *pinCache) clearLocked() {
	core.Zero(c.pin)
	c.pin = nil
	c.expires = time.Time{}
}
