package controller

import (
	"sync"
	"time"
)

// cooldown lets one event per key through per window. It keeps a broken
// sample url from flooding sentry every time someone retries it.
type cooldown struct {
	mutex  sync.Mutex
	last   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func newCooldown(window time.Duration, now func() time.Time) *cooldown {
	if now == nil {
		now = time.Now
	}
	return &cooldown{
		last:   make(map[string]time.Time),
		window: window,
		now:    now,
	}
}

// Allow reports whether key is outside its cooldown and, if so, starts a new one.
func (c *cooldown) Allow(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := c.now()
	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

// Remaining returns how long key stays in cooldown.
func (c *cooldown) Remaining(key string) time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	last, ok := c.last[key]
	if !ok {
		return 0
	}
	remaining := c.window - c.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// prune forgets keys whose cooldown has expired.
func (c *cooldown) prune() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := c.now()
	for key, last := range c.last {
		if now.Sub(last) >= c.window {
			delete(c.last, key)
		}
	}
}
