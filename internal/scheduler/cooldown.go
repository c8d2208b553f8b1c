package scheduler

import (
	"sync"
	"time"
)

// Cooldown rate-limits repeated events per key.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether key may fire now and, if so, starts a new window.
func (c *Cooldown) Allow(key string) bool {
	if c == nil || c.window <= 0 {
		return true
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) < c.window {
		return false
	}
	c.last[key] = now
	return true
}
