package tick

import (
	"sync"
)

// Clock hands out strictly increasing ticks. It is safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	current Tick
}

// NewClock creates a clock whose next tick is start+1
func NewClock(start Tick) *Clock {
	return &Clock{current: start}
}

// Reserve returns n consecutive ticks as an inclusive range.
// n must be positive.
func (c *Clock) Reserve(n int) Range {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.current + 1
	c.current += Tick(n)
	return Range{Min: first, Max: c.current}
}

// Update advances the clock so that it never hands out a tick <= observed.
// Writers call it when the log head moved past the clock.
func (c *Clock) Update(observed Tick) Tick {
	c.mu.Lock()
	defer c.mu.Unlock()

	if observed > c.current {
		c.current = observed
	}
	return c.current
}

// Current returns the most recently handed out tick without advancing
func (c *Clock) Current() Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
