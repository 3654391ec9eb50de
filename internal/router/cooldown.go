package router

import (
	"sync"
	"time"
)

// State is a provider's availability.
type State string

const (
	StateAvailable   State = "available"
	StateCoolingDown State = "cooling_down"
)

// cooldowns tracks which providers are cooling down after a rate-limit
// signal. It is the only state shared between concurrent requests.
//
// Transitions: available -> cooling_down on trip; cooling_down ->
// available once the deadline passes. A trip while already cooling only
// ever extends the deadline.
type cooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func newCooldowns(now func() time.Time) *cooldowns {
	return &cooldowns{until: make(map[string]time.Time), now: now}
}

// state returns the provider's state and, when cooling, its deadline.
func (c *cooldowns) state(name string) (State, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := c.until[name]
	if !ok {
		return StateAvailable, time.Time{}
	}
	if !c.now().Before(deadline) {
		delete(c.until, name)
		return StateAvailable, time.Time{}
	}
	return StateCoolingDown, deadline
}

// trip moves the provider into cooldown for d.
func (c *cooldowns) trip(name string, d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := c.now().Add(d)
	if cur, ok := c.until[name]; ok && cur.After(deadline) {
		return cur
	}
	c.until[name] = deadline
	return deadline
}

// reset makes the provider available immediately.
func (c *cooldowns) reset(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.until, name)
}
