package session

import (
	"sync"
	"time"
)

// Clock provides the time used for session timestamps.
type Clock interface {
	Now() time.Time
}

// RealClock provides actual system time.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock is a settable clock for tests.
type TestClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewTestClock(t time.Time) *TestClock {
	return &TestClock{current: t}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *TestClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
