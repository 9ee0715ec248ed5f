package refetch

import (
	"sync"
	"time"
)

// Coalescer collapses bursts of Trigger calls into one trailing call of fn.
// Each Trigger pushes the call back by window; when maxWait is positive the
// call is never pushed past maxWait after the first Trigger of the burst.
type Coalescer struct {
	window  time.Duration
	maxWait time.Duration
	fn      func()

	mu      sync.Mutex
	timer   *time.Timer
	start   time.Time
	gen     uint64
	stopped bool
}

func NewCoalescer(window, maxWait time.Duration, fn func()) *Coalescer {
	return &Coalescer{window: window, maxWait: maxWait, fn: fn}
}

func (c *Coalescer) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	now := time.Now()
	if c.timer == nil {
		c.start = now
	} else {
		c.timer.Stop()
	}

	delay := c.window
	if c.maxWait > 0 {
		if left := c.start.Add(c.maxWait).Sub(now); left < delay {
			delay = max(left, 0)
		}
	}

	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() { c.fire(gen) })
}

func (c *Coalescer) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.fn()
}

// Pending reports whether a call is scheduled.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Stop cancels any scheduled call and ignores later Triggers.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
