// internal/sched/tickclock.go

package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// TickClock emits ticks and counts them atomically.
type TickClock struct {
	Ch       chan struct{}
	count    atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTickClock creates a clock but does not start it.
func NewTickClock(buffer int) *TickClock {
	return &TickClock{
		Ch:   make(chan struct{}, buffer),
		stop: make(chan struct{}),
	}
}

// Start begins emitting ticks at the given interval. A tick that finds the
// buffer full is dropped and only counted, so a stalled consumer never
// blocks the clock.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Add(1)
				select {
				case c.Ch <- struct{}{}:
				default:
				}
			case <-c.stop:
				close(c.Ch)
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks. It is safe to call twice.
func (c *TickClock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Count returns the number of ticks emitted so far.
func (c *TickClock) Count() int64 {
	return c.count.Load()
}
