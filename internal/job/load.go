// Package job provides CPU load tasks that disturb the timing of the other
// tasks in a controlled way.
package job

import "blinkos/internal/sched"

// parked is long enough to outlive any run.
const parked sched.Tick = 1 << 40

// Burst wakes at each of the given ticks and keeps the CPU for busy ticks.
// Ticks already in the past are skipped. After the last burst it sleeps.
func Burst(at []sched.Tick, busy sched.Tick) sched.Runnable {
	return sched.RunnableFunc(func(k sched.Kernel) {
		for _, w := range at {
			if d := w - k.Now(); d > 0 {
				k.DelayFor(d)
			} else if d < 0 {
				continue
			}
			k.Busy(busy)
		}
		for {
			k.DelayFor(parked)
		}
	})
}

// Periodic keeps the CPU for busy ticks once every period ticks, starting
// at tick offset.
func Periodic(offset, period, busy sched.Tick) sched.Runnable {
	return sched.RunnableFunc(func(k sched.Kernel) {
		if offset > 0 {
			k.DelayFor(offset)
		}
		next := k.Now()
		for {
			k.Busy(busy)
			k.DelayUntil(&next, period)
		}
	})
}
