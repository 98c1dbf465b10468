package sched

import (
	"fmt"
	"time"
)

// Kernel is the scheduler as seen from inside a task. Each task gets its own
// Kernel bound to its control block; it must only be used from that task.
type Kernel interface {
	// Self returns the calling task's handle.
	Self() TaskHandle
	// Now returns the current tick.
	Now() Tick
	// Ticks converts a duration to ticks.
	Ticks(d time.Duration) Tick

	// DelayFor blocks the caller for d ticks counted from now. d <= 0 yields.
	DelayFor(d Tick)
	// DelayUntil blocks until *ref + period and advances *ref by period.
	// When that target has already passed the call returns at once and moves
	// *ref to the latest multiple of period not after now, so missed periods
	// are skipped instead of replayed. period <= 0 yields.
	DelayUntil(ref *Tick, period Tick)
	// Yield moves the caller behind the other ready tasks of its priority.
	Yield()
	// Busy consumes d ticks of CPU time without blocking.
	Busy(d Tick)

	Suspend(h TaskHandle) error
	Resume(h TaskHandle) error
	// ToggleSuspend suspends h if it is schedulable and resumes it if it is
	// suspended. It reports whether h is suspended afterwards. Resuming a
	// task that outranks the caller preempts the caller.
	ToggleSuspend(h TaskHandle) (bool, error)
	State(h TaskHandle) (TaskState, error)
}

type taskKernel struct {
	s *Scheduler
	t *Task
}

func (k *taskKernel) Self() TaskHandle { return k.t.Handle }

func (k *taskKernel) Now() Tick { return k.s.Now() }

func (k *taskKernel) Ticks(d time.Duration) Tick { return k.s.Ticks(d) }

func (k *taskKernel) DelayFor(d Tick) {
	if d <= 0 {
		k.Yield()
		return
	}
	s := k.s
	s.mu.Lock()
	s.block(k.t, s.now+d)
	s.mu.Unlock()
	s.park(k.t)
}

func (k *taskKernel) DelayUntil(ref *Tick, period Tick) {
	if period <= 0 {
		k.Yield()
		return
	}
	s := k.s
	s.mu.Lock()
	target := *ref + period
	if target > s.now {
		*ref = target
		s.block(k.t, target)
		s.mu.Unlock()
		s.park(k.t)
		return
	}
	// late: stay on the period grid but drop the missed periods
	*ref = target + (s.now-target)/period*period
	s.mu.Unlock()
}

func (k *taskKernel) Yield() {
	s := k.s
	s.mu.Lock()
	if k.t.State != StateSuspended {
		s.dequeue(k.t)
		s.enqueue(k.t)
		k.t.sliceUsed = 0
		s.emit(EventYield, k.t)
	}
	s.mu.Unlock()
	s.park(k.t)
}

func (k *taskKernel) Busy(d Tick) {
	if d <= 0 {
		return
	}
	s := k.s
	s.mu.Lock()
	k.t.busyLeft = d
	s.mu.Unlock()
	s.park(k.t)
}

func (k *taskKernel) Suspend(h TaskHandle) error {
	s := k.s
	s.mu.Lock()
	t, ok := s.tasks[h]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("suspend task %d: %w", h, ErrNoSuchTask)
	}
	s.suspend(t)
	s.mu.Unlock()
	if t == k.t {
		s.park(k.t)
	}
	return nil
}

// Resume makes h schedulable again. When h outranks the caller, the caller
// is preempted on the spot and continues once h blocks.
func (k *taskKernel) Resume(h TaskHandle) error {
	s := k.s
	s.mu.Lock()
	t, ok := s.tasks[h]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("resume task %d: %w", h, ErrNoSuchTask)
	}
	s.resumeTask(t)
	k.preemptFor(t)
	return nil
}

// preemptFor releases mu and, if t is ready and outranks the caller, hands
// the CPU back to the scheduler. The caller keeps its place in the ready
// queue.
func (k *taskKernel) preemptFor(t *Task) {
	s := k.s
	outranked := t.State == StateReady && t.Priority > k.t.Priority
	if outranked {
		s.emit(EventPreempt, k.t)
	}
	s.mu.Unlock()
	if outranked {
		s.park(k.t)
	}
}

func (k *taskKernel) ToggleSuspend(h TaskHandle) (bool, error) {
	s := k.s
	s.mu.Lock()
	t, ok := s.tasks[h]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("toggle task %d: %w", h, ErrNoSuchTask)
	}
	if t.State == StateSuspended {
		s.resumeTask(t)
		k.preemptFor(t)
		return false, nil
	}
	s.suspend(t)
	suspended := t.State == StateSuspended
	s.mu.Unlock()
	if t == k.t {
		s.park(k.t)
	}
	return suspended, nil
}

func (k *taskKernel) State(h TaskHandle) (TaskState, error) {
	return k.s.State(h)
}
