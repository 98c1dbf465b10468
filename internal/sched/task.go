package sched

import "github.com/emirpasic/gods/trees/redblacktree"

// Tick is the scheduler's discrete unit of time.
type Tick int64

// TaskHandle uniquely identifies a registered task. The zero value never
// refers to a task.
type TaskHandle uint32

// TaskState is the scheduling state of a task.
type TaskState int

const (
	StateReady TaskState = iota
	StateRunning
	StateBlocked
	StateSuspended
	StateExited
)

func (st TaskState) String() string {
	switch st {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateSuspended:
		return "Suspended"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Runnable is a task entry point. Run is expected to loop forever; returning
// from it is a fatal kernel error.
type Runnable interface {
	Run(k Kernel)
}

// RunnableFunc adapts a plain function to Runnable.
type RunnableFunc func(k Kernel)

func (f RunnableFunc) Run(k Kernel) { f(k) }

// TaskSpec describes a task to register.
type TaskSpec struct {
	Name       string
	Entry      Runnable
	StackWords int // 0 selects the configured minimal stack size
	Priority   int // 0 is the idle priority, higher runs first
}

// Task is the task control block. Every field is owned by the Scheduler.
type Task struct {
	Handle     TaskHandle
	Name       string
	Priority   int
	StackWords int
	State      TaskState

	entry   Runnable
	resume  chan struct{}
	started bool

	seq       uint64 // position among equal-priority ready tasks
	wake      Tick   // wake tick while blocked (kept across a suspension)
	wasDelay  bool   // suspended while blocked
	busyLeft  Tick   // CPU ticks still owed to a Busy call
	sliceUsed Tick   // consecutive CPU ticks in the current quantum
}

// readyKey orders the ready queue: highest priority first, then FIFO.
type readyKey struct {
	prio int
	seq  uint64
}

// delayKey orders the delayed queue by wake tick, then FIFO.
type delayKey struct {
	wake Tick
	seq  uint64
}

func newReadyQueue() *redblacktree.Tree {
	return redblacktree.NewWith(func(a, b any) int {
		ka, kb := a.(readyKey), b.(readyKey)
		switch {
		case ka.prio > kb.prio:
			return -1
		case ka.prio < kb.prio:
			return 1
		case ka.seq < kb.seq:
			return -1
		case ka.seq > kb.seq:
			return 1
		default:
			return 0
		}
	})
}

func newDelayQueue() *redblacktree.Tree {
	return redblacktree.NewWith(func(a, b any) int {
		ka, kb := a.(delayKey), b.(delayKey)
		switch {
		case ka.wake < kb.wake:
			return -1
		case ka.wake > kb.wake:
			return 1
		case ka.seq < kb.seq:
			return -1
		case ka.seq > kb.seq:
			return 1
		default:
			return 0
		}
	})
}
