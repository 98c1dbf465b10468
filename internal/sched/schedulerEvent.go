// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// EventKind represents the type of scheduler event
type EventKind int

const (
	EventRegister EventKind = iota
	EventDispatch
	EventBlock
	EventWake
	EventSuspend
	EventResume
	EventPreempt
	EventYield
	EventExit
	EventIdle
)

// Event is emitted on every state change the scheduler makes.
type Event struct {
	Time  time.Time
	Tick  Tick
	Kind  EventKind
	Task  TaskHandle
	Name  string
	State TaskState
	Wake  Tick // target tick for EventBlock
}

// Observer receives events synchronously on the goroutine that caused them.
// Observers must not call back into the Scheduler.
type Observer func(Event)

func (ek EventKind) String() string {
	switch ek {
	case EventRegister:
		return "Register"
	case EventDispatch:
		return "Dispatch"
	case EventBlock:
		return "Block"
	case EventWake:
		return "Wake"
	case EventSuspend:
		return "Suspend"
	case EventResume:
		return "Resume"
	case EventPreempt:
		return "Preempt"
	case EventYield:
		return "Yield"
	case EventExit:
		return "Exit"
	case EventIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}
