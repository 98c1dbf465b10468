// Package scan implements the button polling task that controls the other
// tasks of the demo.
package scan

import (
	"errors"
	"log/slog"
	"time"

	"blinkos/internal/sched"
)

// DefaultPeriod is the polling cadence of the reference firmware.
const DefaultPeriod = 150 * time.Millisecond

// Activator is an edge-latched input.
type Activator interface {
	HasActivated() bool
}

// Toggler is an output.
type Toggler interface {
	Toggle()
}

// Params configures the scan task. The target task is bound here, when the
// system is wired, instead of being looked up by name at run time.
type Params struct {
	Switch Activator        // suspends or resumes Target
	Light  Activator        // toggles Output
	Target sched.TaskHandle // task controlled by Switch
	Output Toggler          // output controlled by Light
	Period time.Duration    // poll period, DefaultPeriod when zero
	Logger *slog.Logger
}

// Task polls the buttons forever.
type Task struct {
	p Params
}

// New validates p and builds the task.
func New(p Params) (*Task, error) {
	switch {
	case p.Switch == nil || p.Light == nil:
		return nil, errors.New("scan: both inputs are required")
	case p.Output == nil:
		return nil, errors.New("scan: nil output")
	case p.Target == 0:
		return nil, errors.New("scan: no target task")
	case p.Period < 0:
		return nil, errors.New("scan: negative period")
	}
	if p.Period == 0 {
		p.Period = DefaultPeriod
	}
	if p.Logger == nil {
		p.Logger = slog.New(slog.DiscardHandler)
	}
	return &Task{p: p}, nil
}

// Run implements sched.Runnable.
func (t *Task) Run(k sched.Kernel) {
	log := t.p.Logger.With("component", "scan")
	period := k.Ticks(t.p.Period)

	for {
		if t.p.Switch.HasActivated() {
			suspended, err := k.ToggleSuspend(t.p.Target)
			if err != nil {
				log.Error("toggle target", "tick", k.Now(), "error", err)
			} else {
				log.Info("target toggled", "tick", k.Now(), "suspended", suspended)
			}
		}

		if t.p.Light.HasActivated() {
			t.p.Output.Toggle()
			log.Info("light toggled", "tick", k.Now())
		}

		k.DelayFor(period)
	}
}
