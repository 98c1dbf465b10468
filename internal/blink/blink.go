// Package blink implements the periodic LED task. One task body serves both
// the free-running and the anchored (drift-free) variants; the difference
// is the injected Policy.
package blink

import (
	"errors"
	"fmt"
	"time"

	"blinkos/internal/sched"
)

// Toggler is the output a blink task drives.
type Toggler interface {
	Toggle()
}

// Policy decides how a task waits for its next cycle. Begin is called once
// when the task starts and returns the wait to run after every toggle.
type Policy interface {
	Begin(k sched.Kernel, period sched.Tick) (wait func())
	String() string
}

var (
	// FreeRunning re-arms the delay from the actual wake time, so late wakes
	// accumulate as drift.
	FreeRunning Policy = freeRunning{}
	// Anchored re-arms from a reference tick advanced by exactly one period
	// per cycle, so late wakes never accumulate.
	Anchored Policy = anchored{}
)

type freeRunning struct{}

func (freeRunning) Begin(k sched.Kernel, period sched.Tick) func() {
	return func() { k.DelayFor(period) }
}

func (freeRunning) String() string { return "free" }

type anchored struct{}

func (anchored) Begin(k sched.Kernel, period sched.Tick) func() {
	ref := k.Now()
	return func() { k.DelayUntil(&ref, period) }
}

func (anchored) String() string { return "anchored" }

var ErrUnknownPolicy = errors.New("blink: unknown delay policy")

// ParsePolicy maps a config name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "free", "":
		return FreeRunning, nil
	case "anchored", "sync":
		return Anchored, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// Params configures one blink task. It is immutable once the task exists.
type Params struct {
	Output Toggler
	Period time.Duration
	Policy Policy
}

// Task toggles an output forever.
type Task struct {
	p Params
}

// New validates p and builds the task.
func New(p Params) (*Task, error) {
	if p.Output == nil {
		return nil, errors.New("blink: nil output")
	}
	if p.Period <= 0 {
		return nil, fmt.Errorf("blink: period must be positive, got %s", p.Period)
	}
	if p.Policy == nil {
		p.Policy = FreeRunning
	}
	return &Task{p: p}, nil
}

// Params returns the task configuration.
func (t *Task) Params() Params { return t.p }

// Run implements sched.Runnable.
func (t *Task) Run(k sched.Kernel) {
	wait := t.p.Policy.Begin(k, k.Ticks(t.p.Period))
	for {
		t.p.Output.Toggle()
		wait()
	}
}
