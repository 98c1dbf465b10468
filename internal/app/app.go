// Package app wires the board, the four demo tasks and the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"blinkos/internal/blink"
	"blinkos/internal/board"
	"blinkos/internal/config"
	"blinkos/internal/scan"
	"blinkos/internal/sched"
)

// Registered task names.
const (
	TaskRed    = "Red"
	TaskYellow = "Yellow"
	TaskGreen  = "Green"
	TaskScan   = "TecScan"
	TaskLoad   = "Load"
)

const (
	blinkPriority = 1 // one above idle
	scanPriority  = 2
	loadPriority  = 3 // outranks every demo task
)

// Deps are the collaborators Boot does not build itself.
type Deps struct {
	Backend   board.Backend // board.NewSimBackend() when nil
	Logger    *slog.Logger
	Observers []sched.Observer
	TracePath string         // CSV event trace, disabled when empty
	Load      sched.Runnable // optional fifth task above all others
}

// System is a booted, not yet started, demo.
type System struct {
	RunID uuid.UUID
	Sched *sched.Scheduler
	Board *board.Board

	Red    sched.TaskHandle
	Yellow sched.TaskHandle
	Green  sched.TaskHandle
	Scan   sched.TaskHandle
	Load   sched.TaskHandle // zero without Deps.Load

	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Boot builds the board and registers the four demo tasks, plus the load
// task when one is given. Any failure is fatal: the system must not start
// with a task missing. Boot owns the backend once the config is valid and
// closes it on failure.
func Boot(cfg config.Config, deps Deps) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		deps.Backend = board.NewSimBackend()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	sys := &System{RunID: uuid.New()}
	sys.logger = deps.Logger.With("run_id", sys.RunID.String())

	b, err := board.New(deps.Backend, board.Options{
		Pins:            cfg.Board.Pins,
		DebounceSamples: cfg.DebounceSamples(),
		ActiveLow:       deps.Backend.ActiveLow(),
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("boot: %w", err), deps.Backend.Close())
	}
	sys.Board = b

	opts := []sched.Option{sched.WithLogger(sys.logger)}
	for _, o := range deps.Observers {
		opts = append(opts, sched.WithObserver(o))
	}
	s := sched.New(cfg.Kernel, opts...)
	sys.Sched = s
	if deps.TracePath != "" {
		if err := s.EnableCSVLogging(deps.TracePath); err != nil {
			return nil, sys.abort(fmt.Errorf("boot: %w", err))
		}
	}

	// debounce is paced by kernel ticks
	s.OnTick(func(sched.Tick) { b.Sample() })

	ledLog := sys.logger.With("component", "board")
	for _, out := range b.Outputs() {
		out.Watch(func(name string, level bool) {
			ledLog.Debug("led", "tick", s.Now(), "led", name, "on", level)
		})
	}

	blinkers := []struct {
		dst    *sched.TaskHandle
		name   string
		out    *board.Output
		ms     int
		policy string
	}{
		{&sys.Red, TaskRed, b.LEDRed, cfg.Tasks.RedMS, cfg.Tasks.RedPolicy},
		{&sys.Yellow, TaskYellow, b.LEDYellow, cfg.Tasks.YellowMS, cfg.Tasks.YellowPolicy},
		{&sys.Green, TaskGreen, b.LEDGreen, cfg.Tasks.GreenMS, cfg.Tasks.GreenPolicy},
	}
	for _, bl := range blinkers {
		policy, err := blink.ParsePolicy(bl.policy)
		if err != nil {
			return nil, sys.abort(fmt.Errorf("boot %s: %w", bl.name, err))
		}
		task, err := blink.New(blink.Params{
			Output: bl.out,
			Period: time.Duration(bl.ms) * time.Millisecond,
			Policy: policy,
		})
		if err != nil {
			return nil, sys.abort(fmt.Errorf("boot %s: %w", bl.name, err))
		}
		h, err := s.Register(sched.TaskSpec{Name: bl.name, Entry: task, Priority: blinkPriority})
		if err != nil {
			return nil, sys.abort(fmt.Errorf("boot: %w", err))
		}
		*bl.dst = h
		sys.logger.Info("task registered", "task", bl.name, "period_ms", bl.ms, "policy", policy.String())
	}

	scanner, err := scan.New(scan.Params{
		Switch: b.ButtonSwitch,
		Light:  b.ButtonLight,
		Target: sys.Red,
		Output: b.LEDBlue,
		Period: time.Duration(cfg.Tasks.ScanMS) * time.Millisecond,
		Logger: sys.logger,
	})
	if err != nil {
		return nil, sys.abort(fmt.Errorf("boot %s: %w", TaskScan, err))
	}
	sys.Scan, err = s.Register(sched.TaskSpec{Name: TaskScan, Entry: scanner, Priority: scanPriority})
	if err != nil {
		return nil, sys.abort(fmt.Errorf("boot: %w", err))
	}
	sys.logger.Info("task registered", "task", TaskScan, "period_ms", cfg.Tasks.ScanMS)

	if deps.Load != nil {
		sys.Load, err = s.Register(sched.TaskSpec{Name: TaskLoad, Entry: deps.Load, Priority: loadPriority})
		if err != nil {
			return nil, sys.abort(fmt.Errorf("boot: %w", err))
		}
		sys.logger.Info("task registered", "task", TaskLoad)
	}

	return sys, nil
}

// abort releases what Boot already acquired and returns err.
func (sys *System) abort(err error) error {
	return errors.Join(err, sys.Close())
}

// Run starts the scheduler in real time. It returns only when ctx is done or
// the kernel faults.
func (sys *System) Run(ctx context.Context) error {
	defer sys.Close()
	err := sys.Sched.Start(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Advance runs n ticks without real-time pacing.
func (sys *System) Advance(n sched.Tick) error {
	return sys.Sched.Advance(n)
}

// Close stops the scheduler and releases the board.
func (sys *System) Close() error {
	sys.closeOnce.Do(func() {
		var errs []error
		if sys.Sched != nil {
			errs = append(errs, sys.Sched.Close())
		}
		if sys.Board != nil {
			errs = append(errs, sys.Board.Close())
		}
		sys.closeErr = errors.Join(errs...)
	})
	return sys.closeErr
}
