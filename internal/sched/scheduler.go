// internal/sched/scheduler.go

package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

var (
	ErrOutOfMemory   = errors.New("sched: not enough heap for task")
	ErrDuplicateName = errors.New("sched: duplicate task name")
	ErrNilEntry      = errors.New("sched: task has no entry function")
	ErrNoSuchTask    = errors.New("sched: no such task")
	ErrStarted       = errors.New("sched: scheduler already started")
	ErrStopped       = errors.New("sched: scheduler stopped")
	ErrTaskExited    = errors.New("sched: task entry returned")
	ErrLivelock      = errors.New("sched: tick never settled")
)

// Scheduler is a single-core, preemptive, priority based kernel driven by
// ticks. Tasks run on their own goroutines but only one of them (or the
// scheduler itself) is ever active: control moves through the task's resume
// channel and the scheduler's yield channel.
type Scheduler struct {
	mu      sync.Mutex         // protects the scheduler state
	cfg     Config             // normalized kernel configuration
	clock   *TickClock         // real-time pacing for Start
	now     Tick               // current tick
	seq     uint64             // monotonically increasing queue position
	handles TaskHandle         // last handle handed out
	heap    int                // bytes reserved by registered tasks
	ready   *redblacktree.Tree // ready tasks ordered by priority, then FIFO
	delayed *redblacktree.Tree // blocked tasks ordered by wake tick
	tasks   map[TaskHandle]*Task
	names   map[string]*Task
	current *Task // task whose goroutine is executing right now
	cpu     *Task // task owning the CPU for the interval after now
	idle    bool
	started bool
	err     error // first fatal error

	yield     chan *Task
	done      chan struct{}
	closeOnce sync.Once

	hooks     []func(Tick)
	observers []Observer
	logger    *slog.Logger
	trace     *csvTrace
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for kernel events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// New creates a new Scheduler instance with the given configuration.
func New(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.Normalize(),
		clock:   NewTickClock(256),
		ready:   newReadyQueue(),
		delayed: newDelayQueue(),
		tasks:   make(map[TaskHandle]*Task),
		names:   make(map[string]*Task),
		yield:   make(chan *Task),
		done:    make(chan struct{}),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sched")
	return s
}

// Config returns the normalized configuration in use.
func (s *Scheduler) Config() Config { return s.cfg }

// Ticks converts a duration to ticks, rounding down. A positive duration
// shorter than one tick still yields one tick.
func (s *Scheduler) Ticks(d time.Duration) Tick {
	if d <= 0 {
		return 0
	}
	t := Tick(d / (time.Duration(s.cfg.TickMS) * time.Millisecond))
	if t == 0 {
		t = 1
	}
	return t
}

// TickDuration is the wall-clock length of one tick.
func (s *Scheduler) TickDuration() time.Duration {
	return time.Duration(s.cfg.TickMS) * time.Millisecond
}

// OnTick registers a hook run at every tick boundary before any task is
// dispatched. Hooks run on the scheduler goroutine and must not block.
func (s *Scheduler) OnTick(h func(Tick)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Register creates a task in the Ready state.
func (s *Scheduler) Register(spec TaskSpec) (TaskHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return 0, fmt.Errorf("register %q: %w", spec.Name, ErrStarted)
	}
	if spec.Entry == nil {
		return 0, fmt.Errorf("register %q: %w", spec.Name, ErrNilEntry)
	}
	if _, dup := s.names[spec.Name]; dup {
		return 0, fmt.Errorf("register %q: %w", spec.Name, ErrDuplicateName)
	}

	stack := spec.StackWords
	if stack <= 0 {
		stack = s.cfg.MinStackWords
	}
	cost := tcbBytes + stack*wordBytes
	if s.heap+cost > s.cfg.HeapBytes {
		return 0, fmt.Errorf("register %q: need %d bytes, %d of %d free: %w",
			spec.Name, cost, s.cfg.HeapBytes-s.heap, s.cfg.HeapBytes, ErrOutOfMemory)
	}

	// clamp priority within the legal region.
	prio := spec.Priority
	if prio < 0 {
		prio = 0
	} else if prio > s.cfg.MaxPriorities-1 {
		prio = s.cfg.MaxPriorities - 1
	}

	s.heap += cost
	s.handles++
	t := &Task{
		Handle:     s.handles,
		Name:       spec.Name,
		Priority:   prio,
		StackWords: stack,
		entry:      spec.Entry,
		resume:     make(chan struct{}),
	}
	s.tasks[t.Handle] = t
	s.names[t.Name] = t
	s.enqueue(t)
	s.emit(EventRegister, t)
	return t.Handle, nil
}

// Lookup returns the handle of the task registered under name.
func (s *Scheduler) Lookup(name string) (TaskHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.names[name]
	if !ok {
		return 0, fmt.Errorf("lookup %q: %w", name, ErrNoSuchTask)
	}
	return t.Handle, nil
}

// Now returns the current tick.
func (s *Scheduler) Now() Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// State reports the scheduling state of a task.
func (s *Scheduler) State(h TaskHandle) (TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[h]
	if !ok {
		return 0, fmt.Errorf("state of task %d: %w", h, ErrNoSuchTask)
	}
	return s.stateOf(t), nil
}

// Suspend removes a task from scheduling until resumed. Suspending a
// suspended task is a no-op.
func (s *Scheduler) Suspend(h TaskHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[h]
	if !ok {
		return fmt.Errorf("suspend task %d: %w", h, ErrNoSuchTask)
	}
	s.suspend(t)
	return nil
}

// Resume makes a suspended task schedulable again. Resuming a task that is
// not suspended is a no-op.
func (s *Scheduler) Resume(h TaskHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[h]
	if !ok {
		return fmt.Errorf("resume task %d: %w", h, ErrNoSuchTask)
	}
	s.resumeTask(t)
	return nil
}

// Start runs the scheduler paced by a real-time tick clock. It only returns
// when ctx is cancelled or the kernel hits a fatal error; parked task
// goroutines are released before it returns.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.Close()

	s.clock.Start(s.TickDuration())
	defer s.clock.Stop()
	s.logger.Info("scheduler started", "tick", s.TickDuration(), "tasks", len(s.tasks))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping (context cancelled)", "tick", s.Now())
			return ctx.Err()
		case _, ok := <-s.clock.Ch:
			if !ok {
				return ErrStopped
			}
			if err := s.step(); err != nil {
				s.logger.Error("kernel fault", "tick", s.Now(), "error", err)
				return err
			}
		}
	}
}

// Advance runs n ticks as fast as possible. The first call also runs the
// work due at tick zero.
func (s *Scheduler) Advance(n Tick) error {
	if err := s.begin(); err != nil && !errors.Is(err, ErrStarted) {
		return err
	}
	for i := Tick(0); i < n; i++ {
		if err := s.step(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every parked task goroutine and flushes the trace. The
// scheduler cannot be used afterwards.
func (s *Scheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.trace != nil {
			err = s.trace.close()
			s.trace = nil
		}
	})
	return err
}

// begin marks the scheduler started and runs the work due at tick zero. It
// returns ErrStarted on every call after the first.
func (s *Scheduler) begin() error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	return s.run()
}

// step advances time by one tick and runs everything due at the new tick.
func (s *Scheduler) step() error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	s.mu.Lock()
	if s.err != nil {
		defer s.mu.Unlock()
		return s.err
	}
	// charge the elapsed tick to whoever owned the CPU
	if t := s.cpu; t != nil && t.State == StateReady && t.busyLeft > 0 {
		t.busyLeft--
		t.sliceUsed++
	}
	s.now++
	now := s.now
	hooks := s.hooks
	s.mu.Unlock()

	for _, h := range hooks {
		h(now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeDelayed()
	return s.run()
}

// run dispatches zero-time work at the current tick until the CPU is idle
// or owned by a task with pending busy ticks. Called with mu held.
func (s *Scheduler) run() error {
	prev := s.cpu
	s.cpu = nil
	var last *Task

	for steps := 0; ; steps++ {
		if s.err != nil {
			return s.err
		}
		if steps > s.cfg.MaxStepsPerTick {
			s.err = fmt.Errorf("tick %d: %d dispatches: %w", s.now, steps, ErrLivelock)
			return s.err
		}

		node := s.ready.Left()
		if node == nil {
			if !s.idle {
				s.idle = true
				s.emit(EventIdle, nil)
			}
			return nil
		}
		s.idle = false
		t := node.Value.(*Task)

		if prev != nil && prev != t && prev.State == StateReady && prev.busyLeft > 0 {
			s.emit(EventPreempt, prev)
			prev = nil
		}

		if t.busyLeft > 0 {
			if t.sliceUsed >= Tick(s.cfg.SliceTicks) && s.hasPeer(t) {
				// quantum expired: rotate behind equal-priority tasks
				s.dequeue(t)
				s.enqueue(t)
				t.sliceUsed = 0
				s.emit(EventPreempt, t)
				prev = nil
				continue
			}
			if t != prev && t != last {
				s.emit(EventDispatch, t)
			}
			s.cpu = t
			return nil
		}

		s.dispatch(t)
		last = t
	}
}

// dispatch hands the CPU to t until it calls a blocking primitive. Called
// with mu held; mu is released while the task runs.
func (s *Scheduler) dispatch(t *Task) {
	s.current = t
	s.emit(EventDispatch, t)
	s.mu.Unlock()

	if !t.started {
		t.started = true
		go s.trampoline(t)
	} else {
		t.resume <- struct{}{}
	}
	<-s.yield

	s.mu.Lock()
	s.current = nil
}

// trampoline is the body of every task goroutine.
func (s *Scheduler) trampoline(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			s.exit(t, fmt.Errorf("task %q panicked: %v: %w", t.Name, r, ErrTaskExited))
			s.yield <- t
		}
	}()

	t.entry.Run(&taskKernel{s: s, t: t})

	s.exit(t, fmt.Errorf("task %q: %w", t.Name, ErrTaskExited))
	s.yield <- t
}

func (s *Scheduler) exit(t *Task, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(t)
	t.State = StateExited
	s.emit(EventExit, t)
	if s.err == nil {
		s.err = err
	}
}

// park returns control to the scheduler and waits to be dispatched again.
// Called from t's goroutine without mu held.
func (s *Scheduler) park(t *Task) {
	s.yield <- t
	select {
	case <-t.resume:
	case <-s.done:
		runtime.Goexit()
	}
}

// stateOf reports Running for the task executing now or owning the CPU.
func (s *Scheduler) stateOf(t *Task) TaskState {
	if t.State == StateReady && (t == s.current || t == s.cpu) {
		return StateRunning
	}
	return t.State
}

func (s *Scheduler) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// enqueue places t at the back of its priority level.
func (s *Scheduler) enqueue(t *Task) {
	t.State = StateReady
	t.seq = s.nextSeq()
	s.ready.Put(readyKey{prio: t.Priority, seq: t.seq}, t)
}

func (s *Scheduler) dequeue(t *Task) {
	s.ready.Remove(readyKey{prio: t.Priority, seq: t.seq})
}

// block delays t until wake. A task suspended while it was executing stays
// suspended and keeps the wake tick for its resume.
func (s *Scheduler) block(t *Task, wake Tick) {
	if t.State == StateSuspended {
		t.wake = wake
		t.wasDelay = true
		return
	}
	s.dequeue(t)
	t.State = StateBlocked
	t.wake = wake
	t.sliceUsed = 0
	t.seq = s.nextSeq()
	s.delayed.Put(delayKey{wake: wake, seq: t.seq}, t)
	s.emit(EventBlock, t)
}

// remove takes t out of whichever queue holds it.
func (s *Scheduler) remove(t *Task) {
	switch t.State {
	case StateReady:
		s.dequeue(t)
	case StateBlocked:
		s.delayed.Remove(delayKey{wake: t.wake, seq: t.seq})
	}
}

func (s *Scheduler) wakeDelayed() {
	for {
		node := s.delayed.Left()
		if node == nil {
			return
		}
		key := node.Key.(delayKey)
		if key.wake > s.now {
			return
		}
		t := node.Value.(*Task)
		s.delayed.Remove(key)
		s.enqueue(t)
		s.emit(EventWake, t)
	}
}

// hasPeer reports whether another ready task shares the priority of head,
// which must be the head of the ready queue.
func (s *Scheduler) hasPeer(head *Task) bool {
	it := s.ready.Iterator()
	it.Next()
	if !it.Next() {
		return false
	}
	return it.Value().(*Task).Priority == head.Priority
}

func (s *Scheduler) suspend(t *Task) {
	if t.State == StateSuspended || t.State == StateExited {
		return
	}
	t.wasDelay = t.State == StateBlocked
	s.remove(t)
	t.State = StateSuspended
	t.sliceUsed = 0
	s.emit(EventSuspend, t)
}

func (s *Scheduler) resumeTask(t *Task) {
	if t.State != StateSuspended {
		return
	}
	if t.wasDelay && t.wake > s.now {
		// still inside its delay: finish the remaining part
		t.State = StateBlocked
		t.seq = s.nextSeq()
		s.delayed.Put(delayKey{wake: t.wake, seq: t.seq}, t)
	} else {
		s.enqueue(t)
	}
	t.wasDelay = false
	s.emit(EventResume, t)
}

func (s *Scheduler) emit(kind EventKind, t *Task) {
	ev := Event{
		Time: time.Now(),
		Tick: s.now,
		Kind: kind,
	}
	if t != nil {
		ev.Task = t.Handle
		ev.Name = t.Name
		ev.State = s.stateOf(t)
		ev.Wake = t.wake
	}
	s.handleEvent(ev)
}

func (s *Scheduler) handleEvent(ev Event) {
	s.logger.Debug("event",
		"tick", ev.Tick,
		"kind", ev.Kind.String(),
		"task", ev.Name,
		"state", ev.State.String(),
	)
	if s.trace != nil {
		s.trace.write(ev)
	}
	for _, o := range s.observers {
		o(ev)
	}
}
