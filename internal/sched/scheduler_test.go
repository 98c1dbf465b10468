package sched

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s := New(cfg, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

// recorder collects the ticks at which a task did something.
type recorder struct {
	ticks []Tick
}

func (r *recorder) mark(k Kernel) { r.ticks = append(r.ticks, k.Now()) }

func freeRunning(r *recorder, period Tick) Runnable {
	return RunnableFunc(func(k Kernel) {
		for {
			r.mark(k)
			k.DelayFor(period)
		}
	})
}

func anchored(r *recorder, period Tick) Runnable {
	return RunnableFunc(func(k Kernel) {
		ref := k.Now()
		for {
			r.mark(k)
			k.DelayUntil(&ref, period)
		}
	})
}

// hog wakes at the given tick and keeps the CPU for busy ticks.
func hog(at, busy Tick) Runnable {
	return RunnableFunc(func(k Kernel) {
		k.DelayFor(at)
		k.Busy(busy)
		for {
			k.DelayFor(1 << 30)
		}
	})
}

func mustRegister(t *testing.T, s *Scheduler, name string, prio int, r Runnable) TaskHandle {
	t.Helper()
	h, err := s.Register(TaskSpec{Name: name, Entry: r, Priority: prio})
	require.NoError(t, err)
	return h
}

func TestRegister(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	noop := RunnableFunc(func(k Kernel) { k.DelayFor(1 << 30) })

	h, err := s.Register(TaskSpec{Name: "a", Entry: noop, Priority: 1})
	require.NoError(t, err)
	assert.NotZero(t, h)

	st, err := s.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateReady, st)

	_, err = s.Register(TaskSpec{Name: "a", Entry: noop})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = s.Register(TaskSpec{Name: "b"})
	assert.ErrorIs(t, err, ErrNilEntry)

	got, err := s.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = s.Lookup("missing")
	assert.ErrorIs(t, err, ErrNoSuchTask)

	require.NoError(t, s.Advance(1))
	_, err = s.Register(TaskSpec{Name: "late", Entry: noop})
	assert.ErrorIs(t, err, ErrStarted)
}

func TestRegister_OutOfMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeapBytes = 2 * (tcbBytes + 128*wordBytes)
	s := newTestScheduler(t, cfg)
	noop := RunnableFunc(func(k Kernel) { k.DelayFor(1 << 30) })

	mustRegister(t, s, "one", 1, noop)
	mustRegister(t, s, "two", 1, noop)
	_, err := s.Register(TaskSpec{Name: "three", Entry: noop})
	assert.ErrorIs(t, err, ErrOutOfMemory)

	_, err = s.Lookup("three")
	assert.ErrorIs(t, err, ErrNoSuchTask, "a failed registration must not leave a task behind")
}

func TestRegister_ClampsPriority(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	noop := RunnableFunc(func(k Kernel) { k.DelayFor(1 << 30) })

	mustRegister(t, s, "high", 99, noop)
	mustRegister(t, s, "low", -3, noop)

	assert.Equal(t, 4, s.names["high"].Priority)
	assert.Equal(t, 0, s.names["low"].Priority)
}

func TestTicks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickMS = 10
	s := newTestScheduler(t, cfg)

	assert.Equal(t, Tick(0), s.Ticks(0))
	assert.Equal(t, Tick(1), s.Ticks(time.Millisecond))
	assert.Equal(t, Tick(50), s.Ticks(500*time.Millisecond))
	assert.Equal(t, Tick(1), s.Ticks(15*time.Millisecond))
}

func TestDelayFor(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var r recorder
	mustRegister(t, s, "blink", 1, freeRunning(&r, 5))

	require.NoError(t, s.Advance(20))
	assert.Equal(t, []Tick{0, 5, 10, 15, 20}, r.ticks)
}

func TestDelayUntil_StaysOnGridUnderJitter(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var r recorder
	mustRegister(t, s, "sync", 1, anchored(&r, 10))
	mustRegister(t, s, "hog", 2, hog(29, 4))

	require.NoError(t, s.Advance(60))
	assert.Equal(t, []Tick{0, 10, 20, 33, 40, 50, 60}, r.ticks)
}

func TestDelayFor_DriftsUnderJitter(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var r recorder
	mustRegister(t, s, "free", 1, freeRunning(&r, 10))
	mustRegister(t, s, "hog", 2, hog(29, 4))

	require.NoError(t, s.Advance(60))
	assert.Equal(t, []Tick{0, 10, 20, 33, 43, 53}, r.ticks)
}

func TestDelayUntil_SkipsMissedPeriods(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var r recorder
	mustRegister(t, s, "late", 1, RunnableFunc(func(k Kernel) {
		ref := k.Now()
		for i := 0; ; i++ {
			r.mark(k)
			if i == 1 {
				k.Busy(25)
			}
			k.DelayUntil(&ref, 10)
		}
	}))

	require.NoError(t, s.Advance(50))
	assert.Equal(t, []Tick{0, 10, 35, 40, 50}, r.ticks)
}

func TestSuspendResume_Idempotent(t *testing.T) {
	var events []Event
	s := newTestScheduler(t, DefaultConfig(), WithObserver(func(ev Event) {
		if ev.Kind == EventSuspend || ev.Kind == EventResume {
			events = append(events, ev)
		}
	}))
	var r recorder
	h := mustRegister(t, s, "blink", 1, freeRunning(&r, 10))
	require.NoError(t, s.Advance(3))

	require.NoError(t, s.Suspend(h))
	require.NoError(t, s.Suspend(h))
	st, err := s.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, st)

	require.NoError(t, s.Resume(h))
	require.NoError(t, s.Resume(h))
	st, err = s.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, st)

	require.Len(t, events, 2)
	assert.Equal(t, EventSuspend, events[0].Kind)
	assert.Equal(t, EventResume, events[1].Kind)

	assert.ErrorIs(t, s.Suspend(99), ErrNoSuchTask)
	assert.ErrorIs(t, s.Resume(99), ErrNoSuchTask)
}

func TestSuspend_FinishesRemainingDelay(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var r recorder
	h := mustRegister(t, s, "blink", 1, freeRunning(&r, 10))

	require.NoError(t, s.Advance(3))
	require.NoError(t, s.Suspend(h))
	require.NoError(t, s.Advance(2))
	require.NoError(t, s.Resume(h))
	require.NoError(t, s.Advance(15))

	assert.Equal(t, []Tick{0, 10, 20}, r.ticks)
}

func TestSuspend_NoBacklogAfterLongSuspension(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var r recorder
	h := mustRegister(t, s, "blink", 1, freeRunning(&r, 10))

	require.NoError(t, s.Advance(3))
	require.NoError(t, s.Suspend(h))
	require.NoError(t, s.Advance(47))
	require.NoError(t, s.Resume(h))
	require.NoError(t, s.Advance(15))

	assert.Equal(t, []Tick{0, 51, 61}, r.ticks)
}

func TestToggleSuspend_FromTask(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var r recorder
	target := mustRegister(t, s, "blink", 1, freeRunning(&r, 10))

	var states []bool
	mustRegister(t, s, "ctl", 2, RunnableFunc(func(k Kernel) {
		k.DelayFor(15)
		suspended, err := k.ToggleSuspend(target)
		if err == nil {
			states = append(states, suspended)
		}
		k.DelayFor(20)
		suspended, err = k.ToggleSuspend(target)
		if err == nil {
			states = append(states, suspended)
		}
		_, err = k.ToggleSuspend(12345)
		if err != nil {
			states = append(states, false)
		}
		for {
			k.DelayFor(1 << 30)
		}
	}))

	require.NoError(t, s.Advance(50))
	assert.Equal(t, []bool{true, false, false}, states)
	assert.Equal(t, []Tick{0, 10, 35, 45}, r.ticks)
}

func TestSuspend_Self(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var r recorder
	h := mustRegister(t, s, "self", 1, RunnableFunc(func(k Kernel) {
		for {
			r.mark(k)
			_ = k.Suspend(k.Self())
		}
	}))

	require.NoError(t, s.Advance(5))
	st, err := s.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, st)

	require.NoError(t, s.Resume(h))
	require.NoError(t, s.Advance(5))
	assert.Equal(t, []Tick{0, 6}, r.ticks)
}

// suspendedWhileRunning builds a task that suspends itself through the
// Scheduler on its first run and then calls wait.
func suspendedWhileRunning(s *Scheduler, runs *[]Tick, wait func(k Kernel)) Runnable {
	return RunnableFunc(func(k Kernel) {
		for {
			*runs = append(*runs, k.Now())
			if len(*runs) == 1 {
				_ = s.Suspend(k.Self())
				wait(k)
			}
			k.DelayFor(10)
		}
	})
}

func TestSuspend_WhileExecutingSurvivesBlocking(t *testing.T) {
	tests := []struct {
		name string
		wait func(k Kernel)
	}{
		{"delay", func(k Kernel) { k.DelayFor(10) }},
		{"yield", func(k Kernel) { k.Yield() }},
		{"busy", func(k Kernel) { k.Busy(3) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t, DefaultConfig())
			var runs []Tick
			h := mustRegister(t, s, "task", 1, suspendedWhileRunning(s, &runs, tt.wait))
			mustRegister(t, s, "peer", 1, freeRunning(&recorder{}, 1))

			require.NoError(t, s.Advance(100))
			st, err := s.State(h)
			require.NoError(t, err)
			assert.Equal(t, StateSuspended, st)
			assert.Equal(t, []Tick{0}, runs)
		})
	}
}

func TestSuspend_WhileExecutingKeepsDelay(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var runs []Tick
	h := mustRegister(t, s, "task", 1, suspendedWhileRunning(s, &runs, func(k Kernel) {}))

	require.NoError(t, s.Advance(3))
	require.NoError(t, s.Resume(h))
	st, err := s.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, st, "delay to tick 10 still pending")

	require.NoError(t, s.Advance(20))
	assert.Equal(t, []Tick{0, 10, 20}, runs)

	require.NoError(t, s.Suspend(h))
	require.NoError(t, s.Advance(20))
	require.NoError(t, s.Resume(h))
	require.NoError(t, s.Advance(5))
	assert.Equal(t, []Tick{0, 10, 20, 44}, runs, "late resume runs once on the next tick")
}

func TestResume_FromTaskPreemptsCaller(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var order []string

	high := mustRegister(t, s, "high", 2, RunnableFunc(func(k Kernel) {
		for {
			order = append(order, "high")
			_ = k.Suspend(k.Self())
		}
	}))
	mustRegister(t, s, "low", 1, RunnableFunc(func(k Kernel) {
		k.DelayFor(5)
		order = append(order, "low before")
		_ = k.Resume(high)
		order = append(order, "low after")
		_, _ = k.ToggleSuspend(high)
		order = append(order, "low done")
		for {
			k.DelayFor(1 << 30)
		}
	}))

	require.NoError(t, s.Advance(10))
	assert.Equal(t, []string{"high", "low before", "high", "low after", "high", "low done"}, order)
}

func TestPreemption_HigherPriorityRunsFirst(t *testing.T) {
	var preempted []string
	s := newTestScheduler(t, DefaultConfig(), WithObserver(func(ev Event) {
		if ev.Kind == EventPreempt {
			preempted = append(preempted, ev.Name)
		}
	}))

	var low, high recorder
	mustRegister(t, s, "low", 1, RunnableFunc(func(k Kernel) {
		k.Busy(10)
		low.mark(k)
		for {
			k.DelayFor(1 << 30)
		}
	}))
	mustRegister(t, s, "high", 2, RunnableFunc(func(k Kernel) {
		k.DelayFor(3)
		high.mark(k)
		for {
			k.DelayFor(1 << 30)
		}
	}))

	require.NoError(t, s.Advance(20))
	assert.Equal(t, []Tick{3}, high.ticks)
	assert.Equal(t, []Tick{10}, low.ticks)
	assert.Equal(t, []string{"low"}, preempted)
}

func TestRoundRobin_EqualPriority(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var a, b recorder
	spin := func(r *recorder) Runnable {
		return RunnableFunc(func(k Kernel) {
			for {
				k.Busy(1)
				r.mark(k)
			}
		})
	}
	mustRegister(t, s, "a", 1, spin(&a))
	mustRegister(t, s, "b", 1, spin(&b))

	require.NoError(t, s.Advance(20))
	assert.InDelta(t, len(a.ticks), len(b.ticks), 1)
	assert.GreaterOrEqual(t, len(a.ticks)+len(b.ticks), 18)
}

func TestTaskExit_IsFatal(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	h := mustRegister(t, s, "quitter", 1, RunnableFunc(func(k Kernel) {
		k.DelayFor(2)
	}))

	err := s.Advance(5)
	require.ErrorIs(t, err, ErrTaskExited)
	assert.Contains(t, err.Error(), "quitter")

	st, stErr := s.State(h)
	require.NoError(t, stErr)
	assert.Equal(t, StateExited, st)

	assert.ErrorIs(t, s.Advance(1), ErrTaskExited)
}

func TestTaskPanic_IsFatal(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	mustRegister(t, s, "boom", 1, RunnableFunc(func(k Kernel) {
		panic("bad config")
	}))

	err := s.Advance(1)
	require.ErrorIs(t, err, ErrTaskExited)
	assert.Contains(t, err.Error(), "bad config")
}

func TestLivelock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStepsPerTick = 50
	s := newTestScheduler(t, cfg)
	mustRegister(t, s, "spinner", 1, RunnableFunc(func(k Kernel) {
		for {
			k.Yield()
		}
	}))

	assert.ErrorIs(t, s.Advance(1), ErrLivelock)
}

func TestOnTick_RunsBeforeDispatch(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var seen Tick
	s.OnTick(func(now Tick) { seen = now })

	var observed []Tick
	mustRegister(t, s, "reader", 1, RunnableFunc(func(k Kernel) {
		for {
			observed = append(observed, seen)
			k.DelayFor(2)
		}
	}))

	require.NoError(t, s.Advance(4))
	assert.Equal(t, []Tick{0, 2, 4}, observed)
}

func TestTraceTo(t *testing.T) {
	s := newTestScheduler(t, DefaultConfig())
	var buf bytes.Buffer
	require.NoError(t, s.TraceTo(&buf))

	mustRegister(t, s, "blink", 1, freeRunning(&recorder{}, 2))
	require.NoError(t, s.Advance(2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, "timestamp,tick,event,task_id,task,state,wake", lines[0])
	assert.Contains(t, lines[1], ",0,Register,1,blink,Ready,")
	assert.Contains(t, buf.String(), ",Block,1,blink,Blocked,2")
	assert.Contains(t, buf.String(), ",2,Wake,1,blink,")
}

func TestStart_StopsOnCancel(t *testing.T) {
	s := New(DefaultConfig())
	var r recorder
	mustRegister(t, s, "blink", 1, freeRunning(&r, 5))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEmpty(t, r.ticks)
	assert.ErrorIs(t, s.Advance(1), ErrStopped)
}
