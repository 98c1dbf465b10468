package board

import "sync"

// Output is a digital output. Each output has exactly one writing task; the
// mutex only protects readers on other goroutines.
type Output struct {
	name string
	pin  Pin

	mu       sync.Mutex
	level    bool
	toggles  int
	watchers []func(name string, level bool)
}

// NewOutput wraps pin as an output driven low.
func NewOutput(name string, pin Pin) *Output {
	pin.Write(false)
	return &Output{name: name, pin: pin}
}

func (o *Output) Name() string { return o.name }

// Watch registers fn to be called after every level change.
func (o *Output) Watch(fn func(name string, level bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.watchers = append(o.watchers, fn)
}

// Toggle inverts the output level.
func (o *Output) Toggle() {
	o.mu.Lock()
	o.level = !o.level
	o.toggles++
	o.pin.Write(o.level)
	level, watchers := o.level, o.watchers
	o.mu.Unlock()

	for _, fn := range watchers {
		fn(o.name, level)
	}
}

// Set drives the output to level.
func (o *Output) Set(level bool) {
	o.mu.Lock()
	if o.level == level {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.Toggle()
}

// Level reports the current output level.
func (o *Output) Level() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// Toggles counts level changes since creation.
func (o *Output) Toggles() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.toggles
}

// Input is a debounced, edge-latched digital input.
type Input struct {
	name      string
	pin       Pin
	samples   int
	activeLow bool

	mu        sync.Mutex
	stable    bool // debounced level, true while active
	pending   int  // consecutive samples disagreeing with stable
	activated bool // latched rising edge, cleared by HasActivated
}

// NewInput wraps pin. A new level is accepted after it has been read on
// samples consecutive calls to Sample.
func NewInput(name string, pin Pin, samples int, activeLow bool) *Input {
	if samples <= 0 {
		samples = 1
	}
	return &Input{name: name, pin: pin, samples: samples, activeLow: activeLow}
}

func (in *Input) Name() string { return in.name }

// Sample reads the pin once and updates the debounced level.
func (in *Input) Sample() {
	level := in.pin.Read() != in.activeLow

	in.mu.Lock()
	defer in.mu.Unlock()
	if level == in.stable {
		in.pending = 0
		return
	}
	in.pending++
	if in.pending < in.samples {
		return
	}
	in.stable = level
	in.pending = 0
	if level {
		in.activated = true
	}
}

// Active reports the debounced level.
func (in *Input) Active() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stable
}

// HasActivated reports whether the input went active since the previous
// call. Holding the input active reports true only once.
func (in *Input) HasActivated() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	fired := in.activated
	in.activated = false
	return fired
}
