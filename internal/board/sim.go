package board

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SimPin is an in-memory GPIO line.
type SimPin struct {
	level atomic.Bool
}

func (p *SimPin) Read() bool       { return p.level.Load() }
func (p *SimPin) Write(level bool) { p.level.Store(level) }

// SimBackend serves simulated pins. Inputs are driven with Press and Release.
type SimBackend struct {
	mu   sync.Mutex
	pins map[string]*SimPin
}

func NewSimBackend() *SimBackend {
	return &SimBackend{pins: make(map[string]*SimPin)}
}

func (b *SimBackend) Output(name string, _ int) (Pin, error) { return b.pin(name) }

func (b *SimBackend) Input(name string, _ int) (Pin, error) { return b.pin(name) }

// ActiveLow is false: Press drives a simulated line high.
func (b *SimBackend) ActiveLow() bool { return false }

func (b *SimBackend) Close() error { return nil }

func (b *SimBackend) pin(name string) (*SimPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.pins[name]; dup {
		return nil, fmt.Errorf("sim pin %q already claimed", name)
	}
	p := &SimPin{}
	b.pins[name] = p
	return p, nil
}

// Pin returns the simulated line claimed under name, or nil.
func (b *SimBackend) Pin(name string) *SimPin {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins[name]
}

// Press drives the named input line high.
func (b *SimBackend) Press(name string) { b.set(name, true) }

// Release drives the named input line low.
func (b *SimBackend) Release(name string) { b.set(name, false) }

func (b *SimBackend) set(name string, level bool) {
	if p := b.Pin(name); p != nil {
		p.Write(level)
	}
}
