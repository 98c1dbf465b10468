// Package board is the digital I/O port of the demo: four LED outputs and two
// push buttons, backed by either simulated pins or real GPIO lines.
package board

import (
	"errors"
	"fmt"
)

// Pin is a single GPIO line provided by a Backend.
type Pin interface {
	Read() bool
	Write(level bool)
}

// Backend hands out configured pins. ActiveLow reports whether its input
// lines read low while a button is pressed.
type Backend interface {
	Output(name string, line int) (Pin, error)
	Input(name string, line int) (Pin, error)
	ActiveLow() bool
	Close() error
}

var ErrUnknownBackend = errors.New("board: unknown backend")

// Pins maps every board signal to a backend line number.
type Pins struct {
	LEDRed       int `yaml:"led_red" validate:"gte=0"`
	LEDGreen     int `yaml:"led_green" validate:"gte=0"`
	LEDYellow    int `yaml:"led_yellow" validate:"gte=0"`
	LEDBlue      int `yaml:"led_blue" validate:"gte=0"`
	ButtonSwitch int `yaml:"button_switch" validate:"gte=0"`
	ButtonLight  int `yaml:"button_light" validate:"gte=0"`
}

// DefaultPins is the reference wiring (BCM numbering on a Raspberry Pi).
func DefaultPins() Pins {
	return Pins{
		LEDRed:       17,
		LEDGreen:     27,
		LEDYellow:    22,
		LEDBlue:      23,
		ButtonSwitch: 5,
		ButtonLight:  6,
	}
}

// Options tune board construction.
type Options struct {
	Pins            Pins
	DebounceSamples int  // consecutive samples a new input level must hold
	ActiveLow       bool // buttons pull the line low when pressed
}

// Board groups the outputs and inputs of the demo.
type Board struct {
	LEDRed    *Output
	LEDGreen  *Output
	LEDYellow *Output
	LEDBlue   *Output

	// ButtonSwitch suspends and resumes the red blinker.
	ButtonSwitch *Input
	// ButtonLight toggles the blue LED.
	ButtonLight *Input

	backend Backend
}

// New creates the board on top of backend.
func New(backend Backend, opts Options) (*Board, error) {
	if opts.DebounceSamples <= 0 {
		opts.DebounceSamples = 1
	}
	b := &Board{backend: backend}

	outputs := []struct {
		dst  **Output
		name string
		line int
	}{
		{&b.LEDRed, "led_red", opts.Pins.LEDRed},
		{&b.LEDGreen, "led_green", opts.Pins.LEDGreen},
		{&b.LEDYellow, "led_yellow", opts.Pins.LEDYellow},
		{&b.LEDBlue, "led_blue", opts.Pins.LEDBlue},
	}
	for _, o := range outputs {
		pin, err := backend.Output(o.name, o.line)
		if err != nil {
			return nil, fmt.Errorf("board output %s: %w", o.name, err)
		}
		*o.dst = NewOutput(o.name, pin)
	}

	inputs := []struct {
		dst  **Input
		name string
		line int
	}{
		{&b.ButtonSwitch, "button_switch", opts.Pins.ButtonSwitch},
		{&b.ButtonLight, "button_light", opts.Pins.ButtonLight},
	}
	for _, in := range inputs {
		pin, err := backend.Input(in.name, in.line)
		if err != nil {
			return nil, fmt.Errorf("board input %s: %w", in.name, err)
		}
		*in.dst = NewInput(in.name, pin, opts.DebounceSamples, opts.ActiveLow)
	}
	return b, nil
}

// Outputs returns every LED in board order.
func (b *Board) Outputs() []*Output {
	return []*Output{b.LEDRed, b.LEDGreen, b.LEDYellow, b.LEDBlue}
}

// Inputs returns every button in board order.
func (b *Board) Inputs() []*Input {
	return []*Input{b.ButtonSwitch, b.ButtonLight}
}

// Sample reads every input once. It is meant to run from the scheduler's
// tick hook so debouncing is paced by kernel time.
func (b *Board) Sample() {
	for _, in := range b.Inputs() {
		in.Sample()
	}
}

// Close releases the backend.
func (b *Board) Close() error {
	return b.backend.Close()
}

// OpenBackend returns the backend registered under kind.
func OpenBackend(kind string) (Backend, error) {
	switch kind {
	case "", "sim":
		return NewSimBackend(), nil
	case "rpio":
		b, err := NewRPIOBackend()
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}
