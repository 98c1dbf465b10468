//go:build linux

package board

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"
)

// RPIOBackend drives Raspberry Pi GPIO lines through /dev/gpiomem.
type RPIOBackend struct{}

// NewRPIOBackend maps the GPIO registers.
func NewRPIOBackend() (*RPIOBackend, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}
	return &RPIOBackend{}, nil
}

type rpioPin struct {
	pin rpio.Pin
}

func (p rpioPin) Read() bool { return p.pin.Read() == rpio.High }

func (p rpioPin) Write(level bool) {
	if level {
		p.pin.High()
	} else {
		p.pin.Low()
	}
}

func (b *RPIOBackend) Output(_ string, line int) (Pin, error) {
	pin := rpio.Pin(line)
	pin.Output()
	return rpioPin{pin: pin}, nil
}

// Input configures line with the internal pull-up, so buttons wired to
// ground read active low.
func (b *RPIOBackend) Input(_ string, line int) (Pin, error) {
	pin := rpio.Pin(line)
	pin.Input()
	pin.PullUp()
	return rpioPin{pin: pin}, nil
}

// ActiveLow is true: inputs are pulled up and buttons short them to ground.
func (b *RPIOBackend) ActiveLow() bool { return true }

func (b *RPIOBackend) Close() error {
	return rpio.Close()
}
