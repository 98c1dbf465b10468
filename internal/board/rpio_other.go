//go:build !linux

package board

import "errors"

var errNoGPIO = errors.New("board: rpio backend needs linux")

// RPIOBackend is unavailable on this platform.
type RPIOBackend struct{}

func NewRPIOBackend() (*RPIOBackend, error) { return nil, errNoGPIO }

func (b *RPIOBackend) Output(string, int) (Pin, error) { return nil, errNoGPIO }

func (b *RPIOBackend) Input(string, int) (Pin, error) { return nil, errNoGPIO }

func (b *RPIOBackend) ActiveLow() bool { return true }

func (b *RPIOBackend) Close() error { return nil }
