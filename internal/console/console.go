// Package console drives the simulated buttons from a keyboard and renders
// the LEDs on a terminal line.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"blinkos/internal/board"
)

// DefaultHold is how long a key keeps its button pressed. Terminal key
// repeat re-arms it, so holding a key holds the button.
const DefaultHold = 120 * time.Millisecond

const ctrlC = 0x03

// Presser drives named input lines.
type Presser interface {
	Press(name string)
	Release(name string)
}

// DefaultKeys maps keys to the board's button lines.
func DefaultKeys() map[byte]string {
	return map[byte]string{
		's': "button_switch",
		'l': "button_light",
	}
}

// Driver turns key strokes into button presses.
type Driver struct {
	buttons Presser
	keys    map[byte]string
	hold    time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewDriver builds a driver with DefaultKeys. A zero hold means DefaultHold.
func NewDriver(buttons Presser, hold time.Duration, logger *slog.Logger) *Driver {
	if hold <= 0 {
		hold = DefaultHold
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		buttons: buttons,
		keys:    DefaultKeys(),
		hold:    hold,
		logger:  logger.With("component", "console"),
		timers:  make(map[string]*time.Timer),
	}
}

// Run reads keys from r until 'q', Ctrl-C, EOF or ctx is done. Every
// button still held is released before Run returns.
func (d *Driver) Run(ctx context.Context, r io.Reader) error {
	defer d.releaseAll()

	keys := make(chan byte)
	errc := make(chan error, 1)
	go func() {
		br := bufio.NewReader(r)
		for {
			c, err := br.ReadByte()
			if err != nil {
				errc <- err
				return
			}
			select {
			case keys <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read keys: %w", err)
		case c := <-keys:
			if c == 'q' || c == ctrlC {
				d.logger.Info("quit requested")
				return nil
			}
			d.key(c)
		}
	}
}

func (d *Driver) key(c byte) {
	name, ok := d.keys[c]
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, held := d.timers[name]; held {
		t.Reset(d.hold)
		return
	}
	d.buttons.Press(name)
	d.logger.Debug("button pressed", "button", name)
	d.timers[name] = time.AfterFunc(d.hold, func() { d.release(name) })
}

func (d *Driver) release(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.timers[name]; !held {
		return
	}
	delete(d.timers, name)
	d.buttons.Release(name)
	d.logger.Debug("button released", "button", name)
}

func (d *Driver) releaseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, t := range d.timers {
		t.Stop()
		d.buttons.Release(name)
		delete(d.timers, name)
	}
}

// MakeRaw switches fd to raw mode if it is a terminal. The returned restore
// func is never nil.
func MakeRaw(fd int) (restore func(), err error) {
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, fmt.Errorf("raw terminal: %w", err)
	}
	return func() { term.Restore(fd, state) }, nil
}

// StatusLine renders one glyph per output, lit or dark.
func StatusLine(outputs []*board.Output) string {
	var sb strings.Builder
	for i, o := range outputs {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimPrefix(o.Name(), "led_"))
		if o.Level() {
			sb.WriteString(":●")
		} else {
			sb.WriteString(":○")
		}
	}
	return sb.String()
}

// Show redraws the status line on w after every output change. Raw mode
// needs the explicit carriage return.
func Show(w io.Writer, outputs []*board.Output) {
	var mu sync.Mutex
	for _, o := range outputs {
		o.Watch(func(string, bool) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(w, "\r%s", StatusLine(outputs))
		})
	}
}
