// Package config loads the blinkos configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	yaml "github.com/goccy/go-yaml"

	"blinkos/internal/board"
	"blinkos/internal/sched"
)

// Config mirrors blinkos.yml.
type Config struct {
	Kernel sched.Config `yaml:"kernel"`
	Board  BoardConfig  `yaml:"board"`
	Tasks  TasksConfig  `yaml:"tasks"`
	Log    LogConfig    `yaml:"log"`
}

// BoardConfig selects the I/O backend and its wiring.
type BoardConfig struct {
	Backend    string     `yaml:"backend" validate:"oneof=sim rpio"`
	DebounceMS int        `yaml:"debounce_ms" validate:"gte=0,lte=1000"`
	Pins       board.Pins `yaml:"pins"`
}

// TasksConfig holds the task periods in milliseconds and the delay policy
// of each blinker. The task set itself is fixed.
type TasksConfig struct {
	RedMS        int    `yaml:"red_ms" validate:"gt=0,lte=65535"`
	YellowMS     int    `yaml:"yellow_ms" validate:"gt=0,lte=65535"`
	GreenMS      int    `yaml:"green_ms" validate:"gt=0,lte=65535"`
	ScanMS       int    `yaml:"scan_ms" validate:"gt=0,lte=65535"`
	RedPolicy    string `yaml:"red_policy" validate:"oneof=free anchored sync"`
	YellowPolicy string `yaml:"yellow_policy" validate:"oneof=free anchored sync"`
	GreenPolicy  string `yaml:"green_policy" validate:"oneof=free anchored sync"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		Kernel: sched.DefaultConfig(),
		Board: BoardConfig{
			Backend:    "sim",
			DebounceMS: 20,
			Pins:       board.DefaultPins(),
		},
		Tasks: TasksConfig{
			RedMS:        500,
			YellowMS:     250,
			GreenMS:      750,
			ScanMS:       150,
			RedPolicy:    "free",
			YellowPolicy: "free",
			GreenPolicy:  "anchored",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(periodsOnTickGrid, Config{})
	return v
}

// periodsOnTickGrid rejects task periods that are not a whole number of
// ticks; rounding them would make the anchored blinker drift against wall
// time.
func periodsOnTickGrid(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	tick := c.Kernel.Normalize().TickMS
	periods := []struct {
		ms    int
		field string
	}{
		{c.Tasks.RedMS, "RedMS"},
		{c.Tasks.YellowMS, "YellowMS"},
		{c.Tasks.GreenMS, "GreenMS"},
		{c.Tasks.ScanMS, "ScanMS"},
	}
	for _, p := range periods {
		if p.ms%tick != 0 {
			sl.ReportError(p.ms, p.field, p.field, "tickmultiple", strconv.Itoa(tick))
		}
	}
}

// Load reads YAML over the defaults; an empty path or a missing file means
// defaults only.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Kernel = cfg.Kernel.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DebounceSamples converts the debounce window into tick samples.
func (c Config) DebounceSamples() int {
	tick := c.Kernel.Normalize().TickMS
	n := (c.Board.DebounceMS + tick - 1) / tick
	if n < 1 {
		n = 1
	}
	return n
}
