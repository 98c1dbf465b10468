package sched

// Config holds the kernel section of the configuration file.
type Config struct {
	TickMS          int `yaml:"tick_ms" validate:"gte=0"`             // 1 (by default)
	SliceTicks      int `yaml:"slice_ticks" validate:"gte=0"`         // 1 (by default)
	MaxPriorities   int `yaml:"max_priorities" validate:"gte=0"`      // 5 (by default)
	HeapBytes       int `yaml:"heap_bytes" validate:"gte=0"`          // 8192 (by default)
	MinStackWords   int `yaml:"minimal_stack_words" validate:"gte=0"` // 128 (by default)
	MaxStepsPerTick int `yaml:"max_steps_per_tick" validate:"gte=0"`  // 10000 (by default)
}

const (
	tcbBytes  = 96 // accounted per task on top of its stack
	wordBytes = 4
)

// DefaultConfig returns the kernel defaults.
func DefaultConfig() Config {
	return Config{
		TickMS:          1,
		SliceTicks:      1,
		MaxPriorities:   5,
		HeapBytes:       8192,
		MinStackWords:   128,
		MaxStepsPerTick: 10000,
	}
}

// Normalize replaces non-positive values with their defaults.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.TickMS <= 0 {
		c.TickMS = def.TickMS
	}
	if c.SliceTicks <= 0 {
		c.SliceTicks = def.SliceTicks
	}
	if c.MaxPriorities <= 0 {
		c.MaxPriorities = def.MaxPriorities
	}
	if c.HeapBytes <= 0 {
		c.HeapBytes = def.HeapBytes
	}
	if c.MinStackWords <= 0 {
		c.MinStackWords = def.MinStackWords
	}
	if c.MaxStepsPerTick <= 0 {
		c.MaxStepsPerTick = def.MaxStepsPerTick
	}
	return c
}
