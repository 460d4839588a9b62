package kmain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cowos/kernel"
	"cowos/kernel/mm"
)

// Duration is a time.Duration that is written as a Go duration string in
// JSON documents.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config describes the simulated machine and the kernel limits.
type Config struct {
	// MemoryBytes is the amount of RAM.
	MemoryBytes kernel.Size `json:"memory_bytes"`

	// NCPU is the number of harts.
	NCPU int `json:"ncpu"`

	// NProc is the number of process slots.
	NProc int `json:"nproc"`

	// PoolSize is the number of kernel shadow tables. It defaults to half
	// the process slots.
	PoolSize int `json:"pool_size"`

	// TickInterval is the period of the timer interrupt.
	TickInterval Duration `json:"tick_interval"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `json:"log_level"`

	// EagerHeap makes sbrk back new heap pages immediately.
	EagerHeap bool `json:"eager_heap"`

	// FrameMap is the path of a PNG frame map written at shutdown. Empty
	// disables it.
	FrameMap string `json:"frame_map"`
}

var (
	errMemorySize = errors.New("memory_bytes must be a non-zero multiple of the page size")
	errNCPU       = errors.New("ncpu must be positive")
	errNProc      = errors.New("nproc must be positive")
	errPoolSize   = errors.New("pool_size must be between 1 and nproc")
	errTick       = errors.New("tick_interval must be positive")
)

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in every unset field.
func (c *Config) applyDefaults() {
	if c.MemoryBytes == 0 {
		c.MemoryBytes = 32 * kernel.Mb
	}
	if c.NCPU == 0 {
		c.NCPU = 2
	}
	if c.NProc == 0 {
		c.NProc = 64
	}
	if c.PoolSize == 0 {
		c.PoolSize = c.NProc / 2
		if c.PoolSize == 0 {
			c.PoolSize = 1
		}
	}
	if c.TickInterval == 0 {
		c.TickInterval = Duration(10 * time.Millisecond)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch {
	case c.MemoryBytes == 0 || uintptr(c.MemoryBytes)&(mm.PageSize-1) != 0:
		return errMemorySize
	case c.NCPU <= 0:
		return errNCPU
	case c.NProc <= 0:
		return errNProc
	case c.PoolSize <= 0 || c.PoolSize > c.NProc:
		return errPoolSize
	case c.TickInterval <= 0:
		return errTick
	}
	return nil
}

// LoadConfig decodes the JSON document at path into a new T.
func LoadConfig[T any](path string) (*T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer file.Close()

	var cfg T
	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()
	if err = dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadKernelConfig loads the kernel configuration at path, fills in the
// defaults and validates the result.
func LoadKernelConfig(path string) (*Config, error) {
	cfg, err := LoadConfig[Config](path)
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
