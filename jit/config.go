package jit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config carries the tuning knobs of the JIT tier. The zero value is not
// usable; start from DefaultConfig and override, or load a jsos-jit.toml.
type Config struct {
	// Enabled is the master switch. Disabled means every hot-call
	// notification answers NotHandled without any bookkeeping.
	Enabled bool `toml:"enabled"`

	// TypeWindow is the per-argument-slot observation window that must be
	// full and unanimously integer before a function is compiled.
	TypeWindow int `toml:"type-window"`

	// DeoptLimit is the number of deoptimization cycles after which a
	// function is permanently blacklisted.
	DeoptLimit int `toml:"deopt-limit"`

	// Pool geometry, in bytes. MainSize plus ChildSlots*ChildSize is the
	// whole pool.
	MainSize   uint32 `toml:"main-size"`
	ChildSlots int    `toml:"child-slots"`
	ChildSize  uint32 `toml:"child-size"`

	// MaxAlloc caps a single code allocation.
	MaxAlloc uint32 `toml:"max-alloc"`
}

// DefaultConfig mirrors the kernel pool geometry: 12 MiB total, 8 MiB main
// plus eight 512 KiB child partitions, 64 KiB single-allocation cap.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		TypeWindow: 8,
		DeoptLimit: 3,
		MainSize:   8 * 1024 * 1024,
		ChildSlots: 8,
		ChildSize:  512 * 1024,
		MaxAlloc:   64 * 1024,
	}
}

// LoadConfig parses a jsos-jit.toml from the given directory, applying its
// settings on top of the defaults.
func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, "jsos-jit.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects geometry the pool or speculator cannot operate with.
func (c Config) Validate() error {
	if c.TypeWindow < 1 {
		return fmt.Errorf("type-window must be positive, got %d", c.TypeWindow)
	}
	if c.DeoptLimit < 1 {
		return fmt.Errorf("deopt-limit must be positive, got %d", c.DeoptLimit)
	}
	if c.ChildSlots < 0 {
		return fmt.Errorf("child-slots must be non-negative, got %d", c.ChildSlots)
	}
	if c.MainSize == 0 {
		return fmt.Errorf("main-size must be non-zero")
	}
	if c.ChildSlots > 0 && c.ChildSize == 0 {
		return fmt.Errorf("child-size must be non-zero with %d child slots", c.ChildSlots)
	}
	if c.MaxAlloc == 0 || c.MaxAlloc > c.MainSize {
		return fmt.Errorf("max-alloc %d out of range", c.MaxAlloc)
	}
	return nil
}

// PoolSize is the total pool footprint implied by the geometry.
func (c Config) PoolSize() uint32 {
	return c.MainSize + uint32(c.ChildSlots)*c.ChildSize
}
