// Package fetchkit is the root facade: Coordinator.new(config) of
// spec §6, wiring the default LRU cache, the production clock, and the
// HTTP network provider into a ready-to-use Coordinator.
package fetchkit

import (
	"time"

	"github.com/jsoncache/fetchkit/coordinator"
)

// Config re-exports coordinator.Config so callers depend only on this
// package for construction.
type Config = coordinator.Config

// DefaultConfig returns spec §6's defaults.
func DefaultConfig() Config {
	return coordinator.DefaultConfig()
}

// Coordinator re-exports coordinator.Coordinator.
type Coordinator = coordinator.Coordinator

// Overrides re-exports coordinator.Overrides.
type Overrides = coordinator.Overrides

// New builds a Coordinator from cfg, applying DefaultConfig's values
// for any zero-valued field that must not be zero in practice.
func New(cfg Config) *Coordinator {
	cfg = fillDefaults(cfg)
	return coordinator.New(cfg)
}

func fillDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MaxCacheSize == 0 {
		cfg.MaxCacheSize = d.MaxCacheSize
	}
	if cfg.DefaultExpiration == 0 {
		cfg.DefaultExpiration = d.DefaultExpiration
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = d.InitialDelay
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = d.Multiplier
	}
	if cfg.JitterFraction == 0 {
		cfg.JitterFraction = d.JitterFraction
	}
	if cfg.RetryableStatuses == nil {
		cfg.RetryableStatuses = d.RetryableStatuses
	}
	if cfg.PerAttemptTimeout == 0 {
		cfg.PerAttemptTimeout = d.PerAttemptTimeout
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = d.MinBackoff
	}
	return cfg
}

// Duration returns a pointer to d, for the pointer-typed duration
// fields of Overrides.
func Duration(d time.Duration) *time.Duration { return &d }
