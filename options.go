package fern

import (
	"github.com/rs/zerolog"

	"github.com/fernlang/fern/tier"
	"github.com/fernlang/fern/vm"
)

// Option is a configuration function for the engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards all output.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithObserver attaches an execution observer that receives call, deopt,
// and OSR events.
func WithObserver(o vm.Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithTierConfig overrides the promotion thresholds and compilation queue
// shape. Zero fields keep their defaults.
func WithTierConfig(cfg tier.Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}
