package vm

import "github.com/rs/zerolog"

// Option is a configuration function for the virtual machine.
type Option func(*VirtualMachine)

// WithObserver attaches an execution observer.
func WithObserver(o Observer) Option {
	return func(m *VirtualMachine) {
		m.observer = o
	}
}

// WithLogger sets the VM logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *VirtualMachine) {
		m.logger = logger
	}
}
