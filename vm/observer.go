package vm

import (
	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/tier"
)

// Observer receives engine execution events. Implementations must be safe
// for concurrent use and should return quickly: calls happen on the
// execution hot path.
type Observer interface {
	// FunctionCalled fires on every call, with the tier that will run it.
	FunctionCalled(fid bytecode.FuncID, t tier.Tier)

	// Deoptimized fires after a guard failure, once the interpreter frame
	// has been reconstructed.
	Deoptimized(fid bytecode.FuncID, nativeOffset, resume int)

	// OSREntered fires when a hot interpreted loop transfers into compiled
	// code at the given loop-header offset.
	OSREntered(fid bytecode.FuncID, offset int)
}

// NoopObserver ignores all events.
type NoopObserver struct{}

func (NoopObserver) FunctionCalled(bytecode.FuncID, tier.Tier) {}

func (NoopObserver) Deoptimized(bytecode.FuncID, int, int) {}

func (NoopObserver) OSREntered(bytecode.FuncID, int) {}
