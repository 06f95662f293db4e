// Package jit compiles Fern bytecode into native code: direct-threaded
// register-form code specialized by runtime type feedback. Two tiers share
// one code generator: the baseline tier speculates per operation site, the
// optimizing tier additionally holds type-stable locals unboxed across
// whole regions, guarding only at the region boundary.
//
// Every speculative operation is preceded by exactly one type guard per
// speculated operand. A failing guard transfers control out of native
// execution with the native offset of the failure site; the deoptimization
// manager maps that offset to the frame state recorded at compile time.
package jit

import (
	"context"
	"sync/atomic"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/deopt"
	"github.com/fernlang/fern/object"
	"github.com/fernlang/fern/tier"
)

// Runtime is the set of engine services native code calls back into. The
// virtual machine implements it.
type Runtime interface {
	// CallFunction invokes a callable object with the given arguments,
	// dispatching through the tier system (the callee may itself run
	// natively or interpreted).
	CallFunction(ctx context.Context, fn object.Object, args []object.Object) (object.Object, error)

	// Global reads a global variable slot.
	Global(index int) object.Object

	// SetGlobal writes a global variable slot.
	SetGlobal(index int, value object.Object)
}

// Outcome is the result of running native code. Exactly one of the three
// cases applies: a normal result, a language-level error, or a guard
// failure identified by the native offset of the failed guard. On a guard
// failure the register file is handed back so the caller can materialize
// the interpreter frame from it.
type Outcome struct {
	Result    object.Object
	Err       error
	DeoptSite int
	Regs      *deopt.Registers
}

// Deopted reports whether the outcome is a guard failure.
func (o Outcome) Deopted() bool { return o.DeoptSite >= 0 }

// GuardKind identifies what a type guard checks.
type GuardKind uint8

const (
	GuardIsInt GuardKind = iota
	GuardIsFloat
	GuardNotNil
	GuardNoOverflow
	GuardNonZero
	GuardExactDiv
)

func (k GuardKind) String() string {
	switch k {
	case GuardIsInt:
		return "is_int"
	case GuardIsFloat:
		return "is_float"
	case GuardNotNil:
		return "not_nil"
	case GuardNoOverflow:
		return "no_overflow"
	case GuardNonZero:
		return "non_zero"
	case GuardExactDiv:
		return "exact_div"
	default:
		return "unknown"
	}
}

// Guard is one runtime check emitted before a speculative operation. The
// counters record how often the guard was evaluated and how often it
// failed; they feed recompilation decisions and diagnostics.
type Guard struct {
	Kind           GuardKind
	NativeOffset   int
	BytecodeOffset int

	checks   atomic.Uint64
	failures atomic.Uint64
}

// Checks returns how many times the guard has been evaluated.
func (g *Guard) Checks() uint64 { return g.checks.Load() }

// Failures returns how many times the guard has failed.
func (g *Guard) Failures() uint64 { return g.failures.Load() }

func (g *Guard) pass() { g.checks.Add(1) }

func (g *Guard) fail() {
	g.checks.Add(1)
	g.failures.Add(1)
}

// Sentinel program counters returned by steps to leave the run loop.
const (
	pcReturn = -1
	pcDeopt  = -2
	pcErr    = -3
)

// contextCheckMask throttles ctx.Done checks on back-edges: one check per
// 1024 iterations.
const contextCheckMask = 1023

// machine is the per-invocation execution state threaded through steps.
type machine struct {
	ctx       context.Context
	rt        Runtime
	regs      *deopt.Registers
	result    object.Object
	err       error
	site      int
	backEdges uint64
}

// step executes one native operation and returns the next native pc, or a
// negative sentinel.
type step func(m *machine) int

// Code is one compiled function: the native entry, its guards, its deopt
// metadata, and its OSR entry states. Instances are immutable after
// compilation and published into the cache by pointer swap.
type Code struct {
	fid       bytecode.FuncID
	name      string
	tier      tier.Tier
	steps     []step
	pcOf      []int // bytecode offset -> native pc
	guards    []*Guard
	meta      *deopt.Metadata
	consts    []object.Object
	osrStates map[int]*deopt.FrameState

	numObjs    int
	numInts    int
	localBase  int // object/int register index of local slot zero
	paramCount int
	localCount int
}

// FuncID returns the compiled function's ID.
func (c *Code) FuncID() bytecode.FuncID { return c.fid }

// Tier returns the tier this code was compiled at.
func (c *Code) Tier() tier.Tier { return c.tier }

// Guards returns the type guards emitted for this code.
func (c *Code) Guards() []*Guard { return c.guards }

// Metadata returns the deopt metadata recorded at compile time.
func (c *Code) Metadata() *deopt.Metadata { return c.meta }

// Constants returns the boxed constant pool, used when materializing frame
// states that reference SrcConst descriptors.
func (c *Code) Constants() []object.Object { return c.consts }

// NewRegisters allocates a register file shaped for this code.
func (c *Code) NewRegisters() *deopt.Registers {
	return deopt.NewRegisters(c.numObjs, c.numInts, 0)
}

// Call runs the compiled function from its entry with the given arguments.
// The argument count must already be validated by the caller.
func (c *Code) Call(ctx context.Context, rt Runtime, args []object.Object) Outcome {
	regs := c.NewRegisters()
	for i := 0; i < c.localCount; i++ {
		if i < len(args) {
			regs.Objs[c.localBase+i] = args[i]
		} else {
			regs.Objs[c.localBase+i] = object.Nil
		}
	}
	return c.run(ctx, rt, regs, 0)
}

// OSRState returns the frame state describing the native entry at the given
// loop-header bytecode offset, or nil if the header has no OSR entry.
func (c *Code) OSRState(bytecodeOffset int) *deopt.FrameState {
	return c.osrStates[bytecodeOffset]
}

// EnterOSR transfers mid-function execution into native code at a loop
// header. The caller must have populated the register file via the header's
// FrameState Load; this is the converse of deoptimization.
func (c *Code) EnterOSR(ctx context.Context, rt Runtime, regs *deopt.Registers, bytecodeOffset int) Outcome {
	return c.run(ctx, rt, regs, c.pcOf[bytecodeOffset])
}

func (c *Code) run(ctx context.Context, rt Runtime, regs *deopt.Registers, startPC int) Outcome {
	m := &machine{ctx: ctx, rt: rt, regs: regs, site: -1}
	pc := startPC
	for pc >= 0 {
		pc = c.steps[pc](m)
	}
	switch pc {
	case pcReturn:
		return Outcome{Result: m.result, DeoptSite: -1}
	case pcDeopt:
		return Outcome{DeoptSite: m.site, Regs: regs}
	default:
		return Outcome{Err: m.err, DeoptSite: -1}
	}
}
