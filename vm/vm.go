// Package vm implements the Fern virtual machine: the always-correct
// interpreter tier, the dispatch into compiled code, and the two frame
// transfers between them (deoptimization out of native code, on-stack
// replacement into it).
package vm

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/deopt"
	"github.com/fernlang/fern/errz"
	"github.com/fernlang/fern/jit"
	"github.com/fernlang/fern/object"
	"github.com/fernlang/fern/op"
	"github.com/fernlang/fern/osr"
	"github.com/fernlang/fern/profiler"
	"github.com/fernlang/fern/tier"
)

const (
	// MaxFrameDepth is the maximum call nesting before execution errors.
	MaxFrameDepth = 1024

	// contextCheckInterval is how many instructions may execute between
	// checks of ctx.Done.
	contextCheckInterval = 1024
)

// Config wires the virtual machine to the engine components it dispatches
// through.
type Config struct {
	Registry *bytecode.Registry
	Profiles *profiler.Profiler
	Cache    *jit.Cache
	Deopts   *deopt.Manager
	Tiers    *tier.Controller
	OSR      *osr.Manager
}

// VirtualMachine executes registered functions, interpreting or running
// compiled code as the tier controller dictates. It is safe for concurrent
// use: each call runs on its own execution state.
type VirtualMachine struct {
	registry *bytecode.Registry
	profiles *profiler.Profiler
	cache    *jit.Cache
	deopts   *deopt.Manager
	tiers    *tier.Controller
	osr      *osr.Manager
	loader   *loader
	observer Observer
	logger   zerolog.Logger
	globals  *globalTable
}

// New creates a virtual machine.
func New(cfg Config, opts ...Option) *VirtualMachine {
	m := &VirtualMachine{
		registry: cfg.Registry,
		profiles: cfg.Profiles,
		cache:    cfg.Cache,
		deopts:   cfg.Deopts,
		tiers:    cfg.Tiers,
		osr:      cfg.OSR,
		loader:   newLoader(cfg.Registry),
		observer: NoopObserver{},
		logger:   zerolog.Nop(),
		globals:  newGlobalTable(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Call invokes a function with the given arguments.
func (m *VirtualMachine) Call(ctx context.Context, fn *object.Function, args []object.Object) (object.Object, error) {
	ex := &execution{vm: m}
	return ex.callFunction(ctx, fn, args)
}

// GlobalValue reads a global variable slot.
func (m *VirtualMachine) GlobalValue(index int) object.Object {
	return m.globals.get(index)
}

// SetGlobalValue writes a global variable slot, growing the table as
// needed. Used by embedders to predefine globals before execution.
func (m *VirtualMachine) SetGlobalValue(index int, value object.Object) {
	m.globals.set(index, value)
}

// InvalidateCode drops the VM's loaded-constant cache for a function,
// as part of engine-level invalidation.
func (m *VirtualMachine) InvalidateCode(fid bytecode.FuncID) {
	m.loader.invalidate(fid)
}

// execution is the per-call state: one exists for each top-level Call and
// is threaded through both interpreted and native frames, so the frame
// depth limit covers mixed stacks.
type execution struct {
	vm    *VirtualMachine
	depth int
}

// CallFunction implements jit.Runtime.
func (ex *execution) CallFunction(ctx context.Context, fn object.Object, args []object.Object) (object.Object, error) {
	f, ok := fn.(*object.Function)
	if !ok {
		return nil, errz.TypeErrorf("%s object is not callable", fn.Type())
	}
	return ex.callFunction(ctx, f, args)
}

// Global implements jit.Runtime.
func (ex *execution) Global(index int) object.Object {
	return ex.vm.globals.get(index)
}

// SetGlobal implements jit.Runtime.
func (ex *execution) SetGlobal(index int, value object.Object) {
	ex.vm.globals.set(index, value)
}

func (ex *execution) callFunction(ctx context.Context, fn *object.Function, args []object.Object) (object.Object, error) {
	vm := ex.vm
	code := fn.Code()
	if len(args) != code.ParamCount() {
		return nil, errz.TypeErrorf("function %s takes %d arguments (%d given)",
			fn.Inspect(), code.ParamCount(), len(args))
	}
	if ex.depth >= MaxFrameDepth {
		return nil, errz.Errorf(errz.ErrRuntime, "maximum call depth exceeded")
	}
	ex.depth++
	defer func() { ex.depth-- }()

	fid := fn.ID()
	prof := vm.profiles.Function(fid, code.InstructionCount())
	prof.RecordCall()
	vm.tiers.NoteCall(fid, prof.CallCount())

	if compiled := vm.cache.Lookup(fid); compiled != nil {
		vm.observer.FunctionCalled(fid, compiled.Tier())
		out := compiled.Call(ctx, ex, args)
		return ex.finishNative(ctx, compiled, out)
	}

	vm.observer.FunctionCalled(fid, tier.Interpreter)
	lc, err := vm.loader.load(code)
	if err != nil {
		return nil, err
	}
	locals := make([]object.Object, code.LocalCount())
	for i := range locals {
		if i < len(args) {
			locals[i] = args[i]
		} else {
			locals[i] = object.Nil
		}
	}
	return ex.eval(ctx, lc, prof, locals, 0, nil)
}

// finishNative folds the outcome of a native run back into the call. A
// guard failure reconstructs the interpreter frame from the recorded state
// and resumes evaluation exactly where speculation went wrong.
func (ex *execution) finishNative(ctx context.Context, compiled *jit.Code, out jit.Outcome) (object.Object, error) {
	if out.Err != nil {
		return nil, out.Err
	}
	if !out.Deopted() {
		return out.Result, nil
	}
	vm := ex.vm
	fid := compiled.FuncID()
	state, res, err := vm.deopts.OnGuardFailure(fid, out.DeoptSite)
	if err != nil {
		return nil, err
	}
	locals, stack, err := state.Materialize(out.Regs, compiled.Constants())
	if err != nil {
		return nil, err
	}
	vm.cache.Invalidate(fid)
	vm.osr.Invalidate(fid)
	vm.tiers.NoteDeopt(fid, res.ShouldGiveUp)
	vm.observer.Deoptimized(fid, out.DeoptSite, state.Resume)
	vm.logger.Debug().
		Int32("func", int32(fid)).
		Int("native_offset", out.DeoptSite).
		Int("resume", state.Resume).
		Msg("deoptimized")

	code := vm.registry.Lookup(fid)
	if code == nil {
		return nil, errz.InternalErrorf("deoptimized unknown function %d", fid)
	}
	lc, err := vm.loader.load(code)
	if err != nil {
		return nil, err
	}
	prof := vm.profiles.Function(fid, code.InstructionCount())
	return ex.eval(ctx, lc, prof, locals, state.Resume, stack)
}

// eval is the interpreter loop. It starts from an arbitrary bytecode offset
// with an arbitrary operand stack so that deoptimized frames resume
// mid-function.
func (ex *execution) eval(ctx context.Context, lc *loadedCode, prof *profiler.FunctionProfile,
	locals []object.Object, startIP int, initStack []object.Object) (object.Object, error) {

	vm := ex.vm
	code := lc.code
	fid := code.ID()
	instrs := code.Instructions()

	depth := code.MaxStackDepth()
	if depth < len(initStack) {
		depth = len(initStack)
	}
	stack := make([]object.Object, depth)
	sp := copy(stack, initStack)

	var steps int
	ip := startIP
	for ip < len(instrs) {
		steps++
		if steps&(contextCheckInterval-1) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errz.Errorf(errz.ErrCancelled, "execution cancelled: %v", err)
			}
		}
		opcode := instrs[ip]
		switch opcode {
		case op.Nop:
			ip++

		case op.Halt:
			return object.Nil, nil

		case op.LoadConst:
			stack[sp] = lc.consts[instrs[ip+1]]
			sp++
			ip += 2

		case op.Nil:
			stack[sp] = object.Nil
			sp++
			ip++

		case op.True:
			stack[sp] = object.True
			sp++
			ip++

		case op.False:
			stack[sp] = object.False
			sp++
			ip++

		case op.LoadFast:
			stack[sp] = locals[instrs[ip+1]]
			sp++
			ip += 2

		case op.StoreFast:
			sp--
			locals[instrs[ip+1]] = stack[sp]
			ip += 2

		case op.LoadGlobal:
			stack[sp] = vm.globals.get(int(instrs[ip+1]))
			sp++
			ip += 2

		case op.StoreGlobal:
			sp--
			vm.globals.set(int(instrs[ip+1]), stack[sp])
			ip += 2

		case op.PopTop:
			sp--
			ip++

		case op.Copy:
			n := int(instrs[ip+1])
			stack[sp] = stack[sp-1-n]
			sp++
			ip += 2

		case op.Swap:
			n := int(instrs[ip+1])
			stack[sp-1], stack[sp-1-n] = stack[sp-1-n], stack[sp-1]
			ip += 2

		case op.BinaryOp:
			b, a := stack[sp-1], stack[sp-2]
			prof.RecordOperands(ip, a.Type(), b.Type())
			r, err := object.BinaryOp(op.BinaryOpType(instrs[ip+1]), a, b)
			if err != nil {
				return nil, err
			}
			sp--
			stack[sp-1] = r
			ip += 2

		case op.CompareOp:
			b, a := stack[sp-1], stack[sp-2]
			prof.RecordOperands(ip, a.Type(), b.Type())
			r, err := object.Compare(op.CompareOpType(instrs[ip+1]), a, b)
			if err != nil {
				return nil, err
			}
			sp--
			stack[sp-1] = r
			ip += 2

		case op.UnaryNegative:
			r, err := object.Negate(stack[sp-1])
			if err != nil {
				return nil, err
			}
			stack[sp-1] = r
			ip++

		case op.UnaryNot:
			stack[sp-1] = object.NewBool(!stack[sp-1].IsTruthy())
			ip++

		case op.BuildList:
			n := int(instrs[ip+1])
			items := make([]object.Object, n)
			copy(items, stack[sp-n:sp])
			sp -= n
			stack[sp] = object.NewList(items)
			sp++
			ip += 2

		case op.BinarySubscr:
			r, err := object.GetItem(stack[sp-2], stack[sp-1])
			if err != nil {
				return nil, err
			}
			sp--
			stack[sp-1] = r
			ip++

		case op.Length:
			r, err := object.Length(stack[sp-1])
			if err != nil {
				return nil, err
			}
			stack[sp-1] = r
			ip++

		case op.Call:
			argc := int(instrs[ip+1])
			args := make([]object.Object, argc)
			copy(args, stack[sp-argc:sp])
			sp -= argc
			sp--
			callee := stack[sp]
			r, err := ex.CallFunction(ctx, callee, args)
			if err != nil {
				return nil, err
			}
			stack[sp] = r
			sp++
			ip += 2

		case op.ReturnValue:
			sp--
			return stack[sp], nil

		case op.JumpForward:
			ip += int(instrs[ip+1])

		case op.JumpBackward:
			target := ip - int(instrs[ip+1])
			n := prof.RecordBackEdge(target)
			if n >= vm.osr.Threshold() {
				if result, done, err := ex.tryOSR(ctx, lc, fid, target, locals, stack[:sp]); done {
					return result, err
				}
			}
			ip = target

		case op.PopJumpForwardIfFalse:
			sp--
			if !stack[sp].IsTruthy() {
				ip += int(instrs[ip+1])
			} else {
				ip += 2
			}

		case op.PopJumpForwardIfTrue:
			sp--
			if stack[sp].IsTruthy() {
				ip += int(instrs[ip+1])
			} else {
				ip += 2
			}

		case op.Await:
			sp--
			fut, ok := stack[sp].(*object.Future)
			if !ok {
				return nil, errz.TypeErrorf("cannot await %s object", stack[sp].Type())
			}
			r, err := fut.Wait(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, errz.Errorf(errz.ErrCancelled, "execution cancelled: %v", err)
				}
				return nil, err
			}
			stack[sp] = r
			sp++
			ip++

		case op.Raise:
			sp--
			return nil, object.Raise(stack[sp])

		default:
			return nil, errz.InternalErrorf("unknown opcode %d at offset %d in %q",
				opcode, ip, code.Name())
		}
	}
	return object.Nil, nil
}

// tryOSR attempts to transfer a hot interpreted loop into compiled code.
// The returned done flag says the native code ran the loop (and the rest of
// the function) to completion; otherwise the caller keeps interpreting.
func (ex *execution) tryOSR(ctx context.Context, lc *loadedCode, fid bytecode.FuncID, header int,
	locals, stack []object.Object) (object.Object, bool, error) {

	vm := ex.vm
	entry := vm.osr.NoteBackEdge(fid, header)
	if entry == nil {
		return nil, false, nil
	}
	state := entry.Code.OSRState(header)
	if state == nil {
		return nil, false, nil
	}
	regs := entry.Code.NewRegisters()
	if err := state.Load(regs, locals, stack); err != nil {
		// Transfer mismatch: a live value does not fit the compiled
		// code's register convention. The loop stays interpreted.
		vm.logger.Debug().
			Int32("func", int32(fid)).
			Int("offset", header).
			Err(err).
			Msg("osr transfer aborted")
		return nil, false, nil
	}
	entry.RecordEntry()
	vm.observer.OSREntered(fid, header)
	out := entry.Code.EnterOSR(ctx, ex, regs, header)
	result, err := ex.finishNative(ctx, entry.Code, out)
	return result, true, err
}
