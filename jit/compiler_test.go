package jit

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/errz"
	"github.com/fernlang/fern/object"
	"github.com/fernlang/fern/op"
	"github.com/fernlang/fern/profiler"
	"github.com/fernlang/fern/tier"
)

type stubRuntime struct {
	globals map[int]object.Object
	callFn  func(fn object.Object, args []object.Object) (object.Object, error)
}

func (r *stubRuntime) CallFunction(ctx context.Context, fn object.Object, args []object.Object) (object.Object, error) {
	if r.callFn == nil {
		return nil, errz.TypeErrorf("object is not callable")
	}
	return r.callFn(fn, args)
}

func (r *stubRuntime) Global(index int) object.Object {
	if v, ok := r.globals[index]; ok {
		return v
	}
	return object.Nil
}

func (r *stubRuntime) SetGlobal(index int, value object.Object) {
	if r.globals == nil {
		r.globals = map[int]object.Object{}
	}
	r.globals[index] = value
}

// sumProgram is sum(n): total = 0; i = 0; while i < n { total += i; i += 1 };
// return total. The canonical shape with a loop header, a compare site, and
// two arithmetic sites.
type sumProgram struct {
	code   *bytecode.Code
	header int
	cmpAt  int
	addAt  int
	incAt  int
}

func assembleSum(t *testing.T, reg *bytecode.Registry) sumProgram {
	t.Helper()
	a := bytecode.NewAssembler("sum", 1)
	total := a.Local()
	i := a.Local()
	zero := a.Constant(int64(0))
	one := a.Constant(int64(1))
	a.Emit(op.LoadConst, zero)
	a.Emit(op.StoreFast, total)
	a.Emit(op.LoadConst, zero)
	a.Emit(op.StoreFast, i)
	header := a.Position()
	a.Emit(op.LoadFast, i)
	a.Emit(op.LoadFast, 0)
	cmpAt := a.Emit(op.CompareOp, int(op.LessThan))
	exit := a.Emit(op.PopJumpForwardIfFalse, 0)
	a.Emit(op.LoadFast, total)
	a.Emit(op.LoadFast, i)
	addAt := a.Emit(op.BinaryOp, int(op.Add))
	a.Emit(op.StoreFast, total)
	a.Emit(op.LoadFast, i)
	a.Emit(op.LoadConst, one)
	incAt := a.Emit(op.BinaryOp, int(op.Add))
	a.Emit(op.StoreFast, i)
	a.EmitJumpBackwardTo(header)
	a.SetOperand(exit, 0, a.Position()-exit)
	a.Emit(op.LoadFast, total)
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)
	_, err = reg.Register(code)
	require.NoError(t, err)
	return sumProgram{code: code, header: header, cmpAt: cmpAt, addAt: addAt, incAt: incAt}
}

func trainSum(p *profiler.Profiler, prog sumProgram) {
	prof := p.Function(prog.code.ID(), prog.code.InstructionCount())
	prof.RecordOperands(prog.cmpAt, object.INT, object.INT)
	prof.RecordOperands(prog.addAt, object.INT, object.INT)
	prof.RecordOperands(prog.incAt, object.INT, object.INT)
}

// assembleBinary builds a two-parameter function applying one binary op.
func assembleBinary(t *testing.T, reg *bytecode.Registry, name string, btype op.BinaryOpType) (*bytecode.Code, int) {
	t.Helper()
	a := bytecode.NewAssembler(name, 2)
	a.Emit(op.LoadFast, 0)
	a.Emit(op.LoadFast, 1)
	site := a.Emit(op.BinaryOp, int(btype))
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)
	_, err = reg.Register(code)
	require.NoError(t, err)
	return code, site
}

func trainInts(p *profiler.Profiler, code *bytecode.Code, sites ...int) {
	prof := p.Function(code.ID(), code.InstructionCount())
	for _, site := range sites {
		prof.RecordOperands(site, object.INT, object.INT)
	}
}

func mustCall(t *testing.T, code *Code, args ...object.Object) object.Object {
	t.Helper()
	out := code.Call(context.Background(), &stubRuntime{}, args)
	require.NoError(t, out.Err)
	require.False(t, out.Deopted())
	return out.Result
}

func guardOfKind(t *testing.T, code *Code, kind GuardKind) *Guard {
	t.Helper()
	for _, g := range code.Guards() {
		if g.Kind == kind {
			return g
		}
	}
	t.Fatalf("no %s guard emitted", kind)
	return nil
}

func TestBaselineSumWithoutFeedback(t *testing.T) {
	reg := bytecode.NewRegistry()
	profs := profiler.New()
	prog := assembleSum(t, reg)

	code, err := NewCompiler(reg, profs, 10).Compile(prog.code, tier.BaselineJit)
	require.NoError(t, err)
	require.Equal(t, tier.BaselineJit, code.Tier())
	require.Equal(t, prog.code.ID(), code.FuncID())
	require.Empty(t, code.Guards(), "no feedback means no speculation")

	require.Equal(t, object.NewInt(10), mustCall(t, code, object.NewInt(5)))
	require.Equal(t, object.NewInt(0), mustCall(t, code, object.NewInt(0)))
}

func TestBaselineSpeculatesPerSite(t *testing.T) {
	reg := bytecode.NewRegistry()
	profs := profiler.New()
	prog := assembleSum(t, reg)
	trainSum(profs, prog)

	code, err := NewCompiler(reg, profs, 10).Compile(prog.code, tier.BaselineJit)
	require.NoError(t, err)
	require.NotEmpty(t, code.Guards())
	guardOfKind(t, code, GuardIsInt)
	guardOfKind(t, code, GuardNoOverflow)

	require.Equal(t, object.NewInt(4950), mustCall(t, code, object.NewInt(100)))
	for _, g := range code.Guards() {
		require.Zero(t, g.Failures())
	}
}

func TestOptimizingUnboxesLocals(t *testing.T) {
	reg := bytecode.NewRegistry()
	profs := profiler.New()
	prog := assembleSum(t, reg)
	trainSum(profs, prog)

	compiler := NewCompiler(reg, profs, 10)
	baseline, err := compiler.Compile(prog.code, tier.BaselineJit)
	require.NoError(t, err)
	optimized, err := compiler.Compile(prog.code, tier.OptimizingJit)
	require.NoError(t, err)

	// Whole-function speculation replaces per-site type guards with one
	// entry guard per speculated parameter.
	require.Less(t, len(optimized.Guards()), len(baseline.Guards()))
	entry := optimized.Guards()[0]
	require.Equal(t, GuardIsInt, entry.Kind)
	require.Equal(t, 0, entry.BytecodeOffset)

	require.Equal(t, object.NewInt(4950), mustCall(t, optimized, object.NewInt(100)))
	require.Equal(t, object.NewInt(0), mustCall(t, optimized, object.NewInt(0)))
}

func TestEntryGuardDeoptPreservesArgument(t *testing.T) {
	reg := bytecode.NewRegistry()
	profs := profiler.New()
	prog := assembleSum(t, reg)
	trainSum(profs, prog)

	code, err := NewCompiler(reg, profs, 10).Compile(prog.code, tier.OptimizingJit)
	require.NoError(t, err)

	out := code.Call(context.Background(), &stubRuntime{}, []object.Object{object.NewString("five")})
	require.True(t, out.Deopted())
	require.NoError(t, out.Err)

	state := code.Metadata().State(out.DeoptSite)
	require.NotNil(t, state)
	require.Equal(t, 0, state.Resume, "entry guard resumes at function start")

	locals, stack, err := state.Materialize(out.Regs, code.Constants())
	require.NoError(t, err)
	require.Empty(t, stack)
	require.Equal(t, object.NewString("five"), locals[0],
		"the mistyped argument must reach the interpreter intact")
	require.Equal(t, object.Nil, locals[1])
	require.Equal(t, object.Nil, locals[2])
}

func TestOverflowDeoptReconstructsFrame(t *testing.T) {
	reg := bytecode.NewRegistry()
	profs := profiler.New()
	code, site := assembleBinary(t, reg, "add", op.Add)
	trainInts(profs, code, site)

	compiled, err := NewCompiler(reg, profs, 10).Compile(code, tier.OptimizingJit)
	require.NoError(t, err)

	require.Equal(t, object.NewInt(7), mustCall(t, compiled, object.NewInt(3), object.NewInt(4)))

	out := compiled.Call(context.Background(), &stubRuntime{},
		[]object.Object{object.NewInt(math.MaxInt64), object.NewInt(1)})
	require.True(t, out.Deopted())

	state := compiled.Metadata().State(out.DeoptSite)
	require.NotNil(t, state)
	require.Equal(t, site, state.Resume)

	locals, stack, err := state.Materialize(out.Regs, compiled.Constants())
	require.NoError(t, err)
	require.Equal(t, []object.Object{object.NewInt(math.MaxInt64), object.NewInt(1)}, locals)
	require.Equal(t, []object.Object{object.NewInt(math.MaxInt64), object.NewInt(1)}, stack)

	g := guardOfKind(t, compiled, GuardNoOverflow)
	require.Equal(t, uint64(1), g.Failures())
}

func TestTypeGuardDeoptKeepsBoxedOperands(t *testing.T) {
	reg := bytecode.NewRegistry()
	profs := profiler.New()
	code, site := assembleBinary(t, reg, "add", op.Add)
	trainInts(profs, code, site)

	compiled, err := NewCompiler(reg, profs, 10).Compile(code, tier.BaselineJit)
	require.NoError(t, err)

	out := compiled.Call(context.Background(), &stubRuntime{},
		[]object.Object{object.NewString("foo"), object.NewString("bar")})
	require.True(t, out.Deopted())

	state := compiled.Metadata().State(out.DeoptSite)
	require.NotNil(t, state)
	require.Equal(t, site, state.Resume)

	locals, stack, err := state.Materialize(out.Regs, compiled.Constants())
	require.NoError(t, err)
	require.Equal(t, object.NewString("foo"), locals[0])
	require.Equal(t, object.NewString("bar"), locals[1])
	require.Equal(t, []object.Object{object.NewString("foo"), object.NewString("bar")}, stack,
		"the interpreter redoes the operation from these operands")
}

func TestDivisionGuards(t *testing.T) {
	reg := bytecode.NewRegistry()
	profs := profiler.New()
	code, site := assembleBinary(t, reg, "div", op.Divide)
	trainInts(profs, code, site)

	compiled, err := NewCompiler(reg, profs, 10).Compile(code, tier.OptimizingJit)
	require.NoError(t, err)

	require.Equal(t, object.NewInt(5), mustCall(t, compiled, object.NewInt(10), object.NewInt(2)))

	// Inexact quotient leaves the integer domain.
	out := compiled.Call(context.Background(), &stubRuntime{},
		[]object.Object{object.NewInt(7), object.NewInt(2)})
	require.True(t, out.Deopted())
	require.Equal(t, uint64(1), guardOfKind(t, compiled, GuardExactDiv).Failures())

	// Division by zero is an error in the interpreter, so native code must
	// deopt rather than fault.
	out = compiled.Call(context.Background(), &stubRuntime{},
		[]object.Object{object.NewInt(1), object.NewInt(0)})
	require.True(t, out.Deopted())
	require.Equal(t, uint64(1), guardOfKind(t, compiled, GuardNonZero).Failures())
}

func TestGenericPathMatchesRuntimeSemantics(t *testing.T) {
	reg := bytecode.NewRegistry()
	profs := profiler.New()
	code, _ := assembleBinary(t, reg, "add", op.Add)

	compiled, err := NewCompiler(reg, profs, 10).Compile(code, tier.BaselineJit)
	require.NoError(t, err)

	require.Equal(t, object.NewString("foobar"),
		mustCall(t, compiled, object.NewString("foo"), object.NewString("bar")))
	require.Equal(t, object.NewFloat(1.5),
		mustCall(t, compiled, object.NewInt(1), object.NewFloat(0.5)))

	out := compiled.Call(context.Background(), &stubRuntime{},
		[]object.Object{object.NewInt(1), object.NewString("x")})
	require.True(t, errz.IsKind(out.Err, errz.ErrType))
	require.False(t, out.Deopted())
}

func TestOSREntryMidLoop(t *testing.T) {
	reg := bytecode.NewRegistry()
	profs := profiler.New()
	prog := assembleSum(t, reg)
	trainSum(profs, prog)

	code, err := NewCompiler(reg, profs, 10).Compile(prog.code, tier.OptimizingJit)
	require.NoError(t, err)

	state := code.OSRState(prog.header)
	require.NotNil(t, state)
	require.Equal(t, prog.header, state.Resume)
	require.Nil(t, code.OSRState(prog.header+1))

	// Interpreter frame mid-loop: n=5, total=3, i=3. Native code finishes
	// the remaining iterations.
	regs := code.NewRegisters()
	locals := []object.Object{object.NewInt(5), object.NewInt(3), object.NewInt(3)}
	require.NoError(t, state.Load(regs, locals, nil))

	out := code.EnterOSR(context.Background(), &stubRuntime{}, regs, prog.header)
	require.NoError(t, out.Err)
	require.False(t, out.Deopted())
	require.Equal(t, object.NewInt(10), out.Result)
}

func TestOSRLoadRejectsMistypedLocal(t *testing.T) {
	reg := bytecode.NewRegistry()
	profs := profiler.New()
	prog := assembleSum(t, reg)
	trainSum(profs, prog)

	code, err := NewCompiler(reg, profs, 10).Compile(prog.code, tier.OptimizingJit)
	require.NoError(t, err)

	state := code.OSRState(prog.header)
	regs := code.NewRegisters()
	locals := []object.Object{object.NewString("n"), object.NewInt(0), object.NewInt(0)}
	err = state.Load(regs, locals, nil)
	require.True(t, errz.IsKind(err, errz.ErrType))
}

func TestGlobalsRoundTrip(t *testing.T) {
	reg := bytecode.NewRegistry()
	a := bytecode.NewAssembler("copyglobal", 0)
	a.Globals(2)
	a.Emit(op.LoadGlobal, 0)
	a.Emit(op.StoreGlobal, 1)
	a.Emit(op.LoadGlobal, 1)
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)
	_, err = reg.Register(code)
	require.NoError(t, err)

	compiled, err := NewCompiler(reg, profiler.New(), 10).Compile(code, tier.BaselineJit)
	require.NoError(t, err)

	rt := &stubRuntime{globals: map[int]object.Object{0: object.NewInt(7)}}
	out := compiled.Call(context.Background(), rt, nil)
	require.NoError(t, out.Err)
	require.Equal(t, object.NewInt(7), out.Result)
	require.Equal(t, object.NewInt(7), rt.globals[1])
}

func TestCallDispatchesThroughRuntime(t *testing.T) {
	reg := bytecode.NewRegistry()
	a := bytecode.NewAssembler("caller", 0)
	a.Globals(1)
	arg := a.Constant("x")
	a.Emit(op.LoadGlobal, 0)
	a.Emit(op.LoadConst, arg)
	a.Emit(op.Call, 1)
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)
	_, err = reg.Register(code)
	require.NoError(t, err)

	compiled, err := NewCompiler(reg, profiler.New(), 10).Compile(code, tier.BaselineJit)
	require.NoError(t, err)

	callee := object.NewString("callee")
	rt := &stubRuntime{
		globals: map[int]object.Object{0: callee},
		callFn: func(fn object.Object, args []object.Object) (object.Object, error) {
			require.Same(t, callee, fn)
			require.Equal(t, []object.Object{object.NewString("x")}, args)
			return object.NewInt(99), nil
		},
	}
	out := compiled.Call(context.Background(), rt, nil)
	require.NoError(t, out.Err)
	require.Equal(t, object.NewInt(99), out.Result)
}

func TestListOperations(t *testing.T) {
	reg := bytecode.NewRegistry()
	a := bytecode.NewAssembler("pick", 0)
	for _, v := range []int64{10, 20, 30} {
		a.Emit(op.LoadConst, a.Constant(v))
	}
	a.Emit(op.BuildList, 3)
	a.Emit(op.LoadConst, a.Constant(int64(1)))
	a.Emit(op.BinarySubscr)
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)
	_, err = reg.Register(code)
	require.NoError(t, err)

	compiled, err := NewCompiler(reg, profiler.New(), 10).Compile(code, tier.BaselineJit)
	require.NoError(t, err)
	require.Equal(t, object.NewInt(20), mustCall(t, compiled))
}

func TestAwaitIsNotCompilable(t *testing.T) {
	reg := bytecode.NewRegistry()
	a := bytecode.NewAssembler("waiter", 1)
	a.Emit(op.LoadFast, 0)
	a.Emit(op.Await)
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)
	_, err = reg.Register(code)
	require.NoError(t, err)

	_, err = NewCompiler(reg, profiler.New(), 10).Compile(code, tier.BaselineJit)
	require.True(t, errz.IsKind(err, errz.ErrCompile))
	require.Contains(t, err.Error(), "awaits")
}

func TestCompileRejectsBadInput(t *testing.T) {
	reg := bytecode.NewRegistry()
	compiler := NewCompiler(reg, profiler.New(), 10)

	registered, _ := assembleBinary(t, reg, "add", op.Add)
	_, err := compiler.Compile(registered, tier.Interpreter)
	require.Error(t, err)

	a := bytecode.NewAssembler("orphan", 0)
	a.Emit(op.Nil)
	a.Emit(op.ReturnValue)
	orphan, err := a.Build()
	require.NoError(t, err)
	_, err = compiler.Compile(orphan, tier.BaselineJit)
	require.Error(t, err, "unregistered code has no FuncID")
}

func TestFallOffEndReturnsNil(t *testing.T) {
	reg := bytecode.NewRegistry()
	a := bytecode.NewAssembler("effect", 0)
	a.Globals(1)
	a.Emit(op.True)
	a.Emit(op.StoreGlobal, 0)
	code, err := a.Build()
	require.NoError(t, err)
	_, err = reg.Register(code)
	require.NoError(t, err)

	compiled, err := NewCompiler(reg, profiler.New(), 10).Compile(code, tier.BaselineJit)
	require.NoError(t, err)
	rt := &stubRuntime{}
	out := compiled.Call(context.Background(), rt, nil)
	require.NoError(t, out.Err)
	require.Equal(t, object.Nil, out.Result)
	require.Equal(t, object.True, rt.globals[0])
}
