package fern

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/errz"
	"github.com/fernlang/fern/object"
	"github.com/fernlang/fern/op"
	"github.com/fernlang/fern/tier"
)

type eventLog struct {
	mu     sync.Mutex
	tiers  map[tier.Tier]int
	deopts int
	osr    int
}

func newEventLog() *eventLog {
	return &eventLog{tiers: map[tier.Tier]int{}}
}

func (l *eventLog) FunctionCalled(fid bytecode.FuncID, t tier.Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tiers[t]++
}

func (l *eventLog) Deoptimized(fid bytecode.FuncID, nativeOffset, resume int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deopts++
}

func (l *eventLog) OSREntered(fid bytecode.FuncID, offset int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.osr++
}

func (l *eventLog) deoptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deopts
}

func (l *eventLog) osrCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.osr
}

func (l *eventLog) calledAt(t tier.Tier) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tiers[t]
}

func sumCode(t *testing.T) *bytecode.Code {
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
	a.Emit(op.CompareOp, int(op.LessThan))
	exit := a.Emit(op.PopJumpForwardIfFalse, 0)
	a.Emit(op.LoadFast, total)
	a.Emit(op.LoadFast, i)
	a.Emit(op.BinaryOp, int(op.Add))
	a.Emit(op.StoreFast, total)
	a.Emit(op.LoadFast, i)
	a.Emit(op.LoadConst, one)
	a.Emit(op.BinaryOp, int(op.Add))
	a.Emit(op.StoreFast, i)
	a.EmitJumpBackwardTo(header)
	a.SetOperand(exit, 0, a.Position()-exit)
	a.Emit(op.LoadFast, total)
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)
	return code
}

func addCode(t *testing.T) *bytecode.Code {
	t.Helper()
	a := bytecode.NewAssembler("add", 2)
	a.Emit(op.LoadFast, 0)
	a.Emit(op.LoadFast, 1)
	a.Emit(op.BinaryOp, int(op.Add))
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)
	return code
}

func awaitCode(t *testing.T) *bytecode.Code {
	t.Helper()
	a := bytecode.NewAssembler("awaiter", 1)
	a.Emit(op.LoadFast, 0)
	a.Emit(op.Await)
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)
	return code
}

func callInt(t *testing.T, e *Engine, fn *object.Function, args ...int64) object.Object {
	t.Helper()
	objs := make([]object.Object, len(args))
	for i, v := range args {
		objs[i] = object.NewInt(v)
	}
	got, err := e.Call(context.Background(), fn, objs)
	require.NoError(t, err)
	return got
}

// Results must be identical no matter which tier produced them. This drives
// one function through interpreter, baseline, and optimizing execution and
// compares every result against the closed form.
func TestTierTransparency(t *testing.T) {
	events := newEventLog()
	e := New(
		WithObserver(events),
		WithTierConfig(tier.Config{
			BaselineCalls:   2,
			OptimizingCalls: 4,
			OSRIterations:   1 << 60,
		}),
	)
	defer e.Close()

	fn, err := e.RegisterCode(sumCode(t))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.Equal(t, object.NewInt(4950), callInt(t, e, fn, 100), "call %d", i)
	}

	require.Greater(t, events.calledAt(tier.Interpreter), 0)
	require.Greater(t, events.calledAt(tier.BaselineJit), 0)
	require.Greater(t, events.calledAt(tier.OptimizingJit), 0)
	require.Zero(t, events.deoptCount())

	stats, err := e.CompileStats(fn.ID())
	require.NoError(t, err)
	require.Equal(t, tier.OptimizingJit, stats.Tier)
	require.Equal(t, uint64(10), stats.CallCount)
	require.Equal(t, "sum", stats.Name)
	require.False(t, stats.Pinned)
}

// Speculation must never change observable behavior: a function trained on
// integers and then called with strings deoptimizes and still produces the
// interpreter's answer.
func TestGuardFailureIsTransparent(t *testing.T) {
	events := newEventLog()
	e := New(
		WithObserver(events),
		WithTierConfig(tier.Config{BaselineCalls: 2, OptimizingCalls: 1 << 60, OSRIterations: 1 << 60}),
	)
	defer e.Close()

	fn, err := e.RegisterCode(addCode(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Equal(t, object.NewInt(5), callInt(t, e, fn, 2, 3))
	}

	got, err := e.Call(context.Background(), fn,
		[]object.Object{object.NewString("foo"), object.NewString("bar")})
	require.NoError(t, err)
	require.Equal(t, object.NewString("foobar"), got)
	require.Equal(t, 1, events.deoptCount())

	stats, err := e.CompileStats(fn.ID())
	require.NoError(t, err)
	require.Equal(t, uint32(1), stats.DeoptCount)
	require.Equal(t, tier.Interpreter, stats.Tier)
}

// Integer overflow deopts but leaves the all-int feedback intact, so every
// recompilation speculates again. The cumulative deopt counter is what
// breaks the cycle: once it reaches the limit the function is pinned at the
// interpreter and stays there.
func TestRepeatedDeoptsEventuallyPin(t *testing.T) {
	events := newEventLog()
	e := New(
		WithObserver(events),
		WithTierConfig(tier.Config{
			BaselineCalls:   2,
			OptimizingCalls: 1 << 60,
			OSRIterations:   1 << 60,
			GiveUpDeopts:    3,
		}),
	)
	defer e.Close()

	fn, err := e.RegisterCode(addCode(t))
	require.NoError(t, err)

	want := object.NewFloat(float64(math.MaxInt64) + 1)
	for i := 0; i < 10; i++ {
		require.Equal(t, want, callInt(t, e, fn, math.MaxInt64, 1), "call %d", i)
	}

	stats, err := e.CompileStats(fn.ID())
	require.NoError(t, err)
	require.True(t, stats.Pinned)
	require.Equal(t, uint32(3), stats.DeoptCount)
	require.Equal(t, tier.Interpreter, stats.Tier)
	require.Equal(t, 3, events.deoptCount(), "a pinned function deopts no further")
}

func TestOSRBoundaries(t *testing.T) {
	for _, n := range []int64{0, 1, 49, 50, 51, 500} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			events := newEventLog()
			e := New(
				WithObserver(events),
				WithTierConfig(tier.Config{
					BaselineCalls:   1 << 60,
					OptimizingCalls: 1 << 60,
					OSRIterations:   50,
				}),
			)
			defer e.Close()

			fn, err := e.RegisterCode(sumCode(t))
			require.NoError(t, err)
			require.Equal(t, object.NewInt(n*(n-1)/2), callInt(t, e, fn, n))
			if n >= 500 {
				require.GreaterOrEqual(t, events.osrCount(), 1,
					"a long loop must transfer mid-execution")
			}
		})
	}
}

// A loop may keep a value on the operand stack across its header. The OSR
// transfer must carry that slot into the compiled register file: the loop
// below strides by a stack-resident 7, so a lost slot would stall it.
func TestOSRPreservesStackValue(t *testing.T) {
	events := newEventLog()
	e := New(
		WithObserver(events),
		WithTierConfig(tier.Config{
			BaselineCalls:   1 << 60,
			OptimizingCalls: 1 << 60,
			OSRIterations:   50,
		}),
	)
	defer e.Close()

	// march(n): i = 0; while i < n { i += 7 }; return i
	a := bytecode.NewAssembler("march", 1)
	i := a.Local()
	seven := a.Constant(int64(7))
	zero := a.Constant(int64(0))
	a.Emit(op.LoadConst, seven)
	a.Emit(op.LoadConst, zero)
	a.Emit(op.StoreFast, i)
	header := a.Position()
	a.Emit(op.LoadFast, i)
	a.Emit(op.LoadFast, 0)
	a.Emit(op.CompareOp, int(op.LessThan))
	exit := a.Emit(op.PopJumpForwardIfFalse, 0)
	a.Emit(op.Copy, 0)
	a.Emit(op.LoadFast, i)
	a.Emit(op.BinaryOp, int(op.Add))
	a.Emit(op.StoreFast, i)
	a.EmitJumpBackwardTo(header)
	a.SetOperand(exit, 0, a.Position()-exit)
	a.Emit(op.LoadFast, i)
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)

	fn, err := e.RegisterCode(code)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := e.Call(ctx, fn, []object.Object{object.NewInt(700)})
	require.NoError(t, err)
	require.Equal(t, object.NewInt(700), got)
	require.GreaterOrEqual(t, events.osrCount(), 1)
	require.Zero(t, events.deoptCount())
}

func TestFunctionConstantCall(t *testing.T) {
	e := New()
	defer e.Close()

	add, err := e.RegisterCode(addCode(t))
	require.NoError(t, err)

	a := bytecode.NewAssembler("caller", 0)
	ref := a.Constant(bytecode.FuncRef{ID: add.ID()})
	two := a.Constant(int64(2))
	three := a.Constant(int64(3))
	a.Emit(op.LoadConst, ref)
	a.Emit(op.LoadConst, two)
	a.Emit(op.LoadConst, three)
	a.Emit(op.Call, 2)
	a.Emit(op.ReturnValue)
	code, err := a.Build()
	require.NoError(t, err)
	caller, err := e.RegisterCode(code)
	require.NoError(t, err)

	require.Equal(t, object.NewInt(5), callInt(t, e, caller))

	// The same constant resolves in compiled code.
	require.NoError(t, e.Precompile(caller.ID()))
	require.Equal(t, object.NewInt(5), callInt(t, e, caller))
}

func TestPrecompile(t *testing.T) {
	e := New()
	defer e.Close()

	fn, err := e.RegisterCode(sumCode(t))
	require.NoError(t, err)

	// No profile exists yet; AOT compilation runs without speculation.
	require.NoError(t, e.Precompile(fn.ID()))
	stats, err := e.CompileStats(fn.ID())
	require.NoError(t, err)
	require.Equal(t, tier.AotOptimized, stats.Tier)

	require.Equal(t, object.NewInt(10), callInt(t, e, fn, 5))

	require.Error(t, e.Precompile(999))
	err = e.PrecompileAll(fn.ID(), 999, 1000)
	require.Error(t, err)
	require.Contains(t, err.Error(), "999")
	require.NoError(t, e.PrecompileAll(fn.ID()))
}

func TestAwaitLifecycle(t *testing.T) {
	e := New()
	defer e.Close()

	fn, err := e.RegisterCode(awaitCode(t))
	require.NoError(t, err)

	fut := e.Reactor().SubmitTimer(5*time.Millisecond, object.NewString("done"))
	got, err := e.Call(context.Background(), fn, []object.Object{fut})
	require.NoError(t, err)
	require.Equal(t, object.NewString("done"), got)
	require.Equal(t, int64(0), e.Reactor().Pending())
}

func TestAwaitCancellationReleasesRegistration(t *testing.T) {
	e := New()
	defer e.Close()

	fn, err := e.RegisterCode(awaitCode(t))
	require.NoError(t, err)

	fut := e.Reactor().SubmitTimer(time.Hour, object.Nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = e.Call(ctx, fn, []object.Object{fut})
	require.True(t, errz.IsKind(err, errz.ErrCancelled))
	require.Equal(t, int64(0), e.Reactor().Pending())
}

func TestInvalidateRestoresCleanSlate(t *testing.T) {
	e := New(WithTierConfig(tier.Config{
		BaselineCalls:   2,
		OptimizingCalls: 1 << 60,
		OSRIterations:   1 << 60,
		GiveUpDeopts:    2,
	}))
	defer e.Close()

	fn, err := e.RegisterCode(addCode(t))
	require.NoError(t, err)

	// Pin the function through repeated overflow deopts.
	for i := 0; i < 6; i++ {
		callInt(t, e, fn, math.MaxInt64, 1)
	}
	stats, err := e.CompileStats(fn.ID())
	require.NoError(t, err)
	require.True(t, stats.Pinned)

	e.Invalidate(fn.ID())
	stats, err = e.CompileStats(fn.ID())
	require.NoError(t, err)
	require.False(t, stats.Pinned)
	require.Equal(t, tier.Interpreter, stats.Tier)
	require.Zero(t, stats.DeoptCount)
	require.Zero(t, stats.CallCount)

	// The function executes and promotes again from scratch.
	for i := 0; i < 4; i++ {
		require.Equal(t, object.NewInt(7), callInt(t, e, fn, 3, 4))
	}
	stats, err = e.CompileStats(fn.ID())
	require.NoError(t, err)
	require.Equal(t, tier.BaselineJit, stats.Tier)
}

func TestConcurrentCallsDuringBackgroundCompilation(t *testing.T) {
	e := New(WithTierConfig(tier.Config{
		BaselineCalls:   5,
		OptimizingCalls: 50,
		OSRIterations:   1 << 60,
		Workers:         1,
		QueueSize:       16,
	}))
	defer e.Close()

	fn, err := e.RegisterCode(sumCode(t))
	require.NoError(t, err)

	errs := make(chan error, 8*50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				got, err := e.Call(context.Background(), fn, []object.Object{object.NewInt(20)})
				if err != nil {
					errs <- err
					continue
				}
				if !got.Equals(object.NewInt(190)) {
					errs <- fmt.Errorf("got %s, want 190", got.Inspect())
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, err := e.CompileStats(fn.ID())
		return err == nil && stats.Tier.Native()
	}, time.Second, time.Millisecond)
}

func TestExecuteByID(t *testing.T) {
	e := New()
	defer e.Close()

	fn, err := e.RegisterCode(addCode(t))
	require.NoError(t, err)

	got, err := e.Execute(context.Background(), fn.ID(),
		[]object.Object{object.NewInt(1), object.NewInt(2)})
	require.NoError(t, err)
	require.Equal(t, object.NewInt(3), got)

	_, err = e.Execute(context.Background(), 42, nil)
	require.True(t, errz.IsKind(err, errz.ErrValue))
}

func TestStats(t *testing.T) {
	e := New()
	defer e.Close()

	_, err := e.CompileStats(0)
	require.True(t, errz.IsKind(err, errz.ErrValue))
	require.Empty(t, e.AllStats())

	fn, err := e.RegisterCode(addCode(t))
	require.NoError(t, err)
	callInt(t, e, fn, 1, 1)

	all := e.AllStats()
	require.Len(t, all, 1)
	require.Equal(t, "add", all[0].Name)
	require.Equal(t, uint64(1), all[0].CallCount)
	require.Equal(t, tier.Interpreter, all[0].Tier)

	agg := e.EngineStats()
	require.Equal(t, 1, agg.Functions)
	require.Equal(t, 1, agg.TierCounts[tier.Interpreter])
	require.Zero(t, agg.PinnedCount)
	require.Zero(t, agg.TotalDeopts)
	require.Zero(t, agg.CompileQueue)
	require.Zero(t, agg.AsyncPending)
}

func TestEnginesAreIsolated(t *testing.T) {
	e1 := New()
	defer e1.Close()
	e2 := New()
	defer e2.Close()
	require.NotEqual(t, e1.ID(), e2.ID())

	e1.SetGlobal(0, object.NewInt(1))
	require.Equal(t, object.Nil, e2.Global(0))

	_, err := e1.RegisterCode(addCode(t))
	require.NoError(t, err)
	require.Empty(t, e2.AllStats())
}

func TestRegisterRejectsInvalidBytecode(t *testing.T) {
	e := New()
	defer e.Close()

	_, err := e.Register(bytecode.CodeParams{
		Name:         "bad",
		Instructions: []op.Code{op.PopTop},
	})
	require.True(t, errz.IsKind(err, errz.ErrCompile))
}
