package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fernlang/fern"
	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/object"
	"github.com/fernlang/fern/op"
)

// The CLI ships a few assembled sample programs, since bytecode normally
// arrives from an external front-end.

// sumCode builds sum(n): adds the integers below n in a loop. The loop is
// the canonical OSR demo: run it with a large n and the back-edge counter
// promotes the loop mid-execution.
func sumCode() (*bytecode.Code, error) {
	asm := bytecode.NewAssembler("sum", 1)
	total := asm.Local()
	i := asm.Local()
	zero := asm.Constant(int64(0))
	one := asm.Constant(int64(1))

	asm.Emit(op.LoadConst, zero)
	asm.Emit(op.StoreFast, total)
	asm.Emit(op.LoadConst, zero)
	asm.Emit(op.StoreFast, i)
	header := asm.Position()
	asm.Emit(op.LoadFast, i)
	asm.Emit(op.LoadFast, 0)
	asm.Emit(op.CompareOp, int(op.LessThan))
	exitJump := asm.Emit(op.PopJumpForwardIfFalse, 0)
	asm.Emit(op.LoadFast, total)
	asm.Emit(op.LoadFast, i)
	asm.Emit(op.BinaryOp, int(op.Add))
	asm.Emit(op.StoreFast, total)
	asm.Emit(op.LoadFast, i)
	asm.Emit(op.LoadConst, one)
	asm.Emit(op.BinaryOp, int(op.Add))
	asm.Emit(op.StoreFast, i)
	asm.EmitJumpBackwardTo(header)
	asm.SetOperand(exitJump, 0, asm.Position()-exitJump)
	asm.Emit(op.LoadFast, total)
	asm.Emit(op.ReturnValue)
	return asm.Build()
}

// fibCode builds the naive recursive fib(n). The function calls itself
// through global slot 0, which the demo driver points at the registered
// function value.
func fibCode() (*bytecode.Code, error) {
	asm := bytecode.NewAssembler("fib", 1)
	asm.Globals(1)
	one := asm.Constant(int64(1))
	two := asm.Constant(int64(2))

	asm.Emit(op.LoadFast, 0)
	asm.Emit(op.LoadConst, two)
	asm.Emit(op.CompareOp, int(op.LessThan))
	recurse := asm.Emit(op.PopJumpForwardIfFalse, 0)
	asm.Emit(op.LoadFast, 0)
	asm.Emit(op.ReturnValue)
	asm.SetOperand(recurse, 0, asm.Position()-recurse)
	asm.Emit(op.LoadGlobal, 0)
	asm.Emit(op.LoadFast, 0)
	asm.Emit(op.LoadConst, one)
	asm.Emit(op.BinaryOp, int(op.Subtract))
	asm.Emit(op.Call, 1)
	asm.Emit(op.LoadGlobal, 0)
	asm.Emit(op.LoadFast, 0)
	asm.Emit(op.LoadConst, two)
	asm.Emit(op.BinaryOp, int(op.Subtract))
	asm.Emit(op.Call, 1)
	asm.Emit(op.BinaryOp, int(op.Add))
	asm.Emit(op.ReturnValue)
	return asm.Build()
}

// awaitCode builds a function that awaits the future in global slot 1 and
// returns its value.
func awaitCode() (*bytecode.Code, error) {
	asm := bytecode.NewAssembler("wait_for", 0)
	asm.Globals(2)
	asm.Emit(op.LoadGlobal, 1)
	asm.Emit(op.Await)
	asm.Emit(op.ReturnValue)
	return asm.Build()
}

func runSumDemo(ctx context.Context, e *fern.Engine, n, calls int) (object.Object, error) {
	code, err := sumCode()
	if err != nil {
		return nil, err
	}
	fn, err := e.RegisterCode(code)
	if err != nil {
		return nil, err
	}
	args := []object.Object{object.NewInt(int64(n))}
	var result object.Object
	for i := 0; i < calls; i++ {
		if result, err = e.Call(ctx, fn, args); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func runFibDemo(ctx context.Context, e *fern.Engine, n, calls int) (object.Object, error) {
	code, err := fibCode()
	if err != nil {
		return nil, err
	}
	fn, err := e.RegisterCode(code)
	if err != nil {
		return nil, err
	}
	e.SetGlobal(0, fn)
	args := []object.Object{object.NewInt(int64(n))}
	var result object.Object
	for i := 0; i < calls; i++ {
		if result, err = e.Call(ctx, fn, args); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func runAsyncDemo(ctx context.Context, e *fern.Engine) (object.Object, error) {
	code, err := awaitCode()
	if err != nil {
		return nil, err
	}
	fn, err := e.RegisterCode(code)
	if err != nil {
		return nil, err
	}
	fut := e.Reactor().SubmitTimer(50*time.Millisecond, object.NewString("resolved"))
	e.SetGlobal(1, fut)
	return e.Call(ctx, fn, nil)
}

func demoCode(name string) (*bytecode.Code, error) {
	switch name {
	case "sum":
		return sumCode()
	case "fib":
		return fibCode()
	case "async":
		return awaitCode()
	default:
		return nil, fmt.Errorf("unknown demo %q (available: sum, fib, async)", name)
	}
}
