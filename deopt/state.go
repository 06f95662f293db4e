// Package deopt owns the machinery for abandoning native execution:
// frame-state descriptors, per-function deopt metadata, and the manager
// that handles guard failures and give-up accounting.
//
// The FrameState descriptor is the only channel between native and
// interpreted frame representations. The compilers and the OSR manager use
// the same descriptors in opposite directions, so each side validates the
// other: a state materialized from native registers and loaded back must
// reproduce the registers bit for bit.
package deopt

import (
	"github.com/fernlang/fern/errz"
	"github.com/fernlang/fern/object"
)

// DescriptorVersion identifies the FrameState layout. It must be bumped
// whenever the compiler's register convention changes, so a stale metadata
// table can never be interpreted against a newer convention.
const DescriptorVersion = 1

// SourceKind says where a frame value lives in the native register file.
type SourceKind uint8

const (
	// SrcObjReg is a boxed value in the object register file.
	SrcObjReg SourceKind = iota
	// SrcIntReg is an unboxed int64 in the integer register file.
	SrcIntReg
	// SrcFloatReg is an unboxed float64 in the float register file.
	SrcFloatReg
	// SrcConst is an entry in the function's constant pool.
	SrcConst
)

func (k SourceKind) String() string {
	switch k {
	case SrcObjReg:
		return "obj"
	case SrcIntReg:
		return "int"
	case SrcFloatReg:
		return "float"
	case SrcConst:
		return "const"
	default:
		return "invalid"
	}
}

// ValueSource describes how to recover one interpreter-frame value from the
// native register file.
type ValueSource struct {
	Kind  SourceKind
	Index int
}

// Registers is the native register file used by compiled code. Object
// registers hold boxed values for the operand stack and locals; the integer
// and float files hold unboxed values for speculated regions.
type Registers struct {
	Objs   []object.Object
	Ints   []int64
	Floats []float64
}

// NewRegisters allocates a register file of the given shape.
func NewRegisters(objs, ints, floats int) *Registers {
	return &Registers{
		Objs:   make([]object.Object, objs),
		Ints:   make([]int64, ints),
		Floats: make([]float64, floats),
	}
}

// FrameState describes how to reconstruct an interpreter frame at one
// resume point: the bytecode offset to resume at plus a source descriptor
// for every local variable and every live operand-stack slot. One instance
// exists per guard site and per OSR transfer point, computed at compile
// time and immutable thereafter.
type FrameState struct {
	Version int
	Resume  int
	Locals  []ValueSource
	Stack   []ValueSource
}

// Materialize reads the live native registers the descriptors point to and
// produces boxed interpreter locals and operand-stack values. This is the
// deoptimization direction: native state to interpreter state.
func (s *FrameState) Materialize(regs *Registers, consts []object.Object) ([]object.Object, []object.Object, error) {
	if s.Version != DescriptorVersion {
		return nil, nil, errz.InternalErrorf(
			"frame state version mismatch: descriptor %d, engine %d", s.Version, DescriptorVersion)
	}
	locals := make([]object.Object, len(s.Locals))
	for i, src := range s.Locals {
		v, err := readSource(src, regs, consts)
		if err != nil {
			return nil, nil, err
		}
		locals[i] = v
	}
	stack := make([]object.Object, len(s.Stack))
	for i, src := range s.Stack {
		v, err := readSource(src, regs, consts)
		if err != nil {
			return nil, nil, err
		}
		stack[i] = v
	}
	return locals, stack, nil
}

// Load writes boxed interpreter values into the native registers the
// descriptors point to. This is the OSR direction: interpreter state to
// native state. Unboxing follows the descriptor kind; a value whose kind
// does not match its descriptor is a transfer mismatch and aborts the OSR
// attempt (the loop simply stays interpreted).
func (s *FrameState) Load(regs *Registers, locals, stack []object.Object) error {
	if s.Version != DescriptorVersion {
		return errz.InternalErrorf(
			"frame state version mismatch: descriptor %d, engine %d", s.Version, DescriptorVersion)
	}
	if len(locals) != len(s.Locals) || len(stack) != len(s.Stack) {
		return errz.InternalErrorf(
			"frame shape mismatch: %d/%d locals, %d/%d stack",
			len(locals), len(s.Locals), len(stack), len(s.Stack))
	}
	for i, src := range s.Locals {
		if err := writeSource(src, regs, locals[i]); err != nil {
			return err
		}
	}
	for i, src := range s.Stack {
		if err := writeSource(src, regs, stack[i]); err != nil {
			return err
		}
	}
	return nil
}

func readSource(src ValueSource, regs *Registers, consts []object.Object) (object.Object, error) {
	switch src.Kind {
	case SrcObjReg:
		if src.Index >= len(regs.Objs) || regs.Objs[src.Index] == nil {
			return nil, errz.InternalErrorf("object register %d is not live", src.Index)
		}
		return regs.Objs[src.Index], nil
	case SrcIntReg:
		if src.Index >= len(regs.Ints) {
			return nil, errz.InternalErrorf("int register %d out of range", src.Index)
		}
		return object.NewInt(regs.Ints[src.Index]), nil
	case SrcFloatReg:
		if src.Index >= len(regs.Floats) {
			return nil, errz.InternalErrorf("float register %d out of range", src.Index)
		}
		return object.NewFloat(regs.Floats[src.Index]), nil
	case SrcConst:
		if src.Index >= len(consts) {
			return nil, errz.InternalErrorf("constant %d out of range", src.Index)
		}
		return consts[src.Index], nil
	}
	return nil, errz.InternalErrorf("invalid value source kind %d", src.Kind)
}

func writeSource(src ValueSource, regs *Registers, value object.Object) error {
	switch src.Kind {
	case SrcObjReg:
		if src.Index >= len(regs.Objs) {
			return errz.InternalErrorf("object register %d out of range", src.Index)
		}
		regs.Objs[src.Index] = value
		return nil
	case SrcIntReg:
		iv, ok := value.(*object.Int)
		if !ok {
			return errz.Errorf(errz.ErrType,
				"osr transfer mismatch: int register %d fed a %s", src.Index, value.Type())
		}
		if src.Index >= len(regs.Ints) {
			return errz.InternalErrorf("int register %d out of range", src.Index)
		}
		regs.Ints[src.Index] = iv.Value()
		return nil
	case SrcFloatReg:
		fv, ok := value.(*object.Float)
		if !ok {
			return errz.Errorf(errz.ErrType,
				"osr transfer mismatch: float register %d fed a %s", src.Index, value.Type())
		}
		if src.Index >= len(regs.Floats) {
			return errz.InternalErrorf("float register %d out of range", src.Index)
		}
		regs.Floats[src.Index] = fv.Value()
		return nil
	case SrcConst:
		// Constants are rematerialized from the pool, never written back.
		return nil
	}
	return errz.InternalErrorf("invalid value source kind %d", src.Kind)
}
