package object

import (
	"math"
	"strings"

	"github.com/fernlang/fern/errz"
	"github.com/fernlang/fern/op"
)

// BinaryOp performs a binary operation on two objects, implementing the
// language semantics shared by the interpreter and by the deoptimized slow
// paths of compiled code.
//
// Integer arithmetic that would overflow the machine word is promoted to
// float rather than silently wrapping. Compiled tiers guard against exactly
// this case and fall back here.
func BinaryOp(opType op.BinaryOpType, a, b Object) (Object, error) {
	switch a := a.(type) {
	case *Int:
		switch b := b.(type) {
		case *Int:
			return intBinaryOp(opType, a.value, b.value)
		case *Float:
			return floatBinaryOp(opType, float64(a.value), b.value)
		}
	case *Float:
		switch b := b.(type) {
		case *Int:
			return floatBinaryOp(opType, a.value, float64(b.value))
		case *Float:
			return floatBinaryOp(opType, a.value, b.value)
		}
	case *String:
		if opType == op.Add {
			if b, ok := b.(*String); ok {
				return NewString(a.value + b.value), nil
			}
		}
	case *List:
		if opType == op.Add {
			if b, ok := b.(*List); ok {
				items := make([]Object, 0, len(a.items)+len(b.items))
				items = append(items, a.items...)
				items = append(items, b.items...)
				return NewList(items), nil
			}
		}
	}
	return nil, errz.TypeErrorf("unsupported operand types for %s: %s and %s",
		opType, a.Type(), b.Type())
}

func intBinaryOp(opType op.BinaryOpType, a, b int64) (Object, error) {
	switch opType {
	case op.Add:
		if sum, ok := addNoOverflow(a, b); ok {
			return NewInt(sum), nil
		}
		return NewFloat(float64(a) + float64(b)), nil
	case op.Subtract:
		if diff, ok := subNoOverflow(a, b); ok {
			return NewInt(diff), nil
		}
		return NewFloat(float64(a) - float64(b)), nil
	case op.Multiply:
		if prod, ok := mulNoOverflow(a, b); ok {
			return NewInt(prod), nil
		}
		return NewFloat(float64(a) * float64(b)), nil
	case op.Divide:
		if b == 0 {
			return nil, errz.Errorf(errz.ErrValue, "division by zero")
		}
		if a%b == 0 && !(a == math.MinInt64 && b == -1) {
			return NewInt(a / b), nil
		}
		return NewFloat(float64(a) / float64(b)), nil
	case op.Modulo:
		if b == 0 {
			return nil, errz.Errorf(errz.ErrValue, "modulo by zero")
		}
		return NewInt(a % b), nil
	}
	return nil, errz.TypeErrorf("unknown binary operation: %d", opType)
}

func floatBinaryOp(opType op.BinaryOpType, a, b float64) (Object, error) {
	switch opType {
	case op.Add:
		return NewFloat(a + b), nil
	case op.Subtract:
		return NewFloat(a - b), nil
	case op.Multiply:
		return NewFloat(a * b), nil
	case op.Divide:
		if b == 0 {
			return nil, errz.Errorf(errz.ErrValue, "division by zero")
		}
		return NewFloat(a / b), nil
	case op.Modulo:
		return NewFloat(math.Mod(a, b)), nil
	}
	return nil, errz.TypeErrorf("unknown binary operation: %d", opType)
}

// AddNoOverflow adds two int64 values, reporting whether the result fits in
// the machine word. Exported so compiled code uses the identical overflow
// rule as the interpreter.
func AddNoOverflow(a, b int64) (int64, bool) { return addNoOverflow(a, b) }

// SubNoOverflow subtracts b from a with overflow detection.
func SubNoOverflow(a, b int64) (int64, bool) { return subNoOverflow(a, b) }

// MulNoOverflow multiplies two int64 values with overflow detection.
func MulNoOverflow(a, b int64) (int64, bool) { return mulNoOverflow(a, b) }

func addNoOverflow(a, b int64) (int64, bool) {
	sum := a + b
	if (sum > a) == (b > 0) {
		return sum, true
	}
	return 0, false
}

func subNoOverflow(a, b int64) (int64, bool) {
	diff := a - b
	if (diff < a) == (b > 0) {
		return diff, true
	}
	return 0, false
}

func mulNoOverflow(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	prod := a * b
	if prod/b == a && !(a == -1 && b == math.MinInt64) && !(b == -1 && a == math.MinInt64) {
		return prod, true
	}
	return 0, false
}

// Compare performs a comparison operation on two objects.
func Compare(opType op.CompareOpType, a, b Object) (Object, error) {
	switch opType {
	case op.Equal:
		return NewBool(a.Equals(b)), nil
	case op.NotEqual:
		return NewBool(!a.Equals(b)), nil
	}
	switch a := a.(type) {
	case *Int:
		switch b := b.(type) {
		case *Int:
			return orderedCompare(opType, compareInt64(a.value, b.value))
		case *Float:
			return orderedCompare(opType, compareFloat64(float64(a.value), b.value))
		}
	case *Float:
		switch b := b.(type) {
		case *Int:
			return orderedCompare(opType, compareFloat64(a.value, float64(b.value)))
		case *Float:
			return orderedCompare(opType, compareFloat64(a.value, b.value))
		}
	case *String:
		if b, ok := b.(*String); ok {
			return orderedCompare(opType, strings.Compare(a.value, b.value))
		}
	}
	return nil, errz.TypeErrorf("unsupported operand types for %s: %s and %s",
		opType, a.Type(), b.Type())
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func orderedCompare(opType op.CompareOpType, cmp int) (Object, error) {
	switch opType {
	case op.LessThan:
		return NewBool(cmp < 0), nil
	case op.LessThanOrEqual:
		return NewBool(cmp <= 0), nil
	case op.GreaterThan:
		return NewBool(cmp > 0), nil
	case op.GreaterThanOrEqual:
		return NewBool(cmp >= 0), nil
	}
	return nil, errz.TypeErrorf("unknown comparison operation: %d", opType)
}
