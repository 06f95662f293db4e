package object

import (
	"math"

	"github.com/fernlang/fern/errz"
)

// GetItem implements the subscript operation for containers. Both the
// interpreter and compiled code dispatch through here.
func GetItem(container, index Object) (Object, error) {
	switch c := container.(type) {
	case *List:
		return c.GetItem(index)
	case *String:
		idx, ok := index.(*Int)
		if !ok {
			return nil, errz.TypeErrorf("string index must be int (got %s)", index.Type())
		}
		runes := []rune(c.value)
		i := idx.Value()
		if i < 0 {
			i += int64(len(runes))
		}
		if i < 0 || i >= int64(len(runes)) {
			return nil, errz.Errorf(errz.ErrIndex, "string index out of range: %d", idx.Value())
		}
		return NewString(string(runes[i])), nil
	}
	return nil, errz.TypeErrorf("%s object is not subscriptable", container.Type())
}

// Length returns the length of a container as an Int.
func Length(v Object) (Object, error) {
	switch v := v.(type) {
	case *List:
		return v.Len(), nil
	case *String:
		return NewInt(int64(len([]rune(v.value)))), nil
	}
	return nil, errz.TypeErrorf("%s object has no length", v.Type())
}

// Negate implements unary minus. Negating the minimum integer promotes to
// float, matching the binary overflow rule.
func Negate(v Object) (Object, error) {
	switch v := v.(type) {
	case *Int:
		if v.value == math.MinInt64 {
			return NewFloat(-float64(v.value)), nil
		}
		return NewInt(-v.value), nil
	case *Float:
		return NewFloat(-v.value), nil
	}
	return nil, errz.TypeErrorf("unsupported operand type for unary -: %s", v.Type())
}

// Raise converts a raised value into the runtime error that propagates up
// the frame stack.
func Raise(v Object) error {
	if e, ok := v.(*Error); ok {
		return errz.Errorf(errz.ErrRuntime, "%s", e.Message())
	}
	return errz.Errorf(errz.ErrRuntime, "%s", v.Inspect())
}
