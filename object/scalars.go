package object

import (
	"fmt"
	"strconv"
)

// Int wraps int64 and implements Object.
type Int struct {
	value int64
}

func (i *Int) Type() Type             { return INT }
func (i *Int) Value() int64           { return i.value }
func (i *Int) Inspect() string        { return strconv.FormatInt(i.value, 10) }
func (i *Int) Interface() interface{} { return i.value }
func (i *Int) IsTruthy() bool         { return i.value != 0 }

func (i *Int) Equals(other Object) bool {
	switch other := other.(type) {
	case *Int:
		return i.value == other.value
	case *Float:
		return float64(i.value) == other.value
	}
	return false
}

// smallInts caches boxed integers in a small range, which covers loop
// counters and most constants.
var smallInts [256]Int

func init() {
	for i := range smallInts {
		smallInts[i] = Int{value: int64(i - 128)}
	}
}

// NewInt returns an Int for the given value.
func NewInt(value int64) *Int {
	if value >= -128 && value < 128 {
		return &smallInts[value+128]
	}
	return &Int{value: value}
}

// Float wraps float64 and implements Object.
type Float struct {
	value float64
}

func (f *Float) Type() Type             { return FLOAT }
func (f *Float) Value() float64         { return f.value }
func (f *Float) Interface() interface{} { return f.value }
func (f *Float) IsTruthy() bool         { return f.value != 0 }

func (f *Float) Inspect() string {
	return strconv.FormatFloat(f.value, 'g', -1, 64)
}

func (f *Float) Equals(other Object) bool {
	switch other := other.(type) {
	case *Float:
		return f.value == other.value
	case *Int:
		return f.value == float64(other.value)
	}
	return false
}

// NewFloat returns a Float for the given value.
func NewFloat(value float64) *Float {
	return &Float{value: value}
}

// String wraps string and implements Object.
type String struct {
	value string
}

func (s *String) Type() Type             { return STRING }
func (s *String) Value() string          { return s.value }
func (s *String) Inspect() string        { return fmt.Sprintf("%q", s.value) }
func (s *String) Interface() interface{} { return s.value }
func (s *String) IsTruthy() bool         { return s.value != "" }

func (s *String) Equals(other Object) bool {
	if other, ok := other.(*String); ok {
		return s.value == other.value
	}
	return false
}

// NewString returns a String for the given value.
func NewString(value string) *String {
	return &String{value: value}
}

// Bool wraps bool and implements Object. Use the True and False singletons
// rather than constructing new values.
type Bool struct {
	value bool
}

func (b *Bool) Type() Type             { return BOOL }
func (b *Bool) Value() bool            { return b.value }
func (b *Bool) Inspect() string        { return strconv.FormatBool(b.value) }
func (b *Bool) Interface() interface{} { return b.value }
func (b *Bool) IsTruthy() bool         { return b.value }

func (b *Bool) Equals(other Object) bool {
	if other, ok := other.(*Bool); ok {
		return b.value == other.value
	}
	return false
}

// NilType is the type of the Nil singleton.
type NilType struct{}

func (n *NilType) Type() Type             { return NIL }
func (n *NilType) Inspect() string        { return "nil" }
func (n *NilType) Interface() interface{} { return nil }
func (n *NilType) IsTruthy() bool         { return false }

func (n *NilType) Equals(other Object) bool {
	_, ok := other.(*NilType)
	return ok
}
