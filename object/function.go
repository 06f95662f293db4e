package object

import (
	"fmt"

	"github.com/fernlang/fern/bytecode"
)

// Function is a callable reference to registered bytecode. It carries the
// FuncID used to key every per-function engine table.
type Function struct {
	id   bytecode.FuncID
	code *bytecode.Code
}

func (f *Function) Type() Type { return FUNCTION }

func (f *Function) Inspect() string {
	name := f.code.Name()
	if name == "" {
		name = "<anonymous>"
	}
	return fmt.Sprintf("func %s#%d", name, f.id)
}

func (f *Function) Interface() interface{} { return f }
func (f *Function) IsTruthy() bool         { return true }

func (f *Function) Equals(other Object) bool {
	if other, ok := other.(*Function); ok {
		return f.id == other.id
	}
	return false
}

// ID returns the function's FuncID.
func (f *Function) ID() bytecode.FuncID { return f.id }

// Code returns the function's bytecode.
func (f *Function) Code() *bytecode.Code { return f.code }

// Name returns the function's name, or empty for anonymous functions.
func (f *Function) Name() string { return f.code.Name() }

// NewFunction wraps registered bytecode as a callable value. The code must
// already carry a valid FuncID.
func NewFunction(code *bytecode.Code) *Function {
	return &Function{id: code.ID(), code: code}
}
