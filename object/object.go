// Package object provides the runtime value types executed by the Fern
// engine.
//
// Values are a tagged union over a small fixed set of kinds. The Type()
// method is the cheap "kind-of" query that every type guard in compiled
// code ultimately calls:
//
//	switch obj := obj.(type) {
//	case *object.Int:
//		// do something with obj.Value()
//	case *object.Float:
//		// do something with obj.Value()
//	}
package object

// Type of an object as a string.
type Type string

// Type constants
const (
	BOOL     Type = "bool"
	ERROR    Type = "error"
	FLOAT    Type = "float"
	FUNCTION Type = "function"
	FUTURE   Type = "future"
	INT      Type = "int"
	LIST     Type = "list"
	NIL      Type = "nil"
	STRING   Type = "string"
)

var (
	Nil   = &NilType{}
	True  = &Bool{value: true}
	False = &Bool{value: false}
)

// Object is the interface that all value types in Fern must implement.
type Object interface {
	// Type of the object.
	Type() Type

	// Inspect returns a string representation of the given object.
	Inspect() string

	// Interface converts the given object to a native Go value.
	Interface() interface{}

	// Equals returns true if the given object is equal to this object.
	Equals(other Object) bool

	// IsTruthy returns true if the object is considered "truthy".
	IsTruthy() bool
}

// NewBool returns the singleton Bool for the given value.
func NewBool(value bool) *Bool {
	if value {
		return True
	}
	return False
}

// Not returns the inverse of the given Bool.
func Not(b *Bool) *Bool {
	if b.value {
		return False
	}
	return True
}
