package object

import (
	"strings"

	"github.com/fernlang/fern/errz"
)

// List is an ordered sequence of objects.
type List struct {
	items []Object
}

func (l *List) Type() Type { return LIST }

func (l *List) Value() []Object { return l.items }

func (l *List) Inspect() string {
	var out strings.Builder
	out.WriteString("[")
	for i, item := range l.items {
		if i > 0 {
			out.WriteString(", ")
		}
		out.WriteString(item.Inspect())
	}
	out.WriteString("]")
	return out.String()
}

func (l *List) Interface() interface{} {
	items := make([]interface{}, len(l.items))
	for i, item := range l.items {
		items[i] = item.Interface()
	}
	return items
}

func (l *List) IsTruthy() bool { return len(l.items) > 0 }

func (l *List) Equals(other Object) bool {
	otherList, ok := other.(*List)
	if !ok || len(l.items) != len(otherList.items) {
		return false
	}
	for i, item := range l.items {
		if !item.Equals(otherList.items[i]) {
			return false
		}
	}
	return true
}

// Len returns the number of items as an Int.
func (l *List) Len() *Int {
	return NewInt(int64(len(l.items)))
}

// GetItem returns the item at the given index, supporting negative indexes.
func (l *List) GetItem(index Object) (Object, error) {
	idx, ok := index.(*Int)
	if !ok {
		return nil, errz.TypeErrorf("list index must be int (got %s)", index.Type())
	}
	i := idx.Value()
	if i < 0 {
		i += int64(len(l.items))
	}
	if i < 0 || i >= int64(len(l.items)) {
		return nil, errz.Errorf(errz.ErrIndex, "list index out of range: %d", idx.Value())
	}
	return l.items[i], nil
}

// NewList returns a List holding the given items. The slice is not copied.
func NewList(items []Object) *List {
	return &List{items: items}
}
