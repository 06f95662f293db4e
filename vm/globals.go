package vm

import (
	"sync"
	"sync/atomic"

	"github.com/fernlang/fern/object"
)

// globalTable holds the global variable slots. Reads are an atomic load
// plus an index; writes swap in a grown copy when the slot is new and
// otherwise store through the published slice.
//
// Concurrent executions see globals with release/acquire semantics only at
// table growth; individual slot writes carry no ordering guarantees,
// matching the language's lack of synchronization primitives.
type globalTable struct {
	mu    sync.Mutex
	slots atomic.Pointer[[]atomic.Pointer[object.Object]]
}

func newGlobalTable() *globalTable {
	t := &globalTable{}
	empty := make([]atomic.Pointer[object.Object], 0)
	t.slots.Store(&empty)
	return t
}

func (t *globalTable) get(index int) object.Object {
	slots := *t.slots.Load()
	if index < 0 || index >= len(slots) {
		return object.Nil
	}
	if v := slots[index].Load(); v != nil {
		return *v
	}
	return object.Nil
}

func (t *globalTable) set(index int, value object.Object) {
	if index < 0 {
		return
	}
	slots := *t.slots.Load()
	if index < len(slots) {
		slots[index].Store(&value)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	slots = *t.slots.Load()
	if index < len(slots) {
		slots[index].Store(&value)
		return
	}
	next := make([]atomic.Pointer[object.Object], index+1)
	for i := range slots {
		if v := slots[i].Load(); v != nil {
			next[i].Store(v)
		}
	}
	next[index].Store(&value)
	t.slots.Store(&next)
}
