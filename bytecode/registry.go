package bytecode

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Registry assigns dense FuncIDs and resolves them back to code objects.
// Registration happens once per function; lookup happens on every call and
// must not contend, so the ID-to-code table is published by swap and read
// through an atomic pointer.
type Registry struct {
	mu    sync.Mutex
	codes atomic.Pointer[[]*Code]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make([]*Code, 0)
	r.codes.Store(&empty)
	return r
}

// Register assigns the next dense FuncID to the given code and publishes it.
// Registering the same code twice is an error: IDs are assigned exactly once
// and never reused.
func (r *Registry) Register(code *Code) (FuncID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code.id != InvalidFuncID {
		return InvalidFuncID, fmt.Errorf("code %q is already registered as %d", code.name, code.id)
	}
	current := *r.codes.Load()
	id := FuncID(len(current))
	code.id = id
	next := make([]*Code, len(current)+1)
	copy(next, current)
	next[id] = code
	r.codes.Store(&next)
	return id, nil
}

// Lookup returns the code registered under the given ID, or nil if the ID
// was never assigned.
func (r *Registry) Lookup(id FuncID) *Code {
	codes := *r.codes.Load()
	if id < 0 || int(id) >= len(codes) {
		return nil
	}
	return codes[id]
}

// Count returns the number of registered functions.
func (r *Registry) Count() int {
	return len(*r.codes.Load())
}
