package jit

import (
	"sync"
	"sync/atomic"

	"github.com/fernlang/fern/bytecode"
)

// Cache is the process-wide table of compiled code, indexed by FuncID.
// Lookup on the call hot path is a single atomic load plus an index; the
// table grows by publish-by-swap under a mutex that only writers take.
//
// A worker that looked up an entry just before an Invalidate may still
// finish running the old code. That is safe: invalidation reachability is
// handled by guards and the deopt path, not by the cache.
type Cache struct {
	mu    sync.Mutex
	codes atomic.Pointer[[]*entry]
}

type entry struct {
	code atomic.Pointer[Code]
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	c := &Cache{}
	empty := make([]*entry, 0)
	c.codes.Store(&empty)
	return c
}

// Lookup returns the installed code for a function, or nil.
func (c *Cache) Lookup(fid bytecode.FuncID) *Code {
	codes := *c.codes.Load()
	if fid < 0 || int(fid) >= len(codes) {
		return nil
	}
	e := codes[fid]
	if e == nil {
		return nil
	}
	return e.code.Load()
}

// Install publishes freshly compiled code, replacing whatever was installed
// before. The tier controller sequences compilations, so a replacement is
// always the intended successor (a higher tier, or a recompilation after a
// deopt dropped the old code).
func (c *Cache) Install(code *Code) {
	e := c.ensure(code.FuncID())
	e.code.Store(code)
}

// Invalidate drops the installed code for a function. Called on deopt and
// on explicit function invalidation.
func (c *Cache) Invalidate(fid bytecode.FuncID) {
	codes := *c.codes.Load()
	if fid < 0 || int(fid) >= len(codes) {
		return
	}
	if e := codes[fid]; e != nil {
		e.code.Store(nil)
	}
}

func (c *Cache) ensure(fid bytecode.FuncID) *entry {
	codes := *c.codes.Load()
	if int(fid) < len(codes) && codes[fid] != nil {
		return codes[fid]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	codes = *c.codes.Load()
	if int(fid) < len(codes) && codes[fid] != nil {
		return codes[fid]
	}
	e := &entry{}
	size := len(codes)
	if int(fid) >= size {
		size = int(fid) + 1
	}
	next := make([]*entry, size)
	copy(next, codes)
	next[fid] = e
	c.codes.Store(&next)
	return e
}
