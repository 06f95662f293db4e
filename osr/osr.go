// Package osr implements on-stack replacement: transferring a hot loop
// from the interpreter into compiled code mid-execution, without waiting
// for the current call to finish.
//
// The manager only does bookkeeping. Detection uses the profiler's
// back-edge counts, compilation goes through the tier controller's
// hot-loop signal, and the actual state transfer is the deopt frame-state
// machinery run in reverse by the interpreter.
package osr

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/jit"
)

// Entry is an installed OSR entry point: compiled code that can be entered
// at one specific loop-header offset.
type Entry struct {
	FID    bytecode.FuncID
	Offset int
	Code   *jit.Code

	entered atomic.Uint64
}

// Entered returns how many times execution transferred through this entry.
func (e *Entry) Entered() uint64 { return e.entered.Load() }

// RecordEntry counts one completed transfer.
func (e *Entry) RecordEntry() { e.entered.Add(1) }

type key struct {
	fid    bytecode.FuncID
	offset int
}

// Manager tracks hot loop headers and the OSR entries installed for them.
// Entry lookup sits on the interpreter's back-edge path, so the entry map
// is read through an atomic pointer and replaced wholesale on the rare
// install.
type Manager struct {
	threshold uint64
	cache     *jit.Cache
	hot       func(bytecode.FuncID)
	logger    zerolog.Logger

	mu        sync.Mutex
	entries   atomic.Pointer[map[key]*Entry]
	requested map[key]bool
}

// NewManager creates an OSR manager. The hot callback is invoked once per
// loop header when its iteration count crosses the threshold; it is
// expected to trigger an optimizing compilation of the enclosing function.
func NewManager(threshold uint64, cache *jit.Cache, hot func(bytecode.FuncID), logger zerolog.Logger) *Manager {
	m := &Manager{
		threshold: threshold,
		cache:     cache,
		hot:       hot,
		logger:    logger,
		requested: map[key]bool{},
	}
	empty := map[key]*Entry{}
	m.entries.Store(&empty)
	return m
}

// Threshold returns the back-edge count at which a loop becomes hot.
func (m *Manager) Threshold() uint64 { return m.threshold }

// Entry returns the installed entry for a loop header, or nil.
func (m *Manager) Entry(fid bytecode.FuncID, offset int) *Entry {
	return (*m.entries.Load())[key{fid, offset}]
}

// NoteBackEdge is called by the interpreter when a loop's iteration count
// has crossed the threshold. It returns an entry as soon as compiled code
// with a matching transfer point is available; before that it requests a
// compilation (once) and returns nil, leaving the loop interpreted.
func (m *Manager) NoteBackEdge(fid bytecode.FuncID, offset int) *Entry {
	k := key{fid, offset}
	if e := (*m.entries.Load())[k]; e != nil {
		return e
	}
	if code := m.cache.Lookup(fid); code != nil && code.OSRState(offset) != nil {
		return m.install(k, code)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.requested[k] {
		m.requested[k] = true
		m.logger.Debug().
			Int32("func", int32(fid)).
			Int("offset", offset).
			Msg("hot loop detected")
		m.hot(fid)
	}
	return nil
}

func (m *Manager) install(k key, code *jit.Code) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := *m.entries.Load()
	if e := current[k]; e != nil {
		return e
	}
	e := &Entry{FID: k.fid, Offset: k.offset, Code: code}
	next := make(map[key]*Entry, len(current)+1)
	for kk, vv := range current {
		next[kk] = vv
	}
	next[k] = e
	m.entries.Store(&next)
	return e
}

// Invalidate drops the entries and the request marks for a function, after
// a deopt or an explicit invalidation made its compiled code stale.
func (m *Manager) Invalidate(fid bytecode.FuncID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := *m.entries.Load()
	next := make(map[key]*Entry, len(current))
	for k, v := range current {
		if k.fid != fid {
			next[k] = v
		}
	}
	m.entries.Store(&next)
	for k := range m.requested {
		if k.fid == fid {
			delete(m.requested, k)
		}
	}
}
