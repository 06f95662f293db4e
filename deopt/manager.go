package deopt

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/errz"
)

// DefaultGiveUpThreshold is the number of deopt events after which a
// function is pinned at the interpreter tier.
const DefaultGiveUpThreshold = 10

// Metadata is the FuncID-scoped table mapping native-code offsets to the
// frame states recorded at guard sites. It is built by a compiler, published
// once, and never mutated afterwards except for the deopt counter.
type Metadata struct {
	fid       bytecode.FuncID
	states    map[int]*FrameState
	deopts    atomic.Uint32
	threshold uint32
}

// NewMetadata creates metadata for one compiled function. A zero threshold
// selects DefaultGiveUpThreshold.
func NewMetadata(fid bytecode.FuncID, states map[int]*FrameState, threshold uint32) *Metadata {
	if threshold == 0 {
		threshold = DefaultGiveUpThreshold
	}
	return &Metadata{fid: fid, states: states, threshold: threshold}
}

// State returns the frame state recorded at the given native offset.
func (m *Metadata) State(nativeOffset int) *FrameState {
	return m.states[nativeOffset]
}

// DeoptCount returns the number of deopt events recorded for the function.
func (m *Metadata) DeoptCount() uint32 {
	return m.deopts.Load()
}

// Result tells the tier controller what to do after a guard failure.
type Result struct {
	// ShouldRecompile asks for recompilation with fresh type feedback.
	ShouldRecompile bool
	// ShouldGiveUp pins the function at the interpreter tier.
	ShouldGiveUp bool
}

// Manager owns guard-failure handling: frame-state lookup, deopt counting,
// and the per-function give-up decision. Frame reconstruction itself is
// local to the thread that owns the failing frame; the manager only keeps
// the shared accounting.
type Manager struct {
	mu     sync.Mutex
	metas  atomic.Pointer[[]*Metadata]
	logger zerolog.Logger
}

// NewManager creates a deoptimization manager.
func NewManager(logger zerolog.Logger) *Manager {
	m := &Manager{logger: logger}
	empty := make([]*Metadata, 0)
	m.metas.Store(&empty)
	return m
}

// Register publishes the deopt metadata for a freshly compiled function.
// Publication is by swap: a concurrent reader observes either the previous
// metadata or the new one in full. The deopt counter carries over from the
// previous compilation: give-up is a property of the function, not of one
// compiled artifact, so recompiling must not reset the clock.
func (m *Manager) Register(fid bytecode.FuncID, md *Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := *m.metas.Load()
	if int(fid) < len(current) && current[fid] != nil {
		md.deopts.Store(current[fid].deopts.Load())
	}
	size := len(current)
	if int(fid) >= size {
		size = int(fid) + 1
	}
	next := make([]*Metadata, size)
	copy(next, current)
	next[fid] = md
	m.metas.Store(&next)
}

// Lookup returns the metadata for the given function, or nil.
func (m *Manager) Lookup(fid bytecode.FuncID) *Metadata {
	metas := *m.metas.Load()
	if fid < 0 || int(fid) >= len(metas) {
		return nil
	}
	return metas[fid]
}

// OnGuardFailure handles a guard failure reported by native code. It looks
// up the frame state for the failing native offset, increments the deopt
// counter, and reports whether the tier controller should recompile or give
// up on the function.
func (m *Manager) OnGuardFailure(fid bytecode.FuncID, nativeOffset int) (*FrameState, Result, error) {
	md := m.Lookup(fid)
	if md == nil {
		return nil, Result{}, errz.InternalErrorf(
			"guard failure in function %d with no deopt metadata", fid)
	}
	state := md.State(nativeOffset)
	if state == nil {
		return nil, Result{}, errz.InternalErrorf(
			"guard failure at native offset %d of function %d has no frame state",
			nativeOffset, fid)
	}
	count := md.deopts.Add(1)
	res := Result{}
	if count >= md.threshold {
		res.ShouldGiveUp = true
		m.logger.Debug().
			Int32("func", int32(fid)).
			Uint32("deopts", count).
			Msg("deopt threshold reached, giving up on native tiers")
	} else {
		res.ShouldRecompile = true
	}
	return state, res, nil
}

// DeoptCount returns the recorded deopt count for a function.
func (m *Manager) DeoptCount(fid bytecode.FuncID) uint32 {
	if md := m.Lookup(fid); md != nil {
		return md.DeoptCount()
	}
	return 0
}

// Invalidate drops the metadata for a function, clearing its deopt count.
// Used when a function is redefined.
func (m *Manager) Invalidate(fid bytecode.FuncID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := *m.metas.Load()
	if fid < 0 || int(fid) >= len(current) {
		return
	}
	next := make([]*Metadata, len(current))
	copy(next, current)
	next[fid] = nil
	m.metas.Store(&next)
}
