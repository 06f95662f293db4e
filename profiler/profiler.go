// Package profiler collects the per-function execution counters that drive
// tier promotion: call counts, loop back-edge counts, and operand type
// feedback.
//
// The profiler is pure bookkeeping on the hot path: a record is a fixed
// block of atomic counters indexed by the dense FuncID, the record table
// grows by publish-by-swap, and nothing here takes a lock after a record
// exists. Counters saturate rather than overflow.
package profiler

import (
	"sync"
	"sync/atomic"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/object"
)

// maxCount is the saturation ceiling for call and back-edge counters.
const maxCount = 1 << 62

// Kind feedback is a bitmask of operand kinds observed at a bytecode
// offset. A single set bit means the operand types have been stable.
const (
	feedbackInt uint32 = 1 << iota
	feedbackFloat
	feedbackString
	feedbackBool
	feedbackNil
	feedbackOther
)

func kindBit(t object.Type) uint32 {
	switch t {
	case object.INT:
		return feedbackInt
	case object.FLOAT:
		return feedbackFloat
	case object.STRING:
		return feedbackString
	case object.BOOL:
		return feedbackBool
	case object.NIL:
		return feedbackNil
	default:
		return feedbackOther
	}
}

// FunctionProfile holds the mutable counters for one function. It is
// created on the function's first execution and persists for the process
// lifetime (or until explicit invalidation).
type FunctionProfile struct {
	calls     atomic.Uint64
	backEdges []atomic.Uint64
	feedback  []atomic.Uint32
}

// RecordCall increments the call counter, saturating at the ceiling.
func (p *FunctionProfile) RecordCall() {
	if p.calls.Load() < maxCount {
		p.calls.Add(1)
	}
}

// CallCount returns the number of recorded calls.
func (p *FunctionProfile) CallCount() uint64 {
	return p.calls.Load()
}

// RecordBackEdge increments the iteration counter for the loop header at
// the given bytecode offset and returns the new count.
func (p *FunctionProfile) RecordBackEdge(offset int) uint64 {
	if offset < 0 || offset >= len(p.backEdges) {
		return 0
	}
	c := &p.backEdges[offset]
	if n := c.Load(); n >= maxCount {
		return n
	}
	return c.Add(1)
}

// BackEdgeCount returns the recorded iteration count for a loop header.
func (p *FunctionProfile) BackEdgeCount(offset int) uint64 {
	if offset < 0 || offset >= len(p.backEdges) {
		return 0
	}
	return p.backEdges[offset].Load()
}

// RecordOperands merges the observed operand kinds for the operation at the
// given bytecode offset into its feedback mask.
func (p *FunctionProfile) RecordOperands(offset int, a, b object.Type) {
	if offset < 0 || offset >= len(p.feedback) {
		return
	}
	bits := kindBit(a) | kindBit(b)
	cell := &p.feedback[offset]
	for {
		old := cell.Load()
		if old&bits == bits {
			return
		}
		if cell.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

// StableInt reports whether every observed operand at the given offset has
// been an integer. It returns false when no feedback has been recorded.
func (p *FunctionProfile) StableInt(offset int) bool {
	if offset < 0 || offset >= len(p.feedback) {
		return false
	}
	return p.feedback[offset].Load() == feedbackInt
}

// Reset clears all counters. Used on explicit invalidation.
func (p *FunctionProfile) Reset() {
	p.calls.Store(0)
	for i := range p.backEdges {
		p.backEdges[i].Store(0)
	}
	for i := range p.feedback {
		p.feedback[i].Store(0)
	}
}

// Profiler owns the FuncID-indexed table of function profiles.
type Profiler struct {
	mu       sync.Mutex
	profiles atomic.Pointer[[]*FunctionProfile]
}

// New creates an empty profiler.
func New() *Profiler {
	p := &Profiler{}
	empty := make([]*FunctionProfile, 0)
	p.profiles.Store(&empty)
	return p
}

// Function returns the profile for the given function, creating it on first
// use. The instruction count sizes the per-offset counter arrays.
func (p *Profiler) Function(id bytecode.FuncID, instructionCount int) *FunctionProfile {
	if prof := p.lookup(id); prof != nil {
		return prof
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prof := p.lookup(id); prof != nil {
		return prof
	}
	prof := &FunctionProfile{
		backEdges: make([]atomic.Uint64, instructionCount),
		feedback:  make([]atomic.Uint32, instructionCount),
	}
	current := *p.profiles.Load()
	size := len(current)
	if int(id) >= size {
		size = int(id) + 1
	}
	next := make([]*FunctionProfile, size)
	copy(next, current)
	next[id] = prof
	p.profiles.Store(&next)
	return prof
}

// Lookup returns the profile for the given function, or nil if the function
// has never executed.
func (p *Profiler) Lookup(id bytecode.FuncID) *FunctionProfile {
	return p.lookup(id)
}

func (p *Profiler) lookup(id bytecode.FuncID) *FunctionProfile {
	profiles := *p.profiles.Load()
	if id < 0 || int(id) >= len(profiles) {
		return nil
	}
	return profiles[id]
}

// CallCount returns the recorded call count for the given function, or zero
// if it has never executed.
func (p *Profiler) CallCount(id bytecode.FuncID) uint64 {
	if prof := p.lookup(id); prof != nil {
		return prof.CallCount()
	}
	return 0
}

// Invalidate clears the profile for the given function, typically after a
// source redefinition.
func (p *Profiler) Invalidate(id bytecode.FuncID) {
	if prof := p.lookup(id); prof != nil {
		prof.Reset()
	}
}
