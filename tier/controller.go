package tier

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fernlang/fern/bytecode"
)

// CompileFunc compiles a function at the target tier and publishes the
// result into the compiled-code cache. It returns an error on compilation
// failure, which is recoverable: the function stays at its current tier.
type CompileFunc func(fid bytecode.FuncID, target Tier) error

// state is the per-function promotion record. The active tier pointer is
// swapped only after compilation fully completes, so in-flight calls never
// observe a half-installed tier.
type state struct {
	current atomic.Uint32 // Tier
	pinned  atomic.Bool
	pending atomic.Bool
	failed  atomic.Bool
}

type request struct {
	fid    bytecode.FuncID
	target Tier
}

// Controller is the per-function tier state machine. It consults profiler
// counts (delivered by the interpreter via NoteCall and NoteHotLoop),
// requests compilation when thresholds are crossed, and demotes or pins
// functions on deopt feedback.
type Controller struct {
	cfg     Config
	logger  zerolog.Logger
	compile CompileFunc

	mu     sync.Mutex
	states atomic.Pointer[[]*state]

	queue  chan request
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewController creates a controller using the given compile callback.
func NewController(cfg Config, compile CompileFunc, logger zerolog.Logger) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:     cfg,
		logger:  logger,
		compile: compile,
	}
	empty := make([]*state, 0)
	c.states.Store(&empty)
	if cfg.Workers > 0 {
		c.queue = make(chan request, cfg.QueueSize)
		for i := 0; i < cfg.Workers; i++ {
			c.wg.Add(1)
			go c.worker()
		}
	}
	return c
}

// Close stops the background compilation workers and waits for in-flight
// compilations to finish.
func (c *Controller) Close() {
	if c.closed.Swap(true) {
		return
	}
	if c.queue != nil {
		close(c.queue)
		c.wg.Wait()
	}
}

// Config returns the controller's resolved configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// QueueDepth reports the number of queued compilation requests. Zero when
// the controller compiles synchronously.
func (c *Controller) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return len(c.queue)
}

func (c *Controller) worker() {
	defer c.wg.Done()
	for req := range c.queue {
		c.runCompile(req.fid, req.target)
	}
}

// Current returns the active tier for new calls to the given function.
func (c *Controller) Current(fid bytecode.FuncID) Tier {
	if st := c.lookup(fid); st != nil {
		return Tier(st.current.Load())
	}
	return Interpreter
}

// Pinned reports whether the function has been permanently pinned at the
// interpreter by the give-up rule.
func (c *Controller) Pinned(fid bytecode.FuncID) bool {
	if st := c.lookup(fid); st != nil {
		return st.pinned.Load()
	}
	return false
}

// NoteCall is invoked by the interpreter on each call with the function's
// saturating call count. It may request promotion; it never blocks on
// compilation.
func (c *Controller) NoteCall(fid bytecode.FuncID, calls uint64) {
	st := c.ensure(fid)
	if st.pinned.Load() || st.failed.Load() || st.pending.Load() {
		return
	}
	switch Tier(st.current.Load()) {
	case Interpreter:
		if calls >= c.cfg.BaselineCalls {
			c.promote(fid, st, BaselineJit)
		}
	case BaselineJit:
		if calls >= c.cfg.OptimizingCalls {
			c.promote(fid, st, OptimizingJit)
		}
	}
}

// NoteHotLoop is the OSR manager's hot-loop signal. A function with a hot
// loop is promoted to the optimizing tier regardless of its call count.
func (c *Controller) NoteHotLoop(fid bytecode.FuncID) {
	st := c.ensure(fid)
	if st.pinned.Load() || st.failed.Load() || st.pending.Load() {
		return
	}
	if Tier(st.current.Load()) < OptimizingJit {
		c.promote(fid, st, OptimizingJit)
	}
}

// NoteDeopt is invoked after a guard failure. The function drops back to
// the interpreter; if the deopt manager signalled give-up, the function is
// pinned there until an explicit Invalidate.
func (c *Controller) NoteDeopt(fid bytecode.FuncID, giveUp bool) {
	st := c.ensure(fid)
	st.current.Store(uint32(Interpreter))
	if giveUp {
		st.pinned.Store(true)
		c.logger.Debug().Int32("func", int32(fid)).Msg("function pinned at interpreter")
	}
}

// Precompile synchronously compiles the function at the AOT tier, bypassing
// profiling. Used by embedders that know a function is hot.
func (c *Controller) Precompile(fid bytecode.FuncID) error {
	st := c.ensure(fid)
	if err := c.compile(fid, AotOptimized); err != nil {
		st.failed.Store(true)
		return err
	}
	st.current.Store(uint32(AotOptimized))
	return nil
}

// Invalidate forces the function back to pure interpretation and clears the
// give-up pin, typically after a source redefinition.
func (c *Controller) Invalidate(fid bytecode.FuncID) {
	st := c.ensure(fid)
	st.current.Store(uint32(Interpreter))
	st.pinned.Store(false)
	st.pending.Store(false)
	st.failed.Store(false)
}

// promote requests compilation at the target tier. With background workers
// the request is queued and the caller continues at the current tier; with
// no workers the compilation runs synchronously on the calling worker.
func (c *Controller) promote(fid bytecode.FuncID, st *state, target Tier) {
	if !st.pending.CompareAndSwap(false, true) {
		return
	}
	if c.queue != nil {
		if c.closed.Load() {
			st.pending.Store(false)
			return
		}
		select {
		case c.queue <- request{fid: fid, target: target}:
		default:
			// Queue full. Drop the request; a later call will retry.
			st.pending.Store(false)
		}
		return
	}
	c.runCompile(fid, target)
}

func (c *Controller) runCompile(fid bytecode.FuncID, target Tier) {
	st := c.ensure(fid)
	defer st.pending.Store(false)
	if st.pinned.Load() {
		return
	}
	if err := c.compile(fid, target); err != nil {
		// Compilation failure is not a hard error: the function stays at
		// its current tier. The failure is deterministic for unchanged
		// bytecode, so remember it and stop re-entering the compiler on the
		// hot path; Invalidate clears the mark.
		st.failed.Store(true)
		c.logger.Debug().
			Int32("func", int32(fid)).
			Stringer("target", target).
			Err(err).
			Msg("compilation failed")
		return
	}
	st.current.Store(uint32(target))
	c.logger.Debug().
		Int32("func", int32(fid)).
		Stringer("tier", target).
		Msg("function promoted")
}

func (c *Controller) lookup(fid bytecode.FuncID) *state {
	states := *c.states.Load()
	if fid < 0 || int(fid) >= len(states) {
		return nil
	}
	return states[fid]
}

func (c *Controller) ensure(fid bytecode.FuncID) *state {
	if st := c.lookup(fid); st != nil {
		return st
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.lookup(fid); st != nil {
		return st
	}
	st := &state{}
	current := *c.states.Load()
	size := len(current)
	if int(fid) >= size {
		size = int(fid) + 1
	}
	next := make([]*state, size)
	copy(next, current)
	next[fid] = st
	c.states.Store(&next)
	return st
}
