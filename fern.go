// Package fern provides the public entrypoint to the Fern execution
// engine: a tiered, speculative runtime for Fern bytecode. Functions start
// in the interpreter, get profiled, and are promoted through native tiers;
// wrong speculation deoptimizes back to the interpreter through recorded
// frame states.
package fern

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/deopt"
	"github.com/fernlang/fern/errz"
	"github.com/fernlang/fern/jit"
	"github.com/fernlang/fern/object"
	"github.com/fernlang/fern/osr"
	"github.com/fernlang/fern/profiler"
	"github.com/fernlang/fern/reactor"
	"github.com/fernlang/fern/tier"
	"github.com/fernlang/fern/vm"
)

// Engine owns one complete execution stack: registry, profiler, compiled
// code cache, tier controller, OSR and deopt managers, reactor, and the
// virtual machine that ties them together. Engines are independent; two
// engines share nothing.
type Engine struct {
	id       string
	logger   zerolog.Logger
	observer vm.Observer
	cfg      tier.Config

	registry *bytecode.Registry
	profiles *profiler.Profiler
	cache    *jit.Cache
	deopts   *deopt.Manager
	compiler *jit.Compiler
	tiers    *tier.Controller
	osr      *osr.Manager
	reactor  *reactor.Reactor
	machine  *vm.VirtualMachine
}

// New creates an engine with default configuration, modified by options.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:   zerolog.Nop(),
		observer: vm.NoopObserver{},
		cfg:      tier.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if id, err := uuid.NewV4(); err == nil {
		e.id = id.String()
	}
	logger := e.logger.With().Str("engine", e.id).Logger()
	e.logger = logger

	e.registry = bytecode.NewRegistry()
	e.profiles = profiler.New()
	e.cache = jit.NewCache()
	e.deopts = deopt.NewManager(logger)
	e.tiers = tier.NewController(e.cfg, e.compileFunc, logger)
	// The controller resolves zero config fields to their defaults; the
	// compiler and OSR manager must see the same resolved values.
	e.cfg = e.tiers.Config()
	e.compiler = jit.NewCompiler(e.registry, e.profiles, e.cfg.GiveUpDeopts)
	e.osr = osr.NewManager(e.cfg.OSRIterations, e.cache, e.tiers.NoteHotLoop, logger)
	e.reactor = reactor.New(logger)
	e.machine = vm.New(vm.Config{
		Registry: e.registry,
		Profiles: e.profiles,
		Cache:    e.cache,
		Deopts:   e.deopts,
		Tiers:    e.tiers,
		OSR:      e.osr,
	}, vm.WithObserver(e.observer), vm.WithLogger(logger))
	return e
}

// ID returns the engine's unique instance ID.
func (e *Engine) ID() string { return e.id }

// Reactor returns the engine's async reactor.
func (e *Engine) Reactor() *reactor.Reactor { return e.reactor }

// Close stops background compilation and waits for outstanding reactor
// operations.
func (e *Engine) Close() {
	e.tiers.Close()
	e.reactor.Close()
}

// Register builds bytecode from the given parameters, assigns it a FuncID,
// and returns it as a callable function value.
func (e *Engine) Register(params bytecode.CodeParams) (*object.Function, error) {
	code, err := bytecode.NewCode(params)
	if err != nil {
		return nil, errz.Errorf(errz.ErrCompile, "invalid bytecode for %q: %v", params.Name, err)
	}
	return e.RegisterCode(code)
}

// RegisterCode assigns a FuncID to already-built bytecode and returns it as
// a callable function value.
func (e *Engine) RegisterCode(code *bytecode.Code) (*object.Function, error) {
	if _, err := e.registry.Register(code); err != nil {
		return nil, errz.Errorf(errz.ErrCompile, "%v", err)
	}
	return object.NewFunction(code), nil
}

// Call invokes a function value with the given arguments.
func (e *Engine) Call(ctx context.Context, fn *object.Function, args []object.Object) (object.Object, error) {
	return e.machine.Call(ctx, fn, args)
}

// Execute invokes a registered function by ID.
func (e *Engine) Execute(ctx context.Context, fid bytecode.FuncID, args []object.Object) (object.Object, error) {
	code := e.registry.Lookup(fid)
	if code == nil {
		return nil, errz.Errorf(errz.ErrValue, "unknown function %d", fid)
	}
	return e.machine.Call(ctx, object.NewFunction(code), args)
}

// Precompile synchronously compiles a function at the AOT tier, skipping
// the profiling ramp.
func (e *Engine) Precompile(fid bytecode.FuncID) error {
	if e.registry.Lookup(fid) == nil {
		return errz.Errorf(errz.ErrValue, "unknown function %d", fid)
	}
	return e.tiers.Precompile(fid)
}

// PrecompileAll precompiles the given functions, collecting all failures.
func (e *Engine) PrecompileAll(fids ...bytecode.FuncID) error {
	var result *multierror.Error
	for _, fid := range fids {
		if err := e.Precompile(fid); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Invalidate discards everything the engine has learned or compiled for a
// function: its tier, native code, OSR entries, deopt history, and profile.
// The function starts over at the interpreter with a clean slate.
func (e *Engine) Invalidate(fid bytecode.FuncID) {
	e.tiers.Invalidate(fid)
	e.cache.Invalidate(fid)
	e.osr.Invalidate(fid)
	e.deopts.Invalidate(fid)
	e.profiles.Invalidate(fid)
	e.machine.InvalidateCode(fid)
	e.logger.Debug().Int32("func", int32(fid)).Msg("function invalidated")
}

// Stats is a point-in-time snapshot of one function's execution state.
type Stats struct {
	FuncID     bytecode.FuncID
	Name       string
	Tier       tier.Tier
	CallCount  uint64
	DeoptCount uint32
	Pinned     bool
}

// CompileStats reports the current tier, call count, and deopt count for a
// function.
func (e *Engine) CompileStats(fid bytecode.FuncID) (Stats, error) {
	code := e.registry.Lookup(fid)
	if code == nil {
		return Stats{}, errz.Errorf(errz.ErrValue, "unknown function %d", fid)
	}
	current := tier.Interpreter
	if compiled := e.cache.Lookup(fid); compiled != nil {
		current = compiled.Tier()
	}
	return Stats{
		FuncID:     fid,
		Name:       code.Name(),
		Tier:       current,
		CallCount:  e.profiles.CallCount(fid),
		DeoptCount: e.deopts.DeoptCount(fid),
		Pinned:     e.tiers.Pinned(fid),
	}, nil
}

// EngineStats is an engine-wide diagnostic snapshot.
type EngineStats struct {
	Functions    int
	TierCounts   map[tier.Tier]int
	PinnedCount  int
	TotalDeopts  uint64
	CompileQueue int
	AsyncPending int64
}

// EngineStats aggregates per-function stats with compile queue and reactor
// state.
func (e *Engine) EngineStats() EngineStats {
	all := e.AllStats()
	agg := EngineStats{
		Functions:    len(all),
		TierCounts:   make(map[tier.Tier]int),
		CompileQueue: e.tiers.QueueDepth(),
		AsyncPending: e.reactor.Pending(),
	}
	for _, s := range all {
		agg.TierCounts[s.Tier]++
		agg.TotalDeopts += uint64(s.DeoptCount)
		if s.Pinned {
			agg.PinnedCount++
		}
	}
	return agg
}

// AllStats reports stats for every registered function.
func (e *Engine) AllStats() []Stats {
	count := e.registry.Count()
	out := make([]Stats, 0, count)
	for fid := bytecode.FuncID(0); int(fid) < count; fid++ {
		if s, err := e.CompileStats(fid); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// SetGlobal predefines a global variable slot.
func (e *Engine) SetGlobal(index int, value object.Object) {
	e.machine.SetGlobalValue(index, value)
}

// Global reads a global variable slot.
func (e *Engine) Global(index int) object.Object {
	return e.machine.GlobalValue(index)
}

// compileFunc is the tier controller's compilation callback. Metadata must
// be registered before the code is installed: a guard can fail the moment
// the code becomes visible.
func (e *Engine) compileFunc(fid bytecode.FuncID, target tier.Tier) error {
	code := e.registry.Lookup(fid)
	if code == nil {
		return errz.InternalErrorf("compile request for unknown function %d", fid)
	}
	compiled, err := e.compiler.Compile(code, target)
	if err != nil {
		return err
	}
	e.deopts.Register(fid, compiled.Metadata())
	e.cache.Install(compiled)
	e.logger.Debug().
		Int32("func", int32(fid)).
		Stringer("tier", target).
		Int("guards", len(compiled.Guards())).
		Msg("function compiled")
	return nil
}
