// Package tier decides when functions move between execution tiers. It owns
// the per-function promotion state machine and the background compilation
// queue. Tier is a scheduling decision, not a profiling fact, so the
// FuncID-to-tier map lives here rather than on the function profile.
package tier

// Tier is a level of execution strategy for a function.
type Tier uint8

const (
	// Interpreter is the baseline, always-correct execution mode and the
	// fallback target of every deoptimization.
	Interpreter Tier = iota
	// BaselineJit is quickly produced native code with per-site guards.
	BaselineJit
	// OptimizingJit additionally assumes loop-stable operand types,
	// guarding at region boundaries.
	OptimizingJit
	// AotOptimized is the optimizing tier entered ahead of profiling via
	// explicit precompilation.
	AotOptimized
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case Interpreter:
		return "interpreter"
	case BaselineJit:
		return "baseline"
	case OptimizingJit:
		return "optimizing"
	case AotOptimized:
		return "aot"
	default:
		return "unknown"
	}
}

// Native reports whether the tier executes compiled code.
func (t Tier) Native() bool {
	return t >= BaselineJit
}

// Config holds the promotion thresholds and compilation queue shape. All
// values are tunable; the zero value is replaced by DefaultConfig.
type Config struct {
	// BaselineCalls is the call count that promotes a function from the
	// interpreter to the baseline tier.
	BaselineCalls uint64

	// OptimizingCalls is the call count that promotes a function from the
	// baseline to the optimizing tier.
	OptimizingCalls uint64

	// OSRIterations is the loop iteration count that makes a loop hot
	// enough for on-stack replacement.
	OSRIterations uint64

	// GiveUpDeopts is the number of deopt events after which a function is
	// pinned at the interpreter.
	GiveUpDeopts uint32

	// Workers is the number of background compilation workers. Zero means
	// compilation runs synchronously on the requesting worker.
	Workers int

	// QueueSize bounds the background compilation queue. Requests beyond
	// the bound are dropped; the function is simply promoted later.
	QueueSize int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		BaselineCalls:   10,
		OptimizingCalls: 10000,
		OSRIterations:   1000,
		GiveUpDeopts:    10,
		Workers:         0,
		QueueSize:       64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaselineCalls == 0 {
		c.BaselineCalls = d.BaselineCalls
	}
	if c.OptimizingCalls == 0 {
		c.OptimizingCalls = d.OptimizingCalls
	}
	if c.OSRIterations == 0 {
		c.OSRIterations = d.OSRIterations
	}
	if c.GiveUpDeopts == 0 {
		c.GiveUpDeopts = d.GiveUpDeopts
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}
