// Package bytecode defines the immutable compiled representation of Fern
// functions and the process-wide registry that assigns function IDs.
package bytecode

import (
	"fmt"
	"strings"

	"github.com/fernlang/fern/op"
)

// FuncID is a stable, dense integer identifying a compilable unit. IDs are
// assigned once when a function's bytecode is registered and are never
// reused. Every per-function table in the engine (profile, compiled-code
// cache, deopt metadata, tier state) is keyed by FuncID.
type FuncID int32

// InvalidFuncID is the zero-value-adjacent sentinel for "no function".
const InvalidFuncID FuncID = -1

// FuncRef is a constant-pool entry referring to another registered function.
// The interpreter resolves it to a callable function object at load time.
type FuncRef struct {
	ID FuncID
}

// Code represents a compiled code block (a function body or a script
// entrypoint). It is immutable after creation and safe for concurrent use:
// it is shared read-only by the interpreter and by every compiler tier.
type Code struct {
	id           FuncID
	name         string
	paramCount   int
	localCount   int
	globalCount  int
	instructions []op.Code
	constants    []any
	loopHeaders  []int
	maxStack     int
}

// CodeParams contains parameters for creating a new Code.
type CodeParams struct {
	Name         string
	ParamCount   int
	LocalCount   int
	GlobalCount  int
	Instructions []op.Code
	Constants    []any
}

// NewCode creates a new immutable Code from the given parameters. Input
// slices are copied. Loop headers (targets of JumpBackward instructions) and
// the maximum operand stack depth are derived here so that the interpreter
// and the compilers agree on them without re-deriving.
func NewCode(params CodeParams) (*Code, error) {
	instructions := make([]op.Code, len(params.Instructions))
	copy(instructions, params.Instructions)

	constants := make([]any, len(params.Constants))
	copy(constants, params.Constants)

	for i, c := range constants {
		switch c.(type) {
		case int64, float64, string, bool, nil, FuncRef:
		case int:
			constants[i] = int64(c.(int))
		default:
			return nil, fmt.Errorf("unsupported constant type at index %d: %T", i, c)
		}
	}

	c := &Code{
		id:           InvalidFuncID,
		name:         params.Name,
		paramCount:   params.ParamCount,
		localCount:   params.LocalCount,
		globalCount:  params.GlobalCount,
		instructions: instructions,
		constants:    constants,
	}
	if err := c.analyze(); err != nil {
		return nil, err
	}
	return c, nil
}

// analyze walks the instruction stream once to validate opcode/operand
// structure, collect loop headers, and bound the operand stack depth.
func (c *Code) analyze() error {
	headers := map[int]bool{}
	depthAt := map[int]int{}
	depth, maxDepth := 0, 0
	for ip := 0; ip < len(c.instructions); {
		opcode := c.instructions[ip]
		info := op.GetInfo(opcode)
		if info.Name == "" {
			return fmt.Errorf("unknown opcode %d at offset %d", opcode, ip)
		}
		if ip+info.OperandCount >= len(c.instructions) {
			return fmt.Errorf("truncated operands for %s at offset %d", info.Name, ip)
		}
		depthAt[ip] = depth
		if opcode == op.JumpBackward {
			delta := int(c.instructions[ip+1])
			target := ip - delta
			if target < 0 {
				return fmt.Errorf("backward jump at offset %d escapes code", ip)
			}
			headerDepth, ok := depthAt[target]
			if !ok {
				return fmt.Errorf("backward jump at offset %d targets mid-instruction offset %d", ip, target)
			}
			if headerDepth != depth {
				return fmt.Errorf("unbalanced operand stack on back edge at offset %d", ip)
			}
			headers[target] = true
		}
		depth += stackEffect(c, ip)
		if depth > maxDepth {
			maxDepth = depth
		}
		if depth < 0 {
			// The assembler produced unbalanced stack traffic. This is a
			// front-end bug, not a user error.
			return fmt.Errorf("operand stack underflow at offset %d", ip)
		}
		ip += 1 + info.OperandCount
	}
	c.loopHeaders = make([]int, 0, len(headers))
	for offset := range headers {
		c.loopHeaders = append(c.loopHeaders, offset)
	}
	sortInts(c.loopHeaders)
	c.maxStack = maxDepth
	return nil
}

// stackEffect returns the net operand stack effect of the instruction at ip.
func stackEffect(c *Code, ip int) int {
	switch c.instructions[ip] {
	case op.LoadConst, op.LoadFast, op.LoadGlobal, op.Nil, op.True, op.False, op.Copy:
		return 1
	case op.StoreFast, op.StoreGlobal, op.PopTop, op.PopJumpForwardIfFalse,
		op.PopJumpForwardIfTrue, op.ReturnValue, op.Raise:
		return -1
	case op.BinaryOp, op.CompareOp, op.BinarySubscr:
		return -1
	case op.Call:
		return -int(c.instructions[ip+1])
	case op.BuildList:
		return 1 - int(c.instructions[ip+1])
	default:
		return 0
	}
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// ID returns the FuncID assigned by the registry, or InvalidFuncID if the
// code has not been registered.
func (c *Code) ID() FuncID {
	return c.id
}

// Name returns the name of this code block.
func (c *Code) Name() string {
	return c.name
}

// ParamCount returns the number of parameters.
func (c *Code) ParamCount() int {
	return c.paramCount
}

// LocalCount returns the number of local variables, including parameters.
func (c *Code) LocalCount() int {
	return c.localCount
}

// GlobalCount returns the number of global variable slots referenced.
func (c *Code) GlobalCount() int {
	return c.globalCount
}

// InstructionCount returns the number of instruction words.
func (c *Code) InstructionCount() int {
	return len(c.instructions)
}

// Instruction returns the instruction word at the given offset.
func (c *Code) Instruction(offset int) op.Code {
	return c.instructions[offset]
}

// Instructions returns the raw instruction words. The returned slice must be
// treated as read-only.
func (c *Code) Instructions() []op.Code {
	return c.instructions
}

// ConstantsCount returns the number of constants.
func (c *Code) ConstantsCount() int {
	return len(c.constants)
}

// Constant returns the constant at the given index.
func (c *Code) Constant(index int) any {
	return c.constants[index]
}

// LoopHeaders returns the bytecode offsets that are targets of backward
// jumps, in ascending order. These are the OSR-eligible loop headers.
func (c *Code) LoopHeaders() []int {
	return c.loopHeaders
}

// IsLoopHeader reports whether the given offset is a loop header.
func (c *Code) IsLoopHeader(offset int) bool {
	for _, h := range c.loopHeaders {
		if h == offset {
			return true
		}
	}
	return false
}

// MaxStackDepth returns an upper bound on the operand stack depth needed to
// execute this code.
func (c *Code) MaxStackDepth() int {
	return c.maxStack
}

// String returns a short human-readable description of the code block.
func (c *Code) String() string {
	var out strings.Builder
	out.WriteString("code")
	if c.name != "" {
		out.WriteString(" " + c.name)
	}
	fmt.Fprintf(&out, " (%d instructions, %d constants, %d locals)",
		len(c.instructions), len(c.constants), c.localCount)
	return out.String()
}
