package bytecode

import "github.com/fernlang/fern/op"

// Assembler builds Code objects instruction by instruction. The source
// front-end that normally produces bytecode is an external collaborator;
// the assembler exists for tests, benchmarks, and the CLI's built-in
// sample programs.
type Assembler struct {
	name         string
	paramCount   int
	localCount   int
	globalCount  int
	instructions []op.Code
	constants    []any
}

// NewAssembler creates an assembler for a function with the given name and
// parameter count. Parameters occupy the first local slots.
func NewAssembler(name string, paramCount int) *Assembler {
	return &Assembler{
		name:       name,
		paramCount: paramCount,
		localCount: paramCount,
	}
}

// Local reserves a local variable slot and returns its index.
func (a *Assembler) Local() int {
	idx := a.localCount
	a.localCount++
	return idx
}

// Globals sets the number of global slots the code references.
func (a *Assembler) Globals(count int) *Assembler {
	a.globalCount = count
	return a
}

// Constant interns a constant and returns its pool index.
func (a *Assembler) Constant(value any) int {
	for i, c := range a.constants {
		if c == value {
			return i
		}
	}
	a.constants = append(a.constants, value)
	return len(a.constants) - 1
}

// Emit appends an instruction with its operands and returns the offset of
// the opcode word.
func (a *Assembler) Emit(code op.Code, operands ...int) int {
	offset := len(a.instructions)
	a.instructions = append(a.instructions, code)
	for _, operand := range operands {
		a.instructions = append(a.instructions, op.Code(operand))
	}
	return offset
}

// Position returns the offset the next instruction will be emitted at.
func (a *Assembler) Position() int {
	return len(a.instructions)
}

// SetOperand patches the nth operand of the instruction at the given offset.
// Used for forward jumps whose target is not known at emit time.
func (a *Assembler) SetOperand(offset, n, value int) {
	a.instructions[offset+1+n] = op.Code(value)
}

// EmitJumpBackwardTo emits a JumpBackward whose target is the given offset.
func (a *Assembler) EmitJumpBackwardTo(target int) int {
	offset := a.Emit(op.JumpBackward, 0)
	a.SetOperand(offset, 0, offset-target)
	return offset
}

// Build finalizes the assembled code.
func (a *Assembler) Build() (*Code, error) {
	return NewCode(CodeParams{
		Name:         a.name,
		ParamCount:   a.paramCount,
		LocalCount:   a.localCount,
		GlobalCount:  a.globalCount,
		Instructions: a.instructions,
		Constants:    a.constants,
	})
}
