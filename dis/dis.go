// Package dis disassembles Fern bytecode for inspection.
package dis

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/op"
)

// Instruction is one decoded instruction.
type Instruction struct {
	Offset   int
	Name     string
	Operands []int
	Info     string
}

// Disassemble decodes the instruction stream of a code object.
func Disassemble(code *bytecode.Code) ([]Instruction, error) {
	var out []Instruction
	instrs := code.Instructions()
	for ip := 0; ip < len(instrs); {
		opcode := instrs[ip]
		info := op.GetInfo(opcode)
		if info.Name == "" {
			return nil, fmt.Errorf("unknown opcode %d at offset %d", opcode, ip)
		}
		operands := make([]int, info.OperandCount)
		for i := range operands {
			operands[i] = int(instrs[ip+1+i])
		}
		out = append(out, Instruction{
			Offset:   ip,
			Name:     info.Name,
			Operands: operands,
			Info:     annotate(code, ip, opcode, operands),
		})
		ip += 1 + info.OperandCount
	}
	return out, nil
}

func annotate(code *bytecode.Code, ip int, opcode op.Code, operands []int) string {
	var notes []string
	if code.IsLoopHeader(ip) {
		notes = append(notes, "loop header")
	}
	switch opcode {
	case op.LoadConst:
		if len(operands) == 1 && operands[0] < code.ConstantsCount() {
			notes = append(notes, constString(code.Constant(operands[0])))
		}
	case op.BinaryOp:
		if len(operands) == 1 {
			notes = append(notes, op.BinaryOpType(operands[0]).String())
		}
	case op.CompareOp:
		if len(operands) == 1 {
			notes = append(notes, op.CompareOpType(operands[0]).String())
		}
	case op.JumpForward, op.PopJumpForwardIfFalse, op.PopJumpForwardIfTrue:
		if len(operands) == 1 {
			notes = append(notes, fmt.Sprintf("to %d", ip+operands[0]))
		}
	case op.JumpBackward:
		if len(operands) == 1 {
			notes = append(notes, fmt.Sprintf("to %d", ip-operands[0]))
		}
	}
	return strings.Join(notes, "; ")
}

func constString(c any) string {
	switch v := c.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case bytecode.FuncRef:
		return fmt.Sprintf("func#%d", v.ID)
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Print writes a disassembly table.
func Print(instructions []Instruction, w io.Writer) {
	opWidth, operandWidth, infoWidth := len("OPCODE"), len("OPERANDS"), len("INFO")
	offsetWidth := len("OFFSET")
	for _, instr := range instructions {
		if len(instr.Name) > opWidth {
			opWidth = len(instr.Name)
		}
		if n := len(operandString(instr)); n > operandWidth {
			operandWidth = n
		}
		if len(instr.Info) > infoWidth {
			infoWidth = len(instr.Info)
		}
	}
	rule := fmt.Sprintf("+-%s-+-%s-+-%s-+-%s-+",
		strings.Repeat("-", offsetWidth),
		strings.Repeat("-", opWidth),
		strings.Repeat("-", operandWidth),
		strings.Repeat("-", infoWidth))
	header := color.New(color.Bold)
	fmt.Fprintln(w, rule)
	header.Fprintf(w, "| %*s | %-*s | %*s | %-*s |\n",
		offsetWidth, "OFFSET", opWidth, "OPCODE", operandWidth, "OPERANDS", infoWidth, "INFO")
	fmt.Fprintln(w, rule)
	opColor := color.New(color.FgCyan)
	for _, instr := range instructions {
		fmt.Fprintf(w, "| %*d | ", offsetWidth, instr.Offset)
		opColor.Fprintf(w, "%-*s", opWidth, instr.Name)
		fmt.Fprintf(w, " | %*s | %-*s |\n",
			operandWidth, operandString(instr), infoWidth, instr.Info)
	}
	fmt.Fprintln(w, rule)
}

func operandString(instr Instruction) string {
	parts := make([]string, len(instr.Operands))
	for i, o := range instr.Operands {
		parts[i] = fmt.Sprintf("%d", o)
	}
	return strings.Join(parts, ", ")
}
