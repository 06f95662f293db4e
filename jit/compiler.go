package jit

import (
	"math"

	"github.com/fernlang/fern/bytecode"
	"github.com/fernlang/fern/deopt"
	"github.com/fernlang/fern/errz"
	"github.com/fernlang/fern/object"
	"github.com/fernlang/fern/op"
	"github.com/fernlang/fern/profiler"
	"github.com/fernlang/fern/tier"
)

// Compiler translates registered bytecode into native code. The same
// translator serves both native tiers; the optimizing tier differs only in
// that it elects a set of speculation-stable locals to hold unboxed across
// the whole function body, with guards at the region boundary instead of at
// every use.
type Compiler struct {
	registry  *bytecode.Registry
	profiles  *profiler.Profiler
	threshold uint32
}

// NewCompiler creates a compiler. The profiler supplies type feedback; the
// threshold is the per-function deopt give-up limit recorded into metadata.
func NewCompiler(registry *bytecode.Registry, profiles *profiler.Profiler, threshold uint32) *Compiler {
	return &Compiler{registry: registry, profiles: profiles, threshold: threshold}
}

// Compile produces native code for a registered function at the given tier.
// Failure is recoverable: the caller leaves the function at its current
// tier.
func (c *Compiler) Compile(code *bytecode.Code, target tier.Tier) (*Code, error) {
	if !target.Native() {
		return nil, errz.InternalErrorf("cannot compile for tier %s", target)
	}
	fid := code.ID()
	if fid == bytecode.InvalidFuncID {
		return nil, errz.InternalErrorf("cannot compile unregistered code %q", code.Name())
	}
	consts, err := c.boxConstants(code)
	if err != nil {
		return nil, err
	}
	prof := c.profiles.Lookup(fid)
	var spec []bool
	if target >= tier.OptimizingJit {
		spec = speculableLocals(code, prof)
	}
	b := &builder{
		src:       code,
		target:    target,
		prof:      prof,
		spec:      spec,
		consts:    consts,
		pcOf:      make([]int, code.InstructionCount()),
		states:    map[int]*deopt.FrameState{},
		osrStates: map[int]*deopt.FrameState{},
		pending:   map[int][]absEntry{},
		atStart:   map[int][]absEntry{},
		localBase: code.MaxStackDepth(),
		live:      true,
	}
	if err := b.run(); err != nil {
		return nil, err
	}
	numRegs := b.localBase + code.LocalCount()
	return &Code{
		fid:        fid,
		name:       code.Name(),
		tier:       target,
		steps:      b.steps,
		pcOf:       b.pcOf,
		guards:     b.guards,
		meta:       deopt.NewMetadata(fid, b.states, c.threshold),
		consts:     consts,
		osrStates:  b.osrStates,
		numObjs:    numRegs,
		numInts:    numRegs,
		localBase:  b.localBase,
		paramCount: code.ParamCount(),
		localCount: code.LocalCount(),
	}, nil
}

func (c *Compiler) boxConstants(code *bytecode.Code) ([]object.Object, error) {
	consts := make([]object.Object, code.ConstantsCount())
	for i := range consts {
		switch v := code.Constant(i).(type) {
		case int64:
			consts[i] = object.NewInt(v)
		case float64:
			consts[i] = object.NewFloat(v)
		case string:
			consts[i] = object.NewString(v)
		case bool:
			consts[i] = object.NewBool(v)
		case nil:
			consts[i] = object.Nil
		case bytecode.FuncRef:
			target := c.registry.Lookup(v.ID)
			if target == nil {
				return nil, errz.InternalErrorf("constant references unknown function %d", v.ID)
			}
			consts[i] = object.NewFunction(target)
		default:
			return nil, errz.InternalErrorf("unsupported constant type %T", v)
		}
	}
	return consts, nil
}

// speculableLocals elects the locals the optimizing tier holds unboxed. A
// local qualifies when type feedback shows it feeding an all-int operation
// site, and when unboxing it is provably safe: parameters are guarded at
// entry, and a non-parameter local must be stored before any jump so that
// every load observes a store.
func speculableLocals(code *bytecode.Code, prof *profiler.FunctionProfile) []bool {
	if prof == nil || code.LocalCount() == 0 {
		return nil
	}
	evidence := make([]bool, code.LocalCount())
	firstRef := make([]int, code.LocalCount())
	firstIsStore := make([]bool, code.LocalCount())
	for i := range firstRef {
		firstRef[i] = -1
	}
	firstJump := math.MaxInt

	// Provenance stack: which local, if any, produced each abstract slot.
	// This is a qualification heuristic only; correctness comes from the
	// emitted guards.
	var prov []int
	push := func(l int) { prov = append(prov, l) }
	pop := func() int {
		if len(prov) == 0 {
			return -1
		}
		l := prov[len(prov)-1]
		prov = prov[:len(prov)-1]
		return l
	}

	instrs := code.Instructions()
	for ip := 0; ip < len(instrs); {
		opcode := instrs[ip]
		info := op.GetInfo(opcode)
		switch opcode {
		case op.LoadFast:
			l := int(instrs[ip+1])
			if firstRef[l] < 0 {
				firstRef[l] = ip
			}
			push(l)
		case op.StoreFast:
			l := int(instrs[ip+1])
			if firstRef[l] < 0 {
				firstRef[l] = ip
				firstIsStore[l] = true
			}
			pop()
		case op.BinaryOp, op.CompareOp:
			a, b := pop(), pop()
			if prof.StableInt(ip) {
				if a >= 0 {
					evidence[a] = true
				}
				if b >= 0 {
					evidence[b] = true
				}
			}
			push(-1)
		case op.JumpBackward, op.JumpForward, op.PopJumpForwardIfFalse, op.PopJumpForwardIfTrue:
			if ip < firstJump {
				firstJump = ip
			}
			if opcode != op.JumpBackward && opcode != op.JumpForward {
				pop()
			}
		default:
			n := stackDelta(code, ip)
			for ; n < 0; n++ {
				pop()
			}
			for ; n > 0; n-- {
				push(-1)
			}
		}
		ip += 1 + info.OperandCount
	}

	spec := make([]bool, code.LocalCount())
	any := false
	for l := range spec {
		if !evidence[l] {
			continue
		}
		if l < code.ParamCount() {
			spec[l] = true
			any = true
			continue
		}
		if firstIsStore[l] && firstRef[l] < firstJump {
			spec[l] = true
			any = true
		}
	}
	if !any {
		return nil
	}
	return spec
}

func stackDelta(code *bytecode.Code, ip int) int {
	switch code.Instruction(ip) {
	case op.LoadConst, op.LoadGlobal, op.Nil, op.True, op.False, op.Copy:
		return 1
	case op.StoreGlobal, op.PopTop, op.ReturnValue, op.Raise, op.BinarySubscr:
		return -1
	case op.Call:
		return -int(code.Instruction(ip + 1))
	case op.BuildList:
		return 1 - int(code.Instruction(ip + 1))
	default:
		return 0
	}
}

// Abstract operand-stack entries tracked during translation. An entry
// records whether the slot's authoritative value lives in the object or the
// integer register file, and, when it came straight from the constant pool,
// which constant.
type entryKind uint8

const (
	kindObj entryKind = iota
	kindInt
)

type absEntry struct {
	kind  entryKind
	ci    int // constant-pool index, or -1
	local int // tracked for diagnostics only
}

func objEntry() absEntry { return absEntry{kind: kindObj, ci: -1, local: -1} }
func intEntry() absEntry { return absEntry{kind: kindInt, ci: -1, local: -1} }

type builder struct {
	src    *bytecode.Code
	target tier.Tier
	prof   *profiler.FunctionProfile
	spec   []bool
	consts []object.Object

	steps     []step
	pcOf      []int
	guards    []*Guard
	states    map[int]*deopt.FrameState
	osrStates map[int]*deopt.FrameState

	stack   []absEntry
	pending map[int][]absEntry // forward-jump target states, not yet reached
	atStart map[int][]absEntry // abstract state at each compiled offset
	live    bool

	// intLocals marks the speculated locals whose authoritative value has
	// moved into the integer register file. During entry-guard emission a
	// parameter not yet guarded still lives boxed in its object register,
	// and its deopt descriptor must say so: a failing entry guard hands the
	// original argument back to the interpreter, not a fabricated integer.
	intLocals []bool

	localBase int
}

func (b *builder) run() error {
	if b.spec != nil {
		b.intLocals = make([]bool, b.src.LocalCount())
	}
	for i := 0; i < b.src.LocalCount(); i++ {
		if b.specLocal(i) && i < b.src.ParamCount() {
			b.emitEntryGuard(i)
			b.intLocals[i] = true
		}
	}
	for i := range b.intLocals {
		if b.specLocal(i) {
			b.intLocals[i] = true
		}
	}
	instrs := b.src.Instructions()
	for ip := 0; ip < len(instrs); {
		info := op.GetInfo(instrs[ip])
		if err := b.enterOffset(ip); err != nil {
			return err
		}
		b.pcOf[ip] = len(b.steps)
		if b.src.IsLoopHeader(ip) {
			b.osrStates[ip] = b.osrFrameState(ip)
		}
		if err := b.emitInstruction(ip); err != nil {
			return err
		}
		ip += 1 + info.OperandCount
	}
	if len(b.pending) > 0 {
		return errz.Errorf(errz.ErrCompile, "jump into the middle of an instruction in %q", b.src.Name())
	}
	if b.live {
		b.emitReturnNil()
	}
	return nil
}

func (b *builder) specLocal(i int) bool {
	return b.spec != nil && i < len(b.spec) && b.spec[i]
}

// enterOffset reconciles the fall-through abstract state with any state
// recorded by forward jumps into this offset.
func (b *builder) enterOffset(ip int) error {
	if pend, ok := b.pending[ip]; ok {
		delete(b.pending, ip)
		if !b.live {
			b.stack = pend
			b.live = true
		} else {
			merged, ok := mergeStacks(pend, b.stack)
			if !ok {
				return errz.Errorf(errz.ErrCompile,
					"inconsistent operand kinds at join offset %d in %q", ip, b.src.Name())
			}
			b.stack = merged
		}
	} else if !b.live {
		return errz.Errorf(errz.ErrCompile,
			"unreachable code at offset %d in %q", ip, b.src.Name())
	}
	b.atStart[ip] = cloneStack(b.stack)
	return nil
}

func mergeStacks(a, c []absEntry) ([]absEntry, bool) {
	if len(a) != len(c) {
		return nil, false
	}
	out := make([]absEntry, len(a))
	for i := range a {
		if a[i].kind != c[i].kind {
			return nil, false
		}
		out[i] = a[i]
		if a[i].ci != c[i].ci {
			out[i].ci = -1
		}
		out[i].local = -1
	}
	return out, true
}

func cloneStack(s []absEntry) []absEntry {
	out := make([]absEntry, len(s))
	copy(out, s)
	return out
}

// localSources describes where each local variable lives in the native
// register file for the current speculation state.
func (b *builder) localSources() []deopt.ValueSource {
	locals := make([]deopt.ValueSource, b.src.LocalCount())
	for i := range locals {
		if b.specLocal(i) && b.intLocals[i] {
			locals[i] = deopt.ValueSource{Kind: deopt.SrcIntReg, Index: b.localBase + i}
		} else {
			locals[i] = deopt.ValueSource{Kind: deopt.SrcObjReg, Index: b.localBase + i}
		}
	}
	return locals
}

// frameState builds the deopt descriptor for the current abstract state,
// resuming interpretation at the given bytecode offset.
func (b *builder) frameState(resume int) *deopt.FrameState {
	stack := make([]deopt.ValueSource, len(b.stack))
	for i, e := range b.stack {
		switch {
		case e.ci >= 0:
			stack[i] = deopt.ValueSource{Kind: deopt.SrcConst, Index: e.ci}
		case e.kind == kindInt:
			stack[i] = deopt.ValueSource{Kind: deopt.SrcIntReg, Index: i}
		default:
			stack[i] = deopt.ValueSource{Kind: deopt.SrcObjReg, Index: i}
		}
	}
	return &deopt.FrameState{
		Version: deopt.DescriptorVersion,
		Resume:  resume,
		Locals:  b.localSources(),
		Stack:   stack,
	}
}

// osrFrameState builds the transfer descriptor for a loop header. Unlike a
// deopt state it is consumed in the load direction, so every stack slot
// must name the register the compiled steps will read; a constant-pool
// source would leave that register unwritten after the transfer.
func (b *builder) osrFrameState(resume int) *deopt.FrameState {
	stack := make([]deopt.ValueSource, len(b.stack))
	for i, e := range b.stack {
		if e.kind == kindInt {
			stack[i] = deopt.ValueSource{Kind: deopt.SrcIntReg, Index: i}
		} else {
			stack[i] = deopt.ValueSource{Kind: deopt.SrcObjReg, Index: i}
		}
	}
	return &deopt.FrameState{
		Version: deopt.DescriptorVersion,
		Resume:  resume,
		Locals:  b.localSources(),
		Stack:   stack,
	}
}

// newGuard allocates a guard for the step about to be emitted and records
// the frame state needed if it fails.
func (b *builder) newGuard(kind GuardKind, bytecodeOffset int) (*Guard, int) {
	off := len(b.steps)
	g := &Guard{Kind: kind, NativeOffset: off, BytecodeOffset: bytecodeOffset}
	b.guards = append(b.guards, g)
	b.states[off] = b.frameState(bytecodeOffset)
	return g, off
}

func (b *builder) emit(f step) {
	b.steps = append(b.steps, f)
}

// emitEntryGuard unboxes one speculated parameter at function entry. This
// is the region boundary for whole-function speculation: past this point no
// use of the parameter needs a type check.
func (b *builder) emitEntryGuard(local int) {
	slot := b.localBase + local
	g, off := b.newGuard(GuardIsInt, 0)
	next := len(b.steps) + 1
	b.emit(func(m *machine) int {
		v, ok := m.regs.Objs[slot].(*object.Int)
		if !ok {
			g.fail()
			m.site = off
			return pcDeopt
		}
		g.pass()
		m.regs.Ints[slot] = v.Value()
		return next
	})
}

func (b *builder) emitReturnNil() {
	b.emit(func(m *machine) int {
		m.result = object.Nil
		return pcReturn
	})
}

// emitBox converts the abstract entry at stack position pos to a boxed
// object register.
func (b *builder) emitBox(pos int) {
	if b.stack[pos].kind != kindInt {
		return
	}
	next := len(b.steps) + 1
	p := pos
	b.emit(func(m *machine) int {
		m.regs.Objs[p] = object.NewInt(m.regs.Ints[p])
		return next
	})
	b.stack[pos].kind = kindObj
}

func (b *builder) push(e absEntry) { b.stack = append(b.stack, e) }

func (b *builder) pop() absEntry {
	e := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return e
}

func (b *builder) operand(ip, n int) int {
	return int(b.src.Instruction(ip + n))
}

func (b *builder) emitInstruction(ip int) error {
	opcode := b.src.Instruction(ip)
	d := len(b.stack)
	switch opcode {
	case op.Nop:

	case op.Halt:
		b.emit(func(m *machine) int {
			m.result = object.Nil
			return pcReturn
		})
		b.live = false

	case op.LoadConst:
		ci := b.operand(ip, 1)
		if ci >= len(b.consts) {
			return errz.Errorf(errz.ErrCompile, "constant %d out of range in %q", ci, b.src.Name())
		}
		next := len(b.steps) + 1
		if iv, ok := b.consts[ci].(*object.Int); ok {
			val := iv.Value()
			b.emit(func(m *machine) int {
				m.regs.Ints[d] = val
				return next
			})
			b.push(absEntry{kind: kindInt, ci: ci, local: -1})
		} else {
			obj := b.consts[ci]
			b.emit(func(m *machine) int {
				m.regs.Objs[d] = obj
				return next
			})
			b.push(absEntry{kind: kindObj, ci: ci, local: -1})
		}

	case op.Nil, op.True, op.False:
		var obj object.Object
		switch opcode {
		case op.Nil:
			obj = object.Nil
		case op.True:
			obj = object.True
		default:
			obj = object.False
		}
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			m.regs.Objs[d] = obj
			return next
		})
		b.push(objEntry())

	case op.LoadFast:
		local := b.operand(ip, 1)
		slot := b.localBase + local
		next := len(b.steps) + 1
		if b.specLocal(local) {
			b.emit(func(m *machine) int {
				m.regs.Ints[d] = m.regs.Ints[slot]
				return next
			})
			e := intEntry()
			e.local = local
			b.push(e)
		} else {
			b.emit(func(m *machine) int {
				m.regs.Objs[d] = m.regs.Objs[slot]
				return next
			})
			e := objEntry()
			e.local = local
			b.push(e)
		}

	case op.StoreFast:
		local := b.operand(ip, 1)
		slot := b.localBase + local
		e := b.stack[d-1]
		switch {
		case b.specLocal(local) && e.kind == kindInt:
			next := len(b.steps) + 1
			b.emit(func(m *machine) int {
				m.regs.Ints[slot] = m.regs.Ints[d-1]
				return next
			})
		case b.specLocal(local):
			// The value kind is unknown at compile time, so the store is
			// itself a speculation point.
			g, off := b.newGuard(GuardIsInt, ip)
			next := len(b.steps) + 1
			b.emit(func(m *machine) int {
				v, ok := m.regs.Objs[d-1].(*object.Int)
				if !ok {
					g.fail()
					m.site = off
					return pcDeopt
				}
				g.pass()
				m.regs.Ints[slot] = v.Value()
				return next
			})
		case e.kind == kindInt:
			next := len(b.steps) + 1
			b.emit(func(m *machine) int {
				m.regs.Objs[slot] = object.NewInt(m.regs.Ints[d-1])
				return next
			})
		default:
			next := len(b.steps) + 1
			b.emit(func(m *machine) int {
				m.regs.Objs[slot] = m.regs.Objs[d-1]
				return next
			})
		}
		b.pop()

	case op.LoadGlobal:
		g := b.operand(ip, 1)
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			m.regs.Objs[d] = m.rt.Global(g)
			return next
		})
		b.push(objEntry())

	case op.StoreGlobal:
		g := b.operand(ip, 1)
		b.emitBox(d - 1)
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			m.rt.SetGlobal(g, m.regs.Objs[d-1])
			return next
		})
		b.pop()

	case op.PopTop:
		b.pop()

	case op.Copy:
		n := b.operand(ip, 1)
		src := d - 1 - n
		if src < 0 {
			return errz.Errorf(errz.ErrCompile, "copy depth %d underflows at offset %d", n, ip)
		}
		e := b.stack[src]
		next := len(b.steps) + 1
		if e.kind == kindInt {
			b.emit(func(m *machine) int {
				m.regs.Ints[d] = m.regs.Ints[src]
				return next
			})
		} else {
			b.emit(func(m *machine) int {
				m.regs.Objs[d] = m.regs.Objs[src]
				return next
			})
		}
		b.push(e)

	case op.Swap:
		n := b.operand(ip, 1)
		other := d - 1 - n
		if other < 0 {
			return errz.Errorf(errz.ErrCompile, "swap depth %d underflows at offset %d", n, ip)
		}
		b.emitBox(other)
		b.emitBox(d - 1)
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			m.regs.Objs[other], m.regs.Objs[d-1] = m.regs.Objs[d-1], m.regs.Objs[other]
			return next
		})
		b.stack[other], b.stack[d-1] = b.stack[d-1], b.stack[other]

	case op.UnaryNot:
		e := b.stack[d-1]
		next := len(b.steps) + 1
		if e.kind == kindInt {
			b.emit(func(m *machine) int {
				m.regs.Objs[d-1] = object.NewBool(m.regs.Ints[d-1] == 0)
				return next
			})
		} else {
			b.emit(func(m *machine) int {
				m.regs.Objs[d-1] = object.NewBool(!m.regs.Objs[d-1].IsTruthy())
				return next
			})
		}
		b.pop()
		b.push(objEntry())

	case op.UnaryNegative:
		e := b.stack[d-1]
		if e.kind == kindInt {
			g, off := b.newGuard(GuardNoOverflow, ip)
			next := len(b.steps) + 1
			b.emit(func(m *machine) int {
				v := m.regs.Ints[d-1]
				if v == math.MinInt64 {
					g.fail()
					m.site = off
					return pcDeopt
				}
				g.pass()
				m.regs.Ints[d-1] = -v
				return next
			})
			b.pop()
			b.push(intEntry())
		} else {
			next := len(b.steps) + 1
			b.emit(func(m *machine) int {
				r, err := object.Negate(m.regs.Objs[d-1])
				if err != nil {
					m.err = err
					return pcErr
				}
				m.regs.Objs[d-1] = r
				return next
			})
			b.pop()
			b.push(objEntry())
		}

	case op.BinaryOp:
		return b.emitBinaryOp(ip)

	case op.CompareOp:
		return b.emitCompareOp(ip)

	case op.BinarySubscr:
		b.emitBox(d - 2)
		b.emitBox(d - 1)
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			r, err := object.GetItem(m.regs.Objs[d-2], m.regs.Objs[d-1])
			if err != nil {
				m.err = err
				return pcErr
			}
			m.regs.Objs[d-2] = r
			return next
		})
		b.pop()
		b.pop()
		b.push(objEntry())

	case op.Length:
		b.emitBox(d - 1)
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			r, err := object.Length(m.regs.Objs[d-1])
			if err != nil {
				m.err = err
				return pcErr
			}
			m.regs.Objs[d-1] = r
			return next
		})
		b.pop()
		b.push(objEntry())

	case op.BuildList:
		n := b.operand(ip, 1)
		if n > d {
			return errz.Errorf(errz.ErrCompile, "list of %d underflows at offset %d", n, ip)
		}
		for i := d - n; i < d; i++ {
			b.emitBox(i)
		}
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			items := make([]object.Object, n)
			copy(items, m.regs.Objs[d-n:d])
			m.regs.Objs[d-n] = object.NewList(items)
			return next
		})
		for i := 0; i < n; i++ {
			b.pop()
		}
		b.push(objEntry())

	case op.Call:
		argc := b.operand(ip, 1)
		if argc+1 > d {
			return errz.Errorf(errz.ErrCompile, "call with %d args underflows at offset %d", argc, ip)
		}
		for i := d - argc - 1; i < d; i++ {
			b.emitBox(i)
		}
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			args := make([]object.Object, argc)
			copy(args, m.regs.Objs[d-argc:d])
			r, err := m.rt.CallFunction(m.ctx, m.regs.Objs[d-argc-1], args)
			if err != nil {
				m.err = err
				return pcErr
			}
			m.regs.Objs[d-argc-1] = r
			return next
		})
		for i := 0; i < argc+1; i++ {
			b.pop()
		}
		b.push(objEntry())

	case op.ReturnValue:
		b.emitBox(d - 1)
		b.emit(func(m *machine) int {
			m.result = m.regs.Objs[d-1]
			return pcReturn
		})
		b.pop()
		b.live = false

	case op.Raise:
		b.emitBox(d - 1)
		b.emit(func(m *machine) int {
			m.err = object.Raise(m.regs.Objs[d-1])
			return pcErr
		})
		b.pop()
		b.live = false

	case op.JumpForward:
		target := ip + b.operand(ip, 1)
		if err := b.recordForward(ip, target); err != nil {
			return err
		}
		pcOf := b.pcOf
		b.emit(func(m *machine) int {
			return pcOf[target]
		})
		b.live = false

	case op.PopJumpForwardIfFalse, op.PopJumpForwardIfTrue:
		target := ip + b.operand(ip, 1)
		e := b.pop()
		if err := b.recordForward(ip, target); err != nil {
			return err
		}
		onTrue := opcode == op.PopJumpForwardIfTrue
		pcOf := b.pcOf
		next := len(b.steps) + 1
		if e.kind == kindInt {
			b.emit(func(m *machine) int {
				if (m.regs.Ints[d-1] != 0) == onTrue {
					return pcOf[target]
				}
				return next
			})
		} else {
			b.emit(func(m *machine) int {
				if m.regs.Objs[d-1].IsTruthy() == onTrue {
					return pcOf[target]
				}
				return next
			})
		}

	case op.JumpBackward:
		target := ip - b.operand(ip, 1)
		if target < 0 || target >= len(b.pcOf) {
			return errz.Errorf(errz.ErrCompile, "backward jump target %d out of range", target)
		}
		recorded, ok := b.atStart[target]
		if !ok {
			return errz.Errorf(errz.ErrCompile,
				"backward jump into the middle of an instruction at offset %d", ip)
		}
		if !backEdgeCompatible(recorded, b.stack) {
			return errz.Errorf(errz.ErrCompile,
				"inconsistent operand kinds on back edge to offset %d in %q", target, b.src.Name())
		}
		pcOf := b.pcOf
		b.emit(func(m *machine) int {
			m.backEdges++
			if m.backEdges&contextCheckMask == 0 {
				if err := m.ctx.Err(); err != nil {
					m.err = errz.Errorf(errz.ErrCancelled, "execution cancelled: %v", err)
					return pcErr
				}
			}
			return pcOf[target]
		})
		b.live = false

	case op.Await:
		return errz.Errorf(errz.ErrCompile,
			"function %q awaits a future and stays interpreted", b.src.Name())

	default:
		return errz.Errorf(errz.ErrCompile,
			"opcode %s is not compilable", op.GetInfo(opcode).Name)
	}
	return nil
}

// recordForward registers the current abstract state as the in-state of a
// forward-jump target.
func (b *builder) recordForward(ip, target int) error {
	if target <= ip || target >= len(b.pcOf) {
		return errz.Errorf(errz.ErrCompile, "forward jump target %d out of range at offset %d", target, ip)
	}
	if pend, ok := b.pending[target]; ok {
		merged, ok := mergeStacks(pend, b.stack)
		if !ok {
			return errz.Errorf(errz.ErrCompile,
				"inconsistent operand kinds at join offset %d in %q", target, b.src.Name())
		}
		b.pending[target] = merged
		return nil
	}
	b.pending[target] = cloneStack(b.stack)
	return nil
}

// backEdgeCompatible checks that values flowing around a loop match the
// descriptors already fixed when the loop header was compiled. Constants are
// the strict case: a header descriptor that says SrcConst cannot accept a
// different value from the back edge.
func backEdgeCompatible(recorded, current []absEntry) bool {
	if len(recorded) != len(current) {
		return false
	}
	for i := range recorded {
		if recorded[i].kind != current[i].kind {
			return false
		}
		if recorded[i].ci >= 0 && recorded[i].ci != current[i].ci {
			return false
		}
	}
	return true
}

// emitBinaryOp lowers one arithmetic site. Operands statically known to be
// integers compile to unguarded unboxed arithmetic; boxed operands with
// all-int feedback get a type guard each and the same unboxed arithmetic;
// everything else goes through the generic runtime path.
func (b *builder) emitBinaryOp(ip int) error {
	if len(b.stack) < 2 {
		return errz.Errorf(errz.ErrCompile, "operand stack underflow at offset %d", ip)
	}
	btype := op.BinaryOpType(b.operand(ip, 1))
	d := len(b.stack)
	l, r := b.stack[d-2], b.stack[d-1]

	intOperands := l.kind == kindInt && r.kind == kindInt
	if !intOperands && b.prof != nil && b.prof.StableInt(ip) {
		if l.kind == kindObj {
			b.emitUnboxGuard(d-2, ip)
		}
		if r.kind == kindObj {
			b.emitUnboxGuard(d-1, ip)
		}
		intOperands = true
	}
	if intOperands {
		b.emitIntArith(btype, ip, d)
		b.pop()
		b.pop()
		b.push(intEntry())
		return nil
	}

	b.emitBox(d - 2)
	b.emitBox(d - 1)
	next := len(b.steps) + 1
	b.emit(func(m *machine) int {
		res, err := object.BinaryOp(btype, m.regs.Objs[d-2], m.regs.Objs[d-1])
		if err != nil {
			m.err = err
			return pcErr
		}
		m.regs.Objs[d-2] = res
		return next
	})
	b.pop()
	b.pop()
	b.push(objEntry())
	return nil
}

// emitUnboxGuard emits a type guard that unboxes the object register at pos
// into the matching integer register. The abstract entry keeps its boxed
// kind: the object register still holds the authoritative box, which is
// what the frame state descriptors for this site point at.
func (b *builder) emitUnboxGuard(pos, ip int) {
	g, off := b.newGuard(GuardIsInt, ip)
	next := len(b.steps) + 1
	p := pos
	b.emit(func(m *machine) int {
		v, ok := m.regs.Objs[p].(*object.Int)
		if !ok {
			g.fail()
			m.site = off
			return pcDeopt
		}
		g.pass()
		m.regs.Ints[p] = v.Value()
		return next
	})
}

// emitIntArith emits unboxed integer arithmetic over Ints[d-2] and
// Ints[d-1], writing the result to Ints[d-2]. Results that would leave the
// integer domain (overflow, inexact division) deoptimize: the interpreter's
// promotion rule then produces the float result.
func (b *builder) emitIntArith(btype op.BinaryOpType, ip, d int) {
	switch btype {
	case op.Add, op.Subtract, op.Multiply:
		g, off := b.newGuard(GuardNoOverflow, ip)
		var fn func(a, b int64) (int64, bool)
		switch btype {
		case op.Add:
			fn = object.AddNoOverflow
		case op.Subtract:
			fn = object.SubNoOverflow
		default:
			fn = object.MulNoOverflow
		}
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			res, ok := fn(m.regs.Ints[d-2], m.regs.Ints[d-1])
			if !ok {
				g.fail()
				m.site = off
				return pcDeopt
			}
			g.pass()
			m.regs.Ints[d-2] = res
			return next
		})

	case op.Divide:
		gz, offz := b.newGuard(GuardNonZero, ip)
		nextz := len(b.steps) + 1
		b.emit(func(m *machine) int {
			if m.regs.Ints[d-1] == 0 {
				gz.fail()
				m.site = offz
				return pcDeopt
			}
			gz.pass()
			return nextz
		})
		gd, offd := b.newGuard(GuardExactDiv, ip)
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			a, bb := m.regs.Ints[d-2], m.regs.Ints[d-1]
			if a%bb != 0 || (a == math.MinInt64 && bb == -1) {
				gd.fail()
				m.site = offd
				return pcDeopt
			}
			gd.pass()
			m.regs.Ints[d-2] = a / bb
			return next
		})

	case op.Modulo:
		gz, offz := b.newGuard(GuardNonZero, ip)
		next := len(b.steps) + 1
		b.emit(func(m *machine) int {
			bb := m.regs.Ints[d-1]
			if bb == 0 {
				gz.fail()
				m.site = offz
				return pcDeopt
			}
			gz.pass()
			m.regs.Ints[d-2] %= bb
			return next
		})

	default:
		// Unknown operator: report the same type error the interpreter
		// would.
		b.emit(func(m *machine) int {
			m.err = errz.TypeErrorf("unknown binary operation: %d", btype)
			return pcErr
		})
	}
}

// emitCompareOp lowers one comparison site, mirroring emitBinaryOp.
func (b *builder) emitCompareOp(ip int) error {
	if len(b.stack) < 2 {
		return errz.Errorf(errz.ErrCompile, "operand stack underflow at offset %d", ip)
	}
	ctype := op.CompareOpType(b.operand(ip, 1))
	d := len(b.stack)
	l, r := b.stack[d-2], b.stack[d-1]

	intOperands := l.kind == kindInt && r.kind == kindInt
	if !intOperands && b.prof != nil && b.prof.StableInt(ip) {
		if l.kind == kindObj {
			b.emitUnboxGuard(d-2, ip)
		}
		if r.kind == kindObj {
			b.emitUnboxGuard(d-1, ip)
		}
		intOperands = true
	}
	if intOperands {
		next := len(b.steps) + 1
		var cmp func(a, b int64) bool
		switch ctype {
		case op.LessThan:
			cmp = func(a, b int64) bool { return a < b }
		case op.LessThanOrEqual:
			cmp = func(a, b int64) bool { return a <= b }
		case op.GreaterThan:
			cmp = func(a, b int64) bool { return a > b }
		case op.GreaterThanOrEqual:
			cmp = func(a, b int64) bool { return a >= b }
		case op.Equal:
			cmp = func(a, b int64) bool { return a == b }
		case op.NotEqual:
			cmp = func(a, b int64) bool { return a != b }
		default:
			return errz.Errorf(errz.ErrCompile, "unknown comparison %d at offset %d", ctype, ip)
		}
		b.emit(func(m *machine) int {
			m.regs.Objs[d-2] = object.NewBool(cmp(m.regs.Ints[d-2], m.regs.Ints[d-1]))
			return next
		})
		b.pop()
		b.pop()
		b.push(objEntry())
		return nil
	}

	b.emitBox(d - 2)
	b.emitBox(d - 1)
	next := len(b.steps) + 1
	b.emit(func(m *machine) int {
		res, err := object.Compare(ctype, m.regs.Objs[d-2], m.regs.Objs[d-1])
		if err != nil {
			m.err = err
			return pcErr
		}
		m.regs.Objs[d-2] = res
		return next
	})
	b.pop()
	b.pop()
	b.push(objEntry())
	return nil
}
