package jit

import (
	"fmt"

	"github.com/chobot2014/JSOS-sub006/engine"
	"github.com/chobot2014/JSOS-sub006/jit/x86"
)

// ---------------------------------------------------------------------------
// Generator: bytecode to IA-32 translation under the integer speculation
// ---------------------------------------------------------------------------

// CompiledCode describes one installed native function body.
type CompiledCode struct {
	Addr     engine.Addr // entry point inside the pool partition
	Len      int         // installed code length in bytes
	ArgCount int         // arity the code was compiled for
}

// Generator translates one function's opcode stream into native code under
// the integer type speculation. The generated code follows the kernel's
// cdecl trampoline convention: int32 arguments on the stack, result in EAX,
// and the reserved sentinel returned on any path whose JavaScript result
// would not be a machine integer (overflow, division faults, negative
// zero). The caller re-executes such calls in the interpreter.
//
// Frame shape: [ebp+8+4i] argument i, [ebp-4(i+1)] local i (zeroed by the
// prologue), operand stack on the machine stack below the locals.
type Generator struct {
	mem engine.Memory
}

// NewGenerator creates a generator that installs code through mem.
func NewGenerator(mem engine.Memory) *Generator {
	return &Generator{mem: mem}
}

// branchFix is a pending branch displacement: the native fixup location and
// the bytecode offset it must land on, plus the operand-stack depth the
// target must have.
type branchFix struct {
	fixPos   int
	targetBC int
	depth    int
	sourceBC int
}

// codegenState carries the per-compilation translation state.
type codegenState struct {
	view *FunctionView
	code []byte
	asm  *x86.Assembler

	// labels maps bytecode offsets to the native offset reached when the
	// translator arrived there.
	labels map[int]int
	// depthAt records the simulated operand-stack depth on arrival at
	// each bytecode offset; -1 marks offsets reached only as dead code.
	depthAt map[int]int
	// branchDepth seeds the depth of forward-branch targets not yet
	// reached linearly.
	branchDepth map[int]int

	branches []branchFix
	bailouts []int // rel32 fixups into the shared bailout stub

	depth int // current simulated depth; -1 in dead code
}

// Compile translates the function and installs the result into the pool
// partition. Compilation must only be requested for an IntegerOnly
// classification; any abort leaves the function interpreted.
func (g *Generator) Compile(view *FunctionView, class Classification, pool *Pool, part PartitionID) (*CompiledCode, error) {
	if class != IntegerOnly {
		return nil, fmt.Errorf("jit: compile requested for %v classification", class)
	}
	if view.ArgCount > engine.TrampolineMaxArgs {
		return nil, compileFail(FailTooManyArgs,
			"%d arguments exceed the %d-argument trampoline", view.ArgCount, engine.TrampolineMaxArgs)
	}

	code, err := view.Bytecode()
	if err != nil {
		return nil, err
	}

	st := &codegenState{
		view:        view,
		code:        code,
		asm:         x86.New(),
		labels:      make(map[int]int),
		depthAt:     make(map[int]int),
		branchDepth: make(map[int]int),
	}

	st.emitPrologue()
	if err := st.translate(); err != nil {
		return nil, err
	}
	if err := st.resolve(); err != nil {
		return nil, err
	}

	body := st.asm.Code()
	addr, ok := pool.Alloc(part, uint32(len(body)))
	if !ok {
		return nil, compileFail(FailPoolExhausted,
			"%d bytes from partition %d", len(body), part)
	}
	if err := g.mem.WriteBytes(addr, body); err != nil {
		return nil, fmt.Errorf("jit: install code at %#x: %w", addr, err)
	}
	return &CompiledCode{Addr: addr, Len: len(body), ArgCount: view.ArgCount}, nil
}

// emitPrologue establishes the frame and zero-initializes every local slot.
func (st *codegenState) emitPrologue() {
	st.asm.PushReg(x86.EBP)
	st.asm.MovRegReg(x86.EBP, x86.ESP)
	for i := 0; i < st.view.VarCount; i++ {
		st.asm.PushImm8(0)
	}
}

// translate walks the whole opcode stream linearly, emitting native code
// per instruction and recording the label table as it goes.
func (st *codegenState) translate() error {
	for off := 0; off < len(st.code); {
		ins, err := engine.DecodeAt(st.code, off)
		if err != nil {
			return compileFailAt(FailUnsupportedOpcode, off, "%v", err)
		}

		// Dead code becomes live again at a known branch target.
		if d, ok := st.branchDepth[off]; st.depth < 0 && ok {
			st.depth = d
		}
		st.labels[off] = st.asm.Len()
		st.depthAt[off] = st.depth

		if err := st.emit(ins); err != nil {
			return err
		}
		off += ins.Size
	}
	return nil
}

// resolve patches every pending branch against the label table and emits
// the shared bailout stub.
func (st *codegenState) resolve() error {
	if len(st.bailouts) > 0 {
		stub := st.asm.Len()
		st.asm.MovRegImm32(x86.EAX, engine.BailoutSentinelBits)
		st.emitEpilogue()
		for _, fix := range st.bailouts {
			st.asm.Patch(fix, stub)
		}
	}
	for _, br := range st.branches {
		native, ok := st.labels[br.targetBC]
		if !ok {
			return compileFailAt(FailUnresolvedTarget, br.sourceBC,
				"branch to untranslated bytecode offset %d", br.targetBC)
		}
		if want := st.depthAt[br.targetBC]; want >= 0 && br.depth >= 0 && want != br.depth {
			return compileFailAt(FailUnsupportedOpcode, br.sourceBC,
				"operand stack depth %d at branch, %d at target %d", br.depth, want, br.targetBC)
		}
		st.asm.Patch(br.fixPos, native)
	}
	return nil
}

func (st *codegenState) emitEpilogue() {
	st.asm.MovRegReg(x86.ESP, x86.EBP)
	st.asm.PopReg(x86.EBP)
	st.asm.Ret()
}

// bail records a conditional jump into the sentinel-return stub.
func (st *codegenState) bail(cc x86.Cond) {
	st.bailouts = append(st.bailouts, st.asm.JccRel32(cc))
}

// push / pop / use adjust the simulated depth, guarding the bytecode's
// push/pop discipline. In dead code (depth < 0) emission continues but the
// discipline cannot be checked.
func (st *codegenState) pushed(off int) error {
	if st.depth < 0 {
		return nil
	}
	st.depth++
	if st.view.StackSize > 0 && st.depth > st.view.StackSize {
		return compileFailAt(FailUnsupportedOpcode, off,
			"operand stack depth %d exceeds declared maximum %d", st.depth, st.view.StackSize)
	}
	return nil
}

func (st *codegenState) popped(off, n int) error {
	if st.depth < 0 {
		return nil
	}
	if st.depth < n {
		return compileFailAt(FailUnsupportedOpcode, off,
			"operand stack underflow (%d popped at depth %d)", n, st.depth)
	}
	st.depth -= n
	return nil
}

// popBinary accounts for an operation that consumes two operands and
// pushes one.
func (st *codegenState) popBinary(off int) error {
	if st.depth < 0 {
		return nil
	}
	if st.depth < 2 {
		return compileFailAt(FailUnsupportedOpcode, off,
			"operand stack underflow (2 popped at depth %d)", st.depth)
	}
	st.depth--
	return nil
}

// reuses checks that n operands are present for an operation that leaves
// the depth unchanged.
func (st *codegenState) reuses(off, n int) error {
	if st.depth >= 0 && st.depth < n {
		return compileFailAt(FailUnsupportedOpcode, off,
			"operand stack underflow (%d needed at depth %d)", n, st.depth)
	}
	return nil
}

func (st *codegenState) argDisp(idx int) int32 {
	return int32(8 + 4*idx)
}

func (st *codegenState) locDisp(idx int) int32 {
	return int32(-4 * (idx + 1))
}

// pushConstant emits a push of an inline integer.
func (st *codegenState) pushConstant(off int, v int32) error {
	st.asm.MovRegImm32(x86.EAX, uint32(v))
	st.asm.PushReg(x86.EAX)
	return st.pushed(off)
}

// emit translates one decoded instruction. The switch is exhaustive over
// the supported subset; the default arm aborts the compilation.
func (st *codegenState) emit(ins engine.Instruction) error {
	a := st.asm
	off := ins.Offset

	switch ins.Op {
	// --- constants -------------------------------------------------------
	case engine.OpPushI32, engine.OpPushI16, engine.OpPushI8:
		return st.pushConstant(off, ins.Operand)
	case engine.OpPush0, engine.OpPush1, engine.OpPush2, engine.OpPush3,
		engine.OpPush4, engine.OpPush5, engine.OpPush6, engine.OpPush7:
		return st.pushConstant(off, int32(ins.Op-engine.OpPush0))
	case engine.OpPushTrue:
		return st.pushConstant(off, 1)
	case engine.OpPushFalse:
		return st.pushConstant(off, 0)
	case engine.OpPushConst, engine.OpPushConst8:
		v, isInt, err := st.view.Const(int(ins.Operand))
		if err != nil {
			return err
		}
		if !isInt {
			return compileFailAt(FailUnsupportedOpcode, off,
				"constant %d is not a machine integer", ins.Operand)
		}
		return st.pushConstant(off, v)

	// --- stack shuffling -------------------------------------------------
	case engine.OpDrop:
		a.PopReg(x86.ECX)
		return st.popped(off, 1)
	case engine.OpNip:
		a.PopReg(x86.EAX)
		a.PopReg(x86.ECX)
		a.PushReg(x86.EAX)
		return st.popBinary(off)
	case engine.OpDup:
		a.MovRegStackTop(x86.EAX)
		a.PushReg(x86.EAX)
		if err := st.popped(off, 1); err != nil {
			return err
		}
		if err := st.pushed(off); err != nil {
			return err
		}
		return st.pushed(off)
	case engine.OpSwap:
		a.PopReg(x86.EAX)
		a.PopReg(x86.ECX)
		a.PushReg(x86.EAX)
		a.PushReg(x86.ECX)
		return st.reuses(off, 2)

	// --- arguments and locals --------------------------------------------
	case engine.OpGetArg:
		return st.emitGetArg(off, int(ins.Operand))
	case engine.OpGetArg0, engine.OpGetArg1, engine.OpGetArg2, engine.OpGetArg3:
		return st.emitGetArg(off, int(ins.Op-engine.OpGetArg0))
	case engine.OpPutArg:
		return st.emitPutArg(off, int(ins.Operand), true)
	case engine.OpPutArg0, engine.OpPutArg1, engine.OpPutArg2, engine.OpPutArg3:
		return st.emitPutArg(off, int(ins.Op-engine.OpPutArg0), true)
	case engine.OpSetArg:
		return st.emitPutArg(off, int(ins.Operand), false)

	case engine.OpGetLoc:
		return st.emitGetLoc(off, int(ins.Operand))
	case engine.OpGetLoc8:
		return st.emitGetLoc(off, int(ins.Operand))
	case engine.OpGetLoc0, engine.OpGetLoc1, engine.OpGetLoc2, engine.OpGetLoc3:
		return st.emitGetLoc(off, int(ins.Op-engine.OpGetLoc0))
	case engine.OpPutLoc:
		return st.emitPutLoc(off, int(ins.Operand), true)
	case engine.OpPutLoc8:
		return st.emitPutLoc(off, int(ins.Operand), true)
	case engine.OpPutLoc0, engine.OpPutLoc1, engine.OpPutLoc2, engine.OpPutLoc3:
		return st.emitPutLoc(off, int(ins.Op-engine.OpPutLoc0), true)
	case engine.OpSetLoc:
		return st.emitPutLoc(off, int(ins.Operand), false)

	// --- arithmetic ------------------------------------------------------
	case engine.OpAdd:
		a.PopReg(x86.ECX)
		a.PopReg(x86.EAX)
		a.AddRegReg(x86.EAX, x86.ECX)
		st.bail(x86.CondO)
		a.PushReg(x86.EAX)
		return st.popBinary(off)
	case engine.OpSub:
		a.PopReg(x86.ECX)
		a.PopReg(x86.EAX)
		a.SubRegReg(x86.EAX, x86.ECX)
		st.bail(x86.CondO)
		a.PushReg(x86.EAX)
		return st.popBinary(off)
	case engine.OpMul:
		// A zero product of operands with differing signs is the float -0.
		a.PopReg(x86.ECX)
		a.PopReg(x86.EAX)
		a.MovRegReg(x86.EDX, x86.EAX)
		a.XorRegReg(x86.EDX, x86.ECX)
		a.ImulRegReg(x86.EAX, x86.ECX)
		st.bail(x86.CondO)
		a.TestRegReg(x86.EAX, x86.EAX)
		nonZero := a.JccRel32(x86.CondNE)
		a.TestRegReg(x86.EDX, x86.EDX)
		st.bail(x86.CondS)
		a.Patch(nonZero, a.Len())
		a.PushReg(x86.EAX)
		return st.popBinary(off)
	case engine.OpDiv:
		st.emitDiv(false)
		return st.popBinary(off)
	case engine.OpMod:
		st.emitDiv(true)
		return st.popBinary(off)
	case engine.OpNeg:
		// -0 and -INT32_MIN are not machine integers.
		a.PopReg(x86.EAX)
		a.TestRegReg(x86.EAX, x86.EAX)
		st.bail(x86.CondE)
		a.NegReg(x86.EAX)
		st.bail(x86.CondO)
		a.PushReg(x86.EAX)
		return st.reuses(off, 1)
	case engine.OpInc:
		a.PopReg(x86.EAX)
		a.AddRegImm32(x86.EAX, 1)
		st.bail(x86.CondO)
		a.PushReg(x86.EAX)
		return st.reuses(off, 1)
	case engine.OpDec:
		a.PopReg(x86.EAX)
		a.AddRegImm32(x86.EAX, 0xFFFF_FFFF)
		st.bail(x86.CondO)
		a.PushReg(x86.EAX)
		return st.reuses(off, 1)
	case engine.OpPlus:
		// Numeric identity on an integer.
		return st.reuses(off, 1)

	// --- bitwise ---------------------------------------------------------
	case engine.OpAnd:
		a.PopReg(x86.ECX)
		a.PopReg(x86.EAX)
		a.AndRegReg(x86.EAX, x86.ECX)
		a.PushReg(x86.EAX)
		return st.popBinary(off)
	case engine.OpOr:
		a.PopReg(x86.ECX)
		a.PopReg(x86.EAX)
		a.OrRegReg(x86.EAX, x86.ECX)
		a.PushReg(x86.EAX)
		return st.popBinary(off)
	case engine.OpXor:
		a.PopReg(x86.ECX)
		a.PopReg(x86.EAX)
		a.XorRegReg(x86.EAX, x86.ECX)
		a.PushReg(x86.EAX)
		return st.popBinary(off)
	case engine.OpNot:
		a.PopReg(x86.EAX)
		a.NotReg(x86.EAX)
		a.PushReg(x86.EAX)
		return st.reuses(off, 1)
	case engine.OpShl:
		a.PopReg(x86.ECX)
		a.PopReg(x86.EAX)
		a.ShlCl(x86.EAX)
		a.PushReg(x86.EAX)
		return st.popBinary(off)
	case engine.OpSar:
		a.PopReg(x86.ECX)
		a.PopReg(x86.EAX)
		a.SarCl(x86.EAX)
		a.PushReg(x86.EAX)
		return st.popBinary(off)
	case engine.OpShr:
		// >>> is unsigned; results above INT32_MAX are not machine ints.
		a.PopReg(x86.ECX)
		a.PopReg(x86.EAX)
		a.ShrCl(x86.EAX)
		a.TestRegReg(x86.EAX, x86.EAX)
		st.bail(x86.CondS)
		a.PushReg(x86.EAX)
		return st.popBinary(off)

	// --- comparisons -----------------------------------------------------
	case engine.OpLt:
		return st.emitCompare(off, x86.CondL)
	case engine.OpLte:
		return st.emitCompare(off, x86.CondLE)
	case engine.OpGt:
		return st.emitCompare(off, x86.CondG)
	case engine.OpGte:
		return st.emitCompare(off, x86.CondGE)
	case engine.OpEq, engine.OpStrictEq:
		return st.emitCompare(off, x86.CondE)
	case engine.OpNeq, engine.OpStrictNeq:
		return st.emitCompare(off, x86.CondNE)
	case engine.OpLNot:
		a.PopReg(x86.EAX)
		a.TestRegReg(x86.EAX, x86.EAX)
		a.SetccAL(x86.CondE)
		a.MovzxEAXAL()
		a.PushReg(x86.EAX)
		return st.reuses(off, 1)

	// --- control flow ----------------------------------------------------
	case engine.OpGoto, engine.OpGoto16, engine.OpGoto8:
		fix := a.JmpRel32()
		st.recordBranch(fix, int(ins.Operand), off, st.depth)
		st.depth = -1
		return nil
	case engine.OpIfTrue, engine.OpIfTrue8:
		return st.emitCondBranch(ins, x86.CondNE)
	case engine.OpIfFalse, engine.OpIfFalse8:
		return st.emitCondBranch(ins, x86.CondE)

	case engine.OpReturn:
		if st.depth >= 0 && st.depth != 1 {
			return compileFailAt(FailUnsupportedOpcode, off,
				"operand stack depth %d at return", st.depth)
		}
		a.PopReg(x86.EAX)
		st.emitEpilogue()
		st.depth = -1
		return nil
	case engine.OpReturnUndef:
		// Undefined is not representable in the integer convention. A
		// live return_undef always bails to the interpreter; the usual
		// case is the dead trailing one the engine emits.
		st.bailouts = append(st.bailouts, a.JmpRel32())
		st.depth = -1
		return nil
	}

	return compileFailAt(FailUnsupportedOpcode, off, "opcode %s", ins.Op.Name())
}

func (st *codegenState) emitGetArg(off, idx int) error {
	if idx >= st.view.ArgCount {
		return compileFailAt(FailUnsupportedOpcode, off,
			"argument %d out of range (arity %d)", idx, st.view.ArgCount)
	}
	st.asm.MovRegFrame(x86.EAX, st.argDisp(idx))
	st.asm.PushReg(x86.EAX)
	return st.pushed(off)
}

func (st *codegenState) emitPutArg(off, idx int, pop bool) error {
	if idx >= st.view.ArgCount {
		return compileFailAt(FailUnsupportedOpcode, off,
			"argument %d out of range (arity %d)", idx, st.view.ArgCount)
	}
	if pop {
		st.asm.PopReg(x86.EAX)
	} else {
		st.asm.MovRegStackTop(x86.EAX)
	}
	st.asm.MovFrameReg(st.argDisp(idx), x86.EAX)
	if pop {
		return st.popped(off, 1)
	}
	return st.reuses(off, 1)
}

func (st *codegenState) emitGetLoc(off, idx int) error {
	if idx >= st.view.VarCount {
		return compileFailAt(FailUnsupportedOpcode, off,
			"local %d out of range (%d locals)", idx, st.view.VarCount)
	}
	st.asm.MovRegFrame(x86.EAX, st.locDisp(idx))
	st.asm.PushReg(x86.EAX)
	return st.pushed(off)
}

func (st *codegenState) emitPutLoc(off, idx int, pop bool) error {
	if idx >= st.view.VarCount {
		return compileFailAt(FailUnsupportedOpcode, off,
			"local %d out of range (%d locals)", idx, st.view.VarCount)
	}
	if pop {
		st.asm.PopReg(x86.EAX)
	} else {
		st.asm.MovRegStackTop(x86.EAX)
	}
	st.asm.MovFrameReg(st.locDisp(idx), x86.EAX)
	if pop {
		return st.popped(off, 1)
	}
	return st.reuses(off, 1)
}

// emitCompare pops rhs then lhs and pushes 0 or 1. Boolean results
// materialize as machine integers under this convention.
func (st *codegenState) emitCompare(off int, cc x86.Cond) error {
	a := st.asm
	a.PopReg(x86.ECX)
	a.PopReg(x86.EAX)
	a.CmpRegReg(x86.EAX, x86.ECX)
	a.SetccAL(cc)
	a.MovzxEAXAL()
	a.PushReg(x86.EAX)
	return st.popBinary(off)
}

// emitDiv implements JavaScript / and % on integers, bailing out on every
// case whose result is not a machine integer: division by zero, inexact
// quotients, INT32_MIN/-1, and the negative-zero results of both operators.
func (st *codegenState) emitDiv(mod bool) {
	a := st.asm
	a.PopReg(x86.ECX) // divisor
	a.PopReg(x86.EAX) // dividend

	a.TestRegReg(x86.ECX, x86.ECX)
	st.bail(x86.CondE) // division by zero

	// INT32_MIN / -1 faults in hardware and overflows in JavaScript.
	a.CmpRegImm32(x86.ECX, 0xFFFF_FFFF)
	skipMin := a.JccRel32(x86.CondNE)
	a.CmpRegImm32(x86.EAX, 0x8000_0000)
	st.bail(x86.CondE)
	a.Patch(skipMin, a.Len())

	if mod {
		// Remainder takes the dividend's sign; a zero remainder from a
		// negative dividend is the float -0.
		a.PushReg(x86.EAX)
		a.Cdq()
		a.IdivReg(x86.ECX)
		a.PopReg(x86.ECX) // dividend copy
		a.TestRegReg(x86.EDX, x86.EDX)
		exact := a.JccRel32(x86.CondNE)
		a.TestRegReg(x86.ECX, x86.ECX)
		st.bail(x86.CondS)
		a.Patch(exact, a.Len())
		a.PushReg(x86.EDX)
		return
	}

	// A zero dividend over a negative divisor is the float -0.
	a.TestRegReg(x86.EAX, x86.EAX)
	nonZero := a.JccRel32(x86.CondNE)
	a.TestRegReg(x86.ECX, x86.ECX)
	st.bail(x86.CondS)
	a.Patch(nonZero, a.Len())

	a.Cdq()
	a.IdivReg(x86.ECX)
	a.TestRegReg(x86.EDX, x86.EDX)
	st.bail(x86.CondNE) // inexact quotient
	a.PushReg(x86.EAX)
}

func (st *codegenState) emitCondBranch(ins engine.Instruction, cc x86.Cond) error {
	a := st.asm
	a.PopReg(x86.EAX)
	a.TestRegReg(x86.EAX, x86.EAX)
	fix := a.JccRel32(cc)
	if err := st.popped(ins.Offset, 1); err != nil {
		return err
	}
	st.recordBranch(fix, int(ins.Operand), ins.Offset, st.depth)
	return nil
}

func (st *codegenState) recordBranch(fix, targetBC, sourceBC, depth int) {
	st.branches = append(st.branches, branchFix{
		fixPos:   fix,
		targetBC: targetBC,
		depth:    depth,
		sourceBC: sourceBC,
	})
	if depth >= 0 {
		if _, seen := st.labels[targetBC]; !seen {
			st.branchDepth[targetBC] = depth
		}
	}
}
