package engine

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single engine bytecode instruction. The numbering mirrors the
// table extracted from the engine build; any drift between these constants
// and the running engine is caught by the startup canary validation, which
// disables the JIT rather than letting it misread the stream.
type Opcode byte

// Stack and constants
const (
	OpInvalid   Opcode = 0x00 // never emitted by the engine
	OpPushI32   Opcode = 0x01 // push inline int32 constant
	OpPushConst Opcode = 0x02 // push constant-pool entry (32-bit index)
	OpUndefined Opcode = 0x06 // push undefined
	OpNull      Opcode = 0x07 // push null
	OpPushFalse Opcode = 0x09 // push false
	OpPushTrue  Opcode = 0x0A // push true
	OpDrop      Opcode = 0x0E // discard top of stack
	OpNip       Opcode = 0x0F // discard the value under the top
	OpDup       Opcode = 0x11 // duplicate top of stack
	OpSwap      Opcode = 0x1A // exchange the two top entries
)

// Arguments and locals, long encodings (16-bit slot index)
const (
	OpGetArg Opcode = 0x20 // push argument slot
	OpPutArg Opcode = 0x21 // pop into argument slot
	OpSetArg Opcode = 0x22 // store top of stack into argument slot, no pop
	OpGetLoc Opcode = 0x23 // push local slot
	OpPutLoc Opcode = 0x24 // pop into local slot
	OpSetLoc Opcode = 0x25 // store top of stack into local slot, no pop
)

// Control flow. Branch operands are byte offsets relative to the first
// operand byte, exactly as consumed by the engine dispatch loop.
const (
	OpReturn      Opcode = 0x28 // return top of stack
	OpReturnUndef Opcode = 0x29 // return undefined
	OpGoto        Opcode = 0x2A // unconditional branch (32-bit offset)
	OpIfTrue      Opcode = 0x2B // pop, branch if truthy (32-bit offset)
	OpIfFalse     Opcode = 0x2C // pop, branch if falsy (32-bit offset)
)

// Arithmetic
const (
	OpAdd  Opcode = 0x30
	OpSub  Opcode = 0x31
	OpMul  Opcode = 0x32
	OpDiv  Opcode = 0x33
	OpMod  Opcode = 0x34
	OpNeg  Opcode = 0x35
	OpInc  Opcode = 0x36
	OpDec  Opcode = 0x37
	OpPlus Opcode = 0x38 // unary +, numeric identity
)

// Bitwise
const (
	OpAnd Opcode = 0x3A
	OpOr  Opcode = 0x3B
	OpXor Opcode = 0x3C
	OpNot Opcode = 0x3D // bitwise complement
	OpShl Opcode = 0x3E
	OpSar Opcode = 0x3F // arithmetic shift right (>>)
	OpShr Opcode = 0x40 // logical shift right (>>>)
)

// Comparisons and logical negation
const (
	OpLt        Opcode = 0x44
	OpLte       Opcode = 0x45
	OpGt        Opcode = 0x46
	OpGte       Opcode = 0x47
	OpEq        Opcode = 0x48
	OpNeq       Opcode = 0x49
	OpStrictEq  Opcode = 0x4A
	OpStrictNeq Opcode = 0x4B
	OpLNot      Opcode = 0x4C
)

// Short encodings
const (
	OpPush0      Opcode = 0x50 // push the constant 0..7, zero operands
	OpPush1      Opcode = 0x51
	OpPush2      Opcode = 0x52
	OpPush3      Opcode = 0x53
	OpPush4      Opcode = 0x54
	OpPush5      Opcode = 0x55
	OpPush6      Opcode = 0x56
	OpPush7      Opcode = 0x57
	OpPushI8     Opcode = 0x58 // push inline int8 constant
	OpPushI16    Opcode = 0x59 // push inline int16 constant
	OpPushConst8 Opcode = 0x5A // push constant-pool entry (8-bit index)

	OpGetLoc0 Opcode = 0x60 // push local 0..3, zero operands
	OpGetLoc1 Opcode = 0x61
	OpGetLoc2 Opcode = 0x62
	OpGetLoc3 Opcode = 0x63
	OpPutLoc0 Opcode = 0x64 // pop into local 0..3, zero operands
	OpPutLoc1 Opcode = 0x65
	OpPutLoc2 Opcode = 0x66
	OpPutLoc3 Opcode = 0x67
	OpGetLoc8 Opcode = 0x68 // push local (8-bit index)
	OpPutLoc8 Opcode = 0x69 // pop into local (8-bit index)

	OpGetArg0 Opcode = 0x6A // push argument 0..3, zero operands
	OpGetArg1 Opcode = 0x6B
	OpGetArg2 Opcode = 0x6C
	OpGetArg3 Opcode = 0x6D
	OpPutArg0 Opcode = 0x6E // pop into argument 0..3, zero operands
	OpPutArg1 Opcode = 0x6F
	OpPutArg2 Opcode = 0x70
	OpPutArg3 Opcode = 0x71

	OpGoto8    Opcode = 0x74 // unconditional branch (8-bit offset)
	OpGoto16   Opcode = 0x75 // unconditional branch (16-bit offset)
	OpIfTrue8  Opcode = 0x76 // pop, branch if truthy (8-bit offset)
	OpIfFalse8 Opcode = 0x77 // pop, branch if falsy (8-bit offset)
)

// Opcodes the engine emits but the JIT never translates. Kept in the table
// so the reader and the reference interpreter can still walk past them.
const (
	OpPushAtomValue Opcode = 0x80 // push interned string (32-bit atom)
	OpGetField      Opcode = 0x81 // property load (32-bit atom)
	OpPutField      Opcode = 0x82 // property store (32-bit atom)
	OpCall          Opcode = 0x83 // call with 16-bit argument count
	OpFClosure      Opcode = 0x84 // instantiate closure (32-bit cpool index)
	OpPushThis      Opcode = 0x85 // push this binding
)

// ---------------------------------------------------------------------------
// Operand formats and metadata
// ---------------------------------------------------------------------------

// OperandFormat describes how an opcode's operand bytes are decoded.
type OperandFormat uint8

const (
	FmtNone    OperandFormat = iota // no operand
	FmtI8                           // signed 8-bit immediate
	FmtI16                          // signed 16-bit immediate
	FmtI32                          // signed 32-bit immediate
	FmtU8                           // unsigned 8-bit index
	FmtU16                          // unsigned 16-bit index
	FmtU32                          // unsigned 32-bit index
	FmtLabel8                       // signed 8-bit branch offset
	FmtLabel16                      // signed 16-bit branch offset
	FmtLabel32                      // signed 32-bit branch offset
	FmtNPop16                       // unsigned 16-bit argument count
)

// OpcodeInfo holds the decode metadata for one opcode.
type OpcodeInfo struct {
	Name string        // engine's name for the instruction
	Size int           // total encoded size including the opcode byte
	Fmt  OperandFormat // operand decoding
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpInvalid:   {"invalid", 1, FmtNone},
	OpPushI32:   {"push_i32", 5, FmtI32},
	OpPushConst: {"push_const", 5, FmtU32},
	OpUndefined: {"undefined", 1, FmtNone},
	OpNull:      {"null", 1, FmtNone},
	OpPushFalse: {"push_false", 1, FmtNone},
	OpPushTrue:  {"push_true", 1, FmtNone},
	OpDrop:      {"drop", 1, FmtNone},
	OpNip:       {"nip", 1, FmtNone},
	OpDup:       {"dup", 1, FmtNone},
	OpSwap:      {"swap", 1, FmtNone},

	OpGetArg: {"get_arg", 3, FmtU16},
	OpPutArg: {"put_arg", 3, FmtU16},
	OpSetArg: {"set_arg", 3, FmtU16},
	OpGetLoc: {"get_loc", 3, FmtU16},
	OpPutLoc: {"put_loc", 3, FmtU16},
	OpSetLoc: {"set_loc", 3, FmtU16},

	OpReturn:      {"return", 1, FmtNone},
	OpReturnUndef: {"return_undef", 1, FmtNone},
	OpGoto:        {"goto", 5, FmtLabel32},
	OpIfTrue:      {"if_true", 5, FmtLabel32},
	OpIfFalse:     {"if_false", 5, FmtLabel32},

	OpAdd:  {"add", 1, FmtNone},
	OpSub:  {"sub", 1, FmtNone},
	OpMul:  {"mul", 1, FmtNone},
	OpDiv:  {"div", 1, FmtNone},
	OpMod:  {"mod", 1, FmtNone},
	OpNeg:  {"neg", 1, FmtNone},
	OpInc:  {"inc", 1, FmtNone},
	OpDec:  {"dec", 1, FmtNone},
	OpPlus: {"plus", 1, FmtNone},

	OpAnd: {"and", 1, FmtNone},
	OpOr:  {"or", 1, FmtNone},
	OpXor: {"xor", 1, FmtNone},
	OpNot: {"not", 1, FmtNone},
	OpShl: {"shl", 1, FmtNone},
	OpSar: {"sar", 1, FmtNone},
	OpShr: {"shr", 1, FmtNone},

	OpLt:        {"lt", 1, FmtNone},
	OpLte:       {"lte", 1, FmtNone},
	OpGt:        {"gt", 1, FmtNone},
	OpGte:       {"gte", 1, FmtNone},
	OpEq:        {"eq", 1, FmtNone},
	OpNeq:       {"neq", 1, FmtNone},
	OpStrictEq:  {"strict_eq", 1, FmtNone},
	OpStrictNeq: {"strict_neq", 1, FmtNone},
	OpLNot:      {"lnot", 1, FmtNone},

	OpPush0:      {"push_0", 1, FmtNone},
	OpPush1:      {"push_1", 1, FmtNone},
	OpPush2:      {"push_2", 1, FmtNone},
	OpPush3:      {"push_3", 1, FmtNone},
	OpPush4:      {"push_4", 1, FmtNone},
	OpPush5:      {"push_5", 1, FmtNone},
	OpPush6:      {"push_6", 1, FmtNone},
	OpPush7:      {"push_7", 1, FmtNone},
	OpPushI8:     {"push_i8", 2, FmtI8},
	OpPushI16:    {"push_i16", 3, FmtI16},
	OpPushConst8: {"push_const8", 2, FmtU8},

	OpGetLoc0: {"get_loc0", 1, FmtNone},
	OpGetLoc1: {"get_loc1", 1, FmtNone},
	OpGetLoc2: {"get_loc2", 1, FmtNone},
	OpGetLoc3: {"get_loc3", 1, FmtNone},
	OpPutLoc0: {"put_loc0", 1, FmtNone},
	OpPutLoc1: {"put_loc1", 1, FmtNone},
	OpPutLoc2: {"put_loc2", 1, FmtNone},
	OpPutLoc3: {"put_loc3", 1, FmtNone},
	OpGetLoc8: {"get_loc8", 2, FmtU8},
	OpPutLoc8: {"put_loc8", 2, FmtU8},

	OpGetArg0: {"get_arg0", 1, FmtNone},
	OpGetArg1: {"get_arg1", 1, FmtNone},
	OpGetArg2: {"get_arg2", 1, FmtNone},
	OpGetArg3: {"get_arg3", 1, FmtNone},
	OpPutArg0: {"put_arg0", 1, FmtNone},
	OpPutArg1: {"put_arg1", 1, FmtNone},
	OpPutArg2: {"put_arg2", 1, FmtNone},
	OpPutArg3: {"put_arg3", 1, FmtNone},

	OpGoto8:    {"goto8", 2, FmtLabel8},
	OpGoto16:   {"goto16", 3, FmtLabel16},
	OpIfTrue8:  {"if_true8", 2, FmtLabel8},
	OpIfFalse8: {"if_false8", 2, FmtLabel8},

	OpPushAtomValue: {"push_atom_value", 5, FmtU32},
	OpGetField:      {"get_field", 5, FmtU32},
	OpPutField:      {"put_field", 5, FmtU32},
	OpCall:          {"call", 3, FmtNPop16},
	OpFClosure:      {"fclosure", 5, FmtU32},
	OpPushThis:      {"push_this", 1, FmtNone},
}

// Info returns the metadata for an opcode. Unknown opcodes decode as
// single-byte instructions so a reader can still report their position.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	if !ok {
		return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op)), Size: 1, Fmt: FmtNone}, false
	}
	return info, true
}

// Name returns the engine's name for the opcode.
func (op Opcode) Name() string {
	info, _ := op.Info()
	return info.Name
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Bytecode builder
// ---------------------------------------------------------------------------

// Builder constructs opcode streams in the engine's encoding. It is used by
// the simulated host and by tests; the engine proper produces its streams
// from its own front end.
type Builder struct {
	bytes []byte
}

// NewBuilder creates an empty bytecode builder.
func NewBuilder() *Builder {
	return &Builder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the encoded stream.
func (b *Builder) Bytes() []byte {
	return b.bytes
}

// Len returns the current encoded length.
func (b *Builder) Len() int {
	return len(b.bytes)
}

// Op appends a zero-operand instruction.
func (b *Builder) Op(op Opcode) *Builder {
	b.bytes = append(b.bytes, byte(op))
	return b
}

// U8 appends an instruction with an unsigned 8-bit operand.
func (b *Builder) U8(op Opcode, v uint8) *Builder {
	b.bytes = append(b.bytes, byte(op), v)
	return b
}

// I8 appends an instruction with a signed 8-bit operand.
func (b *Builder) I8(op Opcode, v int8) *Builder {
	b.bytes = append(b.bytes, byte(op), byte(v))
	return b
}

// U16 appends an instruction with an unsigned 16-bit operand.
func (b *Builder) U16(op Opcode, v uint16) *Builder {
	b.bytes = append(b.bytes, byte(op), byte(v), byte(v>>8))
	return b
}

// I16 appends an instruction with a signed 16-bit operand.
func (b *Builder) I16(op Opcode, v int16) *Builder {
	return b.U16(op, uint16(v))
}

// I32 appends an instruction with a signed 32-bit operand.
func (b *Builder) I32(op Opcode, v int32) *Builder {
	b.bytes = append(b.bytes, byte(op))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	b.bytes = append(b.bytes, buf[:]...)
	return b
}

// U32 appends an instruction with an unsigned 32-bit operand.
func (b *Builder) U32(op Opcode, v uint32) *Builder {
	return b.I32(op, int32(v))
}

// Label is a forward branch target under construction.
type Label struct {
	resolved bool
	target   int
	refs     []labelRef
}

type labelRef struct {
	operandPos int // offset of the first operand byte
	width      int // 1, 2 or 4
}

// NewLabel creates an unresolved branch target.
func (b *Builder) NewLabel() *Label {
	return &Label{}
}

// Mark resolves the label to the current position and patches every branch
// already emitted against it.
func (b *Builder) Mark(l *Label) {
	if l.resolved {
		panic("engine: label already resolved")
	}
	l.resolved = true
	l.target = len(b.bytes)
	for _, ref := range l.refs {
		b.patchBranch(ref, l.target)
	}
	l.refs = nil
}

// Branch appends a branch instruction against the label. The operand is the
// target offset relative to the first operand byte; forward references are
// patched when the label is marked.
func (b *Builder) Branch(op Opcode, l *Label) *Builder {
	info, ok := op.Info()
	if !ok {
		panic("engine: branch with unknown opcode")
	}
	var width int
	switch info.Fmt {
	case FmtLabel8:
		width = 1
	case FmtLabel16:
		width = 2
	case FmtLabel32:
		width = 4
	default:
		panic("engine: branch with non-label opcode " + op.Name())
	}
	b.bytes = append(b.bytes, byte(op))
	ref := labelRef{operandPos: len(b.bytes), width: width}
	for i := 0; i < width; i++ {
		b.bytes = append(b.bytes, 0)
	}
	if l.resolved {
		b.patchBranch(ref, l.target)
	} else {
		l.refs = append(l.refs, ref)
	}
	return b
}

func (b *Builder) patchBranch(ref labelRef, target int) {
	rel := target - ref.operandPos
	switch ref.width {
	case 1:
		if rel < -128 || rel > 127 {
			panic("engine: branch offset does not fit in 8 bits")
		}
		b.bytes[ref.operandPos] = byte(int8(rel))
	case 2:
		if rel < -32768 || rel > 32767 {
			panic("engine: branch offset does not fit in 16 bits")
		}
		binary.LittleEndian.PutUint16(b.bytes[ref.operandPos:], uint16(int16(rel)))
	case 4:
		binary.LittleEndian.PutUint32(b.bytes[ref.operandPos:], uint32(int32(rel)))
	}
}

// ---------------------------------------------------------------------------
// Stream decoding helpers
// ---------------------------------------------------------------------------

// Instruction is one decoded bytecode instruction.
type Instruction struct {
	Offset  int    // byte offset of the opcode within the stream
	Op      Opcode //
	Operand int32  // decoded operand; branch targets already absolute
	Size    int    // encoded size including the opcode byte
}

// DecodeAt decodes the instruction starting at off. For branch formats the
// returned operand is the absolute target offset within the stream.
func DecodeAt(code []byte, off int) (Instruction, error) {
	if off < 0 || off >= len(code) {
		return Instruction{}, fmt.Errorf("engine: decode offset %d out of range", off)
	}
	op := Opcode(code[off])
	info, known := op.Info()
	if !known {
		return Instruction{}, fmt.Errorf("engine: unknown opcode 0x%02x at offset %d", byte(op), off)
	}
	if off+info.Size > len(code) {
		return Instruction{}, fmt.Errorf("engine: truncated %s at offset %d", info.Name, off)
	}
	ins := Instruction{Offset: off, Op: op, Size: info.Size}
	operand := code[off+1 : off+info.Size]
	switch info.Fmt {
	case FmtNone:
	case FmtI8:
		ins.Operand = int32(int8(operand[0]))
	case FmtU8:
		ins.Operand = int32(operand[0])
	case FmtI16:
		ins.Operand = int32(int16(binary.LittleEndian.Uint16(operand)))
	case FmtU16, FmtNPop16:
		ins.Operand = int32(binary.LittleEndian.Uint16(operand))
	case FmtI32, FmtU32:
		ins.Operand = int32(binary.LittleEndian.Uint32(operand))
	case FmtLabel8:
		ins.Operand = int32(off + 1 + int(int8(operand[0])))
	case FmtLabel16:
		ins.Operand = int32(off + 1 + int(int16(binary.LittleEndian.Uint16(operand))))
	case FmtLabel32:
		ins.Operand = int32(off + 1 + int(int32(binary.LittleEndian.Uint32(operand))))
	}
	return ins, nil
}

// Disassemble renders the stream one instruction per line, for diagnostics.
func Disassemble(code []byte) string {
	out := ""
	for off := 0; off < len(code); {
		ins, err := DecodeAt(code, off)
		if err != nil {
			return out + fmt.Sprintf("%04d  <%v>", off, err)
		}
		if out != "" {
			out += "\n"
		}
		info, _ := ins.Op.Info()
		switch info.Fmt {
		case FmtNone:
			out += fmt.Sprintf("%04d  %s", off, info.Name)
		case FmtLabel8, FmtLabel16, FmtLabel32:
			out += fmt.Sprintf("%04d  %s -> %04d", off, info.Name, ins.Operand)
		default:
			out += fmt.Sprintf("%04d  %s %d", off, info.Name, ins.Operand)
		}
		off += ins.Size
	}
	return out
}
