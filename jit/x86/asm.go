// Package x86 provides the IA-32 instruction emission used by the JIT code
// generator, plus a deterministic machine emulator covering exactly the
// emitted subset. The emulator doubles as the reference implementation of
// the kernel's native-call trampoline for tests and the simulated host.
package x86

import "encoding/binary"

// Reg is an IA-32 general-purpose register number as used in ModRM fields.
type Reg byte

const (
	EAX Reg = 0
	ECX Reg = 1
	EDX Reg = 2
	EBX Reg = 3
	ESP Reg = 4
	EBP Reg = 5
	ESI Reg = 6
	EDI Reg = 7
)

// Cond is a condition code nibble for Jcc and SETcc.
type Cond byte

const (
	CondO  Cond = 0x0 // overflow
	CondNO Cond = 0x1
	CondE  Cond = 0x4 // equal / zero
	CondNE Cond = 0x5
	CondS  Cond = 0x8 // sign
	CondNS Cond = 0x9
	CondL  Cond = 0xC // signed less
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Assembler accumulates IA-32 machine code. Branches within the buffer are
// emitted with placeholder rel32 displacements and patched via Patch once
// their target offset is known.
type Assembler struct {
	code []byte
}

// New creates an empty assembler.
func New() *Assembler {
	return &Assembler{code: make([]byte, 0, 256)}
}

// Code returns the emitted bytes.
func (a *Assembler) Code() []byte {
	return a.code
}

// Len returns the current emitted length.
func (a *Assembler) Len() int {
	return len(a.code)
}

func (a *Assembler) bytes(bs ...byte) {
	a.code = append(a.code, bs...)
}

func (a *Assembler) u32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	a.code = append(a.code, buf[:]...)
}

// modRM packs a ModRM byte.
func modRM(mod, reg, rm byte) byte {
	return mod<<6 | reg<<3 | rm
}

// ---------------------------------------------------------------------------
// Stack and moves
// ---------------------------------------------------------------------------

// PushReg emits push r32.
func (a *Assembler) PushReg(r Reg) {
	a.bytes(0x50 + byte(r))
}

// PopReg emits pop r32.
func (a *Assembler) PopReg(r Reg) {
	a.bytes(0x58 + byte(r))
}

// PushImm8 emits push imm8 (sign-extended to 32 bits).
func (a *Assembler) PushImm8(v int8) {
	a.bytes(0x6A, byte(v))
}

// MovRegImm32 emits mov r32, imm32.
func (a *Assembler) MovRegImm32(r Reg, v uint32) {
	a.bytes(0xB8 + byte(r))
	a.u32(v)
}

// MovRegReg emits mov dst, src.
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.bytes(0x89, modRM(3, byte(src), byte(dst)))
}

// MovRegFrame emits mov r32, [ebp+disp].
func (a *Assembler) MovRegFrame(r Reg, disp int32) {
	a.frameOp(0x8B, r, disp)
}

// MovFrameReg emits mov [ebp+disp], r32.
func (a *Assembler) MovFrameReg(disp int32, r Reg) {
	a.frameOp(0x89, r, disp)
}

// MovRegStackTop emits mov r32, [esp].
func (a *Assembler) MovRegStackTop(r Reg) {
	a.bytes(0x8B, modRM(0, byte(r), 4), 0x24)
}

func (a *Assembler) frameOp(opcode byte, r Reg, disp int32) {
	if disp >= -128 && disp <= 127 {
		a.bytes(opcode, modRM(1, byte(r), byte(EBP)), byte(int8(disp)))
	} else {
		a.bytes(opcode, modRM(2, byte(r), byte(EBP)))
		a.u32(uint32(disp))
	}
}

// ---------------------------------------------------------------------------
// Arithmetic and logic
// ---------------------------------------------------------------------------

// AddRegReg emits add dst, src.
func (a *Assembler) AddRegReg(dst, src Reg) {
	a.bytes(0x01, modRM(3, byte(src), byte(dst)))
}

// SubRegReg emits sub dst, src.
func (a *Assembler) SubRegReg(dst, src Reg) {
	a.bytes(0x29, modRM(3, byte(src), byte(dst)))
}

// AndRegReg emits and dst, src.
func (a *Assembler) AndRegReg(dst, src Reg) {
	a.bytes(0x21, modRM(3, byte(src), byte(dst)))
}

// OrRegReg emits or dst, src.
func (a *Assembler) OrRegReg(dst, src Reg) {
	a.bytes(0x09, modRM(3, byte(src), byte(dst)))
}

// XorRegReg emits xor dst, src.
func (a *Assembler) XorRegReg(dst, src Reg) {
	a.bytes(0x31, modRM(3, byte(src), byte(dst)))
}

// CmpRegReg emits cmp left, right.
func (a *Assembler) CmpRegReg(left, right Reg) {
	a.bytes(0x39, modRM(3, byte(right), byte(left)))
}

// TestRegReg emits test left, right.
func (a *Assembler) TestRegReg(left, right Reg) {
	a.bytes(0x85, modRM(3, byte(right), byte(left)))
}

// CmpRegImm32 emits cmp r32, imm32.
func (a *Assembler) CmpRegImm32(r Reg, v uint32) {
	a.bytes(0x81, modRM(3, 7, byte(r)))
	a.u32(v)
}

// AddRegImm32 emits add r32, imm32.
func (a *Assembler) AddRegImm32(r Reg, v uint32) {
	a.bytes(0x81, modRM(3, 0, byte(r)))
	a.u32(v)
}

// ImulRegReg emits imul dst, src (two-operand signed multiply).
func (a *Assembler) ImulRegReg(dst, src Reg) {
	a.bytes(0x0F, 0xAF, modRM(3, byte(dst), byte(src)))
}

// NegReg emits neg r32.
func (a *Assembler) NegReg(r Reg) {
	a.bytes(0xF7, modRM(3, 3, byte(r)))
}

// NotReg emits not r32.
func (a *Assembler) NotReg(r Reg) {
	a.bytes(0xF7, modRM(3, 2, byte(r)))
}

// Cdq emits cdq (sign-extend EAX into EDX:EAX).
func (a *Assembler) Cdq() {
	a.bytes(0x99)
}

// IdivReg emits idiv r32 (EDX:EAX / r32 -> EAX quotient, EDX remainder).
func (a *Assembler) IdivReg(r Reg) {
	a.bytes(0xF7, modRM(3, 7, byte(r)))
}

// ShlCl emits shl r32, cl.
func (a *Assembler) ShlCl(r Reg) {
	a.bytes(0xD3, modRM(3, 4, byte(r)))
}

// ShrCl emits shr r32, cl.
func (a *Assembler) ShrCl(r Reg) {
	a.bytes(0xD3, modRM(3, 5, byte(r)))
}

// SarCl emits sar r32, cl.
func (a *Assembler) SarCl(r Reg) {
	a.bytes(0xD3, modRM(3, 7, byte(r)))
}

// SetccAL emits setCC al.
func (a *Assembler) SetccAL(cc Cond) {
	a.bytes(0x0F, 0x90+byte(cc), modRM(3, 0, byte(EAX)))
}

// MovzxEAXAL emits movzx eax, al.
func (a *Assembler) MovzxEAXAL() {
	a.bytes(0x0F, 0xB6, modRM(3, byte(EAX), byte(EAX)))
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

// JmpRel32 emits jmp rel32 with a zero displacement and returns the offset
// of the displacement for later patching.
func (a *Assembler) JmpRel32() int {
	a.bytes(0xE9)
	fix := len(a.code)
	a.u32(0)
	return fix
}

// JccRel32 emits jCC rel32 with a zero displacement and returns the offset
// of the displacement for later patching.
func (a *Assembler) JccRel32(cc Cond) int {
	a.bytes(0x0F, 0x80+byte(cc))
	fix := len(a.code)
	a.u32(0)
	return fix
}

// Patch resolves the rel32 displacement at fix to jump to target, both
// expressed as offsets within the code buffer.
func (a *Assembler) Patch(fix, target int) {
	rel := int32(target - (fix + 4))
	binary.LittleEndian.PutUint32(a.code[fix:], uint32(rel))
}

// Ret emits ret.
func (a *Assembler) Ret() {
	a.bytes(0xC3)
}
