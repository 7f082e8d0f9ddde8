package x86

import (
	"encoding/binary"
	"fmt"

	"github.com/chobot2014/JSOS-sub006/engine"
)

// Machine is a deterministic IA-32 emulator for the instruction subset the
// JIT generator emits. It executes code in place inside engine memory, with
// its stack in the same address space, and implements the kernel trampoline
// contract so tests and the simulated host can run generated code without
// real IA-32 hardware.
type Machine struct {
	mem      engine.Memory
	stackTop engine.Addr
	maxSteps int
}

// retMagic marks the synthetic return address pushed below the arguments;
// a ret that pops it ends the call.
const retMagic = 0xFFFF_FFF0

// NewMachine creates an emulator over mem whose call stack grows down from
// stackTop. stackTop must be 4-byte aligned with enough room below it for
// the deepest generated frame.
func NewMachine(mem engine.Memory, stackTop engine.Addr) *Machine {
	return &Machine{mem: mem, stackTop: stackTop, maxSteps: 10_000_000}
}

// CallI4 invokes fn with the kernel's four-argument cdecl convention.
func (m *Machine) CallI4(fn engine.Addr, a0, a1, a2, a3 int32) (int32, error) {
	return m.call(fn, []int32{a0, a1, a2, a3})
}

// CallI8 invokes fn with the kernel's eight-argument cdecl convention.
func (m *Machine) CallI8(fn engine.Addr, a0, a1, a2, a3, a4, a5, a6, a7 int32) (int32, error) {
	return m.call(fn, []int32{a0, a1, a2, a3, a4, a5, a6, a7})
}

type cpuState struct {
	regs  [8]uint32
	eip   uint32
	zf    bool
	sf    bool
	of    bool
	cf    bool
}

func (m *Machine) call(fn engine.Addr, args []int32) (int32, error) {
	st := &cpuState{}
	st.regs[ESP] = m.stackTop

	// cdecl: arguments pushed right to left, then the return address.
	for i := len(args) - 1; i >= 0; i-- {
		if err := m.push(st, uint32(args[i])); err != nil {
			return 0, err
		}
	}
	if err := m.push(st, retMagic); err != nil {
		return 0, err
	}
	st.eip = fn

	for step := 0; step < m.maxSteps; step++ {
		done, err := m.step(st)
		if err != nil {
			return 0, err
		}
		if done {
			return int32(st.regs[EAX]), nil
		}
	}
	return 0, fmt.Errorf("x86: step limit exceeded at eip=%#x", st.eip)
}

// ---------------------------------------------------------------------------
// Memory helpers
// ---------------------------------------------------------------------------

func (m *Machine) read32(addr uint32) (uint32, error) {
	b, err := m.mem.ReadBytes(addr, 4)
	if err != nil {
		return 0, fmt.Errorf("x86: read at %#x: %w", addr, err)
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Machine) write32(addr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if err := m.mem.WriteBytes(addr, b[:]); err != nil {
		return fmt.Errorf("x86: write at %#x: %w", addr, err)
	}
	return nil
}

func (m *Machine) push(st *cpuState, v uint32) error {
	st.regs[ESP] -= 4
	return m.write32(st.regs[ESP], v)
}

func (m *Machine) pop(st *cpuState) (uint32, error) {
	v, err := m.read32(st.regs[ESP])
	if err != nil {
		return 0, err
	}
	st.regs[ESP] += 4
	return v, nil
}

func (m *Machine) fetch8(st *cpuState) (byte, error) {
	b, err := m.mem.ReadBytes(st.eip, 1)
	if err != nil {
		return 0, fmt.Errorf("x86: fetch at %#x: %w", st.eip, err)
	}
	st.eip++
	return b[0], nil
}

func (m *Machine) fetch32(st *cpuState) (uint32, error) {
	b, err := m.mem.ReadBytes(st.eip, 4)
	if err != nil {
		return 0, fmt.Errorf("x86: fetch at %#x: %w", st.eip, err)
	}
	st.eip += 4
	return binary.LittleEndian.Uint32(b), nil
}

// ---------------------------------------------------------------------------
// Flag helpers
// ---------------------------------------------------------------------------

func (st *cpuState) setLogicFlags(res uint32) {
	st.zf = res == 0
	st.sf = int32(res) < 0
	st.of = false
	st.cf = false
}

func (st *cpuState) setAddFlags(a, b, res uint32) {
	st.zf = res == 0
	st.sf = int32(res) < 0
	st.of = (a^res)&(b^res)&0x8000_0000 != 0
	st.cf = res < a
}

func (st *cpuState) setSubFlags(a, b, res uint32) {
	st.zf = res == 0
	st.sf = int32(res) < 0
	st.of = (a^b)&(a^res)&0x8000_0000 != 0
	st.cf = a < b
}

func (st *cpuState) cond(cc Cond) bool {
	switch cc {
	case CondO:
		return st.of
	case CondNO:
		return !st.of
	case CondE:
		return st.zf
	case CondNE:
		return !st.zf
	case CondS:
		return st.sf
	case CondNS:
		return !st.sf
	case CondL:
		return st.sf != st.of
	case CondGE:
		return st.sf == st.of
	case CondLE:
		return st.zf || st.sf != st.of
	case CondG:
		return !st.zf && st.sf == st.of
	}
	return false
}

// ---------------------------------------------------------------------------
// Instruction dispatch
// ---------------------------------------------------------------------------

// rmOperand resolves a ModRM byte into either a register number (mem=false)
// or an effective address (mem=true). Only the addressing modes the
// assembler emits are supported: register-direct, [ebp+disp8/32], [esp].
func (m *Machine) rmOperand(st *cpuState, modrm byte) (reg byte, addr uint32, mem bool, err error) {
	mod := modrm >> 6
	rm := modrm & 7
	reg = (modrm >> 3) & 7
	switch {
	case mod == 3:
		return reg, uint32(rm), false, nil
	case mod == 0 && rm == 4:
		sib, err := m.fetch8(st)
		if err != nil {
			return 0, 0, false, err
		}
		if sib != 0x24 {
			return 0, 0, false, fmt.Errorf("x86: unsupported SIB %#x at eip=%#x", sib, st.eip-1)
		}
		return reg, st.regs[ESP], true, nil
	case mod == 1 && rm == byte(EBP):
		d, err := m.fetch8(st)
		if err != nil {
			return 0, 0, false, err
		}
		return reg, st.regs[EBP] + uint32(int32(int8(d))), true, nil
	case mod == 2 && rm == byte(EBP):
		d, err := m.fetch32(st)
		if err != nil {
			return 0, 0, false, err
		}
		return reg, st.regs[EBP] + d, true, nil
	}
	return 0, 0, false, fmt.Errorf("x86: unsupported ModRM %#x at eip=%#x", modrm, st.eip-1)
}

func (m *Machine) step(st *cpuState) (done bool, err error) {
	op, err := m.fetch8(st)
	if err != nil {
		return false, err
	}

	switch {
	case op >= 0x50 && op <= 0x57: // push r32
		return false, m.push(st, st.regs[op-0x50])

	case op >= 0x58 && op <= 0x5F: // pop r32
		v, err := m.pop(st)
		if err != nil {
			return false, err
		}
		st.regs[op-0x58] = v
		return false, nil

	case op == 0x6A: // push imm8
		v, err := m.fetch8(st)
		if err != nil {
			return false, err
		}
		return false, m.push(st, uint32(int32(int8(v))))

	case op >= 0xB8 && op <= 0xBF: // mov r32, imm32
		v, err := m.fetch32(st)
		if err != nil {
			return false, err
		}
		st.regs[op-0xB8] = v
		return false, nil

	case op == 0x89 || op == 0x8B: // mov r/m,r and mov r,r/m
		modrm, err := m.fetch8(st)
		if err != nil {
			return false, err
		}
		reg, rm, mem, err := m.rmOperand(st, modrm)
		if err != nil {
			return false, err
		}
		if op == 0x89 { // store reg into r/m
			if mem {
				return false, m.write32(rm, st.regs[reg])
			}
			st.regs[rm] = st.regs[reg]
			return false, nil
		}
		// 0x8B: load r/m into reg
		if mem {
			v, err := m.read32(rm)
			if err != nil {
				return false, err
			}
			st.regs[reg] = v
			return false, nil
		}
		st.regs[reg] = st.regs[rm]
		return false, nil

	case op == 0x01 || op == 0x29 || op == 0x21 || op == 0x09 ||
		op == 0x31 || op == 0x39 || op == 0x85:
		// Register-direct ALU forms: add/sub/and/or/xor/cmp/test dst, src.
		modrm, err := m.fetch8(st)
		if err != nil {
			return false, err
		}
		if modrm>>6 != 3 {
			return false, fmt.Errorf("x86: ALU op %#x requires register operand", op)
		}
		src := st.regs[(modrm>>3)&7]
		dstIdx := modrm & 7
		dst := st.regs[dstIdx]
		switch op {
		case 0x01:
			res := dst + src
			st.setAddFlags(dst, src, res)
			st.regs[dstIdx] = res
		case 0x29:
			res := dst - src
			st.setSubFlags(dst, src, res)
			st.regs[dstIdx] = res
		case 0x21:
			res := dst & src
			st.setLogicFlags(res)
			st.regs[dstIdx] = res
		case 0x09:
			res := dst | src
			st.setLogicFlags(res)
			st.regs[dstIdx] = res
		case 0x31:
			res := dst ^ src
			st.setLogicFlags(res)
			st.regs[dstIdx] = res
		case 0x39:
			st.setSubFlags(dst, src, dst-src)
		case 0x85:
			st.setLogicFlags(dst & src)
		}
		return false, nil

	case op == 0x81: // ALU r/m32, imm32 (add /0, cmp /7)
		modrm, err := m.fetch8(st)
		if err != nil {
			return false, err
		}
		if modrm>>6 != 3 {
			return false, fmt.Errorf("x86: op 0x81 requires register operand")
		}
		imm, err := m.fetch32(st)
		if err != nil {
			return false, err
		}
		dstIdx := modrm & 7
		dst := st.regs[dstIdx]
		switch (modrm >> 3) & 7 {
		case 0:
			res := dst + imm
			st.setAddFlags(dst, imm, res)
			st.regs[dstIdx] = res
		case 7:
			st.setSubFlags(dst, imm, dst-imm)
		default:
			return false, fmt.Errorf("x86: unsupported 0x81 extension %d", (modrm>>3)&7)
		}
		return false, nil

	case op == 0xF7: // group: not /2, neg /3, idiv /7
		modrm, err := m.fetch8(st)
		if err != nil {
			return false, err
		}
		if modrm>>6 != 3 {
			return false, fmt.Errorf("x86: op 0xF7 requires register operand")
		}
		idx := modrm & 7
		switch (modrm >> 3) & 7 {
		case 2: // not
			st.regs[idx] = ^st.regs[idx]
		case 3: // neg
			v := st.regs[idx]
			res := -v
			st.zf = res == 0
			st.sf = int32(res) < 0
			st.of = v == 0x8000_0000
			st.cf = v != 0
			st.regs[idx] = res
		case 7: // idiv
			divisor := int32(st.regs[idx])
			dividend := int64(int32(st.regs[EDX]))<<32 | int64(st.regs[EAX])
			if divisor == 0 {
				return false, fmt.Errorf("x86: divide error at eip=%#x", st.eip)
			}
			quo := dividend / int64(divisor)
			rem := dividend % int64(divisor)
			if quo > 0x7FFF_FFFF || quo < -0x8000_0000 {
				return false, fmt.Errorf("x86: divide overflow at eip=%#x", st.eip)
			}
			st.regs[EAX] = uint32(int32(quo))
			st.regs[EDX] = uint32(int32(rem))
		default:
			return false, fmt.Errorf("x86: unsupported 0xF7 extension %d", (modrm>>3)&7)
		}
		return false, nil

	case op == 0x99: // cdq
		st.regs[EDX] = uint32(int32(st.regs[EAX]) >> 31)
		return false, nil

	case op == 0xD3: // shift r/m32, cl: shl /4, shr /5, sar /7
		modrm, err := m.fetch8(st)
		if err != nil {
			return false, err
		}
		if modrm>>6 != 3 {
			return false, fmt.Errorf("x86: op 0xD3 requires register operand")
		}
		idx := modrm & 7
		count := st.regs[ECX] & 31
		v := st.regs[idx]
		var res uint32
		switch (modrm >> 3) & 7 {
		case 4:
			res = v << count
		case 5:
			res = v >> count
		case 7:
			res = uint32(int32(v) >> count)
		default:
			return false, fmt.Errorf("x86: unsupported 0xD3 extension %d", (modrm>>3)&7)
		}
		if count != 0 {
			st.zf = res == 0
			st.sf = int32(res) < 0
		}
		st.regs[idx] = res
		return false, nil

	case op == 0xE9: // jmp rel32
		rel, err := m.fetch32(st)
		if err != nil {
			return false, err
		}
		st.eip += rel
		return false, nil

	case op == 0x0F:
		return false, m.stepTwoByte(st)

	case op == 0xC3: // ret
		target, err := m.pop(st)
		if err != nil {
			return false, err
		}
		if target == retMagic {
			return true, nil
		}
		st.eip = target
		return false, nil
	}

	return false, fmt.Errorf("x86: unhandled opcode %#02x at eip=%#x", op, st.eip-1)
}

func (m *Machine) stepTwoByte(st *cpuState) error {
	op, err := m.fetch8(st)
	if err != nil {
		return err
	}

	switch {
	case op >= 0x80 && op <= 0x8F: // jcc rel32
		rel, err := m.fetch32(st)
		if err != nil {
			return err
		}
		if st.cond(Cond(op - 0x80)) {
			st.eip += rel
		}
		return nil

	case op >= 0x90 && op <= 0x9F: // setcc r/m8
		modrm, err := m.fetch8(st)
		if err != nil {
			return err
		}
		if modrm>>6 != 3 {
			return fmt.Errorf("x86: setcc requires register operand")
		}
		idx := modrm & 7
		var bit uint32
		if st.cond(Cond(op - 0x90)) {
			bit = 1
		}
		st.regs[idx] = st.regs[idx]&^0xFF | bit
		return nil

	case op == 0xAF: // imul r32, r/m32
		modrm, err := m.fetch8(st)
		if err != nil {
			return err
		}
		if modrm>>6 != 3 {
			return fmt.Errorf("x86: imul requires register operand")
		}
		dst := (modrm >> 3) & 7
		src := modrm & 7
		full := int64(int32(st.regs[dst])) * int64(int32(st.regs[src]))
		res := int32(full)
		st.of = int64(res) != full
		st.cf = st.of
		st.regs[dst] = uint32(res)
		return nil

	case op == 0xB6: // movzx r32, r/m8
		modrm, err := m.fetch8(st)
		if err != nil {
			return err
		}
		if modrm>>6 != 3 {
			return fmt.Errorf("x86: movzx requires register operand")
		}
		dst := (modrm >> 3) & 7
		src := modrm & 7
		st.regs[dst] = st.regs[src] & 0xFF
		return nil
	}

	return fmt.Errorf("x86: unhandled opcode 0x0F %#02x at eip=%#x", op, st.eip-1)
}
