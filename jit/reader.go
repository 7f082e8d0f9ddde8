package jit

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/chobot2014/JSOS-sub006/engine"
)

// ---------------------------------------------------------------------------
// Reader: bounded parsing of engine function objects
// ---------------------------------------------------------------------------

// Reader opens engine function objects through the kernel's raw memory
// primitive. Every read is length-checked against the hard caps in the
// engine layout table; a corrupt handle yields an error, never an
// unbounded read.
type Reader struct {
	mem engine.Memory

	// disabled is latched by a failed canary validation and never
	// cleared: from then on Open fails fast with ErrStructValidation.
	disabled atomic.Bool
}

// NewReader creates a reader over the kernel memory primitive.
func NewReader(mem engine.Memory) *Reader {
	return &Reader{mem: mem}
}

// Disable latches the struct-validation failure state.
func (r *Reader) Disable() {
	r.disabled.Store(true)
}

// Disabled reports whether the reader has been latched off.
func (r *Reader) Disabled() bool {
	return r.disabled.Load()
}

// FunctionView is a read-only view of one function object, valid for the
// lifetime of a single compilation attempt. The header is captured at Open;
// the opcode stream and constant-pool entries are read on demand. Views are
// never cached across calls: the engine owns the underlying bytes and may
// reclaim them between attempts.
type FunctionView struct {
	Handle          engine.FuncHandle
	ArgCount        int
	VarCount        int
	DefinedArgCount int
	StackSize       int

	byteCodeAddr engine.Addr
	byteCodeLen  int
	cpoolAddr    engine.Addr
	cpoolCount   int

	mem engine.Memory
}

// Open reads the function object's header window and validates its bounds.
func (r *Reader) Open(handle engine.FuncHandle) (*FunctionView, error) {
	if r.disabled.Load() {
		return nil, ErrStructValidation
	}
	hdr, err := r.mem.ReadBytes(handle, engine.FuncHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("jit: read function header at %#x: %w", handle, err)
	}

	v := &FunctionView{
		Handle:          handle,
		ArgCount:        int(binary.LittleEndian.Uint16(hdr[engine.OffArgCount:])),
		VarCount:        int(binary.LittleEndian.Uint16(hdr[engine.OffVarCount:])),
		DefinedArgCount: int(binary.LittleEndian.Uint16(hdr[engine.OffDefinedArgCount:])),
		StackSize:       int(binary.LittleEndian.Uint16(hdr[engine.OffStackSize:])),
		byteCodeAddr:    binary.LittleEndian.Uint32(hdr[engine.OffByteCodeBuf:]),
		byteCodeLen:     int(int32(binary.LittleEndian.Uint32(hdr[engine.OffByteCodeLen:]))),
		cpoolAddr:       binary.LittleEndian.Uint32(hdr[engine.OffCPool:]),
		cpoolCount:      int(int32(binary.LittleEndian.Uint32(hdr[engine.OffCPoolCount:]))),
		mem:             r.mem,
	}

	if v.byteCodeLen <= 0 || v.byteCodeLen > engine.MaxByteCodeLen {
		return nil, compileFail(FailFunctionTooLarge,
			"bytecode length %d outside (0, %d]", v.byteCodeLen, engine.MaxByteCodeLen)
	}
	if v.cpoolCount < 0 || v.cpoolCount > engine.MaxCPoolCount {
		return nil, compileFail(FailFunctionTooLarge,
			"constant pool count %d outside [0, %d]", v.cpoolCount, engine.MaxCPoolCount)
	}
	return v, nil
}

// ByteCodeLen returns the opcode stream length without reading the stream.
func (v *FunctionView) ByteCodeLen() int {
	return v.byteCodeLen
}

// Bytecode reads the full opcode stream.
func (v *FunctionView) Bytecode() ([]byte, error) {
	code, err := v.mem.ReadBytes(v.byteCodeAddr, v.byteCodeLen)
	if err != nil {
		return nil, fmt.Errorf("jit: read bytecode at %#x: %w", v.byteCodeAddr, err)
	}
	return code, nil
}

// Const reads constant-pool entry i. ok is false when the entry is not a
// machine integer (the "non-integer marker" of the constant accessor).
func (v *FunctionView) Const(i int) (value int32, ok bool, err error) {
	if i < 0 || i >= v.cpoolCount {
		return 0, false, fmt.Errorf("jit: constant index %d out of range [0, %d)", i, v.cpoolCount)
	}
	raw, err := v.mem.ReadBytes(v.cpoolAddr+engine.Addr(i)*engine.ValueSize, engine.ValueSize)
	if err != nil {
		return 0, false, fmt.Errorf("jit: read constant %d: %w", i, err)
	}
	val := engine.DecodeValue(raw)
	if !val.IsInt() {
		return 0, false, nil
	}
	return val.Int, true, nil
}
