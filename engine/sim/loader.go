package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/chobot2014/JSOS-sub006/engine"
)

// FuncDef describes one function to place into memory.
type FuncDef struct {
	ArgCount        int
	VarCount        int
	DefinedArgCount int
	StackSize       int
	Code            []byte
	CPool           []engine.Value
}

// Loader bump-allocates function objects in RAM using the engine's probed
// field layout, so a handle it returns reads back exactly like a function
// object the real engine produced.
type Loader struct {
	mem   *RAM
	next  engine.Addr
	limit engine.Addr
}

// NewLoader manages the region [base, limit).
func NewLoader(mem *RAM, base, limit engine.Addr) *Loader {
	return &Loader{mem: mem, next: base, limit: limit}
}

func (l *Loader) alloc(size int) (engine.Addr, error) {
	const align = 16
	next := (l.next + align - 1) &^ (align - 1)
	if int64(next)+int64(size) > int64(l.limit) {
		return 0, fmt.Errorf("sim: function region exhausted (%d bytes wanted)", size)
	}
	l.next = next + engine.Addr(size)
	return next, nil
}

// NextHandle predicts the handle the next Install will return, so a
// definition can embed its own handle (a self-recursive function's
// constant-pool entry refers to itself).
func (l *Loader) NextHandle() engine.FuncHandle {
	const align = 16
	return engine.FuncHandle((l.next + align - 1) &^ (align - 1))
}

// Install writes the function object and returns its handle. The object is
// header, constant pool, then bytecode, each started on a 16-byte boundary.
func (l *Loader) Install(def FuncDef) (engine.FuncHandle, error) {
	if len(def.Code) == 0 || len(def.Code) > engine.MaxByteCodeLen {
		return 0, fmt.Errorf("sim: bytecode length %d out of range", len(def.Code))
	}
	if len(def.CPool) > engine.MaxCPoolCount {
		return 0, fmt.Errorf("sim: constant pool size %d out of range", len(def.CPool))
	}

	header, err := l.alloc(engine.FuncHeaderSize)
	if err != nil {
		return 0, err
	}
	var cpool engine.Addr
	if len(def.CPool) > 0 {
		cpool, err = l.alloc(len(def.CPool) * engine.ValueSize)
		if err != nil {
			return 0, err
		}
	}
	code, err := l.alloc(len(def.Code))
	if err != nil {
		return 0, err
	}

	buf := make([]byte, engine.FuncHeaderSize)
	binary.LittleEndian.PutUint32(buf[engine.OffByteCodeBuf:], code)
	binary.LittleEndian.PutUint32(buf[engine.OffByteCodeLen:], uint32(len(def.Code)))
	binary.LittleEndian.PutUint32(buf[engine.OffCPool:], cpool)
	binary.LittleEndian.PutUint32(buf[engine.OffCPoolCount:], uint32(len(def.CPool)))
	binary.LittleEndian.PutUint16(buf[engine.OffArgCount:], uint16(def.ArgCount))
	binary.LittleEndian.PutUint16(buf[engine.OffVarCount:], uint16(def.VarCount))
	binary.LittleEndian.PutUint16(buf[engine.OffDefinedArgCount:], uint16(def.DefinedArgCount))
	binary.LittleEndian.PutUint16(buf[engine.OffStackSize:], uint16(def.StackSize))
	if err := l.mem.WriteBytes(header, buf); err != nil {
		return 0, err
	}

	if len(def.CPool) > 0 {
		pool := make([]byte, len(def.CPool)*engine.ValueSize)
		for i, v := range def.CPool {
			engine.EncodeValue(pool[i*engine.ValueSize:], v)
		}
		if err := l.mem.WriteBytes(cpool, pool); err != nil {
			return 0, err
		}
	}
	if err := l.mem.WriteBytes(code, def.Code); err != nil {
		return 0, err
	}
	return header, nil
}

// InstallFunc is the common case: a function with argc arguments, varc
// locals and a generous declared stack, defaults matching arity.
func (l *Loader) InstallFunc(argc, varc int, code []byte, cpool ...engine.Value) (engine.FuncHandle, error) {
	return l.Install(FuncDef{
		ArgCount:        argc,
		VarCount:        varc,
		DefinedArgCount: argc,
		StackSize:       32,
		Code:            code,
		CPool:           cpool,
	})
}
