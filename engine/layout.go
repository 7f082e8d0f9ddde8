package engine

// Function-object layout of the IA-32 engine build.
//
// The offsets below were probed from the engine build (offsetof over the
// engine's internal function struct) and are compile-time expectations, not
// guarantees: the startup canary validation reads a freshly compiled
// trivial function through this table and disables the whole JIT tier if
// anything disagrees.

// Field offsets within the engine's function-bytecode object, in bytes from
// the object header.
const (
	OffByteCodeBuf     = 12 // *uint8, start of the opcode stream
	OffByteCodeLen     = 16 // int32, opcode stream length
	OffCPool           = 20 // *Value, constant pool array
	OffCPoolCount      = 24 // int32, constant pool entry count
	OffArgCount        = 28 // uint16, declared argument count
	OffVarCount        = 30 // uint16, local variable count
	OffDefinedArgCount = 32 // uint16, arguments with defaults counted in
	OffStackSize       = 34 // uint16, maximum operand stack depth
)

// FuncHeaderSize is the window of the function object the reader loads in
// one bounded read: every probed field lies inside it.
const FuncHeaderSize = 64

// Hard caps on reads derived from the function object. A corrupt handle
// must never cause an unbounded read: the raw memory primitive caps any
// single transfer at 1 MiB, and the function-level caps are much tighter.
const (
	MaxByteCodeLen = 64 * 1024
	MaxCPoolCount  = 4096
	MaxReadLen     = 1 << 20
)
