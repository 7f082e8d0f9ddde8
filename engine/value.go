// Package engine defines the host engine's binary interface as consumed by
// the JIT subsystem: the tagged-value representation, the function-object
// field layout probed from the engine build, the opcode table, and the
// kernel services (raw memory access, native-call trampolines, canary
// compilation) the JIT depends on.
//
// Nothing in this package executes JavaScript. It is the boundary contract
// between the kernel-resident engine and the JIT tier built on top of it.
package engine

import "encoding/binary"

// ---------------------------------------------------------------------------
// Tagged values
// ---------------------------------------------------------------------------

// Tag identifies the primitive type of an engine value. The numbering is
// the engine's own (non-NaN-boxing IA-32 build): heap-allocated types are
// negative, immediate types start at zero.
type Tag int32

const (
	TagFirst            Tag = -11 // first negative (heap) tag
	TagBigInt           Tag = -10
	TagSymbol           Tag = -8
	TagString           Tag = -7
	TagModule           Tag = -3
	TagFunctionBytecode Tag = -2
	TagObject           Tag = -1
	TagInt              Tag = 0
	TagBool             Tag = 1
	TagNull             Tag = 2
	TagUndefined        Tag = 3
	TagUninitialized    Tag = 4
	TagCatchOffset      Tag = 5
	TagException        Tag = 6
	TagFloat64          Tag = 7
)

// String returns the engine's name for the tag.
func (t Tag) String() string {
	switch t {
	case TagBigInt:
		return "big_int"
	case TagSymbol:
		return "symbol"
	case TagString:
		return "string"
	case TagModule:
		return "module"
	case TagFunctionBytecode:
		return "function_bytecode"
	case TagObject:
		return "object"
	case TagInt:
		return "int"
	case TagBool:
		return "bool"
	case TagNull:
		return "null"
	case TagUndefined:
		return "undefined"
	case TagUninitialized:
		return "uninitialized"
	case TagCatchOffset:
		return "catch_offset"
	case TagException:
		return "exception"
	case TagFloat64:
		return "float64"
	}
	return "unknown"
}

// ValueSize is the in-memory size of one tagged value on the IA-32 engine
// build: a 4-byte payload union followed by a 4-byte tag.
const ValueSize = 8

// Value is the Go-side view of one engine value slot. Only the payload
// interpretations the JIT needs are exposed: Int carries the int32 payload
// for TagInt (and the raw pointer bits for heap tags).
type Value struct {
	Int int32
	Tag Tag
}

// IntValue builds a TagInt value.
func IntValue(v int32) Value {
	return Value{Int: v, Tag: TagInt}
}

// Undefined is the canonical undefined value.
var Undefined = Value{Tag: TagUndefined}

// IsInt reports whether the value carries a machine integer.
func (v Value) IsInt() bool {
	return v.Tag == TagInt
}

// EncodeValue writes the value's 8-byte engine representation into buf.
func EncodeValue(buf []byte, v Value) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(v.Int))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(v.Tag))
}

// DecodeValue reads an 8-byte engine value representation from buf.
func DecodeValue(buf []byte) Value {
	return Value{
		Int: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Tag: Tag(int32(binary.LittleEndian.Uint32(buf[4:8]))),
	}
}
