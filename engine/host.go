package engine

import "errors"

// ---------------------------------------------------------------------------
// Kernel services consumed by the JIT
// ---------------------------------------------------------------------------

// Addr is an address in the engine's flat 32-bit address space.
type Addr = uint32

// FuncHandle is the opaque identity of one engine function: the address of
// its function-bytecode object. The engine owns the object and may reclaim
// it; holders must re-read through Memory rather than cache its bytes.
type FuncHandle = uint32

// ErrReadRange is returned by Memory implementations for out-of-range or
// over-cap accesses.
var ErrReadRange = errors.New("engine: memory access out of range")

// Memory is the raw physical-memory primitive the kernel exposes. Reads
// and writes are length-capped at MaxReadLen by every implementation.
type Memory interface {
	// ReadBytes copies length bytes starting at addr.
	ReadBytes(addr Addr, length int) ([]byte, error)
	// WriteBytes copies b into memory starting at addr.
	WriteBytes(addr Addr, b []byte) error
}

// TrampolineMaxArgs is the widest fixed-arity native calling convention the
// kernel provides.
const TrampolineMaxArgs = 8

// Trampoline invokes generated code through the kernel's fixed cdecl
// calling convention: up to eight int32 arguments in, one int32 out.
// Unused argument slots are passed as zero.
type Trampoline interface {
	// CallI4 calls fn with four int32 arguments.
	CallI4(fn Addr, a0, a1, a2, a3 int32) (int32, error)
	// CallI8 calls fn with eight int32 arguments.
	CallI8(fn Addr, a0, a1, a2, a3, a4, a5, a6, a7 int32) (int32, error)
}

// BailoutSentinel is the reserved return value generated code uses to
// signal an internal failure (a result that is not representable as an
// int32, or a fault such as division by zero) without any cross-boundary
// exception machinery. A call returning it is re-executed by the
// interpreter; the value itself is never written back.
const BailoutSentinel int32 = -0x80000000

// BailoutSentinelBits is the sentinel's bit pattern, for sites that need
// it as an unsigned immediate (the int32 constant itself does not convert
// to uint32).
const BailoutSentinelBits uint32 = 0x80000000

// Host bundles the kernel services the JIT consumes, plus the hook the
// canary validation needs: compiling one known trivial function through
// the interpreter so its structural layout can be verified.
type Host interface {
	Memory
	Trampoline

	// CompileCanary compiles the canonical two-argument add function
	// through the engine front end and returns its handle.
	CompileCanary() (FuncHandle, error)
}

// ---------------------------------------------------------------------------
// Hot-call notification
// ---------------------------------------------------------------------------

// Disposition is the hook's answer to a hot-call notification.
type Disposition int

const (
	// NotHandled: the interpreter executes the call normally.
	NotHandled Disposition = iota
	// Handled: the result has been written back; the interpreter skips
	// the call.
	Handled
)

// String returns "handled" or "not-handled".
func (d Disposition) String() string {
	if d == Handled {
		return "handled"
	}
	return "not-handled"
}

// HotCallHook is implemented by the JIT dispatch layer and invoked by the
// engine once a function's call counter crosses the hot threshold, and on
// every later call while the notification stays armed. argv addresses an
// array of argc engine values; ret addresses the value slot the hook
// writes on Handled. ctx names the execution context issuing the call.
type HotCallHook interface {
	Handle(ctx ContextID, fn FuncHandle, argv Addr, argc int, ret Addr) Disposition
}

// ContextID names one engine execution context. The main (compiling)
// context is MainContext; isolated child contexts are numbered from zero
// and map one-to-one onto the pool's child partitions.
type ContextID int

// MainContext is the context the compiler itself runs in.
const MainContext ContextID = -1

// IsIsolated reports whether the context is a sandboxed child, which must
// not run the compiler inside its own call.
func (c ContextID) IsIsolated() bool {
	return c != MainContext
}
