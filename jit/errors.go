// Package jit is the speculative tier-up compiler for the kernel's
// JavaScript engine. Hot functions whose arguments have been observed to be
// machine integers are translated to IA-32 native code and invoked through
// the kernel trampoline; a failed type guard deoptimizes the function back
// to the interpreter, and repeated deoptimization blacklists it for good.
//
// The package is organized around the five collaborators of the tier:
// Reader (function-object parsing), Speculator (argument type profiling),
// Generator (native code emission), Pool (partitioned code memory), and
// Hook (per-call dispatch, deoptimization and blacklist state).
package jit

import (
	"errors"
	"fmt"
)

// ErrStructValidation is the one global, terminal error: the canary
// validation found the engine's in-memory layout disagreeing with the
// probed offset table. The whole JIT tier is disabled for the life of the
// process; Reader.Open fails fast with this error from then on.
var ErrStructValidation = errors.New("jit: engine struct layout validation failed")

// ErrJITDisabled is returned by operations invoked while the tier is
// administratively disabled (configuration, not canary failure).
var ErrJITDisabled = errors.New("jit: disabled")

// FailReason classifies why one compilation attempt was abandoned. Every
// reason is local to the attempt: the function keeps running interpreted.
type FailReason int

const (
	// FailUnsupportedOpcode: the stream contains an instruction outside
	// the integer subset (or a non-integer constant-pool reference).
	FailUnsupportedOpcode FailReason = iota
	// FailUnresolvedTarget: a branch targets a bytecode offset the
	// translator never reached.
	FailUnresolvedTarget
	// FailPoolExhausted: the code pool partition could not satisfy the
	// allocation.
	FailPoolExhausted
	// FailFunctionTooLarge: the function exceeds the reader's hard caps.
	FailFunctionTooLarge
	// FailTooManyArgs: arity exceeds the widest kernel trampoline.
	FailTooManyArgs
)

// String names the failure reason.
func (r FailReason) String() string {
	switch r {
	case FailUnsupportedOpcode:
		return "unsupported-opcode"
	case FailUnresolvedTarget:
		return "unresolved-target"
	case FailPoolExhausted:
		return "pool-exhausted"
	case FailFunctionTooLarge:
		return "function-too-large"
	case FailTooManyArgs:
		return "too-many-args"
	}
	return "unknown"
}

// CompileError reports one abandoned compilation attempt.
type CompileError struct {
	Reason FailReason
	Offset int    // bytecode offset of the offending instruction, -1 if n/a
	Detail string // human-readable specifics
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("jit: compile aborted (%s) at bytecode offset %d: %s", e.Reason, e.Offset, e.Detail)
	}
	return fmt.Sprintf("jit: compile aborted (%s): %s", e.Reason, e.Detail)
}

// compileFail builds a CompileError without an offset.
func compileFail(reason FailReason, format string, args ...any) *CompileError {
	return &CompileError{Reason: reason, Offset: -1, Detail: fmt.Sprintf(format, args...)}
}

// compileFailAt builds a CompileError carrying the bytecode offset.
func compileFailAt(reason FailReason, offset int, format string, args ...any) *CompileError {
	return &CompileError{Reason: reason, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}

// IsCompileError reports whether err is a per-compilation abort and, if so,
// its reason.
func IsCompileError(err error) (FailReason, bool) {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return 0, false
}
