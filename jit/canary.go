package jit

import (
	"fmt"

	"github.com/chobot2014/JSOS-sub006/engine"
)

// Probe inputs for the canary run. The canonical canary returns their sum.
const (
	canaryLHS = int32(7)
	canaryRHS = int32(35)
)

// ValidateStructs performs the startup structural validation. The host
// compiles the canonical two-argument add function through the engine
// front end; the function object is then read back through the probed
// field offsets, translated, and executed. Any mismatch means the engine
// build no longer matches the probed layout, and the whole JIT disables
// itself rather than read garbage. The engine keeps interpreting either
// way.
func (h *Hook) ValidateStructs(host engine.Host) error {
	fn, err := host.CompileCanary()
	if err != nil {
		return h.disable("canary compilation: %v", err)
	}

	view, err := h.reader.Open(fn)
	if err != nil {
		return h.disable("canary read: %v", err)
	}
	if view.ArgCount != 2 {
		return h.disable("canary arity %d, want 2", view.ArgCount)
	}
	if view.ByteCodeLen() == 0 {
		return h.disable("canary has no bytecode")
	}

	code, err := view.Bytecode()
	if err != nil {
		return h.disable("canary bytecode read: %v", err)
	}
	sawAdd, sawReturn := false, false
	for off := 0; off < len(code); {
		ins, err := engine.DecodeAt(code, off)
		if err != nil {
			return h.disable("canary stream undecodable at %d: %v", off, err)
		}
		switch ins.Op {
		case engine.OpAdd:
			sawAdd = true
		case engine.OpReturn:
			sawReturn = true
		}
		off += ins.Size
	}
	if !sawAdd || !sawReturn {
		return h.disable("canary stream has no add/return shape")
	}

	compiled, err := h.gen.Compile(view, IntegerOnly, h.pool, PartitionMain)
	if err != nil {
		return h.disable("canary translation: %v", err)
	}
	got, err := h.tramp.CallI4(compiled.Addr, canaryLHS, canaryRHS, 0, 0)
	if err != nil {
		return h.disable("canary execution: %v", err)
	}
	if want := canaryLHS + canaryRHS; got != want {
		return h.disable("canary returned %d, want %d", got, want)
	}

	h.log.Infof("structural validation passed (canary at %#x)", compiled.Addr)
	return nil
}

// disable shuts the reader down and reports the validation failure.
func (h *Hook) disable(format string, args ...any) error {
	h.reader.Disable()
	err := fmt.Errorf("%w: "+format, append([]any{ErrStructValidation}, args...)...)
	h.log.Errorf("%v; native dispatch disabled", err)
	return err
}
