package sim

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chobot2014/JSOS-sub006/engine"
	"github.com/chobot2014/JSOS-sub006/jit/x86"
)

// ---------------------------------------------------------------------------
// Simulated kernel
// ---------------------------------------------------------------------------

// Address-space layout. The machine stack grows down from StackTop; the
// code pool occupies [PoolBase, PoolBase+poolSize).
const (
	funcBase  engine.Addr = 0x0000_1000
	funcLimit engine.Addr = 0x0010_0000
	argvBase  engine.Addr = 0x0010_0000
	retBase   engine.Addr = 0x0010_0100
	stackTop  engine.Addr = 0x0020_0000
	poolBase  engine.Addr = 0x0040_0000
)

// Kernel is the simulated host: flat memory, the emulated processor as the
// trampoline, a function table with call counting, and cooperative
// contexts. It implements engine.Host.
type Kernel struct {
	ram     *RAM
	machine *x86.Machine
	loader  *Loader
	log     commonlog.Logger

	mu       sync.Mutex
	defs     map[engine.FuncHandle]FuncDef
	counts   map[engine.FuncHandle]int
	hot      int
	hook     engine.HotCallHook
	contexts map[engine.ContextID]uuid.UUID
	nextCtx  engine.ContextID
	canary   engine.FuncHandle
}

var _ engine.Host = (*Kernel)(nil)

// NewKernel builds a kernel whose memory holds a code pool of poolSize
// bytes at PoolBase.
func NewKernel(poolSize uint32) *Kernel {
	size := int(poolBase) + int(poolSize)
	ram := NewRAM(size)
	return &Kernel{
		ram:      ram,
		machine:  x86.NewMachine(ram, stackTop),
		loader:   NewLoader(ram, funcBase, funcLimit),
		log:      commonlog.GetLogger("sim"),
		defs:     make(map[engine.FuncHandle]FuncDef),
		counts:   make(map[engine.FuncHandle]int),
		hot:      1,
		contexts: make(map[engine.ContextID]uuid.UUID),
	}
}

// PoolBase returns where the code pool region starts.
func (k *Kernel) PoolBase() engine.Addr {
	return poolBase
}

// SetHook installs the hot-call notification target.
func (k *Kernel) SetHook(h engine.HotCallHook) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hook = h
}

// SetHotThreshold sets how many calls make a function hot. The default of
// one notifies on every call.
func (k *Kernel) SetHotThreshold(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hot = n
}

// ReadBytes copies length bytes starting at addr.
func (k *Kernel) ReadBytes(addr engine.Addr, length int) ([]byte, error) {
	return k.ram.ReadBytes(addr, length)
}

// WriteBytes copies b into memory starting at addr.
func (k *Kernel) WriteBytes(addr engine.Addr, b []byte) error {
	return k.ram.WriteBytes(addr, b)
}

// CallI4 calls fn with four int32 arguments.
func (k *Kernel) CallI4(fn engine.Addr, a0, a1, a2, a3 int32) (int32, error) {
	return k.machine.CallI4(fn, a0, a1, a2, a3)
}

// CallI8 calls fn with eight int32 arguments.
func (k *Kernel) CallI8(fn engine.Addr, a0, a1, a2, a3, a4, a5, a6, a7 int32) (int32, error) {
	return k.machine.CallI8(fn, a0, a1, a2, a3, a4, a5, a6, a7)
}

// CompileCanary installs the canonical two-argument add function and
// returns its handle, reusing the instance from an earlier call.
func (k *Kernel) CompileCanary() (engine.FuncHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.canary != 0 {
		return k.canary, nil
	}
	code := engine.NewBuilder().
		Op(engine.OpGetArg0).
		Op(engine.OpGetArg1).
		Op(engine.OpAdd).
		Op(engine.OpReturn).
		Bytes()
	fn, err := k.installLocked(FuncDef{
		ArgCount:        2,
		DefinedArgCount: 2,
		StackSize:       2,
		Code:            code,
	})
	if err != nil {
		return 0, err
	}
	k.canary = fn
	return fn, nil
}

// NextHandle predicts the handle the next Install will return, for
// definitions that embed their own handle.
func (k *Kernel) NextHandle() engine.FuncHandle {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.loader.NextHandle()
}

// Install places a function object into memory and registers it for
// interpretation.
func (k *Kernel) Install(def FuncDef) (engine.FuncHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.installLocked(def)
}

func (k *Kernel) installLocked(def FuncDef) (engine.FuncHandle, error) {
	fn, err := k.loader.Install(def)
	if err != nil {
		return 0, err
	}
	k.defs[fn] = def
	return fn, nil
}

// NewContext creates an isolated context with its own identity.
func (k *Kernel) NewContext() engine.ContextID {
	k.mu.Lock()
	defer k.mu.Unlock()
	ctx := k.nextCtx
	k.nextCtx++
	uid := uuid.New()
	k.contexts[ctx] = uid
	k.log.Debugf("context %d created (%s)", ctx, uid)
	return ctx
}

// ContextUID returns the context's stable identity.
func (k *Kernel) ContextUID(ctx engine.ContextID) (uuid.UUID, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	uid, ok := k.contexts[ctx]
	return uid, ok
}

// ReleaseContext tears the context down, notifying the hook so it can
// recycle the context's pool partition.
func (k *Kernel) ReleaseContext(ctx engine.ContextID) error {
	k.mu.Lock()
	hook := k.hook
	delete(k.contexts, ctx)
	k.mu.Unlock()
	if r, ok := hook.(interface {
		ReleaseContext(engine.ContextID) error
	}); ok {
		return r.ReleaseContext(ctx)
	}
	return nil
}

// Tick runs one scheduler tick on the main context, giving the hook its
// chance to drain deferred work.
func (k *Kernel) Tick() {
	k.mu.Lock()
	hook := k.hook
	k.mu.Unlock()
	if t, ok := hook.(interface{ ServiceTick() }); ok {
		t.ServiceTick()
	}
}

// CallCount reports how many times a function has been called.
func (k *Kernel) CallCount(fn engine.FuncHandle) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.counts[fn]
}

// Call invokes a function on the given context. Hot functions are first
// offered to the hook; anything it does not handle runs in the reference
// interpreter.
func (k *Kernel) Call(ctx engine.ContextID, fn engine.FuncHandle, args ...V) (V, error) {
	k.mu.Lock()
	def, ok := k.defs[fn]
	if !ok {
		k.mu.Unlock()
		return V{}, fmt.Errorf("sim: unknown function %#x", fn)
	}
	k.counts[fn]++
	hot := k.hook != nil && k.counts[fn] >= k.hot && len(args) <= engine.TrampolineMaxArgs
	hook := k.hook
	k.mu.Unlock()

	if hot {
		if err := k.writeArgv(args); err != nil {
			return V{}, err
		}
		if hook.Handle(ctx, fn, argvBase, len(args), retBase) == engine.Handled {
			return k.readRet()
		}
	}
	return InterpretWith(def, args, k.resolve)
}

// resolve is the interpreter's view of the definition table, for the call
// opcodes.
func (k *Kernel) resolve(fn engine.FuncHandle) (FuncDef, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	def, ok := k.defs[fn]
	return def, ok
}

// writeArgv materializes the call arguments in the engine's value layout.
// Only integer payloads round-trip; that is all the native tier may read,
// every other tag fails its guards on the tag alone.
func (k *Kernel) writeArgv(args []V) error {
	if len(args) == 0 {
		return nil
	}
	buf := make([]byte, len(args)*engine.ValueSize)
	for i, a := range args {
		engine.EncodeValue(buf[i*engine.ValueSize:], engine.Value{Int: a.I, Tag: a.Tag})
	}
	return k.ram.WriteBytes(argvBase, buf)
}

func (k *Kernel) readRet() (V, error) {
	raw, err := k.ram.ReadBytes(retBase, engine.ValueSize)
	if err != nil {
		return V{}, err
	}
	v := engine.DecodeValue(raw)
	if !v.IsInt() {
		return V{}, fmt.Errorf("sim: native result has tag %v", v.Tag)
	}
	return Int(v.Int), nil
}
