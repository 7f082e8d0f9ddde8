package jit

import (
	"testing"

	"github.com/chobot2014/JSOS-sub006/engine"
	"github.com/chobot2014/JSOS-sub006/engine/sim"
)

func dispatchConfig() Config {
	cfg := DefaultConfig()
	cfg.TypeWindow = 4
	cfg.MainSize = 256 * 1024
	cfg.ChildSlots = 2
	cfg.ChildSize = 64 * 1024
	cfg.MaxAlloc = 16 * 1024
	return cfg
}

func newDispatch(t *testing.T, cfg Config) (*sim.Kernel, *Hook) {
	t.Helper()
	kernel := sim.NewKernel(cfg.PoolSize())
	pool := NewPool(kernel.PoolBase(), cfg)
	hook := NewHook(cfg, kernel, kernel, pool)
	kernel.SetHook(hook)
	return kernel, hook
}

func installAdd(t *testing.T, kernel *sim.Kernel) engine.FuncHandle {
	t.Helper()
	code := engine.NewBuilder().
		Op(engine.OpGetArg0).
		Op(engine.OpGetArg1).
		Op(engine.OpAdd).
		Op(engine.OpReturn).
		Bytes()
	fn, err := kernel.Install(sim.FuncDef{
		ArgCount: 2, DefinedArgCount: 2, StackSize: 2, Code: code,
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	return fn
}

// warm drives enough unanimous integer calls to fill the window and
// trigger compilation on the main context.
func warm(t *testing.T, kernel *sim.Kernel, hook *Hook, fn engine.FuncHandle, window int) {
	t.Helper()
	for i := 0; i < window; i++ {
		if _, err := kernel.Call(engine.MainContext, fn, sim.Int(int32(i)), sim.Int(1)); err != nil {
			t.Fatalf("warm call %d: %v", i, err)
		}
	}
	if got := hook.Status(fn); got != StatusCompiled {
		t.Fatalf("status %v after %d calls, want compiled", got, window)
	}
}

func TestDispatchCompilesAfterFullWindow(t *testing.T) {
	cfg := dispatchConfig()
	kernel, hook := newDispatch(t, cfg)
	fn := installAdd(t, kernel)

	for i := 0; i < cfg.TypeWindow-1; i++ {
		if _, err := kernel.Call(engine.MainContext, fn, sim.Int(1), sim.Int(2)); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if got := hook.Status(fn); got != StatusProfiling {
			t.Fatalf("status %v after %d calls, want profiling", got, i+1)
		}
	}
	v, err := kernel.Call(engine.MainContext, fn, sim.Int(1), sim.Int(2))
	if err != nil {
		t.Fatalf("window-filling call: %v", err)
	}
	if got := hook.Status(fn); got != StatusCompiled {
		t.Fatalf("status %v after full window, want compiled", got)
	}
	if v.Tag != engine.TagInt || v.I != 3 {
		t.Errorf("window-filling call result %s, want 3", v)
	}
	// The window-filling call itself already ran natively.
	if stats := hook.Stats(); stats.Dispatched != 1 {
		t.Errorf("dispatched %d calls after compilation, want 1", stats.Dispatched)
	}

	// The next call runs natively and still produces the right result.
	v, err = kernel.Call(engine.MainContext, fn, sim.Int(20), sim.Int(22))
	if err != nil {
		t.Fatalf("native call: %v", err)
	}
	if v.Tag != engine.TagInt || v.I != 42 {
		t.Errorf("native result %s, want 42", v)
	}
	stats := hook.Stats()
	if stats.Compiled != 1 {
		t.Errorf("compiled %d times, want 1", stats.Compiled)
	}
	if stats.Dispatched != 2 {
		t.Errorf("dispatched %d calls, want 2", stats.Dispatched)
	}
}

func TestDispatchGuardFailureDeoptimizes(t *testing.T) {
	cfg := dispatchConfig()
	kernel, hook := newDispatch(t, cfg)
	fn := installAdd(t, kernel)
	warm(t, kernel, hook, fn, cfg.TypeWindow)

	v, err := kernel.Call(engine.MainContext, fn, sim.Float(1.5), sim.Int(1))
	if err != nil {
		t.Fatalf("float call: %v", err)
	}
	if v.Tag != engine.TagFloat64 || v.F != 2.5 {
		t.Errorf("float call result %s, want 2.5", v)
	}
	if got := hook.Status(fn); got != StatusProfiling {
		t.Errorf("status %v after guard failure, want profiling", got)
	}
	if got := hook.DeoptCount(fn); got != 1 {
		t.Errorf("deopt count %d, want 1", got)
	}
	stats := hook.Stats()
	if stats.GuardFailures != 1 || stats.Deopts != 1 {
		t.Errorf("guard failures %d / deopts %d, want 1 / 1",
			stats.GuardFailures, stats.Deopts)
	}
}

func TestDispatchBlacklistsAfterRepeatedDeopts(t *testing.T) {
	cfg := dispatchConfig()
	cfg.DeoptLimit = 3
	kernel, hook := newDispatch(t, cfg)
	fn := installAdd(t, kernel)

	for cycle := 0; cycle < 3; cycle++ {
		warm(t, kernel, hook, fn, cfg.TypeWindow)
		if _, err := kernel.Call(engine.MainContext, fn, sim.Float(0.5), sim.Int(1)); err != nil {
			t.Fatalf("cycle %d float call: %v", cycle, err)
		}
	}
	if got := hook.Status(fn); got != StatusBlacklisted {
		t.Fatalf("status %v after %d deopt cycles, want blacklisted", got, 3)
	}

	// The blacklist is permanent; integer calls never recompile.
	for i := 0; i < cfg.TypeWindow*2; i++ {
		if _, err := kernel.Call(engine.MainContext, fn, sim.Int(1), sim.Int(2)); err != nil {
			t.Fatalf("post-blacklist call: %v", err)
		}
	}
	if got := hook.Status(fn); got != StatusBlacklisted {
		t.Errorf("status %v after post-blacklist calls, want blacklisted", got)
	}
	if stats := hook.Stats(); stats.Compiled != 3 {
		t.Errorf("compiled %d times, want 3", stats.Compiled)
	}
}

func TestDispatchBailoutIsNotADeopt(t *testing.T) {
	cfg := dispatchConfig()
	kernel, hook := newDispatch(t, cfg)
	fn := installAdd(t, kernel)
	warm(t, kernel, hook, fn, cfg.TypeWindow)

	// Both arguments pass the guards; the add overflows inside the
	// native code, which bails to the interpreter for this call only.
	v, err := kernel.Call(engine.MainContext, fn, sim.Int(2147483647), sim.Int(1))
	if err != nil {
		t.Fatalf("overflow call: %v", err)
	}
	if v.Tag != engine.TagFloat64 || v.F != 2147483648 {
		t.Errorf("overflow result %s, want float 2147483648", v)
	}
	if got := hook.Status(fn); got != StatusCompiled {
		t.Errorf("status %v after bailout, want still compiled", got)
	}
	if got := hook.DeoptCount(fn); got != 0 {
		t.Errorf("deopt count %d after bailout, want 0", got)
	}
	stats := hook.Stats()
	if stats.Bailouts != 1 {
		t.Errorf("bailouts %d, want 1", stats.Bailouts)
	}

	// Integer calls keep dispatching natively afterwards.
	v, err = kernel.Call(engine.MainContext, fn, sim.Int(1), sim.Int(2))
	if err != nil {
		t.Fatalf("follow-up call: %v", err)
	}
	if v.I != 3 {
		t.Errorf("follow-up result %s, want 3", v)
	}
}

func TestDispatchArityMismatchIsGuardFailure(t *testing.T) {
	cfg := dispatchConfig()
	kernel, hook := newDispatch(t, cfg)
	fn := installAdd(t, kernel)
	warm(t, kernel, hook, fn, cfg.TypeWindow)

	// One argument instead of two; the interpreter sees undefined.
	v, err := kernel.Call(engine.MainContext, fn, sim.Int(1))
	if err != nil {
		t.Fatalf("short call: %v", err)
	}
	if v.Tag != engine.TagFloat64 || v.F == v.F {
		t.Errorf("short call result %s, want NaN", v)
	}
	if got := hook.DeoptCount(fn); got != 1 {
		t.Errorf("deopt count %d, want 1", got)
	}
}

func TestDispatchCompileFailureIsMemoized(t *testing.T) {
	cfg := dispatchConfig()
	kernel, hook := newDispatch(t, cfg)

	// A float constant keeps the function interpretable but untranslatable.
	code := engine.NewBuilder().
		U8(engine.OpPushConst8, 0).
		Op(engine.OpReturn).
		Bytes()
	fn, err := kernel.Install(sim.FuncDef{
		StackSize: 2,
		Code:      code,
		CPool:     []engine.Value{{Tag: engine.TagFloat64}},
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	for i := 0; i < cfg.TypeWindow*3; i++ {
		if _, err := kernel.Call(engine.MainContext, fn); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := hook.Status(fn); got != StatusFailed {
		t.Fatalf("status %v, want failed", got)
	}
	if stats := hook.Stats(); stats.CompileFailures != 1 {
		t.Errorf("compile failures %d, want exactly 1", stats.CompileFailures)
	}
}

func TestDispatchIsolatedContextUsesMailbox(t *testing.T) {
	cfg := dispatchConfig()
	kernel, hook := newDispatch(t, cfg)
	fn := installAdd(t, kernel)
	ctx := kernel.NewContext()

	for i := 0; i < cfg.TypeWindow; i++ {
		if _, err := kernel.Call(ctx, fn, sim.Int(1), sim.Int(2)); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	// Classification is met but compilation waits for the main context.
	if got := hook.Status(fn); got != StatusProfiling {
		t.Fatalf("status %v before tick, want profiling", got)
	}
	kernel.Tick()
	if got := hook.Status(fn); got != StatusCompiled {
		t.Fatalf("status %v after tick, want compiled", got)
	}

	v, err := kernel.Call(ctx, fn, sim.Int(40), sim.Int(2))
	if err != nil {
		t.Fatalf("native call: %v", err)
	}
	if v.I != 42 {
		t.Errorf("native result %s, want 42", v)
	}
}

func TestDispatchMailboxKeepsLastRequest(t *testing.T) {
	cfg := dispatchConfig()
	cfg.TypeWindow = 1
	kernel, hook := newDispatch(t, cfg)
	f1 := installAdd(t, kernel)
	f2 := installAdd(t, kernel)
	ctx := kernel.NewContext()

	// Both become eligible before the tick; the slot holds only the later.
	if _, err := kernel.Call(ctx, f1, sim.Int(1), sim.Int(2)); err != nil {
		t.Fatalf("f1 call: %v", err)
	}
	if _, err := kernel.Call(ctx, f2, sim.Int(1), sim.Int(2)); err != nil {
		t.Fatalf("f2 call: %v", err)
	}
	kernel.Tick()
	if got := hook.Status(f2); got != StatusCompiled {
		t.Errorf("f2 status %v, want compiled", got)
	}
	if got := hook.Status(f1); got != StatusProfiling {
		t.Errorf("f1 status %v, want still profiling", got)
	}

	// The displaced function compiles on its next call and tick.
	if _, err := kernel.Call(ctx, f1, sim.Int(1), sim.Int(2)); err != nil {
		t.Fatalf("f1 retry: %v", err)
	}
	kernel.Tick()
	if got := hook.Status(f1); got != StatusCompiled {
		t.Errorf("f1 status %v after retry, want compiled", got)
	}
}

func TestDispatchReleaseContextPurgesPartition(t *testing.T) {
	cfg := dispatchConfig()
	kernel, hook := newDispatch(t, cfg)
	fn := installAdd(t, kernel)
	ctx := kernel.NewContext()

	for i := 0; i < cfg.TypeWindow; i++ {
		if _, err := kernel.Call(ctx, fn, sim.Int(1), sim.Int(2)); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	kernel.Tick()
	if got := hook.Status(fn); got != StatusCompiled {
		t.Fatalf("status %v after tick, want compiled", got)
	}

	if err := kernel.ReleaseContext(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := hook.Status(fn); got != StatusProfiling {
		t.Errorf("status %v after release, want profiling", got)
	}

	// The partition recycles for the next context.
	ctx2 := kernel.NewContext()
	for i := 0; i < cfg.TypeWindow; i++ {
		if _, err := kernel.Call(ctx2, fn, sim.Int(1), sim.Int(2)); err != nil {
			t.Fatalf("ctx2 call %d: %v", i, err)
		}
	}
	kernel.Tick()
	if got := hook.Status(fn); got != StatusCompiled {
		t.Errorf("status %v after re-warm, want compiled", got)
	}
}

func TestDispatchDisabledAnswersNotHandled(t *testing.T) {
	cfg := dispatchConfig()
	cfg.Enabled = false
	kernel, hook := newDispatch(t, cfg)
	fn := installAdd(t, kernel)

	for i := 0; i < cfg.TypeWindow*2; i++ {
		v, err := kernel.Call(engine.MainContext, fn, sim.Int(1), sim.Int(2))
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if v.I != 3 {
			t.Errorf("result %s, want 3", v)
		}
	}
	if got := hook.Status(fn); got != StatusProfiling {
		t.Errorf("status %v with tier disabled, want profiling", got)
	}
	if stats := hook.Stats(); stats.HotCalls != 0 {
		t.Errorf("hot calls %d with tier disabled, want 0", stats.HotCalls)
	}
}

func TestDispatchRecursiveFunctionStaysInterpreted(t *testing.T) {
	cfg := dispatchConfig()
	kernel, hook := newDispatch(t, cfg)

	// fib refers to itself through its constant pool, so the handle must
	// be known before the definition is installed.
	self := kernel.NextHandle()
	b := engine.NewBuilder()
	rec := b.NewLabel()
	b.Op(engine.OpGetArg0)
	b.Op(engine.OpPush1)
	b.Op(engine.OpLte)
	b.Branch(engine.OpIfFalse, rec)
	b.Op(engine.OpGetArg0)
	b.Op(engine.OpReturn)
	b.Mark(rec)
	b.U32(engine.OpFClosure, 0)
	b.Op(engine.OpGetArg0)
	b.Op(engine.OpDec)
	b.U16(engine.OpCall, 1)
	b.U32(engine.OpFClosure, 0)
	b.Op(engine.OpGetArg0)
	b.Op(engine.OpPush2)
	b.Op(engine.OpSub)
	b.U16(engine.OpCall, 1)
	b.Op(engine.OpAdd)
	b.Op(engine.OpReturn)
	fn, err := kernel.Install(sim.FuncDef{
		ArgCount: 1, DefinedArgCount: 1, StackSize: 4,
		Code:  b.Bytes(),
		CPool: []engine.Value{{Tag: engine.TagFunctionBytecode, Int: int32(self)}},
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if fn != self {
		t.Fatalf("installed at %#x, predicted %#x", fn, self)
	}

	// The call opcodes are outside the translated subset, so the tier
	// declines once and every call keeps interpreting, results intact.
	for i := 0; i < cfg.TypeWindow*2; i++ {
		v, err := kernel.Call(engine.MainContext, fn, sim.Int(10))
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if v.Tag != engine.TagInt || v.I != 55 {
			t.Errorf("fib(10) = %s, want 55", v)
		}
	}
	if got := hook.Status(fn); got != StatusFailed {
		t.Errorf("status %v, want failed", got)
	}
	stats := hook.Stats()
	if stats.CompileFailures != 1 {
		t.Errorf("compile failures %d, want exactly 1", stats.CompileFailures)
	}
	if stats.Dispatched != 0 {
		t.Errorf("dispatched %d calls, want 0", stats.Dispatched)
	}
}

func TestDispatchZeroArgFunction(t *testing.T) {
	cfg := dispatchConfig()
	kernel, hook := newDispatch(t, cfg)
	code := engine.NewBuilder().
		I8(engine.OpPushI8, 42).
		Op(engine.OpReturn).
		Bytes()
	fn, err := kernel.Install(sim.FuncDef{StackSize: 2, Code: code})
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	for i := 0; i < cfg.TypeWindow; i++ {
		if _, err := kernel.Call(engine.MainContext, fn); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := hook.Status(fn); got != StatusCompiled {
		t.Fatalf("status %v, want compiled", got)
	}
	v, err := kernel.Call(engine.MainContext, fn)
	if err != nil {
		t.Fatalf("native call: %v", err)
	}
	if v.I != 42 {
		t.Errorf("result %s, want 42", v)
	}
}
