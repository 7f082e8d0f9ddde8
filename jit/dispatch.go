package jit

import (
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chobot2014/JSOS-sub006/engine"
)

// ---------------------------------------------------------------------------
// Dispatch hook: hot-call interception, guards, deoptimization
// ---------------------------------------------------------------------------

// FuncStatus is the per-function dispatch state.
type FuncStatus int

const (
	// StatusProfiling collects type observations; every call runs in the
	// interpreter.
	StatusProfiling FuncStatus = iota
	// StatusCompiled dispatches guarded calls to installed native code.
	StatusCompiled
	// StatusBlacklisted permanently excludes a function after repeated
	// deoptimizations.
	StatusBlacklisted
	// StatusFailed memoizes a compilation failure so the function is
	// never re-attempted.
	StatusFailed
)

func (s FuncStatus) String() string {
	switch s {
	case StatusProfiling:
		return "profiling"
	case StatusCompiled:
		return "compiled"
	case StatusBlacklisted:
		return "blacklisted"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

type funcState struct {
	status  FuncStatus
	entry   *CompiledCode
	part    PartitionID
	deopts  int
	failure FailReason
}

// pendingCompile is the single-slot cross-context compilation mailbox. An
// isolated context never compiles on its own tick; it posts here and the
// scheduler drains the slot on the main context. Later posts overwrite
// earlier ones.
type pendingCompile struct {
	ctx   engine.ContextID
	fn    engine.FuncHandle
	valid bool
}

// Stats counts dispatch activity since the hook was created.
type Stats struct {
	HotCalls        uint64 // hot-call notifications received
	Dispatched      uint64 // calls completed in native code
	Bailouts        uint64 // native calls that returned the sentinel
	GuardFailures   uint64 // calls rejected by a type or arity guard
	Deopts          uint64 // deoptimizations performed
	Compiled        uint64 // successful compilations
	CompileFailures uint64 // memoized compilation failures
	Blacklisted     uint64 // functions blacklisted
}

// Hook is the engine's hot-call notification target. It owns the whole
// speculative pipeline: profiling, compilation, guarded dispatch, and
// deoptimization bookkeeping.
type Hook struct {
	cfg    Config
	mem    engine.Memory
	tramp  engine.Trampoline
	reader *Reader
	spec   *Speculator
	gen    *Generator
	pool   *Pool
	log    commonlog.Logger

	mu         sync.Mutex
	funcs      map[engine.FuncHandle]*funcState
	partitions map[engine.ContextID]PartitionID
	nextChild  int
	mailbox    pendingCompile
	restored   map[string]FunctionRecord
	stats      Stats
}

var _ engine.HotCallHook = (*Hook)(nil)

// NewHook wires the pipeline over the given memory, trampoline and code
// pool.
func NewHook(cfg Config, mem engine.Memory, tramp engine.Trampoline, pool *Pool) *Hook {
	return &Hook{
		cfg:        cfg,
		mem:        mem,
		tramp:      tramp,
		reader:     NewReader(mem),
		spec:       NewSpeculator(cfg.TypeWindow),
		gen:        NewGenerator(mem),
		pool:       pool,
		log:        commonlog.GetLogger("jit"),
		funcs:      make(map[engine.FuncHandle]*funcState),
		partitions: make(map[engine.ContextID]PartitionID),
	}
}

// Reader exposes the structural reader, mainly for the startup validation.
func (h *Hook) Reader() *Reader {
	return h.reader
}

// Handle processes one hot-call notification. A Handled disposition means
// the native code already produced the result and wrote it to ret; anything
// else leaves the call entirely to the interpreter.
func (h *Hook) Handle(ctx engine.ContextID, fn engine.FuncHandle, argv engine.Addr, argc int, ret engine.Addr) engine.Disposition {
	if !h.cfg.Enabled || h.reader.Disabled() {
		return engine.NotHandled
	}
	if argc > engine.TrampolineMaxArgs {
		return engine.NotHandled
	}

	args, tags, err := h.readArgs(argv, argc)
	if err != nil {
		h.log.Errorf("argument read at %#x failed: %v", argv, err)
		return engine.NotHandled
	}

	h.mu.Lock()
	st := h.stateLocked(fn)

	switch st.status {
	case StatusBlacklisted, StatusFailed:
		h.mu.Unlock()
		return engine.NotHandled

	case StatusCompiled:
		return h.dispatchLocked(fn, st, args, tags, argc, ret)

	default: // StatusProfiling
		h.stats.HotCalls++
		h.spec.Observe(fn, tags)
		if h.spec.Classify(fn) == IntegerOnly {
			if ctx.IsIsolated() {
				h.mailbox = pendingCompile{ctx: ctx, fn: fn, valid: true}
			} else {
				h.compileLocked(ctx, fn, st)
				if st.status == StatusCompiled {
					// The call that completed the window runs natively
					// itself, not just the calls after it.
					return h.dispatchLocked(fn, st, args, tags, argc, ret)
				}
			}
		}
		h.mu.Unlock()
		return engine.NotHandled
	}
}

// dispatchLocked runs the guards and, when they hold, the native call.
// Called with the mutex held; releases it.
func (h *Hook) dispatchLocked(fn engine.FuncHandle, st *funcState, args []int32, tags []engine.Tag, argc int, ret engine.Addr) engine.Disposition {
	entry := st.entry
	if argc != entry.ArgCount || !allInts(tags) {
		h.stats.GuardFailures++
		h.deoptLocked(fn, st)
		h.mu.Unlock()
		return engine.NotHandled
	}
	h.mu.Unlock()

	result, err := h.call(entry.Addr, args)
	if err != nil {
		// Guarded code must not fault; a fault means the speculation
		// no longer matches the function.
		h.log.Warningf("native call for fn=%#x faulted: %v", fn, err)
		h.mu.Lock()
		h.deoptLocked(fn, st)
		h.mu.Unlock()
		return engine.NotHandled
	}
	if result == engine.BailoutSentinel {
		h.mu.Lock()
		h.stats.Bailouts++
		h.mu.Unlock()
		return engine.NotHandled
	}

	buf := make([]byte, engine.ValueSize)
	engine.EncodeValue(buf, engine.IntValue(result))
	if err := h.mem.WriteBytes(ret, buf); err != nil {
		h.log.Errorf("result write at %#x failed: %v", ret, err)
		return engine.NotHandled
	}
	h.mu.Lock()
	h.stats.Dispatched++
	h.mu.Unlock()
	return engine.Handled
}

func (h *Hook) call(addr engine.Addr, args []int32) (int32, error) {
	var a [engine.TrampolineMaxArgs]int32
	copy(a[:], args)
	if len(args) <= 4 {
		return h.tramp.CallI4(addr, a[0], a[1], a[2], a[3])
	}
	return h.tramp.CallI8(addr, a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7])
}

func (h *Hook) readArgs(argv engine.Addr, argc int) ([]int32, []engine.Tag, error) {
	if argc == 0 {
		return nil, nil, nil
	}
	raw, err := h.mem.ReadBytes(argv, argc*engine.ValueSize)
	if err != nil {
		return nil, nil, err
	}
	args := make([]int32, argc)
	tags := make([]engine.Tag, argc)
	for i := 0; i < argc; i++ {
		v := engine.DecodeValue(raw[i*engine.ValueSize:])
		args[i] = v.Int
		tags[i] = v.Tag
	}
	return args, tags, nil
}

func allInts(tags []engine.Tag) bool {
	for _, t := range tags {
		if t != engine.TagInt {
			return false
		}
	}
	return true
}

func (h *Hook) stateLocked(fn engine.FuncHandle) *funcState {
	st, ok := h.funcs[fn]
	if !ok {
		st = &funcState{status: StatusProfiling}
		h.adoptRestoredLocked(fn, st)
		h.funcs[fn] = st
	}
	return st
}

// compileLocked attempts one compilation and memoizes the outcome. The
// function is never retried after a failure.
func (h *Hook) compileLocked(ctx engine.ContextID, fn engine.FuncHandle, st *funcState) {
	view, err := h.reader.Open(fn)
	if err != nil {
		h.failLocked(fn, st, err)
		return
	}
	part := h.partitionLocked(ctx)
	code, err := h.gen.Compile(view, IntegerOnly, h.pool, part)
	if err != nil {
		h.failLocked(fn, st, err)
		return
	}
	st.status = StatusCompiled
	st.entry = code
	st.part = part
	h.stats.Compiled++
	h.log.Infof("compiled fn=%#x at %#x (%d bytes, partition %d)", fn, code.Addr, code.Len, part)
}

func (h *Hook) failLocked(fn engine.FuncHandle, st *funcState, err error) {
	st.status = StatusFailed
	if reason, ok := IsCompileError(err); ok {
		st.failure = reason
	}
	h.stats.CompileFailures++
	h.log.Debugf("compilation of fn=%#x failed: %v", fn, err)
}

// deoptLocked removes the compiled entry, resets the speculation and
// blacklists the function once the deoptimization limit is reached. The
// code bytes stay in the pool until their partition is reset.
func (h *Hook) deoptLocked(fn engine.FuncHandle, st *funcState) {
	st.entry = nil
	st.status = StatusProfiling
	st.deopts++
	h.stats.Deopts++
	h.spec.Reset(fn)
	if st.deopts >= h.cfg.DeoptLimit {
		st.status = StatusBlacklisted
		h.stats.Blacklisted++
		h.log.Infof("blacklisted fn=%#x after %d deoptimizations", fn, st.deopts)
	}
}

// partitionLocked returns the pool partition for the context, assigning
// isolated contexts a child slot round-robin on first use.
func (h *Hook) partitionLocked(ctx engine.ContextID) PartitionID {
	if !ctx.IsIsolated() {
		return PartitionMain
	}
	if part, ok := h.partitions[ctx]; ok {
		return part
	}
	part := PartitionID(h.nextChild % h.pool.ChildSlots())
	h.nextChild++
	h.partitions[ctx] = part
	return part
}

// ServiceTick drains the compilation mailbox. The scheduler calls it once
// per tick on the main context.
func (h *Hook) ServiceTick() {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.mailbox
	h.mailbox = pendingCompile{}
	if !p.valid {
		return
	}
	st := h.stateLocked(p.fn)
	if st.status != StatusProfiling {
		return
	}
	// The mailbox can be stale: re-check the classification before
	// spending pool space.
	if h.spec.Classify(p.fn) != IntegerOnly {
		return
	}
	h.compileLocked(p.ctx, p.fn, st)
}

// ReleaseContext tears down an isolated context: every compiled entry in
// its partition is dropped back to profiling and the partition is reset
// for reuse.
func (h *Hook) ReleaseContext(ctx engine.ContextID) error {
	if !ctx.IsIsolated() {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	part, ok := h.partitions[ctx]
	if !ok {
		return nil
	}
	for fn, st := range h.funcs {
		if st.status == StatusCompiled && st.part == part {
			st.entry = nil
			st.status = StatusProfiling
			h.spec.Reset(fn)
		}
	}
	if h.mailbox.valid && h.mailbox.ctx == ctx {
		h.mailbox = pendingCompile{}
	}
	delete(h.partitions, ctx)
	return h.pool.ResetPartition(part)
}

// Status reports the dispatch state of one function.
func (h *Hook) Status(fn engine.FuncHandle) FuncStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.funcs[fn]; ok {
		return st.status
	}
	return StatusProfiling
}

// DeoptCount reports how many times one function has deoptimized.
func (h *Hook) DeoptCount(fn engine.FuncHandle) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.funcs[fn]; ok {
		return st.deopts
	}
	return 0
}

// Stats returns a snapshot of the dispatch counters.
func (h *Hook) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
