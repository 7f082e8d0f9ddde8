// jsos-jit boots the simulated kernel, runs a few programs through the
// speculative native tier, and reports what the tier did with them.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chobot2014/JSOS-sub006/engine"
	"github.com/chobot2014/JSOS-sub006/engine/sim"
	"github.com/chobot2014/JSOS-sub006/jit"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configDir := flag.String("config", "", "Directory containing jsos-jit.toml (defaults built in)")
	profile := flag.String("profile", "", "Profile file to restore on boot and save on exit")
	hot := flag.Int("hot", 1, "Calls before a function is considered hot")
	verbose := flag.Bool("v", false, "Verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: jsos-jit [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the demo workload through the speculative native tier.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		commonlog.Configure(1, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	cfg := jit.DefaultConfig()
	if *configDir != "" {
		loaded, err := jit.LoadConfig(*configDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	kernel := sim.NewKernel(cfg.PoolSize())
	kernel.SetHotThreshold(*hot)
	pool := jit.NewPool(kernel.PoolBase(), cfg)
	hook := jit.NewHook(cfg, kernel, kernel, pool)
	kernel.SetHook(hook)

	if err := hook.ValidateStructs(kernel); err != nil {
		fmt.Fprintf(os.Stderr, "Structural validation failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "Continuing with interpretation only.")
	}

	if *profile != "" {
		if p, err := jit.LoadProfile(*profile); err == nil {
			hook.RestoreProfile(p)
			fmt.Printf("Restored profile with %d records\n", len(p.Funcs))
		}
	}

	if err := runDemo(kernel, hook, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *profile != "" {
		p, err := hook.SnapshotProfile()
		if err == nil {
			err = jit.SaveProfile(p, *profile)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error saving profile: %v\n", err)
			os.Exit(1)
		}
	}
}

func runDemo(kernel *sim.Kernel, hook *jit.Hook, cfg jit.Config) error {
	add, err := kernel.Install(addFunc())
	if err != nil {
		return err
	}
	fib, err := kernel.Install(fibFunc())
	if err != nil {
		return err
	}
	mixed := add // the same code goes polymorphic when floats arrive

	fmt.Println("== warming add(a, b) ==")
	for i := 0; i < cfg.TypeWindow+2; i++ {
		v, err := kernel.Call(engine.MainContext, add, sim.Int(int32(i)), sim.Int(3))
		if err != nil {
			return err
		}
		fmt.Printf("  add(%d, 3) = %s  [%s]\n", i, v, hook.Status(add))
	}

	fmt.Println("== warming fib(n) ==")
	for i := 0; i < cfg.TypeWindow+2; i++ {
		v, err := kernel.Call(engine.MainContext, fib, sim.Int(20))
		if err != nil {
			return err
		}
		fmt.Printf("  fib(20) = %s  [%s]\n", v, hook.Status(fib))
	}

	fmt.Println("== isolated context ==")
	ctx := kernel.NewContext()
	iso, err := kernel.Install(addFunc())
	if err != nil {
		return err
	}
	for i := 0; i < cfg.TypeWindow+2; i++ {
		if _, err := kernel.Call(ctx, iso, sim.Int(int32(i)), sim.Int(int32(i))); err != nil {
			return err
		}
		kernel.Tick() // compilation happens on the main context's tick
	}
	fmt.Printf("  isolated add: [%s]\n", hook.Status(iso))
	if err := kernel.ReleaseContext(ctx); err != nil {
		return err
	}
	fmt.Printf("  after release: [%s]\n", hook.Status(iso))

	fmt.Println("== polymorphic call site ==")
	if _, err := kernel.Call(engine.MainContext, mixed, sim.Float(1.5), sim.Int(1)); err != nil {
		return err
	}
	fmt.Printf("  add after float argument: [%s], %d deopts\n",
		hook.Status(mixed), hook.DeoptCount(mixed))

	stats := hook.Stats()
	fmt.Println("== stats ==")
	fmt.Printf("  hot calls:        %d\n", stats.HotCalls)
	fmt.Printf("  compiled:         %d\n", stats.Compiled)
	fmt.Printf("  native dispatches:%d\n", stats.Dispatched)
	fmt.Printf("  bailouts:         %d\n", stats.Bailouts)
	fmt.Printf("  guard failures:   %d\n", stats.GuardFailures)
	fmt.Printf("  deopts:           %d\n", stats.Deopts)
	fmt.Printf("  blacklisted:      %d\n", stats.Blacklisted)
	return nil
}

// addFunc is add(a, b) { return a + b }.
func addFunc() sim.FuncDef {
	code := engine.NewBuilder().
		Op(engine.OpGetArg0).
		Op(engine.OpGetArg1).
		Op(engine.OpAdd).
		Op(engine.OpReturn).
		Bytes()
	return sim.FuncDef{ArgCount: 2, DefinedArgCount: 2, StackSize: 2, Code: code}
}

// fibFunc is the iterative fib(n) over two locals.
func fibFunc() sim.FuncDef {
	b := engine.NewBuilder()
	loop := b.NewLabel()
	done := b.NewLabel()

	// a = 0; b = 1
	b.Op(engine.OpPush0).Op(engine.OpPutLoc0)
	b.Op(engine.OpPush1).Op(engine.OpPutLoc1)
	b.Mark(loop)
	// while (n > 0)
	b.Op(engine.OpGetArg0).Op(engine.OpPush0).Op(engine.OpGt)
	b.Branch(engine.OpIfFalse, done)
	// t = a + b; a = b; b = t
	b.Op(engine.OpGetLoc0).Op(engine.OpGetLoc1).Op(engine.OpAdd)
	b.Op(engine.OpGetLoc1).Op(engine.OpPutLoc0)
	b.Op(engine.OpPutLoc1)
	// n = n - 1
	b.Op(engine.OpGetArg0).Op(engine.OpDec).Op(engine.OpPutArg0)
	b.Branch(engine.OpGoto, loop)
	b.Mark(done)
	b.Op(engine.OpGetLoc0).Op(engine.OpReturn)

	return sim.FuncDef{ArgCount: 1, VarCount: 2, DefinedArgCount: 1, StackSize: 4, Code: b.Bytes()}
}
