package jit

import (
	"path/filepath"
	"testing"

	"github.com/chobot2014/JSOS-sub006/engine"
	"github.com/chobot2014/JSOS-sub006/engine/sim"
)

func TestProfileRoundTrip(t *testing.T) {
	p := &Profile{
		Version: profileVersion,
		Funcs: map[string]FunctionRecord{
			"abc123": {Status: "blacklisted", Deopts: 3},
			"def456": {Status: "failed", Failure: "unsupported-opcode"},
		},
	}
	data, err := MarshalProfile(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Canonical mode: identical input encodes identically.
	data2, err := MarshalProfile(p)
	if err != nil {
		t.Fatalf("second marshal: %v", err)
	}
	if string(data) != string(data2) {
		t.Error("canonical encoding is not deterministic")
	}

	back, err := UnmarshalProfile(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Funcs) != 2 {
		t.Fatalf("round-tripped %d records, want 2", len(back.Funcs))
	}
	if rec := back.Funcs["abc123"]; rec.Status != "blacklisted" || rec.Deopts != 3 {
		t.Errorf("record mismatch: %+v", rec)
	}
}

func TestProfileVersionMismatchRejected(t *testing.T) {
	data, err := MarshalProfile(&Profile{Version: 99})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalProfile(data); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestProfileSurvivesReboot(t *testing.T) {
	cfg := dispatchConfig()
	cfg.DeoptLimit = 2

	// First boot: drive the function to the blacklist.
	kernel, hook := newDispatch(t, cfg)
	fn := installAdd(t, kernel)
	for cycle := 0; cycle < 2; cycle++ {
		warm(t, kernel, hook, fn, cfg.TypeWindow)
		if _, err := kernel.Call(engine.MainContext, fn, sim.Float(0.5), sim.Int(1)); err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
	}
	if got := hook.Status(fn); got != StatusBlacklisted {
		t.Fatalf("status %v, want blacklisted", got)
	}

	snap, err := hook.SnapshotProfile()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jit-profile.cbor")
	if err := SaveProfile(snap, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Second boot: same bytecode lands at a different handle.
	kernel2, hook2 := newDispatch(t, cfg)
	loaded, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	hook2.RestoreProfile(loaded)

	other, err := kernel2.Install(sim.FuncDef{ // something else first, to shift addresses
		StackSize: 2,
		Code:      engine.NewBuilder().I8(engine.OpPushI8, 1).Op(engine.OpReturn).Bytes(),
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	_ = other
	fn2 := installAdd(t, kernel2)

	// The first hot call matches the content hash and adopts the record.
	if _, err := kernel2.Call(engine.MainContext, fn2, sim.Int(1), sim.Int(2)); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := hook2.Status(fn2); got != StatusBlacklisted {
		t.Errorf("status %v after restore, want blacklisted", got)
	}
	if stats := hook2.Stats(); stats.Compiled != 0 {
		t.Errorf("compiled %d times after restore, want 0", stats.Compiled)
	}
}

func TestSnapshotSkipsHealthyFunctions(t *testing.T) {
	cfg := dispatchConfig()
	kernel, hook := newDispatch(t, cfg)
	fn := installAdd(t, kernel)
	warm(t, kernel, hook, fn, cfg.TypeWindow)

	snap, err := hook.SnapshotProfile()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Funcs) != 0 {
		t.Errorf("snapshot has %d records for a healthy tier, want 0", len(snap.Funcs))
	}
}
