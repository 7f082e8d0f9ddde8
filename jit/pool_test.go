package jit

import "testing"

func testPoolConfig() Config {
	cfg := DefaultConfig()
	cfg.MainSize = 4096
	cfg.ChildSlots = 2
	cfg.ChildSize = 1024
	cfg.MaxAlloc = 512
	return cfg
}

func TestPoolAllocAligns(t *testing.T) {
	p := NewPool(0x1000, testPoolConfig())

	a1, ok := p.Alloc(PartitionMain, 10)
	if !ok {
		t.Fatal("first alloc failed")
	}
	a2, ok := p.Alloc(PartitionMain, 10)
	if !ok {
		t.Fatal("second alloc failed")
	}
	if a1%16 != 0 || a2%16 != 0 {
		t.Errorf("allocations not 16-byte aligned: %#x, %#x", a1, a2)
	}
	if a2 != a1+16 {
		t.Errorf("10-byte alloc should advance by 16: %#x then %#x", a1, a2)
	}
}

func TestPoolMaxAllocCap(t *testing.T) {
	p := NewPool(0x1000, testPoolConfig())
	if _, ok := p.Alloc(PartitionMain, 513); ok {
		t.Error("alloc above max-alloc should fail")
	}
	if _, ok := p.Alloc(PartitionMain, 512); !ok {
		t.Error("alloc at max-alloc should succeed")
	}
}

func TestPoolExhaustionIsDeterministic(t *testing.T) {
	cfg := testPoolConfig()
	p := NewPool(0x1000, cfg)

	n := 0
	for {
		if _, ok := p.Alloc(PartitionMain, 512); !ok {
			break
		}
		n++
	}
	if want := int(cfg.MainSize / 512); n != want {
		t.Errorf("got %d allocations before exhaustion, want %d", n, want)
	}
	// Exhausted stays exhausted
	if _, ok := p.Alloc(PartitionMain, 16); ok {
		t.Error("alloc after exhaustion should fail")
	}
}

func TestPoolPartitionsAreIndependent(t *testing.T) {
	p := NewPool(0x1000, testPoolConfig())

	a, ok := p.Alloc(PartitionMain, 100)
	if !ok {
		t.Fatal("main alloc failed")
	}
	b, ok := p.Alloc(0, 100)
	if !ok {
		t.Fatal("child 0 alloc failed")
	}
	c, ok := p.Alloc(1, 100)
	if !ok {
		t.Fatal("child 1 alloc failed")
	}
	if !p.Contains(PartitionMain, a) || p.Contains(PartitionMain, b) {
		t.Error("main partition bounds wrong")
	}
	if !p.Contains(0, b) || p.Contains(0, c) {
		t.Error("child partition bounds wrong")
	}
}

func TestPoolResetPartitionRecycles(t *testing.T) {
	p := NewPool(0x1000, testPoolConfig())

	first, ok := p.Alloc(0, 100)
	if !ok {
		t.Fatal("alloc failed")
	}
	if err := p.ResetPartition(0); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if p.UsedBytes(0) != 0 {
		t.Errorf("used bytes %d after reset", p.UsedBytes(0))
	}
	again, ok := p.Alloc(0, 100)
	if !ok {
		t.Fatal("alloc after reset failed")
	}
	if again != first {
		t.Errorf("recycled alloc at %#x, want %#x", again, first)
	}
	// Resetting an empty partition is fine
	if err := p.ResetPartition(1); err != nil {
		t.Errorf("reset of untouched partition: %v", err)
	}
}

func TestPoolResetMainOnly(t *testing.T) {
	p := NewPool(0x1000, testPoolConfig())
	if _, ok := p.Alloc(PartitionMain, 100); !ok {
		t.Fatal("alloc failed")
	}
	if err := p.ResetPartition(PartitionMain); err == nil {
		t.Error("ResetPartition must reject the main partition")
	}
	p.ResetMain()
	if p.UsedBytes(PartitionMain) != 0 {
		t.Error("ResetMain did not recycle")
	}
}

func TestPoolRejectsBadPartition(t *testing.T) {
	p := NewPool(0x1000, testPoolConfig())
	if _, ok := p.Alloc(2, 16); ok {
		t.Error("alloc in nonexistent child should fail")
	}
	if _, ok := p.Alloc(-2, 16); ok {
		t.Error("alloc in negative partition should fail")
	}
}
