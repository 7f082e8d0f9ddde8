package jit

import (
	"fmt"
	"sync"

	"github.com/chobot2014/JSOS-sub006/engine"
)

// ---------------------------------------------------------------------------
// Pool: partitioned bump allocator for generated code
// ---------------------------------------------------------------------------

// PartitionID names one pool partition: PartitionMain for the long-lived
// main runtime partition, or a child slot index for an isolated context.
type PartitionID int

// PartitionMain is the main runtime partition.
const PartitionMain PartitionID = -1

// allocAlign is the allocation granularity. 16 bytes keeps the first
// instruction of every function cache-line aligned.
const allocAlign = 16

// Pool carves generated-code regions out of one contiguous range of engine
// memory: a main partition followed by a fixed number of equally sized
// child partitions. Cursors only move forward; the only reclaim is a
// whole-partition reset, and the bytes themselves live in engine memory.
type Pool struct {
	base      engine.Addr
	mainSize  uint32
	childSize uint32
	maxAlloc  uint32

	mu        sync.Mutex
	mainUsed  uint32
	childUsed []uint32
}

// NewPool lays a pool over engine memory starting at base, with the given
// geometry.
func NewPool(base engine.Addr, cfg Config) *Pool {
	return &Pool{
		base:      base,
		mainSize:  cfg.MainSize,
		childSize: cfg.ChildSize,
		maxAlloc:  cfg.MaxAlloc,
		childUsed: make([]uint32, cfg.ChildSlots),
	}
}

// Alloc bump-allocates size bytes (rounded up to the alignment boundary)
// from the partition. ok is false on exhaustion, a zero or over-cap size,
// or an out-of-range partition; all are expected, non-fatal outcomes.
func (p *Pool) Alloc(id PartitionID, size uint32) (addr engine.Addr, ok bool) {
	if size == 0 || size > p.maxAlloc {
		return 0, false
	}
	aligned := (size + allocAlign - 1) &^ (allocAlign - 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if id == PartitionMain {
		if p.mainUsed+aligned > p.mainSize {
			return 0, false
		}
		addr = p.base + p.mainUsed
		p.mainUsed += aligned
		return addr, true
	}

	slot := int(id)
	if slot < 0 || slot >= len(p.childUsed) {
		return 0, false
	}
	if p.childUsed[slot]+aligned > p.childSize {
		return 0, false
	}
	addr = p.base + p.mainSize + uint32(slot)*p.childSize + p.childUsed[slot]
	p.childUsed[slot] += aligned
	return addr, true
}

// ResetPartition sets a child partition's cursor back to its base in O(1).
// It must only be called after the owning execution context has fully
// terminated and the dispatch layer has purged every cache entry pointing
// into the partition; the pool cannot check either.
func (p *Pool) ResetPartition(id PartitionID) error {
	if id == PartitionMain {
		return fmt.Errorf("jit: main partition is reset via ResetMain")
	}
	slot := int(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= len(p.childUsed) {
		return fmt.Errorf("jit: no child partition %d", slot)
	}
	p.childUsed[slot] = 0
	return nil
}

// ResetMain reclaims the whole main partition. Same caller obligation as
// ResetPartition: no live cache entry may still point into it.
func (p *Pool) ResetMain() {
	p.mu.Lock()
	p.mainUsed = 0
	p.mu.Unlock()
}

// UsedBytes returns the bytes consumed in a partition, for diagnostics.
func (p *Pool) UsedBytes(id PartitionID) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == PartitionMain {
		return p.mainUsed
	}
	slot := int(id)
	if slot < 0 || slot >= len(p.childUsed) {
		return 0
	}
	return p.childUsed[slot]
}

// Contains reports whether addr lies inside the partition's range. The
// dispatch layer uses it to purge cache entries before a partition reset.
func (p *Pool) Contains(id PartitionID, addr engine.Addr) bool {
	if id == PartitionMain {
		return addr >= p.base && addr < p.base+p.mainSize
	}
	slot := int(id)
	if slot < 0 || slot >= len(p.childUsed) {
		return false
	}
	lo := p.base + p.mainSize + uint32(slot)*p.childSize
	return addr >= lo && addr < lo+p.childSize
}

// ChildSlots returns the number of child partitions.
func (p *Pool) ChildSlots() int {
	return len(p.childUsed)
}
