package jit

import (
	"sync"

	"github.com/chobot2014/JSOS-sub006/engine"
)

// ---------------------------------------------------------------------------
// Speculator: per-function argument type profiling
// ---------------------------------------------------------------------------

// Classification is the speculator's verdict for one function profile.
type Classification int

const (
	// Unconfirmed: not enough observations yet.
	Unconfirmed Classification = iota
	// IntegerOnly: every slot's window is full and unanimously integer;
	// compilation under the integer speculation is safe to attempt.
	IntegerOnly
	// Mixed: at least one non-integer tag has been observed in the
	// current profile generation; never compile for it.
	Mixed
)

// String names the classification.
func (c Classification) String() string {
	switch c {
	case IntegerOnly:
		return "integer"
	case Mixed:
		return "mixed"
	}
	return "unconfirmed"
}

// slotWindow is a fixed-size ring of the most recent tags seen in one
// argument slot.
type slotWindow struct {
	tags  []engine.Tag
	next  int
	count int
}

func (w *slotWindow) record(tag engine.Tag) {
	w.tags[w.next] = tag
	w.next = (w.next + 1) % len(w.tags)
	if w.count < len(w.tags) {
		w.count++
	}
}

func (w *slotWindow) fullOfInts() bool {
	if w.count < len(w.tags) {
		return false
	}
	for _, t := range w.tags {
		if t != engine.TagInt {
			return false
		}
	}
	return true
}

// typeProfile is the bounded observation history for one function.
type typeProfile struct {
	slots    []slotWindow
	observed int  // calls recorded in this profile generation
	poisoned bool // a non-integer tag was seen; terminal for the generation
}

// Speculator tracks per-argument-slot type history per function and decides
// compilation eligibility. Profiles are created lazily on first observation
// and discarded by Reset (deoptimization) so re-profiling starts clean.
type Speculator struct {
	window int

	mu       sync.Mutex
	profiles map[engine.FuncHandle]*typeProfile
}

// NewSpeculator creates a speculator with the given window size.
func NewSpeculator(window int) *Speculator {
	return &Speculator{
		window:   window,
		profiles: make(map[engine.FuncHandle]*typeProfile),
	}
}

// Observe records one call's argument tags into the function's windows.
// A call observed with a different arity than the profile was created with
// poisons the profile (the engine permits arity-mismatched calls; the JIT
// does not speculate across them).
func (s *Speculator) Observe(handle engine.FuncHandle, tags []engine.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profiles[handle]
	if p == nil {
		p = &typeProfile{slots: make([]slotWindow, len(tags))}
		for i := range p.slots {
			p.slots[i].tags = make([]engine.Tag, s.window)
		}
		s.profiles[handle] = p
	}
	if len(tags) != len(p.slots) {
		p.poisoned = true
		return
	}
	p.observed++
	for i, tag := range tags {
		if tag != engine.TagInt {
			p.poisoned = true
		}
		p.slots[i].record(tag)
	}
}

// Classify returns the verdict for the function's current profile
// generation. IntegerOnly requires at least window observations even for
// zero-argument functions, so compilation never outruns profiling.
func (s *Speculator) Classify(handle engine.FuncHandle) Classification {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profiles[handle]
	if p == nil {
		return Unconfirmed
	}
	if p.poisoned {
		return Mixed
	}
	if p.observed < s.window {
		return Unconfirmed
	}
	for i := range p.slots {
		if !p.slots[i].fullOfInts() {
			return Unconfirmed
		}
	}
	return IntegerOnly
}

// Reset discards the function's profile so observation starts over. Called
// on deoptimization and on permanent blacklisting.
func (s *Speculator) Reset(handle engine.FuncHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, handle)
}

// Tracked returns the number of functions with live profiles.
func (s *Speculator) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}
