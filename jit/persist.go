package jit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chobot2014/JSOS-sub006/engine"
)

// ---------------------------------------------------------------------------
// Profile persistence: blacklist and failure memoization across boots
// ---------------------------------------------------------------------------

// cborEncMode holds CBOR encoding options with canonical mode for
// deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("jit: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

const profileVersion = 1

// FunctionRecord is the persisted outcome for one function, keyed by the
// content hash of its bytecode. Function handles are addresses and do not
// survive a reboot; the bytecode does.
type FunctionRecord struct {
	Status  string `cbor:"status"` // "blacklisted" or "failed"
	Deopts  int    `cbor:"deopts"`
	Failure string `cbor:"failure,omitempty"`
}

// Profile is a snapshot of the dispatch outcomes worth carrying across
// boots: functions that must never be compiled again.
type Profile struct {
	Version int                       `cbor:"version"`
	Funcs   map[string]FunctionRecord `cbor:"funcs"`
}

// MarshalProfile serializes a Profile to CBOR bytes.
func MarshalProfile(p *Profile) ([]byte, error) {
	return cborEncMode.Marshal(p)
}

// UnmarshalProfile deserializes a Profile from CBOR bytes.
func UnmarshalProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("jit: unmarshal profile: %w", err)
	}
	if p.Version != profileVersion {
		return nil, fmt.Errorf("jit: profile version %d, want %d", p.Version, profileVersion)
	}
	return &p, nil
}

// SaveProfile writes the profile to path.
func SaveProfile(p *Profile, path string) error {
	data, err := MarshalProfile(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadProfile reads a profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalProfile(data)
}

// contentHash identifies a function by its bytecode, independent of where
// the engine loaded it.
func contentHash(view *FunctionView) (string, error) {
	code, err := view.Bytecode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:]), nil
}

// SnapshotProfile captures every memoized negative outcome.
func (h *Hook) SnapshotProfile() (*Profile, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := &Profile{
		Version: profileVersion,
		Funcs:   make(map[string]FunctionRecord),
	}
	for fn, st := range h.funcs {
		if st.status != StatusBlacklisted && st.status != StatusFailed {
			continue
		}
		view, err := h.reader.Open(fn)
		if err != nil {
			return nil, fmt.Errorf("jit: snapshot fn=%#x: %w", fn, err)
		}
		key, err := contentHash(view)
		if err != nil {
			return nil, fmt.Errorf("jit: snapshot fn=%#x: %w", fn, err)
		}
		rec := FunctionRecord{Deopts: st.deopts}
		if st.status == StatusBlacklisted {
			rec.Status = "blacklisted"
		} else {
			rec.Status = "failed"
			rec.Failure = st.failure.String()
		}
		p.Funcs[key] = rec
	}
	return p, nil
}

// RestoreProfile adopts a previous boot's outcomes. Matching happens
// lazily: a function is hashed the first time it becomes hot.
func (h *Hook) RestoreProfile(p *Profile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.restored == nil {
		h.restored = make(map[string]FunctionRecord)
	}
	for key, rec := range p.Funcs {
		h.restored[key] = rec
	}
}

// adoptRestoredLocked checks a newly seen function against the restored
// profile and pre-seeds its state when its bytecode matches a persisted
// record.
func (h *Hook) adoptRestoredLocked(fn engine.FuncHandle, st *funcState) {
	if len(h.restored) == 0 {
		return
	}
	view, err := h.reader.Open(fn)
	if err != nil {
		return
	}
	key, err := contentHash(view)
	if err != nil {
		return
	}
	rec, ok := h.restored[key]
	if !ok {
		return
	}
	st.deopts = rec.Deopts
	switch rec.Status {
	case "blacklisted":
		st.status = StatusBlacklisted
	case "failed":
		st.status = StatusFailed
	}
	h.log.Debugf("restored %s state for fn=%#x (%s)", rec.Status, fn, key[:12])
}
