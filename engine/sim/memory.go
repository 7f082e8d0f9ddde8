// Package sim is a self-contained stand-in for the kernel side of the
// native tier: flat physical memory, a function-object loader using the
// probed engine layout, a reference interpreter, and a cooperative
// scheduler with isolated contexts. It exists so the whole pipeline can be
// exercised deterministically on any development host.
package sim

import (
	"fmt"

	"github.com/chobot2014/JSOS-sub006/engine"
)

// RAM is flat byte-addressable memory implementing engine.Memory. Address
// zero is kept unmapped so a zero handle always faults.
type RAM struct {
	buf []byte
}

var _ engine.Memory = (*RAM)(nil)

// NewRAM allocates size bytes of zeroed memory.
func NewRAM(size int) *RAM {
	return &RAM{buf: make([]byte, size)}
}

// Size returns the extent of the address space.
func (r *RAM) Size() int {
	return len(r.buf)
}

func (r *RAM) check(addr engine.Addr, length int) error {
	if length < 0 || length > engine.MaxReadLen {
		return fmt.Errorf("%w: length %d", engine.ErrReadRange, length)
	}
	if addr == 0 && length > 0 {
		return fmt.Errorf("%w: null address", engine.ErrReadRange)
	}
	end := int64(addr) + int64(length)
	if end > int64(len(r.buf)) {
		return fmt.Errorf("%w: [%#x, %#x) beyond %#x", engine.ErrReadRange, addr, end, len(r.buf))
	}
	return nil
}

// ReadBytes copies length bytes starting at addr.
func (r *RAM) ReadBytes(addr engine.Addr, length int) ([]byte, error) {
	if err := r.check(addr, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, r.buf[addr:int(addr)+length])
	return out, nil
}

// WriteBytes copies b into memory starting at addr.
func (r *RAM) WriteBytes(addr engine.Addr, b []byte) error {
	if err := r.check(addr, len(b)); err != nil {
		return err
	}
	copy(r.buf[addr:], b)
	return nil
}
