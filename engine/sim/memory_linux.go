//go:build linux

package sim

import (
	"golang.org/x/sys/unix"
)

// NewMmapRAM allocates the address space with mmap instead of the Go heap.
// The mapping is created read-write-execute so the same backing could feed
// a real processor; the emulator itself never needs the execute bit. Call
// Release when done.
func NewMmapRAM(size int) (*RAM, func() error, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}
	ram := &RAM{buf: buf}
	release := func() error {
		return unix.Munmap(buf)
	}
	return ram, release, nil
}
