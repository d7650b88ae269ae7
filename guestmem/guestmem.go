// Package guestmem owns the single host-side mapping backing guest physical
// memory and its installation into a VM.
package guestmem

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nanvix/microvm/kvm"
)

// ErrOutOfBounds is returned by Write when the target range falls outside
// the mapping.
var ErrOutOfBounds = errors.New("write exceeds guest memory bounds")

// GuestMemory is the single anonymous mapping that backs guest-physical
// address 0 upward. There is exactly one per VM, sized once at New and never
// resized.
type GuestMemory struct {
	buf []byte
}

// New allocates an anonymous, private, writable mapping of memSize bytes and
// advises the host kernel the pages are merge-eligible.
func New(memSize int) (*GuestMemory, error) {
	if memSize <= 0 {
		return nil, fmt.Errorf("guest memory size must be positive, got %d", memSize)
	}

	buf, err := unix.Mmap(-1, 0, memSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocating guest memory: %w", err)
	}

	if err := unix.Madvise(buf, unix.MADV_MERGEABLE); err != nil {
		// MADV_MERGEABLE is an optimization hint; a kernel built without
		// CONFIG_KSM rejects it, which is not fatal to booting a guest.
		_ = err
	}

	return &GuestMemory{buf: buf}, nil
}

// Size returns the total length of the mapping.
func (g *GuestMemory) Size() int {
	return len(g.buf)
}

// Write copies bytes into the mapping at offset, failing with
// ErrOutOfBounds if the range does not fit.
func (g *GuestMemory) Write(offset uint64, data []byte) error {
	if offset > uint64(len(g.buf)) || uint64(len(data)) > uint64(len(g.buf))-offset {
		return fmt.Errorf("%w: offset %#x len %d size %d", ErrOutOfBounds, offset, len(data), len(g.buf))
	}

	copy(g.buf[offset:], data)

	return nil
}

// Bytes exposes the mapping directly, for the loader's in-place ELF copies
// and for tests that want to inspect guest memory contents.
func (g *GuestMemory) Bytes() []byte {
	return g.buf
}

// InstallInto registers the mapping with a VM at slot 0, guest-physical
// base 0, full length.
func (g *GuestMemory) InstallInto(vmFd uintptr) error {
	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(g.buf)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&g.buf[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
		return fmt.Errorf("installing guest memory region: %w", err)
	}

	return nil
}
