// Package kvm is the Host-Virtualization Binding: the thin layer over
// /dev/kvm's ioctl surface that the rest of the module builds on.
package kvm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedAPIVersion is returned when KVM_GET_API_VERSION does not
// report the version this module was built against.
var ErrUnsupportedAPIVersion = fmt.Errorf("unsupported kvm api version, want %d", supportedAPIVersion)

// OpenEndpoint opens /dev/kvm and checks its reported API version.
func OpenEndpoint(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	version, err := GetAPIVersion(f.Fd())
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("getting kvm api version: %w", err)
	}

	if version != supportedAPIVersion {
		f.Close()

		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedAPIVersion, version)
	}

	return f, nil
}

// GetAPIVersion issues KVM_GET_API_VERSION on the /dev/kvm fd.
func GetAPIVersion(kvmFd uintptr) (int, error) {
	v, err := Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)

	return int(v), err
}

// CreateVM issues KVM_CREATE_VM on the /dev/kvm fd, returning a VM fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	v, err := Ioctl(kvmFd, IIO(kvmCreateVM), 0)

	return v, err
}

// CreateVCPU issues KVM_CREATE_VCPU on the VM fd, returning a vCPU fd.
func CreateVCPU(vmFd uintptr) (uintptr, error) {
	v, err := Ioctl(vmFd, IIO(kvmCreateVCPU), 0)

	return v, err
}

// GetVCPUMMapSize returns the size, in bytes, of the vCPU run-area mapping
// that must be established over a vCPU fd before calling Run.
func GetVCPUMMapSize(kvmFd uintptr) (int, error) {
	v, err := Ioctl(kvmFd, IIO(kvmGetVCPUMmapSize), 0)

	return int(v), err
}

// Run issues KVM_RUN on a vCPU fd. It blocks until the vCPU exits back to
// userspace; the reason is in the mapped RunData's ExitReason field.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// MapRunArea mmaps the shared vCPU run-area over a vCPU fd.
func MapRunArea(vcpuFd uintptr, size int) (*RunData, error) {
	b, err := unix.Mmap(int(vcpuFd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap vcpu run area: %w", err)
	}

	return (*RunData)(unsafe.Pointer(&b[0])), nil
}

// RunData mirrors struct kvm_run's fixed header and the union that follows
// it. IO-exit, MMIO-exit and other per-reason payloads all live inside Data,
// overlaid at the byte offsets KVM defines for them.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO direction values, as packed into RunData.Data[0] for an EXITIO exit.
const (
	EXITIOIN  = 0
	EXITIOOUT = 1
)

// IO decodes an EXITIO exit's direction, operand size, port, repeat count,
// and the byte offset (from the start of RunData) of the data to transfer.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// IOBytes returns the slice of the run area that an EXITIO exit's data
// offset and size designate, for the caller to read from or write into.
func (r *RunData) IOBytes(size, offset uint64) []byte {
	base := uintptr(unsafe.Pointer(r))

	return (*(*[4096]byte)(unsafe.Pointer(base + uintptr(offset))))[:size]
}
