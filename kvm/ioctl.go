package kvm

import (
	"golang.org/x/sys/unix"
)

// Linux ioctl request encoding (asm-generic/ioctl.h), reconstructed here
// because the kvm ioctl numbers are derived from struct sizes rather than
// hardcoded, the way the upstream Go KVM bindings this package is modeled on
// do it.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNoneDir  = 0
	iocWriteDir = 1
	iocReadDir  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOC = 0xAE
)

func iocEncode(dir, typ, nr uintptr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// IIO builds a no-argument-size ioctl request (KVM_IO-style).
func IIO(nr uintptr) uintptr {
	return iocEncode(iocNoneDir, kvmIOC, nr, 0)
}

// IIOR builds a read-direction ioctl request (KVM_IOR-style).
func IIOR(nr uintptr, size uintptr) uintptr {
	return iocEncode(iocReadDir, kvmIOC, nr, size)
}

// IIOW builds a write-direction ioctl request (KVM_IOW-style).
func IIOW(nr uintptr, size uintptr) uintptr {
	return iocEncode(iocWriteDir, kvmIOC, nr, size)
}

// IIOWR builds a read/write-direction ioctl request (KVM_IOWR-style).
func IIOWR(nr uintptr, size uintptr) uintptr {
	return iocEncode(iocReadDir|iocWriteDir, kvmIOC, nr, size)
}

// Ioctl issues a single ioctl, retrying on EINTR.
func Ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	for {
		v1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}

		return v1, nil
	}
}
