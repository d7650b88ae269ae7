// Package vmexit is the Exit Dispatcher: the main loop that runs a vCPU and
// classifies and services each VM exit.
package vmexit

import (
	"fmt"

	"github.com/nanvix/microvm/cpu"
	"github.com/nanvix/microvm/device"
	"github.com/nanvix/microvm/guestmem"
	"github.com/nanvix/microvm/kvm"
)

// UnexpectedExit reports a VM exit reason outside the handled set. It is
// always fatal. Diagnostic is a best-effort disassembly of the faulting
// instruction plus a register dump; it is empty when either could not be
// gathered.
type UnexpectedExit struct {
	Reason     kvm.ExitType
	Diagnostic string
}

func (e *UnexpectedExit) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("unexpected vm exit: %s", e.Reason)
	}

	return fmt.Sprintf("unexpected vm exit: %s\n%s", e.Reason, e.Diagnostic)
}

// Exit is the decoded, tagged shape of one VM exit: exactly one of Hlt,
// IoOut, IoIn, or Other is non-nil-ish (Hlt carries no data; the others do).
type Exit struct {
	Hlt   bool
	IoOut *IO
	IoIn  *IO
	Other *kvm.ExitType
}

// IO is a decoded IO exit: the port, the per-unit size KVM reports (1, 2, or
// 4), and the repeat count and payload bytes (count*size long) KVM staged in
// the run area.
type IO struct {
	Port  uint64
	Size  uint64
	Count uint64
	Data  []byte
}

// Decode classifies one completed KVM_RUN exit from the shared run area into
// a tagged Exit, the way the dispatch loop's switch would, but done once so
// the dispatch itself stays a small total function over the tag.
func Decode(run *kvm.RunData) Exit {
	reason := kvm.ExitType(run.ExitReason)

	switch reason {
	case kvm.EXITHLT:
		return Exit{Hlt: true}
	case kvm.EXITIO:
		direction, size, port, count, offset := run.IO()
		data := run.IOBytes(size*count, offset)

		io := &IO{Port: port, Size: size, Count: count, Data: data}

		if direction == kvm.EXITIOOUT {
			return Exit{IoOut: io}
		}

		return Exit{IoIn: io}
	default:
		return Exit{Other: &reason}
	}
}

// Loop runs vcpuFd to completion: it repeatedly issues KVM_RUN and dispatches
// the decoded exit, returning nil on an acknowledged shutdown and a non-nil
// error (an *UnexpectedExit, a KVM_RUN failure, or a port I/O error)
// otherwise. mem and mode are
// only consulted to build diagnostics on a fatal, unhandled exit. ports
// routes an IO exit's port to the device that owns it.
func Loop(vcpuFd uintptr, run *kvm.RunData, mem *guestmem.GuestMemory, mode cpu.Mode,
	ports map[uint64]device.IODevice,
) error {
	for {
		if err := kvm.Run(vcpuFd); err != nil {
			return fmt.Errorf("running vcpu: %w", err)
		}

		exit := Decode(run)

		done, err := dispatch(exit, vcpuFd, mem, mode, ports)
		if err != nil {
			return err
		}

		if done {
			return nil
		}
	}
}

func dispatch(exit Exit, vcpuFd uintptr, mem *guestmem.GuestMemory, mode cpu.Mode,
	ports map[uint64]device.IODevice,
) (done bool, err error) {
	switch {
	case exit.Hlt:
		return false, nil
	case exit.IoOut != nil:
		return dispatchIOOut(exit.IoOut, ports)
	case exit.IoIn != nil:
		return false, dispatchIOIn(exit.IoIn, ports)
	default:
		return false, &UnexpectedExit{Reason: *exit.Other, Diagnostic: diagnose(vcpuFd, mem, mode)}
	}
}

// doneSignaler is implemented by a device whose writes can end the dispatch
// loop (device.Shutdown), checked after routing a write to it.
type doneSignaler interface {
	Done() bool
}

func dispatchIOOut(io *IO, ports map[uint64]device.IODevice) (done bool, err error) {
	dev, ok := ports[io.Port]
	if !ok {
		return false, nil
	}

	for i := uint64(0); i < io.Count; i++ {
		unit := io.Data[i*io.Size : (i+1)*io.Size]
		if err := dev.Write(io.Port, unit); err != nil {
			return false, fmt.Errorf("writing port %#x: %w", io.Port, err)
		}
	}

	if ds, ok := dev.(doneSignaler); ok && ds.Done() {
		return true, nil
	}

	return false, nil
}

func dispatchIOIn(io *IO, ports map[uint64]device.IODevice) error {
	dev, ok := ports[io.Port]
	if !ok {
		return nil
	}

	for i := uint64(0); i < io.Count; i++ {
		unit := io.Data[i*io.Size : (i+1)*io.Size]
		for j := range unit {
			unit[j] = 0
		}

		if err := dev.Read(io.Port, unit); err != nil {
			return fmt.Errorf("reading port %#x: %w", io.Port, err)
		}
	}

	return nil
}
