// Package cpu programs a vCPU's segment and general-purpose registers for
// its first instruction, for each of the two supported entry modes.
package cpu

import (
	"fmt"

	"github.com/nanvix/microvm/image"
	"github.com/nanvix/microvm/kvm"
)

// Mode is a vCPU entry mode, chosen once before the first run.
type Mode int

const (
	// Real is 16-bit unpaged mode at reset: CS selector 0, CS base 0.
	Real Mode = iota
	// Protected is 32-bit flat mode with paging disabled: CR0.PE = 1.
	Protected
)

// bootSignature is left in RAX for the guest to inspect.
const bootSignature = 0x0C00FFEE

// Bootstrap fetches the vCPU's current segment registers, programs them for
// mode, and zeroes then sets the general-purpose registers per the guest
// ABI: RFLAGS=2, RIP=entryVA, RAX=bootSignature, and RBX packed with the
// initrd descriptor from memMap (0 if no initrd was loaded).
func Bootstrap(vcpuFd uintptr, mode Mode, entryVA uint32, memMap image.GuestMemoryMap) error {
	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		return fmt.Errorf("getting sregs: %w", err)
	}

	switch mode {
	case Real:
		sregs.CS.Selector = 0
		sregs.CS.Base = 0
	case Protected:
		setFlatCodeSegment(&sregs.CS)
		setFlatDataSegment(&sregs.DS)
		setFlatDataSegment(&sregs.ES)
		setFlatDataSegment(&sregs.FS)
		setFlatDataSegment(&sregs.GS)
		setFlatDataSegment(&sregs.SS)
		sregs.CR0 |= 1 // PE
	default:
		return fmt.Errorf("unknown entry mode %d", mode)
	}

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		return fmt.Errorf("setting sregs: %w", err)
	}

	regs := &kvm.Regs{}
	regs.RFLAGS = 2
	regs.RIP = uint64(entryVA)
	regs.RAX = bootSignature
	regs.RBX = initrdDescriptor(memMap)

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		return fmt.Errorf("setting regs: %w", err)
	}

	return nil
}

func setFlatCodeSegment(seg *kvm.Segment) {
	seg.Base = 0
	seg.Limit = 0xFFFFFFFF
	seg.Selector = 1 << 3
	seg.Present = 1
	seg.Typ = 11 // execute/read, accessed
	seg.DPL = 0
	seg.S = 1 // descriptor type: code/data
	seg.DB = 1
	seg.L = 0
	seg.G = 1
}

func setFlatDataSegment(seg *kvm.Segment) {
	seg.Base = 0
	seg.Limit = 0xFFFFFFFF
	seg.Selector = 2 << 3
	seg.Present = 1
	seg.Typ = 3 // read/write, accessed
	seg.DPL = 0
	seg.S = 1
	seg.DB = 1
	seg.L = 0
	seg.G = 1
}

// initrdDescriptor packs the high 20 bits of the page-aligned initrd base
// and the low 12 bits of its size in 4 KiB pages, or 0 when no initrd was
// loaded.
func initrdDescriptor(memMap image.GuestMemoryMap) uint64 {
	if memMap.InitrdSize == 0 {
		return 0
	}

	base := memMap.InitrdBase & 0xFFFFF000
	pages := (memMap.InitrdSize >> 12) & 0xFFF

	return uint64(base | pages)
}
