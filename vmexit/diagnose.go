package vmexit

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/nanvix/microvm/cpu"
	"github.com/nanvix/microvm/guestmem"
	"github.com/nanvix/microvm/kvm"
)

// diagnose decodes the guest instruction at RIP and dumps the
// general-purpose registers, for inclusion in a fatal UnexpectedExit. It
// degrades to a partial or empty string rather than failing: a fatal exit
// should still be reported even when the extra diagnostics can't be
// gathered. mem is nil in tests that exercise dispatch without a real VM, in
// which case diagnose does nothing.
func diagnose(vcpuFd uintptr, mem *guestmem.GuestMemory, mode cpu.Mode) string {
	if mem == nil {
		return ""
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		return ""
	}

	bits := 32
	if mode == cpu.Real {
		bits = 16
	}

	return fmt.Sprintf("faulting instruction: %s\n%s", decodeAt(mem, regs.RIP, bits), dumpRegs(regs))
}

// decodeAt returns the GNU-syntax disassembly of the instruction at guest
// physical address rip, or a diagnostic placeholder if the bytes are out of
// range or don't decode. Both entry modes run with flat segments (base 0),
// so guest virtual and physical addresses coincide here.
func decodeAt(mem *guestmem.GuestMemory, rip uint64, bits int) string {
	buf := mem.Bytes()

	if rip >= uint64(len(buf)) {
		return fmt.Sprintf("<rip %#x outside guest memory>", rip)
	}

	end := rip + 16
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}

	inst, err := x86asm.Decode(buf[rip:end], bits)
	if err != nil {
		return fmt.Sprintf("<decode error at %#x: %v>", rip, err)
	}

	return fmt.Sprintf("%#x: %q", rip, x86asm.GNUSyntax(inst, rip, nil))
}

func dumpRegs(r *kvm.Regs) string {
	return fmt.Sprintf(
		"rax=%#016x rbx=%#016x rcx=%#016x rdx=%#016x\n"+
			"rsi=%#016x rdi=%#016x rsp=%#016x rbp=%#016x\n"+
			"rip=%#016x rflags=%#016x",
		r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RSP, r.RBP, r.RIP, r.RFLAGS)
}
