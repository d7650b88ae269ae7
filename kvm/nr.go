package kvm

// ioctl request numbers (the "nr" field of the Linux ioctl encoding), lifted
// from linux/kvm.h. Sizes are filled in by IIOR/IIOW/IIOWR at the call site
// from the Go struct the ioctl reads or writes.
const (
	kvmGetAPIVersion   = 0x00
	kvmCreateVM        = 0x01
	kvmGetVCPUMmapSize = 0x04
	kvmCreateVCPU      = 0x41
	kvmRun             = 0x80

	kvmSetUserMemoryRegion = 0x46

	kvmGetRegs  = 0x81
	kvmSetRegs  = 0x82
	kvmGetSregs = 0x83
	kvmSetSregs = 0x84
)

// supportedAPIVersion is the only KVM_GET_API_VERSION value this module
// understands, matching the value the KVM ABI has returned since its first
// stable release.
const supportedAPIVersion = 12

// numInterrupts sizes Sregs.InterruptBitmap, matching KVM_NR_INTERRUPTS.
const numInterrupts = 0x100
