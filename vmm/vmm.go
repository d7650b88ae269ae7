// Package vmm wires the Host-Virtualization Binding, Guest Memory, Image
// Loader, vCPU Bootstrap and Exit Dispatcher behind a single Run entry
// point, the way a front end drives the core.
package vmm

import (
	"fmt"

	"github.com/nanvix/microvm/cpu"
	"github.com/nanvix/microvm/device"
	"github.com/nanvix/microvm/flag"
	"github.com/nanvix/microvm/guestmem"
	"github.com/nanvix/microvm/image"
	"github.com/nanvix/microvm/kvm"
	"github.com/nanvix/microvm/vmexit"
)

// devKVMPath is the host virtualization endpoint this module opens. There is
// no flag to override it; a single guest per process never needs more than
// one KVM device node.
const devKVMPath = "/dev/kvm"

// Run drives one guest to completion: it provisions a VM and vCPU from
// config, loads the kernel (and optional initrd) into guest memory,
// bootstraps the vCPU, and runs the Exit Dispatcher until shutdown or a
// fatal exit.
func Run(config *flag.Config) error {
	kvmFile, err := kvm.OpenEndpoint(devKVMPath)
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	vmFd, err := kvm.CreateVM(kvmFile.Fd())
	if err != nil {
		return fmt.Errorf("creating vm: %w", err)
	}

	mem, err := guestmem.New(config.MemSize)
	if err != nil {
		return err
	}

	if err := mem.InstallInto(vmFd); err != nil {
		return err
	}

	entryVA, kernelBase, kernelSize, err := image.LoadELF32(mem, config.KernelPath)
	if err != nil {
		return err
	}

	memMap := image.GuestMemoryMap{KernelBase: kernelBase, KernelSize: kernelSize}

	if config.InitrdPath != "" {
		initrdBase, initrdSize, err := image.LoadInitrd(mem, kernelBase, kernelSize, config.InitrdPath)
		if err != nil {
			return err
		}

		memMap.InitrdBase = initrdBase
		memMap.InitrdSize = initrdSize
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd)
	if err != nil {
		return fmt.Errorf("creating vcpu: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(kvmFile.Fd())
	if err != nil {
		return fmt.Errorf("getting vcpu mmap size: %w", err)
	}

	run, err := kvm.MapRunArea(vcpuFd, mmapSize)
	if err != nil {
		return err
	}

	if err := cpu.Bootstrap(vcpuFd, config.Mode, entryVA, memMap); err != nil {
		return err
	}

	console := &device.Console{Out: config.Stdout, In: config.Stdin}
	shutdown := &device.Shutdown{}
	ports := device.NewPortMap(console, shutdown)

	return vmexit.Loop(vcpuFd, run, mem, config.Mode, ports)
}
