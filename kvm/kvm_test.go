//nolint:dupl,paralleltest
package kvm_test

import (
	"os"
	"testing"

	"github.com/nanvix/microvm/kvm"
)

func requireKVM(t *testing.T) *os.File {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("skipping test since we are not root")
	}

	f, err := kvm.OpenEndpoint("/dev/kvm")
	if err != nil {
		t.Skipf("skipping test, could not open /dev/kvm: %v", err)
	}

	return f
}

func TestOpenEndpoint(t *testing.T) {
	f := requireKVM(t)
	defer f.Close()
}

func TestCreateVMAndVCPU(t *testing.T) {
	f := requireKVM(t)
	defer f.Close()

	vmFd, err := kvm.CreateVM(f.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := kvm.GetRegs(vcpuFd); err != nil {
		t.Fatal(err)
	}

	if _, err := kvm.GetSregs(vcpuFd); err != nil {
		t.Fatal(err)
	}
}

func TestRegsRoundTrip(t *testing.T) {
	f := requireKVM(t)
	defer f.Close()

	vmFd, err := kvm.CreateVM(f.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd)
	if err != nil {
		t.Fatal(err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	regs.RIP = 0x1000
	regs.RFLAGS = 2

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		t.Fatal(err)
	}

	got, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if got.RIP != 0x1000 {
		t.Errorf("RIP = %#x, want %#x", got.RIP, 0x1000)
	}
}

func TestExitTypeString(t *testing.T) {
	cases := []struct {
		et   kvm.ExitType
		want string
	}{
		{kvm.EXITHLT, "EXITHLT"},
		{kvm.EXITIO, "EXITIO"},
		{kvm.EXITSHUTDOWN, "EXITSHUTDOWN"},
		{kvm.ExitType(255), "ExitType(255)"},
	}

	for _, c := range cases {
		if got := c.et.String(); got != c.want {
			t.Errorf("ExitType(%d).String() = %q, want %q", c.et, got, c.want)
		}
	}
}
