package vmexit

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"

	"github.com/nanvix/microvm/cpu"
	"github.com/nanvix/microvm/device"
	"github.com/nanvix/microvm/guestmem"
	"github.com/nanvix/microvm/kvm"
)

// packIO builds a RunData that looks like a completed EXITIO exit: direction,
// size, port and count packed into Data[0] per kvm.RunData.IO, a data offset
// in Data[1] pointing back into the run area, and payload bytes written at
// that offset. The backing allocation is page-sized, matching the real
// mmap'd run area IOBytes's unsafe pointer arithmetic assumes.
func packIO(direction, size, port, count uint64, payload []byte) *kvm.RunData {
	buf := make([]byte, 4096)
	run := (*kvm.RunData)(unsafe.Pointer(&buf[0]))

	run.ExitReason = uint32(kvm.EXITIO)
	run.Data[0] = direction | (size << 8) | (port << 16) | (count << 32)

	offset := uint64(unsafe.Offsetof(run.Data)) + 16
	run.Data[1] = offset

	copy(run.IOBytes(size*count, offset), payload)

	return run
}

func TestDecodeHlt(t *testing.T) {
	t.Parallel()

	run := &kvm.RunData{ExitReason: uint32(kvm.EXITHLT)}

	exit := Decode(run)
	if !exit.Hlt {
		t.Error("Decode() did not set Hlt for EXITHLT")
	}
}

func TestDecodeIOOut(t *testing.T) {
	t.Parallel()

	run := packIO(kvm.EXITIOOUT, 1, device.ConsolePort, 1, []byte{'A'})

	exit := Decode(run)
	if exit.IoOut == nil {
		t.Fatal("Decode() did not set IoOut for an EXITIO/OUT exit")
	}

	if exit.IoOut.Port != device.ConsolePort {
		t.Errorf("Port = %#x, want %#x", exit.IoOut.Port, uint64(device.ConsolePort))
	}

	if exit.IoOut.Data[0] != 'A' {
		t.Errorf("Data[0] = %q, want 'A'", exit.IoOut.Data[0])
	}
}

func TestDecodeOther(t *testing.T) {
	t.Parallel()

	run := &kvm.RunData{ExitReason: uint32(kvm.EXITSETTPR)}

	exit := Decode(run)
	if exit.Other == nil || *exit.Other != kvm.EXITSETTPR {
		t.Fatal("Decode() did not set Other for an unhandled exit reason")
	}
}

func TestDispatchHltContinuesLoop(t *testing.T) {
	t.Parallel()

	done, err := dispatch(Exit{Hlt: true}, 0, nil, cpu.Real, nil)
	if err != nil || done {
		t.Errorf("dispatch(Hlt) = (%v, %v), want (false, nil)", done, err)
	}
}

func TestDispatchConsoleOutputByteExact(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	console := &device.Console{Out: &out, In: strings.NewReader("")}
	ports := device.NewPortMap(console, &device.Shutdown{})

	message := "Hello, world!\n"
	for _, b := range []byte(message) {
		run := packIO(kvm.EXITIOOUT, 1, device.ConsolePort, 1, []byte{b})
		exit := Decode(run)

		done, err := dispatch(exit, 0, nil, cpu.Real, ports)
		if err != nil || done {
			t.Fatalf("dispatch(IoOut) = (%v, %v), want (false, nil)", done, err)
		}
	}

	if out.String() != message {
		t.Errorf("out = %q, want %q", out.String(), message)
	}
}

func TestDispatchShutdownTerminates(t *testing.T) {
	t.Parallel()

	console := &device.Console{Out: &bytes.Buffer{}, In: strings.NewReader("")}
	ports := device.NewPortMap(console, &device.Shutdown{})
	run := packIO(kvm.EXITIOOUT, 2, device.ShutdownPort, 1, []byte{0x00, 0x20})

	done, err := dispatch(Decode(run), 0, nil, cpu.Real, ports)
	if err != nil {
		t.Fatal(err)
	}

	if !done {
		t.Error("dispatch(IoOut shutdown/0x2000) did not signal done")
	}
}

func TestDispatchIgnoresOtherPorts(t *testing.T) {
	t.Parallel()

	console := &device.Console{Out: &bytes.Buffer{}, In: strings.NewReader("")}
	ports := device.NewPortMap(console, &device.Shutdown{})
	run := packIO(kvm.EXITIOOUT, 1, 0x3F8, 1, []byte{'x'})

	done, err := dispatch(Decode(run), 0, nil, cpu.Real, ports)
	if err != nil || done {
		t.Errorf("dispatch(IoOut unrecognized port) = (%v, %v), want (false, nil)", done, err)
	}
}

func TestDispatchFatalOnUnexpectedExit(t *testing.T) {
	t.Parallel()

	run := &kvm.RunData{ExitReason: uint32(kvm.EXITSHUTDOWN)}

	_, err := dispatch(Decode(run), 0, nil, cpu.Real, nil)
	if err == nil {
		t.Fatal("dispatch(EXITSHUTDOWN) = nil error, want *UnexpectedExit")
	}

	ue, ok := err.(*UnexpectedExit) //nolint:errorlint
	if !ok || ue.Reason != kvm.EXITSHUTDOWN {
		t.Errorf("err = %v (%T), want *UnexpectedExit{EXITSHUTDOWN}", err, err)
	}
}

func TestDecodeAtValidInstruction(t *testing.T) {
	t.Parallel()

	mem, err := guestmem.New(4096)
	if err != nil {
		t.Fatal(err)
	}

	// hlt at guest physical address 0x10.
	if err := mem.Write(0x10, []byte{0xF4}); err != nil {
		t.Fatal(err)
	}

	got := decodeAt(mem, 0x10, 32)
	if !strings.Contains(got, "hlt") {
		t.Errorf("decodeAt() = %q, want it to mention %q", got, "hlt")
	}
}

func TestDecodeAtOutOfRange(t *testing.T) {
	t.Parallel()

	mem, err := guestmem.New(4096)
	if err != nil {
		t.Fatal(err)
	}

	got := decodeAt(mem, 1<<20, 32)
	if !strings.Contains(got, "outside guest memory") {
		t.Errorf("decodeAt() = %q, want an out-of-range diagnostic", got)
	}
}

func TestDiagnoseNilMem(t *testing.T) {
	t.Parallel()

	if got := diagnose(0, nil, cpu.Real); got != "" {
		t.Errorf("diagnose(nil mem) = %q, want empty", got)
	}
}
