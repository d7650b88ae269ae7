// Package image loads a 32-bit ELF executable and an optional init RAM disk
// into guest memory.
package image

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nanvix/microvm/guestmem"
)

const (
	// InitrdBase is the fixed guest-physical address an init RAM disk is
	// staged at.
	InitrdBase = 0x00800000

	pageSize = 4096

	identMagic0 = 0x7F
	identMagic1 = 'E'
	identMagic2 = 'L'
	identMagic3 = 'F'

	identClass32   = 1
	identDataLSB   = 1
	identVersionEV = 1

	typeExec    = 2
	machine386  = 3
	headerEVCur = 1
)

// GuestMemoryMap records where the loaded kernel and, if present, the
// initrd, ended up in guest-physical memory.
type GuestMemoryMap struct {
	KernelBase uint32
	KernelSize uint32
	InitrdBase uint32
	InitrdSize uint32
}

// LoadELF32 validates and loads a 32-bit little-endian Intel 80386 ELF
// executable into guestMem, returning the entry address and the kernel's
// loaded base/size.
func LoadELF32(guestMem *guestmem.GuestMemory, path string) (entryVA, kernelBase, kernelSize uint32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("opening kernel image: %w", err)
	}
	defer f.Close()

	var hdr [52]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, 0, 0, fmt.Errorf("reading ELF header: %w", err)
	}

	if err := validateIdent(hdr[:16]); err != nil {
		return 0, 0, 0, err
	}

	etype := binary.LittleEndian.Uint16(hdr[16:18])
	if etype != typeExec {
		return 0, 0, 0, &InvalidImage{Kind: BadType}
	}

	emachine := binary.LittleEndian.Uint16(hdr[18:20])
	if emachine != machine386 {
		return 0, 0, 0, &InvalidImage{Kind: BadMachine}
	}

	eversion := binary.LittleEndian.Uint32(hdr[20:24])
	if eversion != headerEVCur {
		return 0, 0, 0, &InvalidImage{Kind: BadHeaderVersion}
	}

	entry := binary.LittleEndian.Uint32(hdr[24:28])

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, 0, fmt.Errorf("seeking kernel image: %w", err)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parsing ELF program headers: %w", err)
	}

	kernelBase = ^uint32(0)

	var kernelEnd uint32

	var loaded bool

	var entryLoaded bool

	for i, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		vaddr := uint32(p.Vaddr)
		memsz := uint32(p.Memsz)
		filesz := uint32(p.Filesz)

		if uint64(p.Vaddr)+uint64(p.Memsz) > uint64(guestMem.Size()) {
			return 0, 0, 0, &SegmentOutOfBounds{Index: i}
		}

		buf := make([]byte, filesz)
		if _, err := p.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
			return 0, 0, 0, fmt.Errorf("reading segment %d: %w", i, err)
		}

		if err := guestMem.Write(uint64(vaddr), buf); err != nil {
			return 0, 0, 0, fmt.Errorf("loading segment %d: %w", i, err)
		}

		loaded = true

		if entry >= vaddr && entry < vaddr+memsz {
			entryLoaded = true
		}

		if vaddr < kernelBase {
			kernelBase = vaddr
		}

		if end := vaddr + memsz; end > kernelEnd {
			kernelEnd = end
		}
	}

	if !loaded {
		kernelBase = 0
	}

	kernelSize = kernelEnd - kernelBase

	if !entryLoaded {
		return 0, 0, 0, &InvalidImage{Kind: EntryNotLoaded}
	}

	return entry, kernelBase, kernelSize, nil
}

func validateIdent(ident []byte) error {
	if ident[0] != identMagic0 || ident[1] != identMagic1 || ident[2] != identMagic2 || ident[3] != identMagic3 {
		return &InvalidImage{Kind: BadMagic}
	}

	if ident[4] != identClass32 {
		return &InvalidImage{Kind: BadClass}
	}

	if ident[5] != identDataLSB {
		return &InvalidImage{Kind: BadEncoding}
	}

	if ident[6] != identVersionEV {
		return &InvalidImage{Kind: BadIdentVersion}
	}

	return nil
}

// LoadInitrd stages an init RAM disk at the fixed guest-physical base
// InitrdBase, failing if it would overlap the kernel's loaded range or does
// not fit in guest memory.
func LoadInitrd(guestMem *guestmem.GuestMemory, kernelBase, kernelSize uint32, path string) (initrdBase, initrdSize uint32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("opening initrd: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("statting initrd: %w", err)
	}

	fileSize := uint32(fi.Size())

	if rangesOverlap(InitrdBase, fileSize, kernelBase, kernelSize) {
		return 0, 0, ErrInitrdOverlap
	}

	if uint64(InitrdBase)+uint64(fileSize) > uint64(guestMem.Size()) {
		return 0, 0, ErrInitrdTooLarge
	}

	buf := make([]byte, fileSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, 0, fmt.Errorf("reading initrd: %w", err)
	}

	if err := guestMem.Write(InitrdBase, buf); err != nil {
		return 0, 0, fmt.Errorf("loading initrd: %w", err)
	}

	roundedSize := (fileSize + pageSize - 1) &^ (pageSize - 1)

	return InitrdBase, roundedSize, nil
}

func rangesOverlap(baseA, sizeA, baseB, sizeB uint32) bool {
	if sizeA == 0 || sizeB == 0 {
		return false
	}

	endA := baseA + sizeA
	endB := baseB + sizeB

	return baseA < endB && baseB < endA
}
