package image

import (
	"errors"
	"fmt"
)

// InvalidImageKind names which of the seven ordered ELF32 header checks
// failed, or (EntryNotLoaded) the supplemental entry-address check.
type InvalidImageKind int

const (
	BadMagic InvalidImageKind = iota
	BadClass
	BadEncoding
	BadIdentVersion
	BadType
	BadMachine
	BadHeaderVersion
	EntryNotLoaded
)

func (k InvalidImageKind) String() string {
	switch k {
	case BadMagic:
		return "bad magic"
	case BadClass:
		return "not a 32-bit object"
	case BadEncoding:
		return "not little-endian"
	case BadIdentVersion:
		return "bad identification version"
	case BadType:
		return "not an executable"
	case BadMachine:
		return "not Intel 80386"
	case BadHeaderVersion:
		return "bad header version"
	case EntryNotLoaded:
		return "entry point not within a loaded segment"
	default:
		return fmt.Sprintf("InvalidImageKind(%d)", int(k))
	}
}

// InvalidImage reports that an ELF32 kernel image failed one of the
// mandatory header checks, or that its entry point lies outside every
// loaded segment (Kind EntryNotLoaded).
type InvalidImage struct {
	Kind InvalidImageKind
}

func (e *InvalidImage) Error() string {
	return "invalid image: " + e.Kind.String()
}

// SegmentOutOfBounds reports that a PT_LOAD segment extends past the end of
// guest memory.
type SegmentOutOfBounds struct {
	Index int
}

func (e *SegmentOutOfBounds) Error() string {
	return fmt.Sprintf("segment %d out of bounds", e.Index)
}

var (
	// ErrInitrdOverlap is returned when the initrd range intersects the
	// kernel's loaded range.
	ErrInitrdOverlap = errors.New("initrd overlaps kernel image")

	// ErrInitrdTooLarge is returned when the initrd does not fit in guest
	// memory at its fixed base address.
	ErrInitrdTooLarge = errors.New("initrd does not fit in guest memory")
)
