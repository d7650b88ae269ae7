// Package flag is the Front-End Contract: it parses the command-line
// surface into a Config and opens the redirected I/O streams the core
// consumes.
package flag

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nanvix/microvm/cpu"
)

// ErrMissingKernel is returned when -kernel was not supplied.
var ErrMissingKernel = errors.New("-kernel is required")

// ErrMissingSizeSuffix is returned when -memory was given a bare number with
// no K/M/G suffix.
var ErrMissingSizeSuffix = errors.New("-memory requires a K, M, or G suffix")

const defaultMemSize = 128 << 20

// Config is what the front end hands to the core: parsed flags plus the
// opened I/O streams.
type Config struct {
	KernelPath string
	InitrdPath string
	MemSize    int
	Mode       cpu.Mode
	Stdout     io.Writer
	Stdin      io.Reader

	closers []io.Closer
}

// Close releases any files Parse opened for -stdout/-stdin redirection.
func (c *Config) Close() error {
	var firstErr error

	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Parse builds a Config from command-line arguments (excluding argv[0]).
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("microvm", flag.ContinueOnError)

	kernel := fs.String("kernel", "", "path to a 32-bit little-endian Intel 80386 ELF executable")
	initrd := fs.String("initrd", "", "init RAM disk file, loaded at guest-physical 0x00800000")
	memory := fs.String("memory", "", "total guest memory, e.g. 128M (suffix K, M, or G is required)")
	protected := fs.Bool("protected", false, "select protected-mode entry; default is real mode")
	stdoutPath := fs.String("stdout", "", "redirect guest output to a file opened for writing")
	stdinPath := fs.String("stdin", "", "redirect guest input from a file opened for reading")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *kernel == "" {
		return nil, ErrMissingKernel
	}

	memSize := defaultMemSize

	if *memory != "" {
		var err error

		memSize, err = ParseSize(*memory)
		if err != nil {
			return nil, err
		}
	}

	mode := cpu.Real
	if *protected {
		mode = cpu.Protected
	}

	c := &Config{
		KernelPath: *kernel,
		InitrdPath: *initrd,
		MemSize:    memSize,
		Mode:       mode,
		Stdout:     os.Stdout,
		Stdin:      os.Stdin,
	}

	if *stdoutPath != "" {
		f, err := os.Create(*stdoutPath)
		if err != nil {
			return nil, fmt.Errorf("opening -stdout: %w", err)
		}

		c.Stdout = f
		c.closers = append(c.closers, f)
	}

	if *stdinPath != "" {
		f, err := os.Open(*stdinPath)
		if err != nil {
			return nil, fmt.Errorf("opening -stdin: %w", err)
		}

		c.Stdin = f
		c.closers = append(c.closers, f)
	}

	return c, nil
}

// ParseSize parses a size string as number[KMG]; the suffix is mandatory.
func ParseSize(s string) (int, error) {
	if s == "" {
		return 0, ErrMissingSizeSuffix
	}

	unit := s[len(s)-1:]

	switch unit {
	case "G", "g", "M", "m", "K", "k":
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrMissingSizeSuffix)
	}

	amt, err := strconv.ParseUint(strings.TrimSuffix(s, unit), 0, 0)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, err)
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	default: // "K", "k"
		return int(amt) << 10, nil
	}
}
