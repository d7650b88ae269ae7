package device

import "encoding/binary"

// ShutdownPort is the ACPI-style shutdown port. A 16-bit OUT of
// ShutdownValue requests an orderly shutdown.
const (
	ShutdownPort  = 0x604
	ShutdownValue = 0x2000
)

// Shutdown observes writes to the shutdown port and latches whether a
// shutdown was requested. Values other than ShutdownValue are accepted but
// leave Requested false: an unrecognized value is not an error, just not a
// shutdown request.
type Shutdown struct {
	Requested bool
}

func (s *Shutdown) IOPort() uint64 { return ShutdownPort }

func (s *Shutdown) Size() uint64 { return 2 }

// Done reports whether a shutdown has been requested, for the dispatcher to
// check after routing a write to this device.
func (s *Shutdown) Done() bool { return s.Requested }

func (s *Shutdown) Write(_ uint64, data []byte) error {
	if uint64(len(data)) != s.Size() {
		return errDataLenInvalid
	}

	if binary.LittleEndian.Uint16(data) == ShutdownValue {
		s.Requested = true
	}

	return nil
}

func (s *Shutdown) Read(_ uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}
