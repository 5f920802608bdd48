// Package bytesize provides a JSON-friendly byte quantity that (un)marshals
// as a human-readable size string (e.g. "2GiB"), matching the wire format
// spec.md §6 requires for MachineConfig.Memory.
package bytesize

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
)

// Byte is a byte quantity. The zero value is zero bytes.
type Byte int64

// Parse interprets a human size string such as "2GiB", "512 MB", or a bare
// integer byte count, via docker/go-units' RAMInBytes.
func Parse(s string) (Byte, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return Byte(n), nil
}

// AsU64 returns the quantity as an unsigned 64-bit byte count, used when
// composing QEMU/virtiofsd argv strings.
func (b Byte) AsU64() uint64 {
	return uint64(b)
}

// String renders the quantity the way docker/go-units renders disk sizes,
// e.g. "2GiB" — spec.md calls for a human-readable size string on the wire.
func (b Byte) String() string {
	return units.BytesSize(float64(b))
}

// MarshalJSON writes the Byte as its human-readable string form.
func (b Byte) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON parses the Byte from its human-readable string form.
func (b *Byte) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("unmarshal byte size: expected JSON string, got %s", data)
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
