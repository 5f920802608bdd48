// Package vmid implements the opaque 128-bit entity identifier used as the
// stable key for every machine, network, and instance.
package vmid

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// base62Alphabet matches the encoding original_source/src/id.rs builds on
// top of the base_62 crate: digits, then uppercase, then lowercase.
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const byteLen = 16

// Id is a 128-bit opaque value. Equality is by integer value, so two Ids
// are comparable with ==.
type Id [byteLen]byte

// New generates a uniformly random Id. The entropy source is crypto/rand
// directly rather than github.com/google/uuid: a v4 UUID fixes six
// version/variant bits, which would make the id no longer uniformly
// random over the full 128-bit space.
func New() (Id, error) {
	var id Id
	if _, err := rand.Read(id[:]); err != nil {
		return Id{}, fmt.Errorf("generate random id: %w", err)
	}
	return id, nil
}

// String returns the canonical base62 textual encoding: the 16 bytes
// interpreted big-endian as an unsigned integer, then base62-encoded.
func (id Id) String() string {
	n := new(big.Int).SetBytes(id[:])
	if n.Sign() == 0 {
		return "0"
	}

	base := big.NewInt(62)
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, base62Alphabet[mod.Int64()])
	}
	reverse(out)
	return string(out)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// Parse decodes the canonical base62 textual form back into an Id.
// Parse(s.String()) == s for every Id s.
func Parse(s string) (Id, error) {
	if s == "" {
		return Id{}, fmt.Errorf("parse id: empty string")
	}

	n := new(big.Int)
	base := big.NewInt(62)
	for i := 0; i < len(s); i++ {
		idx := indexOf(s[i])
		if idx < 0 {
			return Id{}, fmt.Errorf("parse id %q: invalid base62 character %q", s, s[i])
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(idx)))
	}

	raw := n.Bytes()
	if len(raw) > byteLen {
		return Id{}, fmt.Errorf("parse id %q: value overflows 128 bits", s)
	}

	var id Id
	copy(id[byteLen-len(raw):], raw)
	return id, nil
}

func indexOf(c byte) int {
	for i := 0; i < len(base62Alphabet); i++ {
		if base62Alphabet[i] == c {
			return i
		}
	}
	return -1
}

// Suffix returns the last n characters of the canonical textual encoding,
// used to derive short, deterministic device names (bridge/TAP).
func (id Id) Suffix(n int) string {
	s := id.String()
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// MAC derives a locally administered QEMU MAC address from the last three
// bytes of the id, in the 52:54:00:xx:xx:xx range QEMU reserves for guests.
func (id Id) MAC() string {
	b := id[byteLen-3:]
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", b[0], b[1], b[2])
}

// MarshalJSON serializes the Id as its base62 string form.
func (id Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON parses the Id from its base62 string form.
func (id *Id) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("unmarshal id: expected JSON string, got %s", data)
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
