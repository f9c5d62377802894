// Package mutator implements the mutation primitives applied to seed
// field values: bit/byte-level flips and arithmetic over hex-encoded
// integers, plus random printable-string generation. It is the Go
// equivalent of the original Mutator base class, generalized here into
// a capability set any target can reuse via custom_mutate.
package mutator

import (
	"fmt"
	"math/big"
	"math/rand"
	"strings"
)

// Primitive names a mutation primitive choosable uniformly by ChooseOne.
type Primitive string

const (
	Bitflip    Primitive = "bitflip"
	Byteflip   Primitive = "byteflip"
	Arith      Primitive = "arith"
	InsertByte Primitive = "insert_byte"
	DeleteByte Primitive = "delete_byte"
)

var primitives = []Primitive{Bitflip, Byteflip, Arith, InsertByte, DeleteByte}

// printableMin/printableMax bound the generated-string alphabet to
// printable, non-whitespace ASCII.
const printableMin = 0x21
const printableMax = 0x7e

// Mutator applies the mutation primitives over hex-string-encoded
// integer values. It holds no state; a shared *rand.Rand can be
// injected for deterministic tests via WithRand.
type Mutator struct {
	rng *rand.Rand
}

// New returns a Mutator using the package-level math/rand source.
func New() *Mutator {
	return &Mutator{}
}

// WithRand returns a Mutator using the supplied random source, for
// deterministic tests.
func WithRand(r *rand.Rand) *Mutator {
	return &Mutator{rng: r}
}

func (m *Mutator) intn(n int) int {
	if m.rng != nil {
		return m.rng.Intn(n)
	}
	return rand.Intn(n)
}

// ChooseOne picks a mutation primitive uniformly at random.
func (m *Mutator) ChooseOne() Primitive {
	return primitives[m.intn(len(primitives))]
}

// Mutate applies a uniformly chosen primitive to value and returns the
// resulting hex string ("0x..." lowercase, no leading zeros beyond "0x0").
func (m *Mutator) Mutate(value string) (string, error) {
	switch m.ChooseOne() {
	case Bitflip:
		return m.Bitflip(value)
	case Byteflip:
		return m.Byteflip(value)
	case Arith:
		return m.Arith(value)
	case InsertByte:
		return m.InsertByte(value)
	case DeleteByte:
		return m.DeleteByte(value)
	default:
		return value, nil
	}
}

func hexToBytes(value string) ([]byte, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X"), 16)
	if !ok {
		return nil, fmt.Errorf("mutator: invalid hex value %q", value)
	}
	b := v.Bytes()
	if len(b) == 0 {
		b = []byte{0}
	}
	return b, nil
}

func bytesToHex(b []byte) string {
	v := new(big.Int).SetBytes(b)
	return fmt.Sprintf("0x%x", v)
}

// Bitflip: parse to int, pick a uniform bit index in [0, max(1,bitlen(v))-1], XOR it.
func (m *Mutator) Bitflip(value string) (string, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X"), 16)
	if !ok {
		return "", fmt.Errorf("mutator: invalid hex value %q", value)
	}
	bitlen := v.BitLen()
	if bitlen < 1 {
		bitlen = 1
	}
	bitIdx := m.intn(bitlen)
	mask := new(big.Int).Lsh(big.NewInt(1), uint(bitIdx))
	v.Xor(v, mask)
	return fmt.Sprintf("0x%x", v), nil
}

// Byteflip: big-endian bytes (min 1 byte), XOR a uniformly chosen byte with 0xFF.
func (m *Mutator) Byteflip(value string) (string, error) {
	b, err := hexToBytes(value)
	if err != nil {
		return "", err
	}
	idx := m.intn(len(b))
	b[idx] ^= 0xff
	return bytesToHex(b), nil
}

// Arith: add +-delta (delta in [1,10], sign uniform) modulo 256 at one
// uniformly chosen byte.
func (m *Mutator) Arith(value string) (string, error) {
	b, err := hexToBytes(value)
	if err != nil {
		return "", err
	}
	idx := m.intn(len(b))
	delta := m.intn(10) + 1
	if m.intn(2) == 0 {
		delta = -delta
	}
	b[idx] = byte((int(b[idx]) + delta + 256*16) % 256)
	return bytesToHex(b), nil
}

// InsertByte: insert a uniform byte at a uniform index in [0, len].
func (m *Mutator) InsertByte(value string) (string, error) {
	b, err := hexToBytes(value)
	if err != nil {
		return "", err
	}
	idx := m.intn(len(b) + 1)
	newByte := byte(m.intn(256))
	out := make([]byte, 0, len(b)+1)
	out = append(out, b[:idx]...)
	out = append(out, newByte)
	out = append(out, b[idx:]...)
	return bytesToHex(out), nil
}

// DeleteByte: delete a uniform byte; unchanged if length <= 1.
func (m *Mutator) DeleteByte(value string) (string, error) {
	b, err := hexToBytes(value)
	if err != nil {
		return "", err
	}
	if len(b) <= 1 {
		return value, nil
	}
	idx := m.intn(len(b))
	out := make([]byte, 0, len(b)-1)
	out = append(out, b[:idx]...)
	out = append(out, b[idx+1:]...)
	return bytesToHex(out), nil
}

// MutateString produces a random printable-ASCII string of length
// uniform in [minLen, maxLen], hex-encoded byte-wise.
func (m *Mutator) MutateString(minLen, maxLen int) string {
	if maxLen < minLen {
		maxLen = minLen
	}
	length := minLen
	if maxLen > minLen {
		length = minLen + m.intn(maxLen-minLen+1)
	}
	b := make([]byte, length)
	for i := range b {
		b[i] = byte(printableMin + m.intn(printableMax-printableMin+1))
	}
	return fmt.Sprintf("%x", b)
}
