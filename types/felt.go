package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// FeltLength is the size in bytes of a field element.
const FeltLength = 32

// Felt is a field element in big-endian byte order. Every hash, address,
// storage key and value carried by a state diff is a Felt; two Felts compare
// by their bytes, which is also their numeric order.
type Felt [FeltLength]byte

// Named field element kinds. They are aliases so that ordering and encoding
// are shared.
type (
	BlockHash         = Felt
	ClassHash         = Felt
	CompiledClassHash = Felt
	ContractAddress   = Felt
	StorageKey        = Felt
	Nonce             = Felt
)

// ZeroFelt is the zero field element.
var ZeroFelt Felt

// FeltFromUint64 returns the Felt holding v.
func FeltFromUint64(v uint64) Felt {
	var f Felt
	for i := 0; i < 8; i++ {
		f[FeltLength-1-i] = byte(v >> (8 * i))
	}
	return f
}

// FeltFromBytes interprets bz as a big-endian number of at most FeltLength
// bytes.
func FeltFromBytes(bz []byte) (Felt, error) {
	var f Felt
	if len(bz) > FeltLength {
		return f, fmt.Errorf("felt too long: got %d bytes, max %d", len(bz), FeltLength)
	}
	copy(f[FeltLength-len(bz):], bz)
	return f, nil
}

// FeltFromHex parses a hexadecimal field element, with or without the 0x
// prefix. Odd-length inputs are accepted.
func FeltFromHex(s string) (Felt, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return Felt{}, errors.New("empty felt")
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	bz, err := hex.DecodeString(s)
	if err != nil {
		return Felt{}, fmt.Errorf("invalid felt %q: %w", s, err)
	}
	return FeltFromBytes(bz)
}

// MustFeltFromHex is FeltFromHex that panics on malformed input. Meant for
// constants and tests.
func MustFeltFromHex(s string) Felt {
	f, err := FeltFromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Bytes returns a copy of the 32 big-endian bytes.
func (f Felt) Bytes() []byte {
	bz := make([]byte, FeltLength)
	copy(bz, f[:])
	return bz
}

// Compare returns -1, 0 or +1 depending on whether f is less than, equal to
// or greater than o.
func (f Felt) Compare(o Felt) int {
	return bytes.Compare(f[:], o[:])
}

func (f Felt) IsZero() bool { return f == ZeroFelt }

// String renders the felt as 0x-prefixed lowercase hex without leading zeros.
func (f Felt) String() string {
	s := strings.TrimLeft(hex.EncodeToString(f[:]), "0")
	if s == "" {
		s = "0"
	}
	return "0x" + s
}

// MarshalText implements encoding.TextMarshaler.
func (f Felt) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Felt) UnmarshalText(text []byte) error {
	parsed, err := FeltFromHex(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

func feltFromProto(bz []byte, field string) (Felt, error) {
	if len(bz) != FeltLength {
		return Felt{}, fmt.Errorf("%s: expected %d bytes, got %d", field, FeltLength, len(bz))
	}
	var f Felt
	copy(f[:], bz)
	return f, nil
}
