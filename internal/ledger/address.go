package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address identifies a holder on the host ledger (20 bytes, EVM-style).
type Address [20]byte

// ZeroAddress is never a valid holder or spender.
var ZeroAddress Address

// ParseAddress accepts a 40-hex-digit string with or without the 0x prefix.
func ParseAddress(s string) (Address, error) {
	var a Address

	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != 2*len(a) {
		return a, fmt.Errorf("invalid address %q: want %d hex digits, got %d", s, 2*len(a), len(raw))
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}

	copy(a[:], b)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string {
	return a.Hex()
}

func (a Address) IsZero() bool {
	return a == ZeroAddress
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
