package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/eigerco/truelens/internal/crypto/ed25519"
)

var ErrInvalidAddress = errors.New("invalid address")

type Ed25519Signature [Ed25519SignatureSize]byte

// Address identifies an account on either domain. It is the last 20 bytes of
// the Keccak-256 hash of the account's ed25519 public key.
type Address [AddressSize]byte

func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	h := KeccakData(pub)
	var a Address
	copy(a[:], h[HashSize-AddressSize:])
	return a
}

// ParseAddress parses a 0x-prefixed (or bare) 40 character hex address.
func ParseAddress(s string) (Address, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, AddressSize, len(b))
	}
	return Address(b), nil
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Compare orders addresses bytewise.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
