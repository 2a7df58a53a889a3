package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

type Hash [HashSize]byte

func HashData(data []byte) Hash {
	hash := blake2b.Sum256(data)
	return hash
}

// KeccakData hashes the input data using Keccak-256
func KeccakData(data []byte) Hash {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(data)
	hashed := hash.Sum(nil)

	var result Hash
	copy(result[:], hashed)
	return result
}

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// DecodeHex decodes a hex string with an optional 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex %q: %w", s, err)
	}
	return b, nil
}
