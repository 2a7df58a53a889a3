// Package ed25519 wraps crypto/ed25519 for key handling and uses
// ZIP-215 rules for verification, so every validator and relayer accepts
// exactly the same set of signatures.
package ed25519

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/hdevalence/ed25519consensus"
)

type (
	PublicKey  = ed25519.PublicKey
	PrivateKey = ed25519.PrivateKey
)

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
	SeedSize       = ed25519.SeedSize
)

func GenerateKey(rand io.Reader) (PublicKey, PrivateKey, error) {
	return ed25519.GenerateKey(rand)
}

func NewKeyFromSeed(seed []byte) PrivateKey {
	return ed25519.NewKeyFromSeed(seed)
}

func Sign(privateKey PrivateKey, message []byte) []byte {
	return ed25519.Sign(privateKey, message)
}

// Verify uses the hdevalence/ed25519consensus library for
// ZIP-215 compliant verification.
func Verify(publicKey PublicKey, message, sig []byte) bool {
	return ed25519consensus.Verify(publicKey, message, sig)
}

// ParsePublicKey decodes a hex encoded public key, with or without 0x.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	return PublicKey(b), nil
}

// ParseSeed decodes a hex encoded 32 byte seed into a private key.
func ParseSeed(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(b) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(b))
	}
	return ed25519.NewKeyFromSeed(b), nil
}
