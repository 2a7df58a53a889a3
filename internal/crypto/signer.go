package crypto

import (
	"github.com/eigerco/truelens/internal/crypto/ed25519"
)

// Signer produces signatures over arbitrary messages. Wallet adapters,
// hardware keys and the in-process key below all satisfy it.
type Signer interface {
	PublicKey() ed25519.PublicKey
	Sign(message []byte) (Ed25519Signature, error)
}

// KeySigner signs with an in-memory ed25519 private key.
type KeySigner struct {
	priv ed25519.PrivateKey
}

func NewKeySigner(priv ed25519.PrivateKey) *KeySigner {
	return &KeySigner{priv: priv}
}

// NewKeySignerFromSeed derives the key pair from a 32 byte seed.
func NewKeySignerFromSeed(seed []byte) *KeySigner {
	return &KeySigner{priv: ed25519.NewKeyFromSeed(seed)}
}

func (s *KeySigner) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *KeySigner) Address() Address {
	return AddressFromPublicKey(s.PublicKey())
}

func (s *KeySigner) Sign(message []byte) (Ed25519Signature, error) {
	return Ed25519Signature(ed25519.Sign(s.priv, message)), nil
}

// Verify checks sig over message against pub.
func Verify(pub ed25519.PublicKey, message []byte, sig Ed25519Signature) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig[:])
}
