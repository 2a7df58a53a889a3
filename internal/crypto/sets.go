package crypto

import "github.com/eigerco/truelens/internal/crypto/ed25519"

type ED25519PublicKeySet map[[Ed25519PublicSize]byte]struct{}

func NewED25519PublicKeySet(keys ...ed25519.PublicKey) ED25519PublicKeySet {
	set := make(ED25519PublicKeySet, len(keys))
	for _, k := range keys {
		set.Add(k)
	}
	return set
}

func (set ED25519PublicKeySet) Add(key ed25519.PublicKey) {
	set[[Ed25519PublicSize]byte(key)] = struct{}{}
}

func (set ED25519PublicKeySet) Has(key ed25519.PublicKey) bool {
	if len(key) != Ed25519PublicSize {
		return false
	}
	_, ok := set[[Ed25519PublicSize]byte(key)]
	return ok
}
