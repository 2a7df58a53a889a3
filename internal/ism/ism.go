// Package ism is the destination's interchain security module. A message is
// accepted only when it comes from the trusted origin mailbox and carries
// enough distinct validator signatures over its digest.
package ism

import (
	"errors"
	"fmt"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/internal/state"
)

var ErrInvalidThreshold = errors.New("threshold must be between 1 and the validator count")

type Config struct {
	Origin     state.DomainID
	Mailbox    crypto.Address
	Validators []ed25519.PublicKey
	Threshold  int
}

// MultisigISM verifies messages against a fixed validator set.
type MultisigISM struct {
	origin     state.DomainID
	mailbox    crypto.Address
	validators crypto.ED25519PublicKeySet
	threshold  int
}

func New(cfg Config) (*MultisigISM, error) {
	for _, v := range cfg.Validators {
		if len(v) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("validator key must be %d bytes, got %d", ed25519.PublicKeySize, len(v))
		}
	}
	validators := crypto.NewED25519PublicKeySet(cfg.Validators...)
	if cfg.Threshold < 1 || cfg.Threshold > len(validators) {
		return nil, fmt.Errorf("%w: threshold %d, %d validators", ErrInvalidThreshold, cfg.Threshold, len(validators))
	}
	return &MultisigISM{
		origin:     cfg.Origin,
		mailbox:    cfg.Mailbox,
		validators: validators,
		threshold:  cfg.Threshold,
	}, nil
}

// Verify checks the message origin, sender and signatures. Signatures from
// unknown keys and repeated signatures from the same validator are ignored.
func (m *MultisigISM) Verify(msg bridge.Message) error {
	if msg.OriginDomain != m.origin || msg.Sender != m.mailbox {
		return fmt.Errorf("%w: domain %d sender %s", bridge.ErrUntrustedSender, msg.OriginDomain, msg.Sender)
	}

	digest, err := msg.Digest()
	if err != nil {
		return err
	}

	seen := make(map[[ed25519.PublicKeySize]byte]struct{}, len(msg.Signatures))
	for _, sig := range msg.Signatures {
		if _, dup := seen[sig.PublicKey]; dup {
			continue
		}
		if !m.validators.Has(sig.PublicKey[:]) {
			continue
		}
		if !crypto.Verify(sig.PublicKey[:], digest[:], sig.Signature) {
			continue
		}
		seen[sig.PublicKey] = struct{}{}
		if len(seen) >= m.threshold {
			return nil
		}
	}
	return fmt.Errorf("%w: %d of %d", bridge.ErrInsufficientSignatures, len(seen), m.threshold)
}
