// Package bridge implements the origin side of the cross-domain message
// bridge: nonce allocation, message signing and the delivery-status outbox
// driven by the relay.
package bridge

import (
	"fmt"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/pkg/codec"
)

// Kind distinguishes the two message flows that share a nonce sequence.
type Kind uint8

const (
	// KindEscrow carries a freshly locked stake to the destination pool.
	KindEscrow Kind = iota + 1
	// KindSettlement carries a finalized resolution and its distribution.
	KindSettlement
)

func (k Kind) String() string {
	switch k {
	case KindEscrow:
		return "escrow"
	case KindSettlement:
		return "settlement"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "escrow":
		*k = KindEscrow
	case "settlement":
		*k = KindSettlement
	default:
		return fmt.Errorf("unknown message kind %q", text)
	}
	return nil
}

type Payload struct {
	Kind         Kind               `json:"kind"`
	NewsItemID   uint64             `json:"newsItemId"`
	Outcome      state.Status       `json:"outcome"`
	RewardAmount uint64             `json:"rewardAmount"`
	Recipients   state.Distribution `json:"recipients"`
}

// ValidatorSignature is one origin validator's attestation over a message
// digest.
type ValidatorSignature struct {
	PublicKey [ed25519.PublicKeySize]byte `json:"publicKey"`
	Signature crypto.Ed25519Signature     `json:"signature"`
}

// Message is the unit of cross-domain delivery. Its nonce is unique per
// (OriginDomain, DestDomain) pair and never reassigned.
type Message struct {
	Nonce        uint64               `json:"nonce"`
	OriginDomain state.DomainID       `json:"originDomain"`
	DestDomain   state.DomainID       `json:"destDomain"`
	Sender       crypto.Address       `json:"sender"`
	Recipient    crypto.Address       `json:"recipient"`
	Payload      Payload              `json:"payload"`
	Signatures   []ValidatorSignature `json:"signatures"`
}

// Digest is the blake2b-256 hash of the message encoding with the signature
// list left empty. Validators sign the digest.
func (m Message) Digest() (crypto.Hash, error) {
	unsigned := m
	unsigned.Signatures = nil
	b, err := codec.Marshal(unsigned)
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("encode message %d: %w", m.Nonce, err)
	}
	return crypto.HashData(b), nil
}

// Sign appends one signature per signer over the message digest.
func (m *Message) Sign(signers ...crypto.Signer) error {
	digest, err := m.Digest()
	if err != nil {
		return err
	}
	for _, s := range signers {
		sig, err := s.Sign(digest[:])
		if err != nil {
			return fmt.Errorf("sign message %d: %w", m.Nonce, err)
		}
		var vs ValidatorSignature
		copy(vs.PublicKey[:], s.PublicKey())
		vs.Signature = sig
		m.Signatures = append(m.Signatures, vs)
	}
	return nil
}

// Encode returns the wire encoding of the message.
func (m Message) Encode() ([]byte, error) {
	return codec.Marshal(m)
}

func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := codec.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
