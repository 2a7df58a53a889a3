package registry

import (
	"encoding/binary"
	"fmt"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/internal/state"
)

// stakeDomain separates stake instructions from any other signed payload.
var stakeDomain = []byte("truelens/stake/v1")

// SignedInstruction is a verifier's signed "stake amount on choice for item"
// instruction. How it was signed is up to the wallet layer.
type SignedInstruction struct {
	NewsItemID uint64                  `json:"newsItemId"`
	Choice     state.Choice            `json:"choice"`
	Amount     uint64                  `json:"amount"`
	PublicKey  ed25519.PublicKey       `json:"publicKey"`
	Signature  crypto.Ed25519Signature `json:"signature"`
}

// InstructionMessage returns the bytes a verifier signs.
func InstructionMessage(origin state.DomainID, newsItemID uint64, choice state.Choice, amount uint64) []byte {
	msg := make([]byte, 0, len(stakeDomain)+4+8+1+8)
	msg = append(msg, stakeDomain...)
	msg = binary.LittleEndian.AppendUint32(msg, uint32(origin))
	msg = binary.LittleEndian.AppendUint64(msg, newsItemID)
	msg = append(msg, byte(choice))
	return binary.LittleEndian.AppendUint64(msg, amount)
}

// SignInstruction produces a stake instruction with any Signer.
func SignInstruction(signer crypto.Signer, origin state.DomainID, newsItemID uint64, choice state.Choice, amount uint64) (SignedInstruction, error) {
	sig, err := signer.Sign(InstructionMessage(origin, newsItemID, choice, amount))
	if err != nil {
		return SignedInstruction{}, fmt.Errorf("sign stake instruction: %w", err)
	}
	return SignedInstruction{
		NewsItemID: newsItemID,
		Choice:     choice,
		Amount:     amount,
		PublicKey:  signer.PublicKey(),
		Signature:  sig,
	}, nil
}

// Verifier returns the address of the instruction's signer.
func (in SignedInstruction) Verifier() crypto.Address {
	return crypto.AddressFromPublicKey(in.PublicKey)
}

func (in SignedInstruction) verify(origin state.DomainID) bool {
	return crypto.Verify(in.PublicKey, InstructionMessage(origin, in.NewsItemID, in.Choice, in.Amount), in.Signature)
}
