package ism

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/internal/state"
)

var mailbox = crypto.Address{0xaa}

func signers(seeds ...byte) []crypto.Signer {
	out := make([]crypto.Signer, len(seeds))
	for i, s := range seeds {
		out[i] = crypto.NewKeySignerFromSeed(bytes.Repeat([]byte{s}, 32))
	}
	return out
}

func pubkeys(ss []crypto.Signer) []ed25519.PublicKey {
	out := make([]ed25519.PublicKey, len(ss))
	for i, s := range ss {
		out[i] = s.PublicKey()
	}
	return out
}

func message() bridge.Message {
	return bridge.Message{
		Nonce:        1,
		OriginDomain: state.SagaDomain,
		DestDomain:   state.RootstockDomain,
		Sender:       mailbox,
		Payload: bridge.Payload{
			Kind:         bridge.KindEscrow,
			NewsItemID:   1,
			RewardAmount: 10,
			Recipients:   state.Distribution{{Recipient: crypto.Address{1}, Amount: 10}},
		},
	}
}

func TestNewRejectsBadThreshold(t *testing.T) {
	keys := pubkeys(signers(1, 2))
	for _, threshold := range []int{0, 3} {
		_, err := New(Config{Origin: state.SagaDomain, Mailbox: mailbox, Validators: keys, Threshold: threshold})
		assert.ErrorIs(t, err, ErrInvalidThreshold)
	}
}

func TestVerify(t *testing.T) {
	validatorSet := signers(1, 2, 3)
	outsider := signers(9)
	module, err := New(Config{
		Origin:     state.SagaDomain,
		Mailbox:    mailbox,
		Validators: pubkeys(validatorSet),
		Threshold:  2,
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		build   func() bridge.Message
		wantErr error
	}{
		{
			name: "threshold met",
			build: func() bridge.Message {
				m := message()
				require.NoError(t, m.Sign(validatorSet[0], validatorSet[2]))
				return m
			},
		},
		{
			name: "one signature short",
			build: func() bridge.Message {
				m := message()
				require.NoError(t, m.Sign(validatorSet[0]))
				return m
			},
			wantErr: bridge.ErrInsufficientSignatures,
		},
		{
			name: "duplicate signer counted once",
			build: func() bridge.Message {
				m := message()
				require.NoError(t, m.Sign(validatorSet[1], validatorSet[1]))
				return m
			},
			wantErr: bridge.ErrInsufficientSignatures,
		},
		{
			name: "outsider ignored",
			build: func() bridge.Message {
				m := message()
				require.NoError(t, m.Sign(validatorSet[0], outsider[0]))
				return m
			},
			wantErr: bridge.ErrInsufficientSignatures,
		},
		{
			name: "tampered after signing",
			build: func() bridge.Message {
				m := message()
				require.NoError(t, m.Sign(validatorSet...))
				m.Payload.RewardAmount = 1_000
				return m
			},
			wantErr: bridge.ErrInsufficientSignatures,
		},
		{
			name: "wrong sender",
			build: func() bridge.Message {
				m := message()
				m.Sender = crypto.Address{0xee}
				require.NoError(t, m.Sign(validatorSet...))
				return m
			},
			wantErr: bridge.ErrUntrustedSender,
		},
		{
			name: "wrong origin",
			build: func() bridge.Message {
				m := message()
				m.OriginDomain = 1
				require.NoError(t, m.Sign(validatorSet...))
				return m
			},
			wantErr: bridge.ErrUntrustedSender,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := module.Verify(tc.build())
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}
