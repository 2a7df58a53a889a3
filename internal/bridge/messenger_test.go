package bridge

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/merkle"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
)

var (
	verifier = crypto.Address{0x01}
	mailbox  = crypto.Address{0xaa}
	pool     = crypto.Address{0xbb}
)

func validators(n int) []crypto.Signer {
	out := make([]crypto.Signer, n)
	for i := range out {
		out[i] = crypto.NewKeySignerFromSeed(bytes.Repeat([]byte{byte(i + 1)}, 32))
	}
	return out
}

func newMessenger(t *testing.T) (*store.Store, *Messenger) {
	t.Helper()
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := time.Unix(1_700_000_000, 0)
	m := NewMessenger(st, Config{
		Origin:      state.SagaDomain,
		Destination: state.RootstockDomain,
		Sender:      mailbox,
		Recipient:   pool,
		Validators:  validators(2),
	}).WithClock(func() time.Time { return clock })
	return st, m
}

func dispatchSettlement(t *testing.T, st *store.Store, m *Messenger, item uint64) Message {
	t.Helper()
	var msg Message
	require.NoError(t, st.Update(func(tx *store.Tx) error {
		var err error
		msg, err = m.Dispatch(tx, item, state.StatusVerified, state.Distribution{{Recipient: verifier, Amount: 25}})
		return err
	}))
	return msg
}

func TestDispatchSharesNonceSequence(t *testing.T) {
	st, m := newMessenger(t)

	var escrow Message
	require.NoError(t, st.Update(func(tx *store.Tx) error {
		var err error
		escrow, err = m.DispatchEscrow(tx, state.Stake{Verifier: verifier, NewsItemID: 9, Amount: 25, Choice: state.ChoiceVerify})
		return err
	}))
	settle := dispatchSettlement(t, st, m, 9)

	assert.Equal(t, uint64(1), escrow.Nonce)
	assert.Equal(t, KindEscrow, escrow.Payload.Kind)
	assert.Equal(t, uint64(2), settle.Nonce)
	assert.Equal(t, KindSettlement, settle.Payload.Kind)
	assert.Equal(t, uint64(25), settle.Payload.RewardAmount)
	assert.Equal(t, state.SagaDomain, settle.OriginDomain)
	assert.Equal(t, state.RootstockDomain, settle.DestDomain)

	last, err := m.LastNonce()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestDispatchRolledBackWithTransaction(t *testing.T) {
	st, m := newMessenger(t)
	err := st.Update(func(tx *store.Tx) error {
		if _, err := m.Dispatch(tx, 1, state.StatusFlagged, nil); err != nil {
			return err
		}
		return state.ErrInvalidStake
	})
	require.ErrorIs(t, err, state.ErrInvalidStake)

	last, err := m.LastNonce()
	require.NoError(t, err)
	assert.Zero(t, last)
	recs, err := m.Records()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCheckpointTracksDispatchedMessages(t *testing.T) {
	st, m := newMessenger(t)

	cp, err := m.Checkpoint()
	require.NoError(t, err)
	assert.Zero(t, cp.Count)
	assert.Equal(t, crypto.Hash{}, cp.Root)

	var want merkle.MMR
	for item := uint64(1); item <= 3; item++ {
		msg := dispatchSettlement(t, st, m, item)
		digest, err := msg.Digest()
		require.NoError(t, err)
		want.Append(digest)
	}

	cp, err = m.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cp.Count)
	assert.Equal(t, want.Root(), cp.Root)

	// a rolled back dispatch leaves the checkpoint alone
	_ = st.Update(func(tx *store.Tx) error {
		if _, err := m.Dispatch(tx, 4, state.StatusFlagged, nil); err != nil {
			return err
		}
		return state.ErrInvalidStake
	})
	after, err := m.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, cp, after)
}

func TestMessageSignatures(t *testing.T) {
	st, m := newMessenger(t)
	msg := dispatchSettlement(t, st, m, 4)
	require.Len(t, msg.Signatures, 2)

	digest, err := msg.Digest()
	require.NoError(t, err)
	for _, sig := range msg.Signatures {
		assert.True(t, crypto.Verify(sig.PublicKey[:], digest[:], sig.Signature))
	}

	// signatures are not part of the digest
	stripped := msg
	stripped.Signatures = nil
	strippedDigest, err := stripped.Digest()
	require.NoError(t, err)
	assert.Equal(t, digest, strippedDigest)

	// any payload change invalidates them
	tampered := msg
	tampered.Payload.RewardAmount++
	tamperedDigest, err := tampered.Digest()
	require.NoError(t, err)
	assert.False(t, crypto.Verify(msg.Signatures[0].PublicKey[:], tamperedDigest[:], msg.Signatures[0].Signature))

	encoded, err := msg.Encode()
	require.NoError(t, err)
	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	st, m := newMessenger(t)
	msg := dispatchSettlement(t, st, m, 1)

	require.NoError(t, m.OnAcknowledge(msg.Nonce))
	first, err := m.Record(msg.Nonce)
	require.NoError(t, err)
	require.NoError(t, m.OnAcknowledge(msg.Nonce))
	second, err := m.Record(msg.Nonce)
	require.NoError(t, err)

	assert.Equal(t, StatusDelivered, second.Status)
	assert.Equal(t, first, second)

	pending, err := m.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTimeoutThenRetryKeepsNonce(t *testing.T) {
	st, m := newMessenger(t)
	msg := dispatchSettlement(t, st, m, 1)

	require.NoError(t, m.OnTimeout(msg.Nonce))
	rec, err := m.Record(msg.Nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)

	pending, err := m.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	retried, err := m.Retry(msg.Nonce)
	require.NoError(t, err)
	assert.Equal(t, msg, retried)

	rec, err = m.Record(msg.Nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, uint32(2), rec.Attempts)

	last, err := m.LastNonce()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last, "retry must not allocate a nonce")

	_, err = m.Retry(msg.Nonce)
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestLateTimeoutAfterDelivery(t *testing.T) {
	st, m := newMessenger(t)
	msg := dispatchSettlement(t, st, m, 1)
	require.NoError(t, m.OnAcknowledge(msg.Nonce))
	require.NoError(t, m.OnTimeout(msg.Nonce))

	rec, err := m.Record(msg.Nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, rec.Status)
}

func TestHaltedMessagesLeaveTheQueue(t *testing.T) {
	st, m := newMessenger(t)
	first := dispatchSettlement(t, st, m, 1)
	second := dispatchSettlement(t, st, m, 2)

	require.NoError(t, m.OnHalt(first.Nonce, "distribution disagrees with escrow"))

	pending, err := m.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.Nonce, pending[0].Message.Nonce)

	_, err = m.Retry(first.Nonce)
	assert.ErrorIs(t, err, ErrHalted)

	rec, err := m.Record(first.Nonce)
	require.NoError(t, err)
	assert.True(t, rec.Halted)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestResumeRequeuesHaltedMessage(t *testing.T) {
	st, m := newMessenger(t)
	msg := dispatchSettlement(t, st, m, 1)

	assert.ErrorIs(t, m.Resume(msg.Nonce), ErrNotHalted)

	require.NoError(t, m.OnHalt(msg.Nonce, "distribution disagrees with escrow"))
	require.NoError(t, m.Resume(msg.Nonce))

	rec, err := m.Record(msg.Nonce)
	require.NoError(t, err)
	assert.False(t, rec.Halted)
	assert.Empty(t, rec.HaltReason)
	assert.Equal(t, StatusFailed, rec.Status)

	pending, err := m.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	retried, err := m.Retry(msg.Nonce)
	require.NoError(t, err)
	assert.Equal(t, msg, retried)
}

func TestUnknownNonce(t *testing.T) {
	_, m := newMessenger(t)
	assert.ErrorIs(t, m.OnAcknowledge(5), ErrUnknownMessage)
	assert.ErrorIs(t, m.OnTimeout(5), ErrUnknownMessage)
	_, err := m.Retry(5)
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.ErrorIs(t, m.Resume(5), ErrUnknownMessage)
}
