package settlement

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/internal/ism"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
)

var (
	mailbox = crypto.Address{0xaa}
	alice   = crypto.Address{0xa1}
	bob     = crypto.Address{0xb0}
)

// origin produces signed messages the way an origin node would.
type origin struct {
	t  *testing.T
	st *store.Store
	m  *bridge.Messenger
}

func newOrigin(t *testing.T, validators []crypto.Signer) *origin {
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &origin{t: t, st: st, m: bridge.NewMessenger(st, bridge.Config{
		Origin:      state.SagaDomain,
		Destination: state.RootstockDomain,
		Sender:      mailbox,
		Validators:  validators,
	})}
}

func (o *origin) escrow(item uint64, who crypto.Address, amount uint64) bridge.Message {
	var msg bridge.Message
	require.NoError(o.t, o.st.Update(func(tx *store.Tx) error {
		var err error
		msg, err = o.m.DispatchEscrow(tx, state.Stake{Verifier: who, NewsItemID: item, Amount: amount})
		return err
	}))
	return msg
}

func (o *origin) settle(item uint64, dist state.Distribution) bridge.Message {
	var msg bridge.Message
	require.NoError(o.t, o.st.Update(func(tx *store.Tx) error {
		var err error
		msg, err = o.m.Dispatch(tx, item, state.StatusVerified, dist)
		return err
	}))
	return msg
}

func setup(t *testing.T, policy Policy) (*origin, *Pool) {
	t.Helper()
	validators := []crypto.Signer{
		crypto.NewKeySignerFromSeed(bytes.Repeat([]byte{1}, 32)),
		crypto.NewKeySignerFromSeed(bytes.Repeat([]byte{2}, 32)),
	}
	module, err := ism.New(ism.Config{
		Origin:     state.SagaDomain,
		Mailbox:    mailbox,
		Validators: []ed25519.PublicKey{validators[0].PublicKey(), validators[1].PublicKey()},
		Threshold:  2,
	})
	require.NoError(t, err)

	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := NewPool(st, module, Config{
		Domain: state.RootstockDomain,
		Origin: state.SagaDomain,
		Policy: policy,
	}).WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return newOrigin(t, validators), p
}

func apply(t *testing.T, p *Pool, msgs ...bridge.Message) {
	t.Helper()
	for _, msg := range msgs {
		receipt, err := p.ApplyMessage(msg)
		require.NoError(t, err)
		require.Equal(t, bridge.ReceiptApplied, receipt.Status)
	}
}

func balances(t *testing.T, p *Pool, addrs ...crypto.Address) []uint64 {
	t.Helper()
	out := make([]uint64, len(addrs))
	for i, a := range addrs {
		var err error
		out[i], err = p.BalanceOf(a)
		require.NoError(t, err)
	}
	return out
}

func TestEscrowThenSettlement(t *testing.T) {
	o, p := setup(t, PolicyReject)
	apply(t, p, o.escrow(1, alice, 60), o.escrow(1, bob, 40))

	pool, err := p.PoolBalance()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), pool)
	escrow, err := p.Escrow(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), escrow)

	apply(t, p, o.settle(1, state.Distribution{{Recipient: alice, Amount: 80}, {Recipient: bob, Amount: 20}}))

	assert.Equal(t, []uint64{80, 20}, balances(t, p, alice, bob))
	pool, err = p.PoolBalance()
	require.NoError(t, err)
	assert.Zero(t, pool)

	rec, found, err := p.Settlement(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(3), rec.Nonce)
	assert.Equal(t, state.StatusVerified, rec.Outcome)
}

func TestOutOfOrderRejected(t *testing.T) {
	o, p := setup(t, PolicyReject)
	first := o.escrow(1, alice, 10)
	second := o.escrow(1, bob, 10)

	receipt, err := p.ApplyMessage(second)
	require.ErrorIs(t, err, state.ErrMessageOutOfOrder)
	assert.Equal(t, bridge.ReceiptRejected, receipt.Status)
	assert.Equal(t, bridge.CodeOutOfOrder, receipt.Code)

	last, err := p.LastNonce()
	require.NoError(t, err)
	assert.Zero(t, last)
	pool, err := p.PoolBalance()
	require.NoError(t, err)
	assert.Zero(t, pool)

	apply(t, p, first, second)
	last, err = p.LastNonce()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestOutOfOrderHeldAndDrained(t *testing.T) {
	o, p := setup(t, PolicyHold)
	first := o.escrow(1, alice, 30)
	second := o.escrow(1, bob, 20)
	third := o.settle(1, state.Distribution{{Recipient: alice, Amount: 30}, {Recipient: bob, Amount: 20}})

	for _, msg := range []bridge.Message{third, second} {
		receipt, err := p.ApplyMessage(msg)
		require.NoError(t, err)
		assert.Equal(t, bridge.ReceiptHeld, receipt.Status)
	}
	held, err := p.Held()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, held)
	assert.Equal(t, []uint64{0, 0}, balances(t, p, alice, bob))

	apply(t, p, first)

	held, err = p.Held()
	require.NoError(t, err)
	assert.Empty(t, held)
	last, err := p.LastNonce()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
	assert.Equal(t, []uint64{30, 20}, balances(t, p, alice, bob))
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	o, p := setup(t, PolicyReject)
	escrow := o.escrow(1, alice, 50)
	settle := o.settle(1, state.Distribution{{Recipient: alice, Amount: 50}})
	apply(t, p, escrow, settle)

	for _, msg := range []bridge.Message{escrow, settle} {
		receipt, err := p.ApplyMessage(msg)
		require.ErrorIs(t, err, state.ErrMessageReplay)
		assert.Equal(t, bridge.CodeReplay, receipt.Code)
	}
	assert.Equal(t, []uint64{50}, balances(t, p, alice))
	pool, err := p.PoolBalance()
	require.NoError(t, err)
	assert.Zero(t, pool)
}

func TestSettlementMismatchHaltsItem(t *testing.T) {
	o, p := setup(t, PolicyReject)
	apply(t, p, o.escrow(1, alice, 10), o.escrow(2, bob, 5))

	bad := o.settle(1, state.Distribution{{Recipient: alice, Amount: 12}})
	receipt, err := p.ApplyMessage(bad)
	require.ErrorIs(t, err, state.ErrSettlementMismatch)
	assert.Equal(t, bridge.ReceiptApplied, receipt.Status, "nonce is consumed")
	assert.Equal(t, bridge.CodeSettlementMismatch, receipt.Code)

	assert.Equal(t, []uint64{0}, balances(t, p, alice))
	halted, err := p.Halted()
	require.NoError(t, err)
	require.Len(t, halted, 1)
	assert.Equal(t, uint64(1), halted[0].NewsItemID)
	assert.Equal(t, uint64(10), halted[0].Expected)
	assert.Equal(t, uint64(12), halted[0].Received)

	// the rest of the queue keeps flowing
	apply(t, p, o.settle(2, state.Distribution{{Recipient: bob, Amount: 5}}))
	assert.Equal(t, []uint64{5}, balances(t, p, bob))

	// reconciliation must match the escrow exactly
	err = p.Reconcile(1, state.Distribution{{Recipient: alice, Amount: 12}})
	require.ErrorIs(t, err, state.ErrSettlementMismatch)
	require.NoError(t, p.Reconcile(1, state.Distribution{{Recipient: alice, Amount: 10}}))
	assert.Equal(t, []uint64{10}, balances(t, p, alice))

	halted, err = p.Halted()
	require.NoError(t, err)
	assert.Empty(t, halted)
	assert.ErrorIs(t, p.Reconcile(1, nil), ErrNotHalted)

	rec, found, err := p.Settlement(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Reconciled)
}

func TestRedeliveredHaltedSettlementStillMismatches(t *testing.T) {
	for _, policy := range []Policy{PolicyReject, PolicyHold} {
		t.Run(policy.String(), func(t *testing.T) {
			o, p := setup(t, policy)
			escrow := o.escrow(1, alice, 150)
			bad := o.settle(1, state.Distribution{{Recipient: alice, Amount: 999}})

			if policy == PolicyHold {
				// the settlement waits for its escrow and halts while draining
				receipt, err := p.ApplyMessage(bad)
				require.NoError(t, err)
				require.Equal(t, bridge.ReceiptHeld, receipt.Status)
				apply(t, p, escrow)
			} else {
				apply(t, p, escrow)
				_, err := p.ApplyMessage(bad)
				require.ErrorIs(t, err, state.ErrSettlementMismatch)
			}

			receipt, err := p.ApplyMessage(bad)
			require.ErrorIs(t, err, state.ErrSettlementMismatch)
			assert.NotErrorIs(t, err, state.ErrMessageReplay)
			assert.Equal(t, bridge.CodeSettlementMismatch, receipt.Code)
			assert.Equal(t, []uint64{0}, balances(t, p, alice))

			// once reconciled the nonce is an ordinary replay
			require.NoError(t, p.Reconcile(1, state.Distribution{{Recipient: alice, Amount: 150}}))
			receipt, err = p.ApplyMessage(bad)
			require.ErrorIs(t, err, state.ErrMessageReplay)
			assert.Equal(t, bridge.CodeReplay, receipt.Code)

			// the escrow nonce never halted
			_, err = p.ApplyMessage(escrow)
			require.ErrorIs(t, err, state.ErrMessageReplay)
		})
	}
}

func TestUnauthenticatedMessagesChangeNothing(t *testing.T) {
	o, p := setup(t, PolicyReject)

	unsigned := o.escrow(1, alice, 10)
	unsigned.Signatures = unsigned.Signatures[:1]
	_, err := p.ApplyMessage(unsigned)
	require.ErrorIs(t, err, bridge.ErrInsufficientSignatures)

	misrouted := o.escrow(1, alice, 10)
	misrouted.DestDomain = 77
	receipt, err := p.ApplyMessage(misrouted)
	require.ErrorIs(t, err, bridge.ErrWrongDestination)
	assert.Equal(t, bridge.CodeWrongDestination, receipt.Code)

	last, err := p.LastNonce()
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyReject, "reject": PolicyReject, "HOLD": PolicyHold} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("drop")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
