package registry

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/content"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/ledger"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
)

type fixture struct {
	st        *store.Store
	ledger    *ledger.Ledger
	messenger *bridge.Messenger
	reg       *Registry
	clock     time.Time
	verifiers []*crypto.KeySigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{st: st, ledger: ledger.New(5), clock: time.Unix(1_700_000_000, 0)}
	f.messenger = bridge.NewMessenger(st, bridge.Config{
		Origin:      state.SagaDomain,
		Destination: state.RootstockDomain,
	})
	f.reg = New(st, f.ledger, f.messenger, Config{
		Origin:           state.SagaDomain,
		MinQuorumStake:   100,
		SubmissionWindow: time.Hour,
	}).WithClock(func() time.Time { return f.clock })

	for i := 1; i <= 3; i++ {
		f.verifiers = append(f.verifiers, crypto.NewKeySignerFromSeed(bytes.Repeat([]byte{byte(i)}, 32)))
	}
	require.NoError(t, st.Update(func(tx *store.Tx) error {
		for _, v := range f.verifiers {
			if err := f.ledger.Deposit(tx, v.Address(), 1_000); err != nil {
				return err
			}
		}
		return nil
	}))
	return f
}

func (f *fixture) submit(t *testing.T) state.NewsItem {
	t.Helper()
	ref, err := content.RefForData([]byte(t.Name()))
	require.NoError(t, err)
	item, err := f.reg.Submit(ref)
	require.NoError(t, err)
	return item
}

func (f *fixture) stake(t *testing.T, v int, item uint64, choice state.Choice, amount uint64) (state.Stake, error) {
	t.Helper()
	in, err := SignInstruction(f.verifiers[v], state.SagaDomain, item, choice, amount)
	require.NoError(t, err)
	return f.reg.RecordStake(item, in)
}

func (f *fixture) locked(t *testing.T, item uint64) uint64 {
	t.Helper()
	var locked uint64
	require.NoError(t, f.st.View(func(tx *store.Tx) error {
		var err error
		locked, err = f.ledger.Locked(tx, item)
		return err
	}))
	return locked
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t)
	second := f.submit(t)

	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, state.StatusPending, first.Status)
	assert.Equal(t, state.TimestampOf(f.clock), first.SubmittedAt)

	stored, err := f.reg.Item(first.ID)
	require.NoError(t, err)
	assert.True(t, stored.ContentRef.Equals(first.ContentRef))

	_, err = f.reg.Submit(content.Ref{})
	assert.ErrorIs(t, err, ErrMissingRef)

	_, err = f.reg.Item(99)
	assert.ErrorIs(t, err, state.ErrItemNotFound)
}

func TestRecordStake(t *testing.T) {
	f := newFixture(t)
	item := f.submit(t)

	stake, err := f.stake(t, 0, item.ID, state.ChoiceVerify, 30)
	require.NoError(t, err)
	assert.Equal(t, f.verifiers[0].Address(), stake.Verifier)
	assert.Equal(t, state.SagaDomain, stake.OriginDomain)
	assert.False(t, stake.Slashed)

	_, err = f.stake(t, 1, item.ID, state.ChoiceFlag, 12)
	require.NoError(t, err)

	stakes, err := f.reg.Stakes(item.ID)
	require.NoError(t, err)
	require.Len(t, stakes, 2)
	total, err := TotalStake(stakes)
	require.NoError(t, err)
	assert.Equal(t, f.locked(t, item.ID), total)

	got, err := f.reg.StakeOf(f.verifiers[0].Address(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, stake, got)

	// every stake queues its escrow message
	recs, err := f.messenger.Records()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, bridge.KindEscrow, recs[0].Message.Payload.Kind)
	assert.Equal(t, uint64(30), recs[0].Message.Payload.RewardAmount)
}

func TestRecordStakeRejections(t *testing.T) {
	f := newFixture(t)
	item := f.submit(t)
	_, err := f.stake(t, 0, item.ID, state.ChoiceVerify, 30)
	require.NoError(t, err)

	t.Run("duplicate", func(t *testing.T) {
		_, err := f.stake(t, 0, item.ID, state.ChoiceFlag, 10)
		assert.ErrorIs(t, err, state.ErrInvalidStake)
	})
	t.Run("below minimum", func(t *testing.T) {
		_, err := f.stake(t, 1, item.ID, state.ChoiceFlag, 1)
		assert.ErrorIs(t, err, state.ErrInvalidStake)
	})
	t.Run("bad signature", func(t *testing.T) {
		in, err := SignInstruction(f.verifiers[1], state.SagaDomain, item.ID, state.ChoiceFlag, 10)
		require.NoError(t, err)
		in.Amount = 500
		_, err = f.reg.RecordStake(item.ID, in)
		assert.ErrorIs(t, err, ErrBadSignature)
		assert.ErrorIs(t, err, state.ErrInvalidStake)
	})
	t.Run("signed for another domain", func(t *testing.T) {
		in, err := SignInstruction(f.verifiers[1], state.RootstockDomain, item.ID, state.ChoiceFlag, 10)
		require.NoError(t, err)
		_, err = f.reg.RecordStake(item.ID, in)
		assert.ErrorIs(t, err, ErrBadSignature)
	})
	t.Run("item mismatch", func(t *testing.T) {
		in, err := SignInstruction(f.verifiers[1], state.SagaDomain, item.ID, state.ChoiceFlag, 10)
		require.NoError(t, err)
		_, err = f.reg.RecordStake(item.ID+1, in)
		assert.ErrorIs(t, err, ErrItemMismatch)
	})
	t.Run("unknown item", func(t *testing.T) {
		_, err := f.stake(t, 1, 404, state.ChoiceFlag, 10)
		assert.ErrorIs(t, err, state.ErrItemNotFound)
	})

	// none of the rejections left a trace
	assert.Equal(t, uint64(30), f.locked(t, item.ID))
	recs, err := f.messenger.Records()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStakeAfterWindowRejected(t *testing.T) {
	f := newFixture(t)
	item := f.submit(t)
	f.clock = f.clock.Add(time.Hour)

	_, err := f.stake(t, 0, item.ID, state.ChoiceVerify, 30)
	assert.ErrorIs(t, err, ErrWindowClosed)
	assert.ErrorIs(t, err, state.ErrInvalidStake)
}

func TestIsQuorumReachable(t *testing.T) {
	f := newFixture(t)
	byStake := f.submit(t)
	byTime := f.submit(t)

	for _, id := range []uint64{byStake.ID, byTime.ID} {
		ok, err := f.reg.IsQuorumReachable(id)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	_, err := f.stake(t, 0, byStake.ID, state.ChoiceVerify, 60)
	require.NoError(t, err)
	_, err = f.stake(t, 1, byStake.ID, state.ChoiceFlag, 40)
	require.NoError(t, err)
	ok, err := f.reg.IsQuorumReachable(byStake.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	f.clock = f.clock.Add(59 * time.Minute)
	ok, err = f.reg.IsQuorumReachable(byTime.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock = f.clock.Add(time.Minute)
	ok, err = f.reg.IsQuorumReachable(byTime.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.reg.IsQuorumReachable(404)
	assert.ErrorIs(t, err, state.ErrItemNotFound)
}

func TestFinalizeOnce(t *testing.T) {
	f := newFixture(t)
	item := f.submit(t)

	err := f.st.Update(func(tx *store.Tx) error {
		_, err := f.reg.Finalize(tx, item.ID, state.StatusPending, f.clock)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFinal)

	require.NoError(t, f.st.Update(func(tx *store.Tx) error {
		_, err := f.reg.Finalize(tx, item.ID, state.StatusVerified, f.clock)
		return err
	}))
	for _, next := range []state.Status{state.StatusFlagged, state.StatusVerified, state.StatusExpired} {
		err := f.st.Update(func(tx *store.Tx) error {
			_, err := f.reg.Finalize(tx, item.ID, next, f.clock)
			return err
		})
		assert.ErrorIs(t, err, ErrAlreadyFinal)
	}

	status, err := f.reg.Status(item.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusVerified, status)

	_, err = f.stake(t, 0, item.ID, state.ChoiceVerify, 30)
	assert.ErrorIs(t, err, ErrNotPending)

	pending, err := f.reg.Items(state.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
	all, err := f.reg.Items()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
