// Package testutils wires complete origin and destination domains over
// in-memory stores for tests that span several components.
package testutils

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/content"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/internal/ism"
	"github.com/eigerco/truelens/internal/ledger"
	"github.com/eigerco/truelens/internal/registry"
	"github.com/eigerco/truelens/internal/resolution"
	"github.com/eigerco/truelens/internal/settlement"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
)

var (
	Mailbox     = crypto.Address{0xaa}
	PoolAddress = crypto.Address{0xbb}
	Genesis     = time.Unix(1_700_000_000, 0)
)

func RandomAddress(t *testing.T) crypto.Address {
	var a crypto.Address
	_, err := rand.Read(a[:])
	require.NoError(t, err)
	return a
}

// Signers derives n deterministic signers starting at seed byte first.
func Signers(first byte, n int) []*crypto.KeySigner {
	out := make([]*crypto.KeySigner, n)
	for i := range out {
		out[i] = crypto.NewKeySignerFromSeed(bytes.Repeat([]byte{first + byte(i)}, ed25519.SeedSize))
	}
	return out
}

// Origin is a fully wired origin domain with a controllable clock.
type Origin struct {
	Store      *store.Store
	Ledger     *ledger.Ledger
	Messenger  *bridge.Messenger
	Registry   *registry.Registry
	Engine     *resolution.Engine
	Verifiers  []*crypto.KeySigner
	Validators []*crypto.KeySigner
	Now        time.Time
}

func NewOrigin(t *testing.T) *Origin {
	t.Helper()
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	o := &Origin{
		Store:      st,
		Ledger:     ledger.New(1),
		Verifiers:  Signers(1, 4),
		Validators: Signers(100, 3),
		Now:        Genesis,
	}
	clock := func() time.Time { return o.Now }

	validators := make([]crypto.Signer, len(o.Validators))
	for i, v := range o.Validators {
		validators[i] = v
	}
	o.Messenger = bridge.NewMessenger(st, bridge.Config{
		Origin:      state.SagaDomain,
		Destination: state.RootstockDomain,
		Sender:      Mailbox,
		Recipient:   PoolAddress,
		Validators:  validators,
	}).WithClock(clock)
	o.Registry = registry.New(st, o.Ledger, o.Messenger, registry.Config{
		Origin:           state.SagaDomain,
		MinQuorumStake:   100,
		SubmissionWindow: 24 * time.Hour,
	}).WithClock(clock)
	o.Engine, err = resolution.NewEngine(st, o.Registry, o.Ledger, o.Messenger, resolution.Config{
		RemovalThresholdBps: 9000,
		SlashBps:            5000,
	})
	require.NoError(t, err)

	require.NoError(t, st.Update(func(tx *store.Tx) error {
		for _, v := range o.Verifiers {
			if err := o.Ledger.Deposit(tx, v.Address(), 1_000); err != nil {
				return err
			}
		}
		return nil
	}))
	return o
}

// Submit registers a news item for data and returns its id.
func (o *Origin) Submit(t *testing.T, data string) uint64 {
	t.Helper()
	ref, err := content.RefForData([]byte(data))
	require.NoError(t, err)
	item, err := o.Registry.Submit(ref)
	require.NoError(t, err)
	return item.ID
}

// Stake records a stake by verifier v.
func (o *Origin) Stake(t *testing.T, v int, item uint64, choice state.Choice, amount uint64) state.Stake {
	t.Helper()
	in, err := registry.SignInstruction(o.Verifiers[v], state.SagaDomain, item, choice, amount)
	require.NoError(t, err)
	stake, err := o.Registry.RecordStake(item, in)
	require.NoError(t, err)
	return stake
}

// Resolve finalizes an item that must be resolvable.
func (o *Origin) Resolve(t *testing.T, item uint64) state.Resolution {
	t.Helper()
	res, err := o.Engine.Resolve(item)
	require.NoError(t, err)
	return res
}

// SecurityModule returns an ISM trusting this origin with a 2 of 3 threshold.
func (o *Origin) SecurityModule(t *testing.T) *ism.MultisigISM {
	t.Helper()
	keys := make([]ed25519.PublicKey, len(o.Validators))
	for i, v := range o.Validators {
		keys[i] = v.PublicKey()
	}
	module, err := ism.New(ism.Config{
		Origin:     state.SagaDomain,
		Mailbox:    Mailbox,
		Validators: keys,
		Threshold:  2,
	})
	require.NoError(t, err)
	return module
}

// NewDestination wires a settlement pool trusting o.
func NewDestination(t *testing.T, o *Origin, policy settlement.Policy) *settlement.Pool {
	t.Helper()
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return settlement.NewPool(st, o.SecurityModule(t), settlement.Config{
		Domain: state.RootstockDomain,
		Origin: state.SagaDomain,
		Policy: policy,
	}).WithClock(func() time.Time { return o.Now })
}
