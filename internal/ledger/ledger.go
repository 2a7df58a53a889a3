// Package ledger owns token accounting on the origin domain: available
// balances, per-item locked pools and the escrow that has been bridged out.
// No other package writes balance records.
package ledger

import (
	"fmt"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/safemath"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
	"github.com/eigerco/truelens/pkg/log"
)

var (
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", state.ErrInvalidStake)
	ErrBelowMinimum        = fmt.Errorf("%w: amount below minimum stake", state.ErrInvalidStake)
	ErrDuplicateStake      = fmt.Errorf("%w: verifier already staked on item", state.ErrInvalidStake)
	ErrInvalidChoice       = fmt.Errorf("%w: unknown choice", state.ErrInvalidStake)
)

// Lock is the ledger's record of one verifier's locked stake on an item.
type Lock struct {
	Amount uint64
	Choice state.Choice
}

type Ledger struct {
	minStake uint64
}

func New(minStake uint64) *Ledger {
	return &Ledger{minStake: minStake}
}

func (l *Ledger) MinStake() uint64 {
	return l.minStake
}

// Deposit credits the available balance of addr. Used for genesis funding.
func (l *Ledger) Deposit(tx *store.Tx, addr crypto.Address, amount uint64) error {
	key := balanceKey(addr)
	balance, err := tx.Uint64(key)
	if err != nil {
		return err
	}
	balance, ok := safemath.Add64(balance, amount)
	if !ok {
		return fmt.Errorf("deposit to %s: %w", addr, safemath.ErrOverflow)
	}
	return tx.Put(key, balance)
}

// Balance returns the available (unlocked) balance of addr.
func (l *Ledger) Balance(tx *store.Tx, addr crypto.Address) (uint64, error) {
	return tx.Uint64(balanceKey(addr))
}

// Lock moves amount from the verifier's available balance into the item's
// locked pool. It fails with state.ErrInvalidStake when the verifier already
// holds a lock on the item, when amount is below the minimum stake or when
// the available balance is short.
func (l *Ledger) Lock(tx *store.Tx, verifier crypto.Address, newsItemID, amount uint64, choice state.Choice) error {
	if !choice.Valid() {
		return ErrInvalidChoice
	}
	if amount < l.minStake || amount == 0 {
		return fmt.Errorf("%w: %d < %d", ErrBelowMinimum, amount, l.minStake)
	}

	entryKey := lockEntryKey(newsItemID, verifier)
	var existing Lock
	found, err := tx.Get(entryKey, &existing)
	if err != nil {
		return err
	}
	if found {
		return ErrDuplicateStake
	}

	balance, err := l.Balance(tx, verifier)
	if err != nil {
		return err
	}
	remaining, ok := safemath.Sub64(balance, amount)
	if !ok {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, amount)
	}

	lockedKey := lockedKey(newsItemID)
	locked, err := tx.Uint64(lockedKey)
	if err != nil {
		return err
	}
	locked, ok = safemath.Add64(locked, amount)
	if !ok {
		return fmt.Errorf("lock on item %d: %w", newsItemID, safemath.ErrOverflow)
	}

	if err := tx.Put(balanceKey(verifier), remaining); err != nil {
		return err
	}
	if err := tx.Put(lockedKey, locked); err != nil {
		return err
	}
	if err := tx.Put(entryKey, Lock{Amount: amount, Choice: choice}); err != nil {
		return err
	}

	log.Ledger.Debug().
		Uint64("item", newsItemID).
		Str("verifier", verifier.String()).
		Uint64("amount", amount).
		Uint64("locked", locked).
		Msg("stake locked")
	return nil
}

// LockOf returns the verifier's lock on an item.
func (l *Ledger) LockOf(tx *store.Tx, verifier crypto.Address, newsItemID uint64) (Lock, bool, error) {
	var lock Lock
	found, err := tx.Get(lockEntryKey(newsItemID, verifier), &lock)
	return lock, found, err
}

// Locked returns the item's locked pool. It drops to zero on release.
func (l *Ledger) Locked(tx *store.Tx, newsItemID uint64) (uint64, error) {
	return tx.Uint64(lockedKey(newsItemID))
}

// Outbound returns the amount released for an item into the bridge escrow.
func (l *Ledger) Outbound(tx *store.Tx, newsItemID uint64) (uint64, error) {
	return tx.Uint64(outboundKey(newsItemID))
}

// Staked returns everything ever staked on an item: the locked pool plus what
// release moved to the outbound escrow. It always equals the item's stake sum.
func (l *Ledger) Staked(tx *store.Tx, newsItemID uint64) (uint64, error) {
	locked, err := l.Locked(tx, newsItemID)
	if err != nil {
		return 0, err
	}
	outbound, err := l.Outbound(tx, newsItemID)
	if err != nil {
		return 0, err
	}
	return safemath.Sum64(locked, outbound)
}

// Release empties the item's locked pool into the outbound escrow. The
// distribution must account for exactly the locked amount, otherwise
// state.ErrSettlementMismatch is returned and nothing changes.
func (l *Ledger) Release(tx *store.Tx, newsItemID uint64, distribution state.Distribution) error {
	locked, err := l.Locked(tx, newsItemID)
	if err != nil {
		return err
	}
	total, err := distribution.Total()
	if err != nil {
		return fmt.Errorf("%w: %v", state.ErrSettlementMismatch, err)
	}
	if total != locked {
		return fmt.Errorf("%w: item %d distributes %d, locked %d", state.ErrSettlementMismatch, newsItemID, total, locked)
	}

	outbound, err := l.Outbound(tx, newsItemID)
	if err != nil {
		return err
	}
	outbound, ok := safemath.Add64(outbound, locked)
	if !ok {
		return fmt.Errorf("release item %d: %w", newsItemID, safemath.ErrOverflow)
	}
	if err := tx.Put(lockedKey(newsItemID), uint64(0)); err != nil {
		return err
	}
	if err := tx.Put(outboundKey(newsItemID), outbound); err != nil {
		return err
	}

	log.Ledger.Info().
		Uint64("item", newsItemID).
		Uint64("released", locked).
		Int("recipients", len(distribution)).
		Msg("locked pool released")
	return nil
}

func balanceKey(addr crypto.Address) []byte {
	return store.MakeKey(store.PrefixBalance, addr[:])
}

func lockedKey(newsItemID uint64) []byte {
	return store.MakeKey(store.PrefixLocked, store.U64(newsItemID))
}

func lockEntryKey(newsItemID uint64, verifier crypto.Address) []byte {
	return store.MakeKey(store.PrefixLockEntry, store.U64(newsItemID), verifier[:])
}

func outboundKey(newsItemID uint64) []byte {
	return store.MakeKey(store.PrefixOutbound, store.U64(newsItemID))
}
