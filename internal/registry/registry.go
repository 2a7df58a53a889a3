// Package registry holds news items and the stakes recorded against them on
// the origin domain. It enforces one stake per verifier per item and the
// submission window; item status is only changed through Finalize, which
// the resolution engine calls.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/content"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/ledger"
	"github.com/eigerco/truelens/internal/safemath"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
	"github.com/eigerco/truelens/pkg/codec"
	"github.com/eigerco/truelens/pkg/log"
)

var (
	ErrBadSignature = fmt.Errorf("%w: bad instruction signature", state.ErrInvalidStake)
	ErrNotPending   = fmt.Errorf("%w: item is not pending", state.ErrInvalidStake)
	ErrWindowClosed = fmt.Errorf("%w: submission window closed", state.ErrInvalidStake)
	ErrItemMismatch = fmt.Errorf("%w: instruction is for another item", state.ErrInvalidStake)
	ErrAlreadyFinal = errors.New("item already finalized")
	ErrNotFinal     = errors.New("status is not terminal")
	ErrMissingRef   = errors.New("content reference is required")
)

type Config struct {
	Origin state.DomainID
	// MinQuorumStake is the total stake that makes an item resolvable
	// before its window closes.
	MinQuorumStake uint64
	// SubmissionWindow is how long an item accepts stakes.
	SubmissionWindow time.Duration
}

// EscrowDispatcher queues the bridge message that moves a locked stake to the
// destination pool.
type EscrowDispatcher interface {
	DispatchEscrow(tx *store.Tx, stake state.Stake) (bridge.Message, error)
}

type Registry struct {
	st     *store.Store
	ledger *ledger.Ledger
	escrow EscrowDispatcher
	cfg    Config
	now    func() time.Time
}

func New(st *store.Store, l *ledger.Ledger, escrow EscrowDispatcher, cfg Config) *Registry {
	return &Registry{st: st, ledger: l, escrow: escrow, cfg: cfg, now: time.Now}
}

// WithClock replaces the wall clock, used by tests and simulations.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) Now() time.Time {
	return r.now()
}

func (r *Registry) Config() Config {
	return r.cfg
}

// Submit registers a news item in Pending status.
func (r *Registry) Submit(ref content.Ref) (state.NewsItem, error) {
	if !ref.Defined() {
		return state.NewsItem{}, ErrMissingRef
	}
	var item state.NewsItem
	err := r.st.Update(func(tx *store.Tx) error {
		seq, err := tx.Uint64(store.MakeKey(store.PrefixItemSeq))
		if err != nil {
			return err
		}
		item = state.NewsItem{
			ID:          seq + 1,
			ContentRef:  ref,
			SubmittedAt: state.TimestampOf(r.now()),
			Status:      state.StatusPending,
		}
		if err := tx.Put(store.MakeKey(store.PrefixItemSeq), item.ID); err != nil {
			return err
		}
		return tx.Put(itemKey(item.ID), item)
	})
	if err != nil {
		return state.NewsItem{}, err
	}
	log.Ledger.Info().Uint64("item", item.ID).Str("ref", ref.String()).Msg("news item submitted")
	return item, nil
}

// RecordStake verifies a signed instruction, locks the stake in the ledger,
// appends the Stake and queues its escrow message, all in one transaction.
func (r *Registry) RecordStake(newsItemID uint64, in SignedInstruction) (state.Stake, error) {
	if in.NewsItemID != newsItemID {
		return state.Stake{}, ErrItemMismatch
	}
	if !in.verify(r.cfg.Origin) {
		return state.Stake{}, ErrBadSignature
	}

	stake := state.Stake{
		Verifier:     in.Verifier(),
		NewsItemID:   newsItemID,
		Amount:       in.Amount,
		Choice:       in.Choice,
		OriginDomain: r.cfg.Origin,
	}
	err := r.st.Update(func(tx *store.Tx) error {
		item, err := r.ItemTx(tx, newsItemID)
		if err != nil {
			return err
		}
		if item.Status != state.StatusPending {
			return fmt.Errorf("%w: %d is %s", ErrNotPending, newsItemID, item.Status)
		}
		now := r.now()
		if r.windowClosed(item, now) {
			return fmt.Errorf("%w: item %d", ErrWindowClosed, newsItemID)
		}
		stake.Timestamp = state.TimestampOf(now)

		if err := r.ledger.Lock(tx, stake.Verifier, newsItemID, stake.Amount, stake.Choice); err != nil {
			return err
		}
		if err := tx.Put(stakeKey(newsItemID, stake.Verifier), stake); err != nil {
			return err
		}
		_, err = r.escrow.DispatchEscrow(tx, stake)
		return err
	})
	if err != nil {
		return state.Stake{}, err
	}

	log.Ledger.Info().
		Uint64("item", newsItemID).
		Str("verifier", stake.Verifier.String()).
		Stringer("choice", stake.Choice).
		Uint64("amount", stake.Amount).
		Msg("stake recorded")
	return stake, nil
}

// IsQuorumReachable reports whether the item may be resolved: either enough
// stake has been recorded or its submission window has closed.
func (r *Registry) IsQuorumReachable(newsItemID uint64) (bool, error) {
	var reachable bool
	err := r.st.View(func(tx *store.Tx) error {
		item, err := r.ItemTx(tx, newsItemID)
		if err != nil {
			return err
		}
		stakes, err := r.StakesTx(tx, newsItemID)
		if err != nil {
			return err
		}
		reachable, err = r.QuorumReachable(item, stakes, r.now())
		return err
	})
	return reachable, err
}

// QuorumReachable is the quorum rule over already loaded records.
func (r *Registry) QuorumReachable(item state.NewsItem, stakes []state.Stake, now time.Time) (bool, error) {
	total, err := TotalStake(stakes)
	if err != nil {
		return false, err
	}
	return total >= r.cfg.MinQuorumStake || r.windowClosed(item, now), nil
}

// HasQuorumStake reports whether the recorded stake alone meets the quorum.
func (r *Registry) HasQuorumStake(stakes []state.Stake) (bool, error) {
	total, err := TotalStake(stakes)
	if err != nil {
		return false, err
	}
	return total >= r.cfg.MinQuorumStake, nil
}

func (r *Registry) windowClosed(item state.NewsItem, now time.Time) bool {
	return !now.Before(item.SubmittedAt.Time().Add(r.cfg.SubmissionWindow))
}

// Finalize moves a Pending item to a terminal status. It is the only status
// transition and it happens once.
func (r *Registry) Finalize(tx *store.Tx, newsItemID uint64, status state.Status, at time.Time) (state.NewsItem, error) {
	if !status.IsFinal() {
		return state.NewsItem{}, fmt.Errorf("%w: %s", ErrNotFinal, status)
	}
	item, err := r.ItemTx(tx, newsItemID)
	if err != nil {
		return state.NewsItem{}, err
	}
	if item.Status != state.StatusPending {
		return state.NewsItem{}, fmt.Errorf("%w: %d is %s", ErrAlreadyFinal, newsItemID, item.Status)
	}
	item.Status = status
	item.ResolvedAt = state.TimestampOf(at)
	return item, tx.Put(itemKey(newsItemID), item)
}

// MarkSlashed sets the slash flag on a recorded stake.
func (r *Registry) MarkSlashed(tx *store.Tx, stake state.Stake) error {
	stake.Slashed = true
	return tx.Put(stakeKey(stake.NewsItemID, stake.Verifier), stake)
}

func (r *Registry) ItemTx(tx *store.Tx, newsItemID uint64) (state.NewsItem, error) {
	var item state.NewsItem
	found, err := tx.Get(itemKey(newsItemID), &item)
	if err != nil {
		return state.NewsItem{}, err
	}
	if !found {
		return state.NewsItem{}, fmt.Errorf("%w: %d", state.ErrItemNotFound, newsItemID)
	}
	return item, nil
}

// StakesTx returns the item's stakes ordered by verifier address.
func (r *Registry) StakesTx(tx *store.Tx, newsItemID uint64) ([]state.Stake, error) {
	var stakes []state.Stake
	err := tx.Iterate(store.MakeKey(store.PrefixStake, store.U64(newsItemID)), func(_, value []byte) (bool, error) {
		var s state.Stake
		if err := codec.Unmarshal(value, &s); err != nil {
			return false, err
		}
		stakes = append(stakes, s)
		return true, nil
	})
	return stakes, err
}

func (r *Registry) Item(newsItemID uint64) (state.NewsItem, error) {
	var item state.NewsItem
	err := r.st.View(func(tx *store.Tx) error {
		var err error
		item, err = r.ItemTx(tx, newsItemID)
		return err
	})
	return item, err
}

func (r *Registry) Status(newsItemID uint64) (state.Status, error) {
	item, err := r.Item(newsItemID)
	return item.Status, err
}

func (r *Registry) StakeOf(verifier crypto.Address, newsItemID uint64) (state.Stake, error) {
	var stake state.Stake
	err := r.st.View(func(tx *store.Tx) error {
		if _, err := r.ItemTx(tx, newsItemID); err != nil {
			return err
		}
		found, err := tx.Get(stakeKey(newsItemID, verifier), &stake)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s on %d", state.ErrStakeNotFound, verifier, newsItemID)
		}
		return nil
	})
	return stake, err
}

func (r *Registry) Stakes(newsItemID uint64) ([]state.Stake, error) {
	var stakes []state.Stake
	err := r.st.View(func(tx *store.Tx) error {
		if _, err := r.ItemTx(tx, newsItemID); err != nil {
			return err
		}
		var err error
		stakes, err = r.StakesTx(tx, newsItemID)
		return err
	})
	return stakes, err
}

// Items lists items in id order, optionally filtered by status.
func (r *Registry) Items(filter ...state.Status) ([]state.NewsItem, error) {
	var items []state.NewsItem
	err := r.st.View(func(tx *store.Tx) error {
		return tx.Iterate(store.MakeKey(store.PrefixItem), func(_, value []byte) (bool, error) {
			var item state.NewsItem
			if err := codec.Unmarshal(value, &item); err != nil {
				return false, err
			}
			if matches(item.Status, filter) {
				items = append(items, item)
			}
			return true, nil
		})
	})
	return items, err
}

func matches(s state.Status, filter []state.Status) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == s {
			return true
		}
	}
	return false
}

// TotalStake sums stake amounts with overflow checking.
func TotalStake(stakes []state.Stake) (uint64, error) {
	var total uint64
	for _, s := range stakes {
		var ok bool
		total, ok = safemath.Add64(total, s.Amount)
		if !ok {
			return 0, safemath.ErrOverflow
		}
	}
	return total, nil
}

func itemKey(id uint64) []byte {
	return store.MakeKey(store.PrefixItem, store.U64(id))
}

func stakeKey(newsItemID uint64, verifier crypto.Address) []byte {
	return store.MakeKey(store.PrefixStake, store.U64(newsItemID), verifier[:])
}
