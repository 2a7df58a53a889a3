// Package resolution finalizes news items. Once quorum is reachable it
// decides the outcome from the staked amounts, slashes the losing side,
// releases the locked pool and queues the settlement message, all in the
// same store transaction.
package resolution

import (
	"errors"
	"fmt"
	"time"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/ledger"
	"github.com/eigerco/truelens/internal/registry"
	"github.com/eigerco/truelens/internal/safemath"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
	"github.com/eigerco/truelens/pkg/codec"
	"github.com/eigerco/truelens/pkg/log"
)

var ErrInvalidThreshold = errors.New("removal threshold must be below 10000 bps")

const (
	DefaultRemovalThresholdBps = 9000
	DefaultSlashBps            = 5000
)

type Config struct {
	// RemovalThresholdBps is the flag ratio an item must exceed to be
	// Flagged.
	RemovalThresholdBps uint64
	// SlashBps is the fraction of a losing stake that is forfeited.
	SlashBps uint64
}

func (c Config) Validate() error {
	if c.RemovalThresholdBps >= state.BasisPoints {
		return fmt.Errorf("%w: %d", ErrInvalidThreshold, c.RemovalThresholdBps)
	}
	if c.SlashBps > state.BasisPoints {
		return fmt.Errorf("slash %d bps exceeds %d", c.SlashBps, state.BasisPoints)
	}
	return nil
}

// Dispatcher queues the settlement message of a finalized item.
type Dispatcher interface {
	Dispatch(tx *store.Tx, newsItemID uint64, outcome state.Status, distribution state.Distribution) (bridge.Message, error)
}

type Engine struct {
	st         *store.Store
	registry   *registry.Registry
	ledger     *ledger.Ledger
	dispatcher Dispatcher
	cfg        Config
}

func NewEngine(st *store.Store, reg *registry.Registry, l *ledger.Ledger, d Dispatcher, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{st: st, registry: reg, ledger: l, dispatcher: d, cfg: cfg}, nil
}

// Decide computes the outcome for a set of stakes. It returns Expired when
// the stake falls short of the quorum; otherwise the item is Flagged iff
// flag/(flag+verify) exceeds the removal threshold.
func (e *Engine) Decide(stakes []state.Stake) (outcome state.Status, verify, flag, ratioBps uint64, err error) {
	for _, s := range stakes {
		var ok bool
		switch s.Choice {
		case state.ChoiceVerify:
			verify, ok = safemath.Add64(verify, s.Amount)
		case state.ChoiceFlag:
			flag, ok = safemath.Add64(flag, s.Amount)
		default:
			return 0, 0, 0, 0, fmt.Errorf("stake by %s has choice %s", s.Verifier, s.Choice)
		}
		if !ok {
			return 0, 0, 0, 0, safemath.ErrOverflow
		}
	}
	total, ok := safemath.Add64(verify, flag)
	if !ok {
		return 0, 0, 0, 0, safemath.ErrOverflow
	}
	if total > 0 {
		if ratioBps, err = safemath.MulDiv64(flag, state.BasisPoints, total); err != nil {
			return 0, 0, 0, 0, err
		}
	}

	quorum, err := e.registry.HasQuorumStake(stakes)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	switch {
	case !quorum || total == 0:
		outcome = state.StatusExpired
	case safemath.MulGreater(flag, state.BasisPoints, e.cfg.RemovalThresholdBps, total):
		outcome = state.StatusFlagged
	default:
		outcome = state.StatusVerified
	}
	return outcome, verify, flag, ratioBps, nil
}

// Resolve finalizes the item if quorum is reachable. It returns
// state.ErrQuorumNotReached, with nothing changed, when it is not. Resolving
// an already finalized item returns the stored resolution.
func (e *Engine) Resolve(newsItemID uint64) (state.Resolution, error) {
	var (
		res   state.Resolution
		fresh bool
	)
	err := e.st.Update(func(tx *store.Tx) error {
		found, err := tx.Get(resolutionKey(newsItemID), &res)
		if err != nil || found {
			return err
		}

		item, err := e.registry.ItemTx(tx, newsItemID)
		if err != nil {
			return err
		}
		stakes, err := e.registry.StakesTx(tx, newsItemID)
		if err != nil {
			return err
		}
		now := e.registry.Now()
		reachable, err := e.registry.QuorumReachable(item, stakes, now)
		if err != nil {
			return err
		}
		if !reachable {
			return fmt.Errorf("%w: item %d", state.ErrQuorumNotReached, newsItemID)
		}

		res, err = e.finalize(tx, item, stakes, now)
		fresh = err == nil
		return err
	})
	if err != nil {
		return state.Resolution{}, err
	}
	if fresh {
		log.Ledger.Info().
			Uint64("item", newsItemID).
			Stringer("outcome", res.Outcome).
			Uint64("verify", res.StakeVerify).
			Uint64("flag", res.StakeFlag).
			Uint64("flagRatioBps", res.FlagRatioBps).
			Uint64("nonce", res.Nonce).
			Msg("news item resolved")
	}
	return res, nil
}

func (e *Engine) finalize(tx *store.Tx, item state.NewsItem, stakes []state.Stake, now time.Time) (state.Resolution, error) {
	outcome, verify, flag, ratio, err := e.Decide(stakes)
	if err != nil {
		return state.Resolution{}, err
	}
	allocs, err := Allocate(stakes, outcome, e.cfg.SlashBps)
	if err != nil {
		return state.Resolution{}, err
	}
	dist := DistributionOf(allocs)

	if _, err := e.registry.Finalize(tx, item.ID, outcome, now); err != nil {
		return state.Resolution{}, err
	}

	slashed := make(map[crypto.Address]bool, len(allocs))
	for _, a := range allocs {
		slashed[a.Verifier] = a.Slash > 0
		if err := applyToProfile(tx, a, outcome != state.StatusExpired); err != nil {
			return state.Resolution{}, err
		}
	}
	for _, s := range stakes {
		if !slashed[s.Verifier] {
			continue
		}
		if err := e.registry.MarkSlashed(tx, s); err != nil {
			return state.Resolution{}, err
		}
	}

	if err := e.ledger.Release(tx, item.ID, dist); err != nil {
		return state.Resolution{}, err
	}
	msg, err := e.dispatcher.Dispatch(tx, item.ID, outcome, dist)
	if err != nil {
		return state.Resolution{}, err
	}

	res := state.Resolution{
		NewsItemID:   item.ID,
		Outcome:      outcome,
		StakeVerify:  verify,
		StakeFlag:    flag,
		FlagRatioBps: ratio,
		Distribution: dist,
		ResolvedAt:   state.TimestampOf(now),
		Nonce:        msg.Nonce,
	}
	return res, tx.Put(resolutionKey(item.ID), res)
}

// ResolveDue attempts every Pending item and returns the ones it finalized.
// Items still short of quorum are skipped.
func (e *Engine) ResolveDue() ([]state.Resolution, error) {
	pending, err := e.registry.Items(state.StatusPending)
	if err != nil {
		return nil, err
	}
	var (
		resolved []state.Resolution
		errs     []error
	)
	for _, item := range pending {
		res, err := e.Resolve(item.ID)
		switch {
		case errors.Is(err, state.ErrQuorumNotReached):
		case err != nil:
			errs = append(errs, fmt.Errorf("resolve item %d: %w", item.ID, err))
		default:
			resolved = append(resolved, res)
		}
	}
	return resolved, errors.Join(errs...)
}

// Resolution returns the stored outcome of a finalized item.
func (e *Engine) Resolution(newsItemID uint64) (state.Resolution, bool, error) {
	var (
		res   state.Resolution
		found bool
	)
	err := e.st.View(func(tx *store.Tx) error {
		var err error
		found, err = tx.Get(resolutionKey(newsItemID), &res)
		return err
	})
	return res, found, err
}

// Resolutions returns every stored outcome in item order.
func (e *Engine) Resolutions() ([]state.Resolution, error) {
	var out []state.Resolution
	err := e.st.View(func(tx *store.Tx) error {
		var err error
		out, err = LoadResolutions(tx)
		return err
	})
	return out, err
}

// LoadResolutions reads every stored outcome in item order.
func LoadResolutions(tx *store.Tx) ([]state.Resolution, error) {
	var out []state.Resolution
	err := tx.Iterate(store.MakeKey(store.PrefixResolution), func(_, value []byte) (bool, error) {
		var res state.Resolution
		if err := codec.Unmarshal(value, &res); err != nil {
			return false, err
		}
		out = append(out, res)
		return true, nil
	})
	return out, err
}

func resolutionKey(newsItemID uint64) []byte {
	return store.MakeKey(store.PrefixResolution, store.U64(newsItemID))
}
