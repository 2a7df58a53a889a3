// Package settlement applies bridged messages on the destination domain.
// The pool holds escrowed stakes per item and pays them out when the item's
// settlement message arrives, strictly in nonce order.
package settlement

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/safemath"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
	"github.com/eigerco/truelens/pkg/codec"
	"github.com/eigerco/truelens/pkg/log"
)

var (
	ErrNotHalted     = errors.New("item is not halted")
	ErrUnknownPolicy = errors.New("unknown out-of-order policy")
)

// Policy decides what happens to a message whose nonce is ahead of the next
// expected one.
type Policy uint8

const (
	// PolicyReject refuses the message with state.ErrMessageOutOfOrder.
	PolicyReject Policy = iota
	// PolicyHold stores the message and applies it once the gap is filled.
	PolicyHold
)

func (p Policy) String() string {
	if p == PolicyHold {
		return "hold"
	}
	return "reject"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "reject":
		return PolicyReject, nil
	case "hold":
		return PolicyHold, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Verifier authenticates a message before it touches the ledger.
type Verifier interface {
	Verify(msg bridge.Message) error
}

// HaltRecord describes an item whose settlement was refused. It stays until
// an operator reconciles the item.
type HaltRecord struct {
	NewsItemID uint64          `json:"newsItemId"`
	Nonce      uint64          `json:"nonce"`
	Expected   uint64          `json:"expected"`
	Received   uint64          `json:"received"`
	Reason     string          `json:"reason"`
	HaltedAt   state.Timestamp `json:"haltedAt"`
}

// SettlementRecord marks an item as paid out.
type SettlementRecord struct {
	NewsItemID   uint64             `json:"newsItemId"`
	Nonce        uint64             `json:"nonce"`
	Outcome      state.Status       `json:"outcome"`
	Distribution state.Distribution `json:"distribution"`
	Reconciled   bool               `json:"reconciled"`
	SettledAt    state.Timestamp    `json:"settledAt"`
}

type Config struct {
	Domain state.DomainID
	// Origin is the only domain the pool accepts messages from.
	Origin state.DomainID
	Policy Policy
}

type Pool struct {
	st       *store.Store
	cfg      Config
	verifier Verifier
	now      func() time.Time
}

func NewPool(st *store.Store, verifier Verifier, cfg Config) *Pool {
	return &Pool{st: st, cfg: cfg, verifier: verifier, now: time.Now}
}

// WithClock replaces the wall clock used for record timestamps.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// ApplyMessage validates msg and applies it if its nonce is the next one
// expected from the origin. The returned receipt is always meaningful; the
// error mirrors receipt.Err() so local callers can use errors.Is.
//
//  1. The message must target this domain and pass the security module.
//  2. A nonce at or below the last applied one is a replay and changes nothing.
//  3. A nonce beyond the next expected one is rejected or held per Policy.
//  4. The next expected nonce is applied and any held successors drain.
//
// A settlement whose distribution disagrees with the escrow consumes its
// nonce but pays nothing; the item is halted for reconciliation.
func (p *Pool) ApplyMessage(msg bridge.Message) (bridge.Receipt, error) {
	reject := func(err error) (bridge.Receipt, error) {
		log.Bridge.Warn().Uint64("nonce", msg.Nonce).Err(err).Msg("message rejected")
		return bridge.NewReceipt(msg.Nonce, bridge.ReceiptRejected, err), err
	}

	if msg.DestDomain != p.cfg.Domain {
		return reject(fmt.Errorf("%w: %d", bridge.ErrWrongDestination, msg.DestDomain))
	}
	if msg.OriginDomain != p.cfg.Origin {
		return reject(fmt.Errorf("%w: domain %d", bridge.ErrUntrustedSender, msg.OriginDomain))
	}
	if err := p.verifier.Verify(msg); err != nil {
		return reject(err)
	}

	var (
		status  bridge.ReceiptStatus
		haltErr error
	)
	err := p.st.Update(func(tx *store.Tx) error {
		status, haltErr = bridge.ReceiptRejected, nil

		last, err := tx.Uint64(inboxKey(p.cfg.Origin))
		if err != nil {
			return err
		}
		switch {
		case msg.Nonce <= last:
			haltErr, err = p.replayed(tx, msg.Nonce, last)
			return err
		case msg.Nonce > last+1:
			if p.cfg.Policy != PolicyHold {
				haltErr = fmt.Errorf("%w: nonce %d, expected %d", state.ErrMessageOutOfOrder, msg.Nonce, last+1)
				return nil
			}
			status = bridge.ReceiptHeld
			return tx.Put(heldKey(p.cfg.Origin, msg.Nonce), msg)
		}

		status = bridge.ReceiptApplied
		haltErr, err = p.apply(tx, msg)
		if err != nil {
			return err
		}
		return p.drain(tx, msg.Nonce)
	})
	if err != nil {
		return bridge.NewReceipt(msg.Nonce, bridge.ReceiptRejected, err), err
	}

	switch {
	case status == bridge.ReceiptHeld:
		log.Bridge.Info().Uint64("nonce", msg.Nonce).Msg("message held until gap fills")
	case status == bridge.ReceiptApplied && haltErr == nil:
		log.Bridge.Info().Uint64("nonce", msg.Nonce).Stringer("kind", msg.Payload.Kind).Msg("message applied")
	default:
		log.Bridge.Warn().Uint64("nonce", msg.Nonce).Err(haltErr).Msg("message not settled")
	}
	return bridge.NewReceipt(msg.Nonce, status, haltErr), haltErr
}

// drain applies held messages that directly follow last.
func (p *Pool) drain(tx *store.Tx, last uint64) error {
	for next := last + 1; ; next++ {
		key := heldKey(p.cfg.Origin, next)
		var held bridge.Message
		found, err := tx.Get(key, &held)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if err := tx.Delete(key); err != nil {
			return err
		}
		haltErr, err := p.apply(tx, held)
		if err != nil {
			return err
		}
		if haltErr != nil {
			log.Bridge.Warn().Uint64("nonce", next).Err(haltErr).Msg("held message not settled")
		} else {
			log.Bridge.Info().Uint64("nonce", next).Msg("held message applied")
		}
	}
}

// apply consumes the message nonce and executes its payload. A non-nil
// halt error means the nonce was consumed but the item was halted; err aborts
// the whole transaction.
func (p *Pool) apply(tx *store.Tx, msg bridge.Message) (haltErr error, err error) {
	if err := tx.Put(inboxKey(msg.OriginDomain), msg.Nonce); err != nil {
		return nil, err
	}

	payload := msg.Payload
	got, totalErr := payload.Recipients.Total()
	switch payload.Kind {
	case bridge.KindEscrow:
		if totalErr != nil || len(payload.Recipients) != 1 || got != payload.RewardAmount {
			return p.halt(tx, msg, 0, "escrow amount disagrees with its recipient")
		}
		return nil, p.credit(tx, payload.NewsItemID, payload.RewardAmount)

	case bridge.KindSettlement:
		if _, settled, err := p.settlement(tx, payload.NewsItemID); err != nil || settled {
			if err != nil {
				return nil, err
			}
			return p.halt(tx, msg, 0, "item already settled")
		}
		expected, err := tx.Uint64(escrowKey(p.cfg.Origin, payload.NewsItemID))
		if err != nil {
			return nil, err
		}
		if totalErr != nil || got != payload.RewardAmount || got != expected {
			return p.halt(tx, msg, expected, fmt.Sprintf("distribution %d, reward %d, escrow %d", got, payload.RewardAmount, expected))
		}
		return nil, p.disburse(tx, SettlementRecord{
			NewsItemID:   payload.NewsItemID,
			Nonce:        msg.Nonce,
			Outcome:      payload.Outcome,
			Distribution: payload.Recipients,
		})

	default:
		return p.halt(tx, msg, 0, fmt.Sprintf("unknown payload kind %d", payload.Kind))
	}
}

func (p *Pool) credit(tx *store.Tx, newsItemID, amount uint64) error {
	if err := addTo(tx, poolKey(), amount); err != nil {
		return err
	}
	return addTo(tx, escrowKey(p.cfg.Origin, newsItemID), amount)
}

// disburse pays the distribution out of the pool and closes the item's
// escrow.
func (p *Pool) disburse(tx *store.Tx, rec SettlementRecord) error {
	total, err := rec.Distribution.Total()
	if err != nil {
		return err
	}
	for _, payout := range rec.Distribution {
		if err := addTo(tx, accountKey(payout.Recipient), payout.Amount); err != nil {
			return err
		}
	}
	balance, err := tx.Uint64(poolKey())
	if err != nil {
		return err
	}
	balance, ok := safemath.Sub64(balance, total)
	if !ok {
		return fmt.Errorf("pool underflow paying item %d: %w", rec.NewsItemID, safemath.ErrOverflow)
	}
	if err := tx.Put(poolKey(), balance); err != nil {
		return err
	}
	if err := tx.Put(escrowKey(p.cfg.Origin, rec.NewsItemID), uint64(0)); err != nil {
		return err
	}
	rec.SettledAt = state.TimestampOf(p.now())
	return tx.Put(settlementKey(p.cfg.Origin, rec.NewsItemID), rec)
}

// replayed explains a nonce that was already consumed. A nonce whose item is
// still halted reports the mismatch again so the origin never reads it as
// delivered.
func (p *Pool) replayed(tx *store.Tx, nonce, last uint64) (error, error) {
	var newsItemID uint64
	found, err := tx.Get(haltedNonceKey(p.cfg.Origin, nonce), &newsItemID)
	if err != nil {
		return nil, err
	}
	if found {
		var halt HaltRecord
		halted, err := tx.Get(haltedKey(p.cfg.Origin, newsItemID), &halt)
		if err != nil {
			return nil, err
		}
		if halted && halt.Nonce == nonce {
			return fmt.Errorf("%w: nonce %d halted item %d: %s", state.ErrSettlementMismatch, nonce, newsItemID, halt.Reason), nil
		}
	}
	return fmt.Errorf("%w: nonce %d, last applied %d", state.ErrMessageReplay, nonce, last), nil
}

func (p *Pool) halt(tx *store.Tx, msg bridge.Message, expected uint64, reason string) (error, error) {
	rec := HaltRecord{
		NewsItemID: msg.Payload.NewsItemID,
		Nonce:      msg.Nonce,
		Expected:   expected,
		Received:   msg.Payload.RewardAmount,
		Reason:     reason,
		HaltedAt:   state.TimestampOf(p.now()),
	}
	if err := tx.Put(haltedKey(p.cfg.Origin, rec.NewsItemID), rec); err != nil {
		return nil, err
	}
	if err := tx.Put(haltedNonceKey(p.cfg.Origin, msg.Nonce), rec.NewsItemID); err != nil {
		return nil, err
	}
	log.Bridge.Error().
		Uint64("nonce", msg.Nonce).
		Uint64("item", rec.NewsItemID).
		Str("reason", reason).
		Msg("settlement halted")
	return fmt.Errorf("%w: item %d: %s", state.ErrSettlementMismatch, rec.NewsItemID, reason), nil
}

// Reconcile settles a halted item with an operator-supplied distribution. The
// distribution must pay out exactly the item's escrow.
func (p *Pool) Reconcile(newsItemID uint64, distribution state.Distribution) error {
	return p.st.Update(func(tx *store.Tx) error {
		var halt HaltRecord
		found, err := tx.Get(haltedKey(p.cfg.Origin, newsItemID), &halt)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrNotHalted, newsItemID)
		}
		expected, err := tx.Uint64(escrowKey(p.cfg.Origin, newsItemID))
		if err != nil {
			return err
		}
		total, err := distribution.Total()
		if err != nil || total != expected {
			return fmt.Errorf("%w: reconcile item %d pays %d, escrow %d", state.ErrSettlementMismatch, newsItemID, total, expected)
		}
		if err := p.disburse(tx, SettlementRecord{
			NewsItemID:   newsItemID,
			Nonce:        halt.Nonce,
			Distribution: distribution,
			Reconciled:   true,
		}); err != nil {
			return err
		}
		log.Bridge.Info().Uint64("item", newsItemID).Uint64("amount", total).Msg("halted item reconciled")
		return tx.Delete(haltedKey(p.cfg.Origin, newsItemID))
	})
}

func (p *Pool) PoolBalance() (uint64, error) {
	return p.readUint64(poolKey())
}

func (p *Pool) BalanceOf(addr crypto.Address) (uint64, error) {
	return p.readUint64(accountKey(addr))
}

// Escrow returns the amount held for an item and not yet paid out.
func (p *Pool) Escrow(newsItemID uint64) (uint64, error) {
	return p.readUint64(escrowKey(p.cfg.Origin, newsItemID))
}

// LastNonce returns the last nonce applied from the origin.
func (p *Pool) LastNonce() (uint64, error) {
	return p.readUint64(inboxKey(p.cfg.Origin))
}

// Halted lists items awaiting reconciliation in item order.
func (p *Pool) Halted() ([]HaltRecord, error) {
	var out []HaltRecord
	err := p.st.View(func(tx *store.Tx) error {
		return tx.Iterate(store.MakeKey(store.PrefixHalted, store.U32(uint32(p.cfg.Origin))), func(_, value []byte) (bool, error) {
			var rec HaltRecord
			if err := codec.Unmarshal(value, &rec); err != nil {
				return false, err
			}
			out = append(out, rec)
			return true, nil
		})
	})
	return out, err
}

// Held returns the nonces waiting for an earlier message.
func (p *Pool) Held() ([]uint64, error) {
	var out []uint64
	prefix := store.MakeKey(store.PrefixHeld, store.U32(uint32(p.cfg.Origin)))
	err := p.st.View(func(tx *store.Tx) error {
		return tx.Iterate(prefix, func(key, _ []byte) (bool, error) {
			out = append(out, store.DecodeU64(key, len(prefix)))
			return true, nil
		})
	})
	return out, err
}

// Settlement returns the payout record for a settled item.
func (p *Pool) Settlement(newsItemID uint64) (SettlementRecord, bool, error) {
	var (
		rec   SettlementRecord
		found bool
	)
	err := p.st.View(func(tx *store.Tx) error {
		var err error
		rec, found, err = p.settlement(tx, newsItemID)
		return err
	})
	return rec, found, err
}

func (p *Pool) settlement(tx *store.Tx, newsItemID uint64) (SettlementRecord, bool, error) {
	var rec SettlementRecord
	found, err := tx.Get(settlementKey(p.cfg.Origin, newsItemID), &rec)
	return rec, found, err
}

func (p *Pool) readUint64(key []byte) (uint64, error) {
	var v uint64
	err := p.st.View(func(tx *store.Tx) error {
		var err error
		v, err = tx.Uint64(key)
		return err
	})
	return v, err
}

func addTo(tx *store.Tx, key []byte, amount uint64) error {
	v, err := tx.Uint64(key)
	if err != nil {
		return err
	}
	v, ok := safemath.Add64(v, amount)
	if !ok {
		return fmt.Errorf("credit %s: %w", store.PrefixToString(key[0]), safemath.ErrOverflow)
	}
	return tx.Put(key, v)
}

func inboxKey(origin state.DomainID) []byte {
	return store.MakeKey(store.PrefixInboxNonce, store.U32(uint32(origin)))
}

func heldKey(origin state.DomainID, nonce uint64) []byte {
	return store.MakeKey(store.PrefixHeld, store.U32(uint32(origin)), store.U64(nonce))
}

func poolKey() []byte {
	return store.MakeKey(store.PrefixPool)
}

func escrowKey(origin state.DomainID, newsItemID uint64) []byte {
	return store.MakeKey(store.PrefixEscrow, store.U32(uint32(origin)), store.U64(newsItemID))
}

func accountKey(addr crypto.Address) []byte {
	return store.MakeKey(store.PrefixAccount, addr[:])
}

func haltedKey(origin state.DomainID, newsItemID uint64) []byte {
	return store.MakeKey(store.PrefixHalted, store.U32(uint32(origin)), store.U64(newsItemID))
}

func haltedNonceKey(origin state.DomainID, nonce uint64) []byte {
	return store.MakeKey(store.PrefixHaltedNonce, store.U32(uint32(origin)), store.U64(nonce))
}

func settlementKey(origin state.DomainID, newsItemID uint64) []byte {
	return store.MakeKey(store.PrefixSettlement, store.U32(uint32(origin)), store.U64(newsItemID))
}
