package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/merkle"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
	"github.com/eigerco/truelens/pkg/codec"
	"github.com/eigerco/truelens/pkg/log"
)

var (
	ErrUnknownMessage = errors.New("unknown message nonce")
	ErrHalted         = errors.New("message halted pending reconciliation")
	ErrNotFailed      = errors.New("only failed messages can be retried")
	ErrNotHalted      = errors.New("message is not halted")
)

// Status is the delivery state of an outbox record.
type Status uint8

const (
	StatusSent Status = iota + 1
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range []Status{StatusSent, StatusDelivered, StatusFailed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown message status %q", text)
}

// Record is the outbox entry tracking one message.
type Record struct {
	Message    Message         `json:"message"`
	Status     Status          `json:"status"`
	Attempts   uint32          `json:"attempts"`
	Halted     bool            `json:"halted"`
	HaltReason string          `json:"haltReason,omitempty"`
	CreatedAt  state.Timestamp `json:"createdAt"`
	UpdatedAt  state.Timestamp `json:"updatedAt"`
}

// Config identifies the bridge route a Messenger dispatches on.
type Config struct {
	Origin      state.DomainID
	Destination state.DomainID
	// Sender is the origin mailbox address, Recipient the destination pool.
	Sender    crypto.Address
	Recipient crypto.Address
	// Validators sign every dispatched message.
	Validators []crypto.Signer
}

// Messenger packages outcomes into nonce-ordered messages and tracks their
// delivery. Dispatch only writes the outbox; moving messages is the relay's
// job.
type Messenger struct {
	st  *store.Store
	cfg Config
	now func() time.Time
}

func NewMessenger(st *store.Store, cfg Config) *Messenger {
	return &Messenger{st: st, cfg: cfg, now: time.Now}
}

// WithClock replaces the wall clock used for record timestamps.
func (m *Messenger) WithClock(now func() time.Time) *Messenger {
	m.now = now
	return m
}

func (m *Messenger) Route() (origin, destination state.DomainID) {
	return m.cfg.Origin, m.cfg.Destination
}

// Dispatch queues the settlement message for a finalized item inside the
// caller's transaction and returns it with its nonce assigned.
func (m *Messenger) Dispatch(tx *store.Tx, newsItemID uint64, outcome state.Status, distribution state.Distribution) (Message, error) {
	total, err := distribution.Total()
	if err != nil {
		return Message{}, fmt.Errorf("dispatch item %d: %w", newsItemID, err)
	}
	return m.dispatch(tx, Payload{
		Kind:         KindSettlement,
		NewsItemID:   newsItemID,
		Outcome:      outcome,
		RewardAmount: total,
		Recipients:   distribution,
	})
}

// DispatchEscrow queues the message moving a locked stake into the
// destination pool.
func (m *Messenger) DispatchEscrow(tx *store.Tx, stake state.Stake) (Message, error) {
	return m.dispatch(tx, Payload{
		Kind:         KindEscrow,
		NewsItemID:   stake.NewsItemID,
		Outcome:      state.StatusPending,
		RewardAmount: stake.Amount,
		Recipients:   state.Distribution{{Recipient: stake.Verifier, Amount: stake.Amount}},
	})
}

func (m *Messenger) dispatch(tx *store.Tx, payload Payload) (Message, error) {
	nonceKey := m.nonceKey()
	last, err := tx.Uint64(nonceKey)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		Nonce:        last + 1,
		OriginDomain: m.cfg.Origin,
		DestDomain:   m.cfg.Destination,
		Sender:       m.cfg.Sender,
		Recipient:    m.cfg.Recipient,
		Payload:      payload,
	}
	if err := msg.Sign(m.cfg.Validators...); err != nil {
		return Message{}, err
	}

	now := state.TimestampOf(m.now())
	rec := Record{
		Message:   msg,
		Status:    StatusSent,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Put(m.recordKey(msg.Nonce), rec); err != nil {
		return Message{}, err
	}
	if err := tx.Put(nonceKey, msg.Nonce); err != nil {
		return Message{}, err
	}
	if err := m.appendCheckpoint(tx, msg); err != nil {
		return Message{}, err
	}

	log.Bridge.Debug().
		Uint64("nonce", msg.Nonce).
		Stringer("kind", payload.Kind).
		Uint64("item", payload.NewsItemID).
		Uint64("amount", payload.RewardAmount).
		Msg("message dispatched")
	return msg, nil
}

// OnAcknowledge marks the message Delivered. Acknowledging twice is a no-op.
func (m *Messenger) OnAcknowledge(nonce uint64) error {
	return m.update(nonce, func(rec *Record) (bool, error) {
		if rec.Status == StatusDelivered {
			return false, nil
		}
		rec.Status = StatusDelivered
		log.Bridge.Info().Uint64("nonce", nonce).Uint32("attempts", rec.Attempts).Msg("message delivered")
		return true, nil
	})
}

// OnTimeout marks a Sent message Failed so the relay retries it. A late
// timeout for a message already delivered or failed changes nothing.
func (m *Messenger) OnTimeout(nonce uint64) error {
	return m.update(nonce, func(rec *Record) (bool, error) {
		if rec.Status != StatusSent {
			return false, nil
		}
		rec.Status = StatusFailed
		log.Bridge.Warn().Uint64("nonce", nonce).Uint32("attempts", rec.Attempts).Msg("message delivery failed")
		return true, nil
	})
}

// Retry puts a Failed message back in flight under its original nonce and
// returns it unchanged.
func (m *Messenger) Retry(nonce uint64) (Message, error) {
	var msg Message
	err := m.update(nonce, func(rec *Record) (bool, error) {
		msg = rec.Message
		if rec.Halted {
			return false, fmt.Errorf("%w: nonce %d", ErrHalted, nonce)
		}
		if rec.Status != StatusFailed {
			return false, fmt.Errorf("%w: nonce %d is %s", ErrNotFailed, nonce, rec.Status)
		}
		rec.Status = StatusSent
		rec.Attempts++
		return true, nil
	})
	return msg, err
}

// OnHalt records that the destination refused to settle the message. Halted
// messages are left for manual reconciliation and never retried.
func (m *Messenger) OnHalt(nonce uint64, reason string) error {
	return m.update(nonce, func(rec *Record) (bool, error) {
		if rec.Halted {
			return false, nil
		}
		rec.Halted = true
		rec.HaltReason = reason
		if rec.Status == StatusSent {
			rec.Status = StatusFailed
		}
		log.Bridge.Error().Uint64("nonce", nonce).Str("reason", reason).Msg("message halted")
		return true, nil
	})
}

// Resume returns a halted message to the relay queue as Failed. Operators call
// it once the destination item has been reconciled; the redelivery then comes
// back as a replay and the message is acknowledged. If the destination still
// holds the item halted, the relay halts it again.
func (m *Messenger) Resume(nonce uint64) error {
	return m.update(nonce, func(rec *Record) (bool, error) {
		if !rec.Halted {
			return false, fmt.Errorf("%w: nonce %d", ErrNotHalted, nonce)
		}
		rec.Halted = false
		rec.HaltReason = ""
		if rec.Status == StatusSent {
			rec.Status = StatusFailed
		}
		log.Bridge.Info().Uint64("nonce", nonce).Msg("halted message resumed")
		return true, nil
	})
}

func (m *Messenger) update(nonce uint64, fn func(rec *Record) (bool, error)) error {
	return m.st.Update(func(tx *store.Tx) error {
		key := m.recordKey(nonce)
		var rec Record
		found, err := tx.Get(key, &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrUnknownMessage, nonce)
		}
		changed, err := fn(&rec)
		if err != nil || !changed {
			return err
		}
		rec.UpdatedAt = state.TimestampOf(m.now())
		return tx.Put(key, rec)
	})
}

// Record returns the outbox entry for nonce.
func (m *Messenger) Record(nonce uint64) (Record, error) {
	var rec Record
	err := m.st.View(func(tx *store.Tx) error {
		found, err := tx.Get(m.recordKey(nonce), &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrUnknownMessage, nonce)
		}
		return nil
	})
	return rec, err
}

// Records returns every outbox entry in nonce order.
func (m *Messenger) Records() ([]Record, error) {
	return m.collect(func(Record) bool { return true })
}

// Pending returns the Sent and Failed messages that are not halted, in nonce
// order. This is the relay's work queue.
func (m *Messenger) Pending() ([]Record, error) {
	return m.collect(func(rec Record) bool {
		return !rec.Halted && rec.Status != StatusDelivered
	})
}

func (m *Messenger) collect(keep func(Record) bool) ([]Record, error) {
	var out []Record
	err := m.st.View(func(tx *store.Tx) error {
		return tx.Iterate(m.routePrefix(store.PrefixOutbox), func(_, value []byte) (bool, error) {
			var rec Record
			if err := codec.Unmarshal(value, &rec); err != nil {
				return false, err
			}
			if keep(rec) {
				out = append(out, rec)
			}
			return true, nil
		})
	})
	return out, err
}

// LastNonce returns the most recently assigned nonce on the route.
func (m *Messenger) LastNonce() (uint64, error) {
	var n uint64
	err := m.st.View(func(tx *store.Tx) error {
		var err error
		n, err = tx.Uint64(m.nonceKey())
		return err
	})
	return n, err
}

// Checkpoint is the Merkle mountain range root over every message dispatched
// on the route, in nonce order. Count equals the last dispatched nonce.
type Checkpoint struct {
	Count uint64
	Root  crypto.Hash
}

func (m *Messenger) appendCheckpoint(tx *store.Tx, msg Message) error {
	digest, err := msg.Digest()
	if err != nil {
		return err
	}
	var tree merkle.MMR
	if _, err := tx.Get(m.treeKey(), &tree); err != nil {
		return err
	}
	tree.Append(digest)
	return tx.Put(m.treeKey(), tree)
}

// Checkpoint returns the current outbox checkpoint.
func (m *Messenger) Checkpoint() (Checkpoint, error) {
	var tree merkle.MMR
	err := m.st.View(func(tx *store.Tx) error {
		_, err := tx.Get(m.treeKey(), &tree)
		return err
	})
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{Count: tree.Count, Root: tree.Root()}, nil
}

func (m *Messenger) routePrefix(prefix byte) []byte {
	return store.MakeKey(prefix, store.U32(uint32(m.cfg.Origin)), store.U32(uint32(m.cfg.Destination)))
}

func (m *Messenger) nonceKey() []byte {
	return m.routePrefix(store.PrefixOutboxNonce)
}

func (m *Messenger) treeKey() []byte {
	return m.routePrefix(store.PrefixOutboxTree)
}

func (m *Messenger) recordKey(nonce uint64) []byte {
	return append(m.routePrefix(store.PrefixOutbox), store.U64(nonce)...)
}
