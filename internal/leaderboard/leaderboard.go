// Package leaderboard ranks verifiers. The ranking is derived on demand from
// verifier profiles, stored resolutions and the bridge outbox; it is never
// the source of truth for anything.
package leaderboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/resolution"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
)

// Order selects the primary ranking key.
type Order string

const (
	ByReward   Order = "reward"
	ByAccuracy Order = "accuracy"
	ByStake    Order = "stake"
)

func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToLower(s)); o {
	case "":
		return ByReward, nil
	case ByReward, ByAccuracy, ByStake:
		return o, nil
	default:
		return "", fmt.Errorf("unknown leaderboard order %q", s)
	}
}

type Entry struct {
	Rank        int            `json:"rank"`
	Address     crypto.Address `json:"address"`
	Level       uint32         `json:"level"`
	TotalStaked uint64         `json:"totalStaked"`
	Correct     uint64         `json:"correct"`
	Incorrect   uint64         `json:"incorrect"`
	AccuracyBps uint64         `json:"accuracyBps"`
	Earned      uint64         `json:"earned"`
	Slashed     uint64         `json:"slashed"`
	// SettledPayout has been paid out on the destination; PendingPayout is
	// finalized locally but its settlement message is not yet delivered.
	SettledPayout uint64 `json:"settledPayout"`
	PendingPayout uint64 `json:"pendingPayout"`
}

// Outbox exposes the delivery state of bridged messages.
type Outbox interface {
	Records() ([]bridge.Record, error)
}

type Aggregator struct {
	st     *store.Store
	outbox Outbox
	cache  *gocache.Cache
}

// New returns an aggregator whose rankings are memoised for ttl.
func New(st *store.Store, outbox Outbox, ttl time.Duration) *Aggregator {
	return &Aggregator{
		st:     st,
		outbox: outbox,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// Invalidate drops memoised rankings. Called after every resolution and
// every acknowledgment.
func (a *Aggregator) Invalidate() {
	a.cache.Flush()
}

// Top returns the first limit entries in the given order; limit <= 0 returns
// all of them.
func (a *Aggregator) Top(order Order, limit int) ([]Entry, error) {
	entries, err := a.Ranking(order)
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

// Entry returns one verifier's ranked entry.
func (a *Aggregator) Entry(addr crypto.Address) (Entry, bool, error) {
	entries, err := a.Ranking(ByReward)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Address == addr {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Ranking returns every verifier with a finalized stake, ranked by order.
func (a *Aggregator) Ranking(order Order) ([]Entry, error) {
	key := string(order)
	if cached, ok := a.cache.Get(key); ok {
		return append([]Entry(nil), cached.([]Entry)...), nil
	}
	entries, err := a.compute(order)
	if err != nil {
		return nil, err
	}
	a.cache.SetDefault(key, entries)
	return append([]Entry(nil), entries...), nil
}

func (a *Aggregator) compute(order Order) ([]Entry, error) {
	var (
		profiles    []state.VerifierProfile
		resolutions []state.Resolution
	)
	err := a.st.View(func(tx *store.Tx) error {
		var err error
		if profiles, err = resolution.LoadProfiles(tx); err != nil {
			return err
		}
		resolutions, err = resolution.LoadResolutions(tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	records, err := a.outbox.Records()
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	delivered := make(map[uint64]bool, len(records))
	for _, r := range records {
		delivered[r.Message.Nonce] = r.Status == bridge.StatusDelivered
	}

	entries := make([]Entry, 0, len(profiles))
	index := make(map[crypto.Address]int, len(profiles))
	for _, p := range profiles {
		index[p.Address] = len(entries)
		entries = append(entries, Entry{
			Address:     p.Address,
			Level:       p.Level,
			TotalStaked: p.TotalStaked,
			Correct:     p.Correct,
			Incorrect:   p.Incorrect,
			AccuracyBps: p.AccuracyBps(),
			Earned:      p.Earned,
			Slashed:     p.Slashed,
		})
	}
	for _, res := range resolutions {
		for _, payout := range res.Distribution {
			i, ok := index[payout.Recipient]
			if !ok {
				continue
			}
			if delivered[res.Nonce] {
				entries[i].SettledPayout += payout.Amount
			} else {
				entries[i].PendingPayout += payout.Amount
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return less(order, entries[i], entries[j])
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func less(order Order, a, b Entry) bool {
	keys := [3][2]uint64{
		{a.Earned, b.Earned},
		{a.AccuracyBps, b.AccuracyBps},
		{a.TotalStaked, b.TotalStaked},
	}
	switch order {
	case ByAccuracy:
		keys[0], keys[1] = keys[1], keys[0]
	case ByStake:
		keys[0], keys[2] = keys[2], keys[0]
	}
	for _, k := range keys {
		if k[0] != k[1] {
			return k[0] > k[1]
		}
	}
	return a.Address.Compare(b.Address) < 0
}
