package resolution

import (
	"errors"
	"fmt"
	"sort"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/safemath"
	"github.com/eigerco/truelens/internal/state"
)

var ErrNoWinners = errors.New("slashed stake with no winning stake to receive it")

// Allocation is what one staker gets back from a resolved item.
type Allocation struct {
	Verifier crypto.Address
	Stake    uint64
	// Won is false for losers and for every staker of an expired item.
	Won bool
	// Reward is the winner's share of the slashed pool.
	Reward uint64
	// Slash is the amount forfeited by a loser.
	Slash uint64
}

// Payout is the amount returned to the staker.
func (a Allocation) Payout() uint64 {
	return a.Stake + a.Reward - a.Slash
}

// Allocate splits the item's stakes according to the outcome:
//
//  1. Expired: every stake is returned in full.
//  2. Losers forfeit floor(stake * slashBps / 10000).
//  3. Winners receive their stake plus floor(pool * stake / winningStake) of
//     the forfeited pool.
//  4. Rounding dust goes to the largest winner, the lowest address on ties.
//
// The allocations are ordered by verifier address and their payouts always
// sum to the total stake.
func Allocate(stakes []state.Stake, outcome state.Status, slashBps uint64) ([]Allocation, error) {
	if slashBps > state.BasisPoints {
		return nil, fmt.Errorf("slash %d bps exceeds %d", slashBps, state.BasisPoints)
	}
	allocs := make([]Allocation, len(stakes))
	for i, s := range stakes {
		allocs[i] = Allocation{Verifier: s.Verifier, Stake: s.Amount}
	}
	sort.Slice(allocs, func(i, j int) bool {
		return allocs[i].Verifier.Compare(allocs[j].Verifier) < 0
	})

	winning, decided := state.WinningChoice(outcome)
	if !decided {
		return allocs, nil
	}

	choices := make(map[crypto.Address]state.Choice, len(stakes))
	for _, s := range stakes {
		choices[s.Verifier] = s.Choice
	}

	var pool, winningStake uint64
	for i := range allocs {
		a := &allocs[i]
		if choices[a.Verifier] == winning {
			a.Won = true
			var ok bool
			if winningStake, ok = safemath.Add64(winningStake, a.Stake); !ok {
				return nil, safemath.ErrOverflow
			}
			continue
		}
		slash, err := safemath.MulDiv64(a.Stake, slashBps, state.BasisPoints)
		if err != nil {
			return nil, err
		}
		a.Slash = slash
		pool += slash // bounded by the total stake
	}
	if pool == 0 {
		return allocs, nil
	}
	if winningStake == 0 {
		return nil, ErrNoWinners
	}

	var (
		paid    uint64
		largest = -1
	)
	for i := range allocs {
		a := &allocs[i]
		if !a.Won {
			continue
		}
		share, err := safemath.MulDiv64(pool, a.Stake, winningStake)
		if err != nil {
			return nil, err
		}
		a.Reward = share
		paid += share
		// strict comparison keeps the lowest address among equals
		if largest < 0 || a.Stake > allocs[largest].Stake {
			largest = i
		}
	}
	allocs[largest].Reward += pool - paid
	return allocs, nil
}

// DistributionOf converts allocations into payouts, leaving out zero amounts.
func DistributionOf(allocs []Allocation) state.Distribution {
	dist := make(state.Distribution, 0, len(allocs))
	for _, a := range allocs {
		if amount := a.Payout(); amount > 0 {
			dist = append(dist, state.Payout{Recipient: a.Verifier, Amount: amount})
		}
	}
	return dist
}
