package resolution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/state"
)

var (
	addrA = crypto.Address{0x0a}
	addrB = crypto.Address{0x0b}
	addrC = crypto.Address{0x0c}
)

func stake(addr crypto.Address, choice state.Choice, amount uint64) state.Stake {
	return state.Stake{Verifier: addr, Choice: choice, Amount: amount}
}

func TestAllocate(t *testing.T) {
	tests := []struct {
		name     string
		stakes   []state.Stake
		outcome  state.Status
		slashBps uint64
		want     state.Distribution
	}{
		{
			name: "verified, losers slashed half, dust to largest winner",
			stakes: []state.Stake{
				stake(addrC, state.ChoiceFlag, 12),
				stake(addrA, state.ChoiceVerify, 50),
				stake(addrB, state.ChoiceVerify, 38),
			},
			outcome:  state.StatusVerified,
			slashBps: 5000,
			// pool 6: A floor(300/88)=3, B floor(228/88)=2, dust 1 to A
			want: state.Distribution{
				{Recipient: addrA, Amount: 54},
				{Recipient: addrB, Amount: 40},
				{Recipient: addrC, Amount: 6},
			},
		},
		{
			name: "flagged, dust tie goes to lowest address",
			stakes: []state.Stake{
				stake(addrB, state.ChoiceFlag, 10),
				stake(addrA, state.ChoiceFlag, 10),
				stake(addrC, state.ChoiceVerify, 3),
			},
			outcome:  state.StatusFlagged,
			slashBps: state.BasisPoints,
			// pool 3: each floor(1.5)=1, dust 1 to A
			want: state.Distribution{
				{Recipient: addrA, Amount: 12},
				{Recipient: addrB, Amount: 11},
			},
		},
		{
			name: "expired returns everything",
			stakes: []state.Stake{
				stake(addrA, state.ChoiceFlag, 7),
				stake(addrB, state.ChoiceVerify, 9),
			},
			outcome:  state.StatusExpired,
			slashBps: 5000,
			want: state.Distribution{
				{Recipient: addrA, Amount: 7},
				{Recipient: addrB, Amount: 9},
			},
		},
		{
			name: "no slash",
			stakes: []state.Stake{
				stake(addrA, state.ChoiceFlag, 7),
				stake(addrB, state.ChoiceVerify, 9),
			},
			outcome:  state.StatusVerified,
			slashBps: 0,
			want: state.Distribution{
				{Recipient: addrA, Amount: 7},
				{Recipient: addrB, Amount: 9},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			allocs, err := Allocate(tc.stakes, tc.outcome, tc.slashBps)
			require.NoError(t, err)
			dist := DistributionOf(allocs)
			assert.Equal(t, tc.want, dist)

			var staked uint64
			for _, s := range tc.stakes {
				staked += s.Amount
			}
			total, err := dist.Total()
			require.NoError(t, err)
			assert.Equal(t, staked, total, "payouts must equal the locked total")
		})
	}
}

func TestAllocateRejectsImpossibleInputs(t *testing.T) {
	_, err := Allocate([]state.Stake{stake(addrA, state.ChoiceFlag, 5)}, state.StatusVerified, 5000)
	assert.ErrorIs(t, err, ErrNoWinners)

	_, err = Allocate(nil, state.StatusVerified, state.BasisPoints+1)
	assert.Error(t, err)
}

func TestLevel(t *testing.T) {
	tests := []struct {
		correct, incorrect uint64
		want               uint32
	}{
		{0, 0, 1},
		{4, 0, 1},
		{5, 0, 2},
		{12, 0, 3},
		{12, 5, 2},
		{5, 10, 1},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Level(tc.correct, tc.incorrect), "correct=%d incorrect=%d", tc.correct, tc.incorrect)
	}
}
