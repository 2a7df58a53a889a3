package resolution

import (
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
	"github.com/eigerco/truelens/pkg/codec"
)

// levelStep is the number of net correct resolutions per level.
const levelStep = 5

// Level derives a verifier's reputation level from their history. Every
// five correct resolutions raise it by one and every five incorrect ones
// lower it by one, never below 1.
func Level(correct, incorrect uint64) uint32 {
	gain, loss := correct/levelStep, incorrect/levelStep
	if gain <= loss {
		return 1
	}
	return uint32(1 + gain - loss)
}

// LoadProfile returns the verifier's profile, a fresh level 1 profile when
// they have no finalized stakes yet.
func LoadProfile(tx *store.Tx, addr crypto.Address) (state.VerifierProfile, error) {
	p := state.VerifierProfile{Address: addr, Level: 1}
	_, err := tx.Get(profileKey(addr), &p)
	return p, err
}

// LoadProfiles returns every stored profile in address order.
func LoadProfiles(tx *store.Tx) ([]state.VerifierProfile, error) {
	var out []state.VerifierProfile
	err := tx.Iterate(store.MakeKey(store.PrefixProfile), func(_, value []byte) (bool, error) {
		var p state.VerifierProfile
		if err := codec.Unmarshal(value, &p); err != nil {
			return false, err
		}
		out = append(out, p)
		return true, nil
	})
	return out, err
}

func applyToProfile(tx *store.Tx, a Allocation, decided bool) error {
	p, err := LoadProfile(tx, a.Verifier)
	if err != nil {
		return err
	}
	p.TotalStaked += a.Stake
	if decided {
		if a.Won {
			p.Correct++
			p.Earned += a.Reward
		} else {
			p.Incorrect++
			p.Slashed += a.Slash
		}
	}
	p.Level = Level(p.Correct, p.Incorrect)
	return tx.Put(profileKey(a.Verifier), p)
}

func profileKey(addr crypto.Address) []byte {
	return store.MakeKey(store.PrefixProfile, addr[:])
}
