// Package merkle keeps an append-only Merkle mountain range. The origin
// appends every dispatched message digest to one range per route and
// publishes its root as the outbox checkpoint.
package merkle

import (
	"github.com/eigerco/truelens/internal/crypto"
)

var peakPrefix = []byte("peak")

// MMR holds one optional peak per height; Peaks[n] covers 2^n leaves.
type MMR struct {
	Count uint64
	Peaks []*crypto.Hash
}

// Append adds a leaf, merging equal-height peaks upwards.
func (m *MMR) Append(leaf crypto.Hash) {
	m.Peaks = placePeak(m.Peaks, &leaf, 0)
	m.Count++
}

// Root folds the present peaks into a single hash. An empty range has the
// zero root and a single peak is its own root.
func (m MMR) Root() crypto.Hash {
	var present []crypto.Hash
	for _, p := range m.Peaks {
		if p != nil {
			present = append(present, *p)
		}
	}
	return superPeak(present)
}

func placePeak(peaks []*crypto.Hash, item *crypto.Hash, position int) []*crypto.Hash {
	if position >= len(peaks) {
		return append(peaks, item)
	}
	if peaks[position] == nil {
		return replacePeakAt(peaks, position, item)
	}

	combined := make([]byte, 0, 2*crypto.HashSize)
	combined = append(combined, peaks[position][:]...)
	combined = append(combined, item[:]...)
	hash := crypto.HashData(combined)
	return placePeak(replacePeakAt(peaks, position, nil), &hash, position+1)
}

func replacePeakAt(peaks []*crypto.Hash, index int, value *crypto.Hash) []*crypto.Hash {
	out := make([]*crypto.Hash, len(peaks))
	copy(out, peaks)
	out[index] = value
	return out
}

// superPeak hashes "peak" ~ fold(lower peaks) ~ highest peak.
func superPeak(peaks []crypto.Hash) crypto.Hash {
	switch len(peaks) {
	case 0:
		return crypto.Hash{}
	case 1:
		return peaks[0]
	}
	last := peaks[len(peaks)-1]
	rest := superPeak(peaks[:len(peaks)-1])

	data := make([]byte, 0, len(peakPrefix)+2*crypto.HashSize)
	data = append(data, peakPrefix...)
	data = append(data, rest[:]...)
	data = append(data, last[:]...)
	return crypto.HashData(data)
}
