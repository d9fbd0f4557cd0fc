package gossip

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// Bloom is a set-membership filter over record content hashes: no false
// negatives, bounded false-positive rate. The hash seeds travel with the
// filter so the receiver evaluates it exactly as the builder does.
type Bloom struct {
	Keys    []uint64 `codec:"keys"`
	Bits    []uint64 `codec:"bits"`
	NumBits uint64   `codec:"num_bits"`
}

const maxBloomHashes = 16

// NewBloom creates a filter sized for the expected number of items and the
// target false-positive rate, capped at maxBits. Lowering the rate grows the
// filter: request size trades against response overshoot.
func NewBloom(numItems int, falsePositiveRate float64, maxBits uint64, rng *rand.Rand) *Bloom {
	if numItems < 1 {
		numItems = 1
	}

	n := float64(numItems)
	ln2 := math.Ln2
	m := math.Ceil(-n * math.Log(falsePositiveRate) / (ln2 * ln2))
	numBits := uint64(m)
	if numBits < 64 {
		numBits = 64
	}
	if maxBits > 0 && numBits > maxBits {
		numBits = maxBits
	}

	numKeys := int(math.Round(float64(numBits) / n * ln2))
	if numKeys < 1 {
		numKeys = 1
	}
	if numKeys > maxBloomHashes {
		numKeys = maxBloomHashes
	}

	keys := make([]uint64, numKeys)
	for i := range keys {
		keys[i] = rng.Uint64()
	}

	return &Bloom{
		Keys:    keys,
		Bits:    make([]uint64, (numBits+63)/64),
		NumBits: numBits,
	}
}

func (b *Bloom) Add(h uint64) {
	for _, key := range b.Keys {
		pos := b.position(key, h)
		b.Bits[pos/64] |= 1 << (pos % 64)
	}
}

func (b *Bloom) Contains(h uint64) bool {
	for _, key := range b.Keys {
		pos := b.position(key, h)
		if b.Bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (b *Bloom) position(key, h uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], key)
	binary.LittleEndian.PutUint64(buf[8:], h)
	return xxhash.Sum64(buf[:]) % b.NumBits
}

// PullFilter summarizes the local records within one slice of the hash
// space. Mask selects the slice by its top MaskBits bits; Filter holds the
// hashes of the local records in that slice.
type PullFilter struct {
	Filter   *Bloom `codec:"filter"`
	Mask     uint64 `codec:"mask"`
	MaskBits uint32 `codec:"mask_bits"`
}

// MatchesMask reports whether the hash falls in the filter's slice of the
// hash space.
func (f *PullFilter) MatchesMask(h uint64) bool {
	if f.MaskBits == 0 {
		return true
	}
	return (h^f.Mask)>>(64-f.MaskBits) == 0
}

// BuildPullFilters partitions the given hashes into one filter per slice of
// the hash space, sized so no filter summarizes more than roughly
// maxItemsPerFilter hashes. Sharding keeps the false-positive rate from
// degrading as the table grows.
func BuildPullFilters(
	hashes []uint64,
	maxItemsPerFilter int,
	falsePositiveRate float64,
	maxBloomBits uint64,
	rng *rand.Rand,
) []PullFilter {
	if maxItemsPerFilter < 1 {
		maxItemsPerFilter = 1
	}

	var maskBits uint32
	for (len(hashes) >> maskBits) > maxItemsPerFilter {
		maskBits++
	}

	count := 1 << maskBits
	perFilter := len(hashes)/count + 1

	filters := make([]PullFilter, count)
	for i := range filters {
		var mask uint64
		if maskBits > 0 {
			mask = uint64(i) << (64 - maskBits)
		}
		filters[i] = PullFilter{
			Filter:   NewBloom(perFilter, falsePositiveRate, maxBloomBits, rng),
			Mask:     mask,
			MaskBits: maskBits,
		}
	}

	for _, h := range hashes {
		var i int
		if maskBits > 0 {
			i = int(h >> (64 - maskBits))
		}
		filters[i].Filter.Add(h)
	}

	return filters
}
