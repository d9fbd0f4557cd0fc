package gossip

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShards_InsertRemove(t *testing.T) {
	shards := NewShards(4)

	shards.Insert(1)
	shards.Insert(2)
	shards.Insert(2)
	assert.Equal(t, 2, shards.Len())

	shards.Remove(2)
	shards.Remove(2)
	assert.Equal(t, 1, shards.Len())

	assert.Equal(t, []uint64{1}, shards.Hashes())
}

func TestShards_HashesMatching(t *testing.T) {
	// matching returns the reference answer: a linear scan.
	matching := func(hashes []uint64, mask uint64, maskBits uint32) []uint64 {
		var out []uint64
		for _, h := range hashes {
			if maskBits == 0 || (h^mask)>>(64-maskBits) == 0 {
				out = append(out, h)
			}
		}
		return out
	}

	rng := rand.New(rand.NewSource(7))

	hashes := make([]uint64, 1000)
	for i := range hashes {
		hashes[i] = rng.Uint64()
	}

	for _, bits := range []uint32{0, 4, 8} {
		shards := NewShards(bits)
		for _, h := range hashes {
			shards.Insert(h)
		}

		// Cover masks both coarser and finer than the bucket width.
		for _, maskBits := range []uint32{0, 1, 4, 8, 12} {
			for trial := 0; trial != 20; trial++ {
				mask := rng.Uint64()

				want := matching(hashes, mask, maskBits)
				got := shards.HashesMatching(mask, maskBits)

				sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
				sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

				require.Equal(
					t, want, got,
					"bits=%d maskBits=%d mask=%x", bits, maskBits, mask,
				)
			}
		}
	}
}

func TestShards_PartitionCoversAll(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	shards := NewShards(6)
	for i := 0; i != 500; i++ {
		shards.Insert(rng.Uint64())
	}

	// Unioning every slice of the hash space at a fixed mask width must
	// return each hash exactly once.
	const maskBits = 3
	var union []uint64
	for i := uint64(0); i != 1<<maskBits; i++ {
		union = append(union, shards.HashesMatching(i<<(64-maskBits), maskBits)...)
	}

	all := shards.Hashes()
	sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	assert.Equal(t, all, union)
}
