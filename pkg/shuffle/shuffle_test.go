package shuffle

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeighted_Shuffle(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := New(nil)
		assert.Empty(t, s.Shuffle(rand.New(rand.NewSource(1))))
	})

	t.Run("single", func(t *testing.T) {
		s := New([]uint64{25})
		assert.Equal(t, []int{0}, s.Shuffle(rand.New(rand.NewSource(1))))
	})

	t.Run("deterministic", func(t *testing.T) {
		weights := []uint64{5, 0, 90, 1, 300, 42, 0, 7}
		s := New(weights)

		first := s.Shuffle(rand.New(rand.NewSource(77)))
		second := s.Shuffle(rand.New(rand.NewSource(77)))
		assert.Equal(t, first, second)

		// A different seed gives a different order (with these weights the
		// collision probability is negligible).
		third := s.Shuffle(rand.New(rand.NewSource(78)))
		assert.NotEqual(t, first, third)
	})

	t.Run("complete", func(t *testing.T) {
		weights := []uint64{5, 0, 90, 1, 300, 42, 0, 7}
		s := New(weights)

		out := s.Shuffle(rand.New(rand.NewSource(4)))
		require.Len(t, out, len(weights))

		seen := make(map[int]bool)
		for _, i := range out {
			assert.False(t, seen[i])
			seen[i] = true
		}
	})

	t.Run("zero weights last", func(t *testing.T) {
		weights := []uint64{0, 10, 0, 10, 0}
		s := New(weights)

		for seed := int64(0); seed != 20; seed++ {
			out := s.Shuffle(rand.New(rand.NewSource(seed)))
			require.Len(t, out, 5)
			// The two positive-weight candidates must occupy the first two
			// slots.
			assert.NotZero(t, weights[out[0]])
			assert.NotZero(t, weights[out[1]])
		}
	})

	t.Run("all zero weights", func(t *testing.T) {
		s := New([]uint64{0, 0, 0})

		first := s.Shuffle(rand.New(rand.NewSource(9)))
		second := s.Shuffle(rand.New(rand.NewSource(9)))
		require.Len(t, first, 3)
		assert.Equal(t, first, second)
	})
}

func TestWeighted_First(t *testing.T) {
	t.Run("prefix of full shuffle", func(t *testing.T) {
		weights := []uint64{3, 14, 0, 15, 92, 6, 0}
		s := New(weights)

		full := s.Shuffle(rand.New(rand.NewSource(31)))
		for k := 1; k <= len(weights); k++ {
			prefix := s.First(rand.New(rand.NewSource(31)), k)
			assert.Equal(t, full[:k], prefix)
		}
	})

	t.Run("zero k", func(t *testing.T) {
		s := New([]uint64{3, 14})
		assert.Nil(t, s.First(rand.New(rand.NewSource(1)), 0))
	})

	t.Run("k exceeds candidates", func(t *testing.T) {
		s := New([]uint64{1, 2})
		out := s.First(rand.New(rand.NewSource(1)), 10)
		assert.Len(t, out, 2)
	})
}

// TestWeighted_Fairness checks the empirical selection frequency of the first
// slot converges to the weight proportions.
func TestWeighted_Fairness(t *testing.T) {
	weights := []uint64{10, 30, 60}
	s := New(weights)

	const rounds = 20000
	counts := make([]int, len(weights))
	rng := rand.New(rand.NewSource(1))
	for i := 0; i != rounds; i++ {
		out := s.First(rng, 1)
		counts[out[0]]++
	}

	for i, w := range weights {
		expected := float64(w) / 100.0
		actual := float64(counts[i]) / float64(rounds)
		// Within 2% absolute of the expected proportion.
		assert.InDelta(t, expected, actual, 0.02, "candidate %d", i)
	}
}
