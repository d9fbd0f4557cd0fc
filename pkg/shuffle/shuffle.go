// Package shuffle implements a deterministic weighted random shuffle.
//
// Given per-candidate weights and a seeded random source, the shuffle
// produces a permutation where the probability of a candidate appearing
// earlier is proportional to its weight. The output is a pure function of
// the weights and the random source, so two nodes with the same inputs
// produce the same order.
package shuffle

import (
	"math/rand"
)

// Weighted samples candidates without replacement, biased by weight.
//
// Weighted uses a Fenwick tree over the cumulative weights so drawing the
// first K candidates costs O(K log N) rather than materializing the full
// permutation.
//
// Zero-weight candidates are never dropped. They are ordered after all
// positive-weight candidates, in an order determined by the same random
// source.
type Weighted struct {
	weights []uint64
	sum     uint64
	// zeros contains the indexes of zero-weight candidates, in input order.
	zeros []int
}

// New creates a weighted shuffle over the given weights. The candidates are
// identified by their index into weights.
func New(weights []uint64) *Weighted {
	s := &Weighted{
		weights: weights,
	}
	for i, w := range weights {
		if w == 0 {
			s.zeros = append(s.zeros, i)
		}
		s.sum += w
	}
	return s
}

// Shuffle returns the full permutation of candidate indexes.
func (s *Weighted) Shuffle(rng *rand.Rand) []int {
	return s.First(rng, len(s.weights))
}

// First returns the first k indexes of the permutation. Drawing a prefix
// consumes the same random sequence as the full shuffle, so First(rng, k)
// is always a prefix of Shuffle(rng) given an identically seeded source.
func (s *Weighted) First(rng *rand.Rand, k int) []int {
	if k > len(s.weights) {
		k = len(s.weights)
	}
	if k <= 0 {
		return nil
	}

	// Fenwick tree (1-indexed) of the remaining weights.
	tree := make([]uint64, len(s.weights)+1)
	for i, w := range s.weights {
		s.treeAdd(tree, i, w)
	}

	out := make([]int, 0, k)
	remaining := s.sum
	for remaining > 0 && len(out) < k {
		r := rng.Uint64() % remaining
		i := s.treeSelect(tree, r)
		out = append(out, i)

		w := s.weights[i]
		s.treeSub(tree, i, w)
		remaining -= w
	}

	if len(out) == k {
		return out
	}

	// Only zero-weight candidates remain. Order them with a plain
	// Fisher-Yates over the same source so the full permutation stays
	// deterministic.
	zeros := make([]int, len(s.zeros))
	copy(zeros, s.zeros)
	rng.Shuffle(len(zeros), func(i, j int) {
		zeros[i], zeros[j] = zeros[j], zeros[i]
	})
	for _, i := range zeros {
		if len(out) == k {
			break
		}
		out = append(out, i)
	}
	return out
}

func (s *Weighted) treeAdd(tree []uint64, i int, w uint64) {
	for j := i + 1; j < len(tree); j += j & (-j) {
		tree[j] += w
	}
}

func (s *Weighted) treeSub(tree []uint64, i int, w uint64) {
	for j := i + 1; j < len(tree); j += j & (-j) {
		tree[j] -= w
	}
}

// treeSelect returns the smallest index whose cumulative weight exceeds r.
func (s *Weighted) treeSelect(tree []uint64, r uint64) int {
	pos := 0
	// Largest power of two <= len(tree)-1.
	step := 1
	for step*2 < len(tree) {
		step *= 2
	}
	for ; step > 0; step /= 2 {
		next := pos + step
		if next < len(tree) && tree[next] <= r {
			r -= tree[next]
			pos = next
		}
	}
	return pos
}
