package gossip

// Shards indexes the content hashes of live records, bucketed by the top
// bits of the hash. Building or evaluating a set-difference filter that only
// covers a slice of the hash space then touches the matching buckets rather
// than the whole table.
//
// Shards is derived state owned by the table: the union of all buckets must
// equal exactly the table's live record hashes.
type Shards struct {
	bits    uint32
	buckets []map[uint64]struct{}
	count   int
}

// NewShards creates a shard index with 2^bits buckets.
func NewShards(bits uint32) *Shards {
	buckets := make([]map[uint64]struct{}, 1<<bits)
	for i := range buckets {
		buckets[i] = make(map[uint64]struct{})
	}
	return &Shards{
		bits:    bits,
		buckets: buckets,
	}
}

func (s *Shards) Insert(h uint64) {
	bucket := s.buckets[s.bucketIndex(h)]
	if _, ok := bucket[h]; ok {
		return
	}
	bucket[h] = struct{}{}
	s.count++
}

func (s *Shards) Remove(h uint64) {
	bucket := s.buckets[s.bucketIndex(h)]
	if _, ok := bucket[h]; !ok {
		return
	}
	delete(bucket, h)
	s.count--
}

// Len returns the number of indexed hashes.
func (s *Shards) Len() int {
	return s.count
}

// Hashes returns all indexed hashes.
func (s *Shards) Hashes() []uint64 {
	out := make([]uint64, 0, s.count)
	for _, bucket := range s.buckets {
		for h := range bucket {
			out = append(out, h)
		}
	}
	return out
}

// HashesMatching returns the hashes whose top maskBits bits equal those of
// mask. When maskBits does not exceed the shard bits this only reads the
// matching buckets.
func (s *Shards) HashesMatching(mask uint64, maskBits uint32) []uint64 {
	if maskBits == 0 {
		return s.Hashes()
	}

	if maskBits <= s.bits {
		// The mask covers whole buckets.
		span := 1 << (s.bits - maskBits)
		lo := int(mask>>(64-s.bits)) &^ (span - 1)

		var out []uint64
		for i := lo; i != lo+span; i++ {
			for h := range s.buckets[i] {
				out = append(out, h)
			}
		}
		return out
	}

	// The mask selects a subset of a single bucket.
	var out []uint64
	for h := range s.buckets[s.bucketIndex(mask)] {
		if (h^mask)>>(64-maskBits) == 0 {
			out = append(out, h)
		}
	}
	return out
}

func (s *Shards) bucketIndex(h uint64) int {
	if s.bits == 0 {
		return 0
	}
	return int(h >> (64 - s.bits))
}
