package topk

// bitSet tracks visited node IDs during an HNSW traversal. Cheaper than a
// map for the dense, small ID space the index assigns.
type bitSet struct {
	buckets []uint64
}

func newBitSet(capacity int) *bitSet {
	return &bitSet{buckets: make([]uint64, capacity>>6+1)}
}

func (bs *bitSet) add(n int) {
	bucket := n >> 6
	if bucket >= len(bs.buckets) {
		grown := make([]uint64, bucket+1)
		copy(grown, bs.buckets)
		bs.buckets = grown
	}
	bs.buckets[bucket] |= 1 << (n & 63)
}

func (bs *bitSet) has(n int) bool {
	bucket := n >> 6
	if bucket >= len(bs.buckets) {
		return false
	}
	return bs.buckets[bucket]&(1<<(n&63)) != 0
}

func (bs *bitSet) clear() {
	for i := range bs.buckets {
		bs.buckets[i] = 0
	}
}
