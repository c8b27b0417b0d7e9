package topk

import (
	"errors"
	"fmt"

	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/distance"
)

// ErrNotEnoughCandidates is returned when a search asks for more neighbors
// than the index holds. The matcher treats this as a caller error rather
// than silently clamping, so out-of-range candidate indices are impossible.
var ErrNotEnoughCandidates = errors.New("topk: k exceeds the number of indexed vectors")

// Searcher finds, for a query vector, the k indexed vectors with the largest
// dot-product similarity. Implementations must keep per-query memory at
// O(k) and must never materialize the full query-by-target score matrix.
//
// A Searcher indexes one set of vectors at a time; Build replaces any
// previous contents. Search results are ordered by decreasing similarity,
// with index ties broken ascending.
type Searcher interface {
	// Build indexes the given vectors under their slice positions.
	Build(vectors [][]float32) error
	// Search returns the local indices of the k nearest vectors.
	Search(query []float32, k int) ([]Candidate, error)
}

// Factory produces a fresh Searcher. The matcher builds one index per batch
// element per call, so backends need no cross-call state.
type Factory func() Searcher

// bruteChunk is the number of target vectors scored per chunk. Chunking
// bounds the working set without changing results.
const bruteChunk = 1024

// BruteForce is the exact backend: it scans every indexed vector, keeping
// the k best in a bounded max-heap. Memory per query is O(k).
type BruteForce struct {
	vectors [][]float32
	dot     distance.DotFuncF32
}

// NewBruteForce returns the default, exact search backend.
func NewBruteForce() *BruteForce {
	return &BruteForce{dot: distance.GetFloat32Func()}
}

// Build indexes the vectors. The slices are retained, not copied; callers
// must not mutate them while the index is in use.
func (s *BruteForce) Build(vectors [][]float32) error {
	for i := 1; i < len(vectors); i++ {
		if len(vectors[i]) != len(vectors[0]) {
			return fmt.Errorf("topk: vector %d has width %d, want %d", i, len(vectors[i]), len(vectors[0]))
		}
	}
	s.vectors = vectors
	return nil
}

// Search scans all indexed vectors chunk by chunk and returns the k most
// similar, ordered by decreasing similarity.
func (s *BruteForce) Search(query []float32, k int) ([]Candidate, error) {
	if k > len(s.vectors) {
		return nil, fmt.Errorf("%w: k=%d, indexed=%d", ErrNotEnoughCandidates, k, len(s.vectors))
	}
	best := make(maxHeap, 0, k)
	for start := 0; start < len(s.vectors); start += bruteChunk {
		end := start + bruteChunk
		if end > len(s.vectors) {
			end = len(s.vectors)
		}
		for i := start; i < end; i++ {
			d, err := s.dot(query, s.vectors[i])
			if err != nil {
				return nil, err
			}
			c := Candidate{ID: i, Distance: -d}
			if best.Len() < k {
				best.push(c)
			} else if c.Distance < best.peek().Distance {
				best.pop()
				best.push(c)
			}
		}
	}
	return best.drainSorted(), nil
}
