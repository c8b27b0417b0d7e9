package topk

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/distance"
)

// hnswNode is one vector in the HNSW graph: its stored form and its
// neighbor lists, one per layer. connections[0] is the base layer.
type hnswNode struct {
	vecF32      []float32
	vecF16      []uint16
	connections [][]int
}

// HNSWOptions tunes the approximate backend.
type HNSWOptions struct {
	// M is the max number of connections per node per layer (default 16).
	M int
	// EfConstruction is the candidate-list size while inserting (default 200).
	EfConstruction int
	// EfSearch is the candidate-list size while querying. Zero means
	// max(EfConstruction, k).
	EfSearch int
	// Precision selects float32 or float16 vector storage.
	Precision distance.PrecisionType
	// Seed drives level sampling, keeping index construction reproducible.
	Seed uint64
}

// HNSW is the approximate backend: a hierarchical navigable small world
// graph over the indexed vectors. It trades exactness for sublinear search
// on large target sets; it satisfies the same Searcher contract as
// BruteForce, so swapping backends is not an observable API change.
//
// An HNSW instance serves one Build/Search cycle and is not safe for
// concurrent use; the matcher creates one per batch element per call.
type HNSW struct {
	m              int
	mMax0          int
	efConstruction int
	efSearch       int
	ml             float64
	precision      distance.PrecisionType

	nodes      []*hnswNode
	entrypoint int
	maxLevel   int
	rng        *rand.Rand
	visited    *bitSet

	dotF32 distance.DotFuncF32
	dotF16 distance.DotFuncF16
}

// NewHNSW creates an empty index. Invalid option values are rejected here,
// not at first search.
func NewHNSW(opts HNSWOptions) (*HNSW, error) {
	if opts.M <= 0 {
		opts.M = 16
	}
	if opts.EfConstruction <= 0 {
		opts.EfConstruction = 200
	}
	if opts.Precision == "" {
		opts.Precision = distance.Float32
	}
	if err := distance.ValidatePrecision(opts.Precision); err != nil {
		return nil, err
	}
	return &HNSW{
		m:              opts.M,
		mMax0:          opts.M * 2, // double m at layer 0, the usual heuristic
		efConstruction: opts.EfConstruction,
		efSearch:       opts.EfSearch,
		ml:             1.0 / math.Log(float64(opts.M)),
		precision:      opts.Precision,
		maxLevel:       -1,
		rng:            rand.New(rand.NewPCG(opts.Seed, 0)),
		dotF32:         distance.GetFloat32Func(),
		dotF16:         distance.GetFloat16Func(),
	}, nil
}

// NewHNSWFactory returns a Factory producing identically configured indexes.
func NewHNSWFactory(opts HNSWOptions) Factory {
	return func() Searcher {
		h, err := NewHNSW(opts)
		if err != nil {
			// Options are validated by the caller before the factory is
			// installed; reaching this means a programming error.
			panic(err)
		}
		return h
	}
}

// Build indexes the vectors under their slice positions.
func (h *HNSW) Build(vectors [][]float32) error {
	h.nodes = make([]*hnswNode, 0, len(vectors))
	h.entrypoint = 0
	h.maxLevel = -1
	h.visited = newBitSet(len(vectors))
	for i, v := range vectors {
		if len(v) != len(vectors[0]) {
			return fmt.Errorf("topk: vector %d has width %d, want %d", i, len(v), len(vectors[0]))
		}
		if err := h.add(v); err != nil {
			return err
		}
	}
	return nil
}

// distanceToNode scores the query against a stored node.
func (h *HNSW) distanceToNode(query []float32, n *hnswNode) (float64, error) {
	if h.precision == distance.Float16 {
		d, err := h.dotF16(distance.EncodeFloat16(query), n.vecF16)
		return -d, err
	}
	d, err := h.dotF32(query, n.vecF32)
	return -d, err
}

func (h *HNSW) distanceBetweenNodes(a, b *hnswNode) (float64, error) {
	if h.precision == distance.Float16 {
		d, err := h.dotF16(a.vecF16, b.vecF16)
		return -d, err
	}
	d, err := h.dotF32(a.vecF32, b.vecF32)
	return -d, err
}

// randomLevel samples a layer from the exponentially decaying distribution.
func (h *HNSW) randomLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 && level < h.maxLevel+1 {
		level++
	}
	return level
}

func (h *HNSW) add(vector []float32) error {
	node := &hnswNode{}
	switch h.precision {
	case distance.Float16:
		node.vecF16 = distance.EncodeFloat16(vector)
	default:
		node.vecF32 = vector
	}
	id := len(h.nodes)
	h.nodes = append(h.nodes, node)

	level := h.randomLevel()
	node.connections = make([][]int, level+1)

	if h.maxLevel == -1 {
		h.entrypoint = id
		h.maxLevel = 0
		node.connections = make([][]int, 1)
		return nil
	}

	// Greedy descent through the upper layers.
	entry := h.entrypoint
	for l := h.maxLevel; l > level; l-- {
		nearest, err := h.searchLayer(vector, entry, 1, l, 1)
		if err != nil {
			return err
		}
		if len(nearest) > 0 {
			entry = nearest[0].ID
		}
	}

	for l := minInt(level, h.maxLevel); l >= 0; l-- {
		neighbors, err := h.searchLayer(vector, entry, h.efConstruction, l, h.efConstruction)
		if err != nil {
			return err
		}
		maxConns := h.m
		if l == 0 {
			maxConns = h.mMax0
		}
		selected := h.selectNeighbors(neighbors, maxConns)

		node.connections[l] = make([]int, len(selected))
		for i, c := range selected {
			node.connections[l][i] = c.ID
		}

		// Backlinks, pruning the worst connection when a neighbor is full.
		for _, c := range selected {
			nb := h.nodes[c.ID]
			if l > len(nb.connections)-1 {
				continue
			}
			conns := nb.connections[l]
			if len(conns) < maxConns {
				nb.connections[l] = append(conns, id)
				continue
			}
			worstDist := -1.0
			worstIdx := -1
			for i, nid := range conns {
				d, err := h.distanceBetweenNodes(nb, h.nodes[nid])
				if err != nil {
					return err
				}
				if d > worstDist {
					worstDist = d
					worstIdx = i
				}
			}
			distToNew, err := h.distanceBetweenNodes(nb, node)
			if err != nil {
				return err
			}
			if distToNew < worstDist && worstIdx != -1 {
				nb.connections[l][worstIdx] = id
			}
		}
		if len(neighbors) > 0 {
			entry = neighbors[0].ID
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entrypoint = id
	}
	return nil
}

// Search descends from the top layer to the base layer and returns the k
// nearest indexed vectors.
func (h *HNSW) Search(query []float32, k int) ([]Candidate, error) {
	if k > len(h.nodes) {
		return nil, fmt.Errorf("%w: k=%d, indexed=%d", ErrNotEnoughCandidates, k, len(h.nodes))
	}
	if h.maxLevel == -1 {
		return nil, nil
	}
	entry := h.entrypoint
	for l := h.maxLevel; l > 0; l-- {
		nearest, err := h.searchLayer(query, entry, 1, l, 1)
		if err != nil {
			return nil, err
		}
		if len(nearest) == 0 {
			return nil, fmt.Errorf("topk: search failed at level %d", l)
		}
		entry = nearest[0].ID
	}
	ef := h.efSearch
	if ef < k {
		ef = k
	}
	results, err := h.searchLayer(query, entry, k, 0, ef)
	if err != nil {
		return nil, err
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// searchLayer is the ef-bounded best-first traversal of one layer.
func (h *HNSW) searchLayer(query []float32, entry, k, level, efSearch int) ([]Candidate, error) {
	ef := efSearch
	if ef < k {
		ef = k
	}

	h.visited.clear()
	candidates := make(minHeap, 0, ef)
	results := make(maxHeap, 0, ef)

	entryNode := h.nodes[entry]
	d, err := h.distanceToNode(query, entryNode)
	if err != nil {
		return nil, err
	}
	ep := Candidate{ID: entry, Distance: d}
	candidates.push(ep)
	results.push(ep)
	h.visited.add(entry)

	for candidates.Len() > 0 {
		current := candidates.pop()
		// No path through this candidate can beat the worst retained
		// result once the frontier is farther than all of them.
		if results.Len() >= ef && current.Distance > results.peek().Distance {
			break
		}
		node := h.nodes[current.ID]
		if level >= len(node.connections) {
			continue
		}
		for _, nid := range node.connections[level] {
			if h.visited.has(nid) {
				continue
			}
			h.visited.add(nid)
			d, err := h.distanceToNode(query, h.nodes[nid])
			if err != nil {
				return nil, err
			}
			if results.Len() < ef || d < results.peek().Distance {
				c := Candidate{ID: nid, Distance: d}
				candidates.push(c)
				results.push(c)
				if results.Len() > ef {
					results.pop()
				}
			}
		}
	}

	out := results.drainSorted()
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// selectNeighbors implements the diversity heuristic from the HNSW paper:
// a candidate is kept only if it is closer to the query than to every
// already-selected neighbor. Discards backfill any remaining slots so nodes
// never end up weakly connected.
func (h *HNSW) selectNeighbors(candidates []Candidate, m int) []Candidate {
	if len(candidates) <= m {
		return candidates
	}
	results := make([]Candidate, 0, m)
	discarded := make([]Candidate, 0, m)
	for _, e := range candidates {
		if len(results) >= m {
			break
		}
		good := true
		for _, r := range results {
			d, err := h.distanceBetweenNodes(h.nodes[e.ID], h.nodes[r.ID])
			if err != nil || d < e.Distance {
				good = false
				break
			}
		}
		if good {
			results = append(results, e)
		} else {
			discarded = append(discarded, e)
		}
	}
	for _, c := range discarded {
		if len(results) >= m {
			break
		}
		results = append(results, c)
	}
	return results
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
