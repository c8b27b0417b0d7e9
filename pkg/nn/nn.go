// Package nn defines the embedding contract the matcher is parameterized
// with, plus the small trainable pieces the matcher owns itself: a dense
// linear layer and the two-layer scorer that turns pairwise embedding
// differences into similarity corrections.
//
// The embedding networks proper are external collaborators; this package
// only fixes their interface and ships two reference implementations (see
// conv.go) so the matcher is usable out of the box.
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Embedder is a graph-aware function producing one vector per node. The
// node features arrive in flat stacked form together with the edge list over
// the same flat numbering; implementations must be reentrant, since a
// matcher may be invoked concurrently from independent calls.
type Embedder interface {
	// Embed maps node features to embeddings using the graph connectivity.
	// edgeAttr may be nil. The returned matrix has OutDims columns and one
	// row per input row.
	Embed(x *mat.Dense, edgeIndex [][2]int, edgeAttr *mat.Dense) (*mat.Dense, error)
	// InDims is the feature width Embed expects.
	InDims() int
	// OutDims is the embedding width Embed produces.
	OutDims() int
}

// Linear is a dense layer: y = x·Wᵀ + b.
type Linear struct {
	weight *mat.Dense // out×in
	bias   []float64  // out
	in     int
	out    int
}

// NewLinear creates a layer with Glorot-uniform weights drawn from rng and
// zero bias.
func NewLinear(in, out int, rng *rand.Rand) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("nn: linear layer dims must be positive, got %d -> %d", in, out)
	}
	l := &Linear{
		weight: mat.NewDense(out, in, nil),
		bias:   make([]float64, out),
		in:     in,
		out:    out,
	}
	l.Reset(rng)
	return l, nil
}

// Reset re-draws the Glorot-uniform initialization from rng.
func (l *Linear) Reset(rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(l.in+l.out))
	for i := 0; i < l.out; i++ {
		for j := 0; j < l.in; j++ {
			l.weight.Set(i, j, (rng.Float64()*2-1)*limit)
		}
		l.bias[i] = 0
	}
}

// Zero clears all parameters. A zeroed layer maps everything to zero, which
// is how callers silence the consensus update in ablations and tests.
func (l *Linear) Zero() {
	l.weight.Zero()
	for i := range l.bias {
		l.bias[i] = 0
	}
}

// Forward applies the layer to every row of x.
func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, error) {
	n, d := x.Dims()
	if d != l.in {
		return nil, fmt.Errorf("nn: linear layer got width %d, want %d", d, l.in)
	}
	out := mat.NewDense(n, l.out, nil)
	out.Mul(x, l.weight.T())
	for i := 0; i < n; i++ {
		for j := 0; j < l.out; j++ {
			out.Set(i, j, out.At(i, j)+l.bias[j])
		}
	}
	return out, nil
}

// PairwiseScorer maps the difference of two node embeddings to one scalar:
// Linear(d→d), ReLU, Linear(d→1). One scorer instance is shared across all
// refinement steps and both sides of a matching.
type PairwiseScorer struct {
	hidden *Linear
	out    *Linear
	dims   int
}

// NewPairwiseScorer creates the scorer for embedding width dims.
func NewPairwiseScorer(dims int, rng *rand.Rand) (*PairwiseScorer, error) {
	hidden, err := NewLinear(dims, dims, rng)
	if err != nil {
		return nil, err
	}
	out, err := NewLinear(dims, 1, rng)
	if err != nil {
		return nil, err
	}
	return &PairwiseScorer{hidden: hidden, out: out, dims: dims}, nil
}

// Dims is the embedding width the scorer expects.
func (s *PairwiseScorer) Dims() int { return s.dims }

// Reset re-initializes both layers from rng.
func (s *PairwiseScorer) Reset(rng *rand.Rand) {
	s.hidden.Reset(rng)
	s.out.Reset(rng)
}

// Zero clears all parameters, making every score exactly zero.
func (s *PairwiseScorer) Zero() {
	s.hidden.Zero()
	s.out.Zero()
}

// ScoreDiffs scores every pairwise difference between the rows of os and ot:
// result[i][j] = scorer(os_i − ot_j). The Ns×Nt×d difference tensor is never
// materialized; because the hidden layer is linear, its projections of the
// two sides are computed once per side and combined per pair.
func (s *PairwiseScorer) ScoreDiffs(os, ot *mat.Dense) (*mat.Dense, error) {
	ns, d := os.Dims()
	nt, dt := ot.Dims()
	if d != s.dims || dt != s.dims {
		return nil, fmt.Errorf("nn: scorer got widths %d/%d, want %d", d, dt, s.dims)
	}

	// hidden(os_i − ot_j) = relu(proj(os)_i − proj(ot)_j + b).
	projS := mat.NewDense(ns, s.dims, nil)
	projS.Mul(os, s.hidden.weight.T())
	projT := mat.NewDense(nt, s.dims, nil)
	projT.Mul(ot, s.hidden.weight.T())

	scores := mat.NewDense(ns, nt, nil)
	outW := s.out.weight.RawRowView(0)
	for i := 0; i < ns; i++ {
		rowS := projS.RawRowView(i)
		for j := 0; j < nt; j++ {
			rowT := projT.RawRowView(j)
			sum := s.out.bias[0]
			for k := 0; k < s.dims; k++ {
				h := rowS[k] - rowT[k] + s.hidden.bias[k]
				if h > 0 {
					sum += outW[k] * h
				}
			}
			scores.Set(i, j, sum)
		}
	}
	return scores, nil
}
