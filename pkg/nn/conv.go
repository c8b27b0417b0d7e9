package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Identity passes node features through unchanged. Useful when inputs are
// already embedded, and as the structure-blind baseline in tests.
type Identity struct {
	dims int
}

// NewIdentity returns the pass-through embedder for the given width.
func NewIdentity(dims int) *Identity { return &Identity{dims: dims} }

func (e *Identity) InDims() int  { return e.dims }
func (e *Identity) OutDims() int { return e.dims }

// Embed returns x unchanged.
func (e *Identity) Embed(x *mat.Dense, _ [][2]int, _ *mat.Dense) (*mat.Dense, error) {
	_, d := x.Dims()
	if d != e.dims {
		return nil, fmt.Errorf("nn: identity embedder got width %d, want %d", d, e.dims)
	}
	return x, nil
}

// GraphConv is a minimal message-passing embedder:
//
//	out_i = relu(W_self·x_i + W_neigh·Σ_{j→i} w_ij·x_j)
//
// where w_ij is the edge weight (1, or the edge attribute when it is a
// single column). It is deliberately simple; callers with a real GNN plug
// it in through the Embedder interface instead.
type GraphConv struct {
	self  *Linear
	neigh *Linear
	in    int
	out   int
	relu  bool
}

// NewGraphConv creates the layer with Glorot-initialized weights from rng.
func NewGraphConv(in, out int, relu bool, rng *rand.Rand) (*GraphConv, error) {
	self, err := NewLinear(in, out, rng)
	if err != nil {
		return nil, err
	}
	neigh, err := NewLinear(in, out, rng)
	if err != nil {
		return nil, err
	}
	return &GraphConv{self: self, neigh: neigh, in: in, out: out, relu: relu}, nil
}

func (e *GraphConv) InDims() int  { return e.in }
func (e *GraphConv) OutDims() int { return e.out }

// Reset re-initializes both weight matrices from rng.
func (e *GraphConv) Reset(rng *rand.Rand) {
	e.self.Reset(rng)
	e.neigh.Reset(rng)
}

// Embed runs one round of message passing over the flat node set.
func (e *GraphConv) Embed(x *mat.Dense, edgeIndex [][2]int, edgeAttr *mat.Dense) (*mat.Dense, error) {
	n, d := x.Dims()
	if d != e.in {
		return nil, fmt.Errorf("nn: graph conv got width %d, want %d", d, e.in)
	}

	weighted := edgeAttr != nil
	if weighted {
		if _, cols := edgeAttr.Dims(); cols != 1 {
			// Multi-column edge features carry no single weight; treat
			// the graph as unweighted.
			weighted = false
		}
	}

	// Aggregate incoming neighbor features.
	agg := mat.NewDense(n, d, nil)
	for idx, edge := range edgeIndex {
		src, dst := edge[0], edge[1]
		w := 1.0
		if weighted {
			w = edgeAttr.At(idx, 0)
		}
		for j := 0; j < d; j++ {
			agg.Set(dst, j, agg.At(dst, j)+w*x.At(src, j))
		}
	}

	selfOut, err := e.self.Forward(x)
	if err != nil {
		return nil, err
	}
	neighOut, err := e.neigh.Forward(agg)
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(n, e.out, nil)
	out.Add(selfOut, neighOut)
	if e.relu {
		out.Apply(func(_, _ int, v float64) float64 {
			if v < 0 {
				return 0
			}
			return v
		}, out)
	}
	return out, nil
}
