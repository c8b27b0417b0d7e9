// Package graph defines the input representation consumed by the matcher:
// a node feature matrix, an edge list over the flat node numbering, optional
// edge features, and a batch-assignment vector that places every node into
// one graph of a batch.
//
// Graphs are owned by the caller; the matcher only reads them.
package graph

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidGraph wraps all structural validation failures.
var ErrInvalidGraph = errors.New("invalid graph")

// Graph holds a batch of graphs in flat form. Nodes of all graphs are stacked
// into one feature matrix; Batch[i] tells which graph node i belongs to.
// Edge endpoints index the flat node numbering and never cross graphs.
type Graph struct {
	// X is the node feature matrix, one row per node.
	X *mat.Dense
	// EdgeIndex lists directed edges as [source, target] pairs of flat
	// node indices. An undirected edge is stored as two directed ones.
	EdgeIndex [][2]int
	// EdgeAttr optionally carries one feature row per edge. Nil when the
	// graphs have no edge features.
	EdgeAttr *mat.Dense
	// Batch assigns each node to a graph index within the batch. It must
	// be non-negative and non-decreasing so the packing scheme stays
	// order-preserving.
	Batch []int
}

// New builds a single-graph batch: every node is assigned to graph 0.
func New(x *mat.Dense, edgeIndex [][2]int, edgeAttr *mat.Dense) *Graph {
	n, _ := x.Dims()
	return &Graph{
		X:         x,
		EdgeIndex: edgeIndex,
		EdgeAttr:  edgeAttr,
		Batch:     make([]int, n),
	}
}

// NumNodes returns the total node count across the batch.
func (g *Graph) NumNodes() int {
	if g.X == nil {
		return 0
	}
	n, _ := g.X.Dims()
	return n
}

// NumGraphs returns the number of graphs in the batch, i.e. max(Batch)+1.
func (g *Graph) NumGraphs() int {
	if len(g.Batch) == 0 {
		return 0
	}
	return g.Batch[len(g.Batch)-1] + 1
}

// Sizes returns the node count of every graph in the batch.
func (g *Graph) Sizes() []int {
	sizes := make([]int, g.NumGraphs())
	for _, b := range g.Batch {
		sizes[b]++
	}
	return sizes
}

// Validate checks the structural invariants the matcher relies on. It must
// be called (directly or through the matcher) before any computation.
func (g *Graph) Validate() error {
	if g.X == nil {
		return fmt.Errorf("%w: nil node feature matrix", ErrInvalidGraph)
	}
	n, _ := g.X.Dims()
	if len(g.Batch) != n {
		return fmt.Errorf("%w: batch vector has %d entries for %d nodes", ErrInvalidGraph, len(g.Batch), n)
	}
	prev := 0
	for i, b := range g.Batch {
		if b < 0 {
			return fmt.Errorf("%w: negative batch index %d at node %d", ErrInvalidGraph, b, i)
		}
		if b < prev {
			return fmt.Errorf("%w: batch vector decreases at node %d (%d after %d)", ErrInvalidGraph, i, b, prev)
		}
		prev = b
	}
	for i, e := range g.EdgeIndex {
		u, v := e[0], e[1]
		if u < 0 || u >= n || v < 0 || v >= n {
			return fmt.Errorf("%w: edge %d endpoints (%d,%d) out of range [0,%d)", ErrInvalidGraph, i, u, v, n)
		}
		if g.Batch[u] != g.Batch[v] {
			return fmt.Errorf("%w: edge %d crosses graphs (%d in graph %d, %d in graph %d)",
				ErrInvalidGraph, i, u, g.Batch[u], v, g.Batch[v])
		}
	}
	if g.EdgeAttr != nil {
		rows, _ := g.EdgeAttr.Dims()
		if rows != len(g.EdgeIndex) {
			return fmt.Errorf("%w: %d edge attribute rows for %d edges", ErrInvalidGraph, rows, len(g.EdgeIndex))
		}
	}
	return nil
}
