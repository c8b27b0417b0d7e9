package nn

import (
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestLinearRejectsBadDims(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 0))
	if _, err := NewLinear(0, 4, rng); err == nil {
		t.Errorf("expected error for zero input width")
	}
	if _, err := NewLinear(4, -1, rng); err == nil {
		t.Errorf("expected error for negative output width")
	}
}

func TestLinearDeterministicInit(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})

	l1, err := NewLinear(3, 2, rand.New(rand.NewPCG(7, 0)))
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	l2, err := NewLinear(3, 2, rand.New(rand.NewPCG(7, 0)))
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}

	y1, err := l1.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	y2, err := l2.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !mat.Equal(y1, y2) {
		t.Errorf("same seed produced different outputs")
	}
}

func TestLinearZero(t *testing.T) {
	l, err := NewLinear(3, 2, rand.New(rand.NewPCG(1, 0)))
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	l.Zero()
	y, err := l.Forward(mat.NewDense(1, 3, []float64{1, 2, 3}))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for j := 0; j < 2; j++ {
		if got := y.At(0, j); got != 0 {
			t.Errorf("zeroed layer output[%d]: got %v, want 0", j, got)
		}
	}
}

func TestLinearWidthMismatch(t *testing.T) {
	l, err := NewLinear(3, 2, rand.New(rand.NewPCG(1, 0)))
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	if _, err := l.Forward(mat.NewDense(1, 4, nil)); err == nil {
		t.Errorf("expected error for wrong input width")
	}
}

func TestScorerZeroDiffIsZero(t *testing.T) {
	// Freshly initialized layers carry zero bias, so the score of a zero
	// difference must be exactly zero.
	s, err := NewPairwiseScorer(4, rand.New(rand.NewPCG(3, 0)))
	if err != nil {
		t.Fatalf("NewPairwiseScorer failed: %v", err)
	}
	x := mat.NewDense(2, 4, []float64{1, -2, 3, 0.5, 0, 1, 2, 3})
	scores, err := s.ScoreDiffs(x, x)
	if err != nil {
		t.Fatalf("ScoreDiffs failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if got := scores.At(i, i); got != 0 {
			t.Errorf("diagonal score %d: got %v, want 0", i, got)
		}
	}
}

func TestScorerZeroedSilencesEverything(t *testing.T) {
	s, err := NewPairwiseScorer(3, rand.New(rand.NewPCG(5, 0)))
	if err != nil {
		t.Fatalf("NewPairwiseScorer failed: %v", err)
	}
	s.Zero()
	os := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	ot := mat.NewDense(2, 3, []float64{-1, 0, 1, 2, -2, 0})
	scores, err := s.ScoreDiffs(os, ot)
	if err != nil {
		t.Fatalf("ScoreDiffs failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if got := scores.At(i, j); got != 0 {
				t.Errorf("score (%d,%d): got %v, want 0", i, j, got)
			}
		}
	}
}

func TestScorerWidthMismatch(t *testing.T) {
	s, err := NewPairwiseScorer(3, rand.New(rand.NewPCG(1, 0)))
	if err != nil {
		t.Fatalf("NewPairwiseScorer failed: %v", err)
	}
	if _, err := s.ScoreDiffs(mat.NewDense(1, 4, nil), mat.NewDense(1, 3, nil)); err == nil {
		t.Errorf("expected error for wrong source width")
	}
}

func TestIdentityEmbedder(t *testing.T) {
	e := NewIdentity(2)
	x := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	y, err := e.Embed(x, nil, nil)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if !mat.Equal(x, y) {
		t.Errorf("identity changed its input")
	}
	if _, err := e.Embed(mat.NewDense(1, 3, nil), nil, nil); err == nil {
		t.Errorf("expected error for wrong width")
	}
}

func TestGraphConvUsesStructure(t *testing.T) {
	conv, err := NewGraphConv(2, 2, false, rand.New(rand.NewPCG(11, 0)))
	if err != nil {
		t.Fatalf("NewGraphConv failed: %v", err)
	}
	x := mat.NewDense(2, 2, []float64{1, 0, 0, 1})

	withEdge, err := conv.Embed(x, [][2]int{{0, 1}}, nil)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	withoutEdge, err := conv.Embed(x, nil, nil)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	// Node 1 receives a message over the edge, node 0 does not.
	same := true
	for j := 0; j < 2; j++ {
		if withEdge.At(1, j) != withoutEdge.At(1, j) {
			same = false
		}
	}
	if same {
		t.Errorf("edge had no effect on the receiving node")
	}
	for j := 0; j < 2; j++ {
		if withEdge.At(0, j) != withoutEdge.At(0, j) {
			t.Errorf("edge affected the sending node's embedding")
		}
	}
}

func TestGraphConvEdgeWeights(t *testing.T) {
	conv, err := NewGraphConv(1, 1, false, rand.New(rand.NewPCG(2, 0)))
	if err != nil {
		t.Fatalf("NewGraphConv failed: %v", err)
	}
	x := mat.NewDense(2, 1, []float64{1, 0})
	edges := [][2]int{{0, 1}}

	unit, err := conv.Embed(x, edges, mat.NewDense(1, 1, []float64{1}))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	doubled, err := conv.Embed(x, edges, mat.NewDense(1, 1, []float64{2}))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if unit.At(1, 0) == doubled.At(1, 0) {
		t.Errorf("edge weight had no effect")
	}
}
