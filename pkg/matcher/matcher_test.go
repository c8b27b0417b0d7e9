package matcher

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/graph"
	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/nn"
	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/tensor"
)

const tol = 1e-9

// twoThreePair builds the hand-checkable scenario: two source nodes, three
// target nodes, features chosen so source 0 is most similar to target 1 and
// source 1 to target 2 under the dot product.
func twoThreePair() (*graph.Graph, *graph.Graph) {
	s := graph.New(mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	}), [][2]int{{0, 1}, {1, 0}}, nil)
	t := graph.New(mat.NewDense(3, 2, []float64{
		0.1, 0.1,
		1, 0.2,
		0.2, 1,
	}), [][2]int{{0, 1}, {1, 2}}, nil)
	return s, t
}

// mixedBatch builds a batch of two pairs: a trivial 1-node-to-1-node pair
// and a 2-nodes-to-3-nodes pair.
func mixedBatch() (*graph.Graph, *graph.Graph) {
	s := &graph.Graph{
		X: mat.NewDense(3, 2, []float64{
			0.5, 0.5,
			1, 0,
			0, 1,
		}),
		EdgeIndex: [][2]int{{1, 2}, {2, 1}},
		Batch:     []int{0, 1, 1},
	}
	t := &graph.Graph{
		X: mat.NewDense(4, 2, []float64{
			0.3, 0.7,
			0.1, 0.1,
			1, 0.2,
			0.2, 1,
		}),
		EdgeIndex: [][2]int{{1, 2}, {2, 3}},
		Batch:     []int{0, 1, 1, 1},
	}
	return s, t
}

func newTestMatcher(t *testing.T, opts Options) *Matcher {
	t.Helper()
	psi2, err := nn.NewGraphConv(4, 3, true, rand.New(rand.NewPCG(99, 0)))
	if err != nil {
		t.Fatalf("NewGraphConv failed: %v", err)
	}
	m, err := New(nn.NewIdentity(2), psi2, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func rowSum(m *mat.Dense, i int) float64 {
	_, cols := m.Dims()
	sum := 0.0
	for j := 0; j < cols; j++ {
		sum += m.At(i, j)
	}
	return sum
}

func TestDenseRowsAreDistributions(t *testing.T) {
	s, tg := mixedBatch()
	opts := DefaultOptions()
	opts.NumSteps = 2
	m := newTestMatcher(t, opts)

	res, err := m.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	outputs := []struct {
		name string
		data *tensor.Batched
	}{
		{"S_0", res.Init},
		{"S_L", res.Final},
	}
	for _, out := range outputs {
		for b := 0; b < out.data.Len(); b++ {
			rows, cols := out.data.Data[b].Dims()
			for i := 0; i < rows; i++ {
				if !res.SourceMask[b][i] {
					for j := 0; j < cols; j++ {
						if got := out.data.Data[b].At(i, j); got != 0 {
							t.Errorf("%s[%d] padded row %d col %d: got %v, want 0", out.name, b, i, j, got)
						}
					}
					continue
				}
				if got := rowSum(out.data.Data[b], i); math.Abs(got-1) > 1e-5 {
					t.Errorf("%s[%d] row %d sums to %v, want 1", out.name, b, i, got)
				}
				for j := 0; j < cols; j++ {
					if !res.TargetMask[b][j] {
						if got := out.data.Data[b].At(i, j); got != 0 {
							t.Errorf("%s[%d] cell (%d,%d) is padding: got %v, want 0", out.name, b, i, j, got)
						}
					}
				}
			}
		}
	}
}

func TestZeroStepsLeavesInitUntouched(t *testing.T) {
	s, tg := twoThreePair()
	opts := DefaultOptions()
	opts.NumSteps = 0
	m := newTestMatcher(t, opts)

	res, err := m.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if !mat.Equal(res.Init.Data[0], res.Final.Data[0]) {
		t.Errorf("S_L differs from S_0 with zero refinement steps:\nS_0 %v\nS_L %v",
			mat.Formatted(res.Init.Data[0]), mat.Formatted(res.Final.Data[0]))
	}
}

func TestZeroedScorerIsIdentityRefinement(t *testing.T) {
	s, tg := twoThreePair()
	opts := DefaultOptions()
	opts.NumSteps = 3
	m := newTestMatcher(t, opts)
	m.Scorer().Zero()

	res, err := m.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if !mat.Equal(res.Init.Data[0], res.Final.Data[0]) {
		t.Errorf("zeroed scorer still changed the correspondence")
	}
}

func TestDeterminism(t *testing.T) {
	s, tg := mixedBatch()
	opts := DefaultOptions()
	opts.NumSteps = 3
	opts.Seed = 42

	m1 := newTestMatcher(t, opts)
	m2 := newTestMatcher(t, opts)

	res1, err := m1.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	res2, err := m2.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	// Same seed, same inputs: bit-identical output, across instances.
	for b := 0; b < res1.Final.Len(); b++ {
		if !mat.Equal(res1.Final.Data[b], res2.Final.Data[b]) {
			t.Errorf("batch %d: two identically seeded matchers disagree", b)
		}
	}

	// And across repeated calls on one instance.
	res3, err := m1.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	for b := 0; b < res1.Final.Len(); b++ {
		if !mat.Equal(res1.Final.Data[b], res3.Final.Data[b]) {
			t.Errorf("batch %d: repeated call on one matcher disagrees", b)
		}
	}
}

func TestMaskingIsolation(t *testing.T) {
	// The 2x3 pair computed alone must match its block inside a batch that
	// also contains an unrelated pair.
	sAlone, tAlone := twoThreePair()
	sBatch, tBatch := mixedBatch()

	opts := DefaultOptions()
	opts.NumSteps = 0
	m := newTestMatcher(t, opts)

	alone, err := m.Match(sAlone, tAlone)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	batched, err := m.Match(sBatch, tBatch)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	// The pair is batch element 1 in the mixed batch.
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			got := batched.Init.Data[1].At(i, j)
			want := alone.Init.Data[0].At(i, j)
			if math.Abs(got-want) > tol {
				t.Errorf("cell (%d,%d): batched %v, alone %v", i, j, got, want)
			}
		}
	}
}

func TestSparseDenseAgreementAtFullK(t *testing.T) {
	s, tg := twoThreePair()

	denseOpts := DefaultOptions()
	denseOpts.NumSteps = 0
	dense := newTestMatcher(t, denseOpts)
	denseRes, err := dense.Match(s, tg)
	if err != nil {
		t.Fatalf("dense Match failed: %v", err)
	}

	sparseOpts := DefaultOptions()
	sparseOpts.NumSteps = 0
	sparseOpts.K = 3 // the full target count
	sparse := newTestMatcher(t, sparseOpts)
	sparseRes, err := sparse.Match(s, tg)
	if err != nil {
		t.Fatalf("sparse Match failed: %v", err)
	}
	if sparseRes.CandidateIndex == nil {
		t.Fatalf("sparse result carries no candidate index")
	}

	for i := 0; i < 2; i++ {
		for c := 0; c < 3; c++ {
			j := sparseRes.CandidateIndex[0][i][c]
			got := sparseRes.Init.Data[0].At(i, c)
			want := denseRes.Init.Data[0].At(i, j)
			if math.Abs(got-want) > tol {
				t.Errorf("source %d candidate %d (target %d): sparse %v, dense %v", i, c, j, got, want)
			}
		}
	}
}

func TestInitialArgmaxMatchesGeometry(t *testing.T) {
	s, tg := twoThreePair()
	opts := DefaultOptions()
	opts.NumSteps = 0
	m := newTestMatcher(t, opts)

	res, err := m.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	wantArgmax := []int{1, 2}
	for i, want := range wantArgmax {
		best, bestVal := -1, math.Inf(-1)
		for j := 0; j < 3; j++ {
			if v := res.Init.Data[0].At(i, j); v > bestVal {
				best, bestVal = j, v
			}
		}
		if best != want {
			t.Errorf("source %d: argmax at target %d, want %d", i, best, want)
		}
	}
}

func TestTrivialPairIsCertain(t *testing.T) {
	s, tg := mixedBatch()
	opts := DefaultOptions()
	opts.NumSteps = 2
	m := newTestMatcher(t, opts)

	res, err := m.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	// Batch element 0 is the 1x1 pair: probability exactly 1, whatever the
	// rest of the batch does.
	for _, out := range []*mat.Dense{res.Init.Data[0], res.Final.Data[0]} {
		if got := out.At(0, 0); got != 1 {
			t.Errorf("trivial pair probability: got %v, want exactly 1", got)
		}
		rows, cols := out.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				if i == 0 && j == 0 {
					continue
				}
				if got := out.At(i, j); got != 0 {
					t.Errorf("trivial pair padding (%d,%d): got %v, want 0", i, j, got)
				}
			}
		}
	}
}

func TestDetachDoesNotChangeValues(t *testing.T) {
	s, tg := twoThreePair()

	plain := newTestMatcher(t, Options{NumSteps: 2, K: -1, Seed: 3})
	detached := newTestMatcher(t, Options{NumSteps: 2, K: -1, Seed: 3, Detach: true})

	resPlain, err := plain.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	resDetached, err := detached.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if !mat.Equal(resPlain.Final.Data[0], resDetached.Final.Data[0]) {
		t.Errorf("detach changed forward values")
	}
}

func TestSparseRefinementIsNoOp(t *testing.T) {
	s, tg := twoThreePair()
	opts := DefaultOptions()
	opts.NumSteps = 5
	opts.K = 2
	m := newTestMatcher(t, opts)

	res, err := m.Match(s, tg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if !mat.Equal(res.Init.Data[0], res.Final.Data[0]) {
		t.Errorf("sparse refinement modified the correspondence")
	}
	for i := 0; i < 2; i++ {
		if got := rowSum(res.Init.Data[0], i); math.Abs(got-1) > 1e-5 {
			t.Errorf("sparse row %d sums to %v, want 1", i, got)
		}
	}
}

func TestSparseKTooLargeFails(t *testing.T) {
	s, tg := twoThreePair()
	opts := DefaultOptions()
	opts.K = 4 // only three targets exist
	m := newTestMatcher(t, opts)

	if _, err := m.Match(s, tg); err == nil {
		t.Errorf("expected error when k exceeds the target count")
	}
}

func TestBatchSizeMismatch(t *testing.T) {
	s, _ := twoThreePair()
	// Target side with two graphs against a single-graph source.
	tg := &graph.Graph{
		X:     mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		Batch: []int{0, 1},
	}
	m := newTestMatcher(t, DefaultOptions())
	if _, err := m.Match(s, tg); !errors.Is(err, ErrBatchMismatch) {
		t.Errorf("got %v, want ErrBatchMismatch", err)
	}
}

func TestConstructionFailures(t *testing.T) {
	psi2, err := nn.NewGraphConv(4, 3, true, rand.New(rand.NewPCG(1, 0)))
	if err != nil {
		t.Fatalf("NewGraphConv failed: %v", err)
	}

	if _, err := New(nil, psi2, DefaultOptions()); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("nil psi1: got %v, want ErrInvalidOptions", err)
	}
	if _, err := New(nn.NewIdentity(2), nil, DefaultOptions()); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("nil psi2: got %v, want ErrInvalidOptions", err)
	}
	opts := DefaultOptions()
	opts.NumSteps = -1
	if _, err := New(nn.NewIdentity(2), psi2, opts); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("negative steps: got %v, want ErrInvalidOptions", err)
	}
	if _, err := New(nn.NewIdentity(0), psi2, DefaultOptions()); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("zero-width psi1: got %v, want ErrInvalidOptions", err)
	}
}

func TestInvalidGraphSurfaces(t *testing.T) {
	m := newTestMatcher(t, DefaultOptions())
	bad := &graph.Graph{
		X:         mat.NewDense(2, 2, nil),
		EdgeIndex: [][2]int{{0, 5}},
		Batch:     []int{0, 0},
	}
	_, good := twoThreePair()
	if _, err := m.Match(bad, good); !errors.Is(err, graph.ErrInvalidGraph) {
		t.Errorf("got %v, want ErrInvalidGraph", err)
	}
}
