// Package matcher implements deep graph matching consensus: a soft
// node-to-node correspondence between two graphs, initialized from a shared
// first-stage embedding and refined by a neighborhood consensus loop.
//
// Each refinement step transports random node features through the current
// correspondence estimate, re-embeds them on both graphs with a shared
// second-stage embedder, and scores the pairwise embedding discrepancies;
// the scores correct the similarity logits. A correct correspondence keeps
// transported features consistent after re-embedding, so the loop reinforces
// it without any ground truth.
package matcher

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/graph"
	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/metrics"
	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/nn"
	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/tensor"
	"github.com/mamat-jumana/deep-graph-matching-consensus/pkg/topk"
)

var (
	// ErrInvalidOptions reports a construction-time contract violation.
	ErrInvalidOptions = errors.New("matcher: invalid options")
	// ErrBatchMismatch reports source/target sides with different batch sizes.
	ErrBatchMismatch = errors.New("matcher: source and target batch sizes differ")
	// ErrDimensionMismatch reports call-time width disagreement between sides.
	ErrDimensionMismatch = errors.New("matcher: embedding widths differ between sides")
)

// Options configures a Matcher.
type Options struct {
	// NumSteps is the number of consensus refinement steps (>= 0).
	NumSteps int
	// K selects the mode: K < 1 runs the dense path over all target
	// candidates; K >= 1 restricts each source node to its K most similar
	// targets (sparse path).
	K int
	// Detach snapshots the first-stage embeddings before matching, so no
	// trainability link reaches back into the first-stage embedder.
	// Forward values are unchanged.
	Detach bool
	// Seed drives every random draw: scorer initialization and the
	// per-step random features. Calls with equal seed and inputs are
	// bit-identical.
	Seed uint64
	// Searcher builds the top-k backend for sparse mode. Nil selects the
	// exact brute-force backend.
	Searcher topk.Factory
}

// DefaultOptions mirrors the reference defaults: dense mode, ten
// refinement steps.
func DefaultOptions() Options {
	return Options{
		NumSteps: 10,
		K:        -1,
		Seed:     1,
	}
}

// Result is the output of one matching call. Init and Final are the
// correspondence estimates before and after refinement. In dense mode each
// matrix is Ns_max by Nt_max with valid rows summing to one over valid
// target columns and exact zeros elsewhere. In sparse mode each matrix is
// Ns_max by K, rows summing to one over the candidate axis, and
// CandidateIndex identifies the retained target of every candidate column.
type Result struct {
	Init  *tensor.Batched
	Final *tensor.Batched
	// CandidateIndex is nil in dense mode. CandidateIndex[b][i][c] is the
	// padded target row that candidate column c of source row i refers to;
	// rows for padded sources are nil.
	CandidateIndex [][][]int
	// SourceMask and TargetMask mark the valid rows of the two sides.
	SourceMask tensor.Mask
	TargetMask tensor.Mask
}

// Matcher owns the consensus machinery: the two embedding stages and the
// pairwise scorer. The scorer and second-stage embedder are single shared
// instances across all refinement steps and both sides. A Matcher holds no
// per-call state, so concurrent calls are safe when the embedders are
// reentrant.
type Matcher struct {
	psi1   nn.Embedder
	psi2   nn.Embedder
	scorer *nn.PairwiseScorer
	opts   Options

	sparseNoop sync.Once
}

// New builds a Matcher. Declared-width violations fail here, not at first
// use: both embedders must declare positive widths and the scorer (sized
// from psi2's output width) must be constructible.
func New(psi1, psi2 nn.Embedder, opts Options) (*Matcher, error) {
	if psi1 == nil || psi2 == nil {
		return nil, fmt.Errorf("%w: both embedding functions are required", ErrInvalidOptions)
	}
	if psi1.InDims() <= 0 || psi1.OutDims() <= 0 {
		return nil, fmt.Errorf("%w: first-stage embedder declares widths %d -> %d",
			ErrInvalidOptions, psi1.InDims(), psi1.OutDims())
	}
	if psi2.InDims() <= 0 || psi2.OutDims() <= 0 {
		return nil, fmt.Errorf("%w: second-stage embedder declares widths %d -> %d",
			ErrInvalidOptions, psi2.InDims(), psi2.OutDims())
	}
	if opts.NumSteps < 0 {
		return nil, fmt.Errorf("%w: NumSteps must be >= 0, got %d", ErrInvalidOptions, opts.NumSteps)
	}
	rng := rand.New(rand.NewPCG(opts.Seed, 0))
	scorer, err := nn.NewPairwiseScorer(psi2.OutDims(), rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return &Matcher{psi1: psi1, psi2: psi2, scorer: scorer, opts: opts}, nil
}

// Scorer exposes the owned pairwise scorer for custom initialization and
// ablations (a zeroed scorer turns refinement into the identity).
func (m *Matcher) Scorer() *nn.PairwiseScorer { return m.scorer }

// Match computes the soft correspondence from the source graph to the
// target graph. Both graphs are only read.
func (m *Matcher) Match(s, t *graph.Graph) (*Result, error) {
	start := time.Now()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	hsFlat, err := m.psi1.Embed(s.X, s.EdgeIndex, s.EdgeAttr)
	if err != nil {
		return nil, fmt.Errorf("source embedding: %w", err)
	}
	htFlat, err := m.psi1.Embed(t.X, t.EdgeIndex, t.EdgeAttr)
	if err != nil {
		return nil, fmt.Errorf("target embedding: %w", err)
	}
	if m.opts.Detach {
		hsFlat, htFlat = snapshot(hsFlat), snapshot(htFlat)
	}

	hs, err := tensor.Pack(hsFlat, s.Batch, 0)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	ht, err := tensor.Pack(htFlat, t.Batch, 0)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	if hs.Len() != ht.Len() {
		return nil, fmt.Errorf("%w: %d vs %d", ErrBatchMismatch, hs.Len(), ht.Len())
	}
	_, ds := hs.Dims()
	_, dt := ht.Dims()
	if ds != dt {
		return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, ds, dt)
	}

	var res *Result
	mode := "dense"
	if m.opts.K < 1 {
		res, err = m.matchDense(s, t, hs, ht)
	} else {
		mode = "sparse"
		res, err = m.matchSparse(hs, ht)
	}
	if err != nil {
		return nil, err
	}

	metrics.MatchesTotal.WithLabelValues(mode).Inc()
	metrics.MatchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	return res, nil
}

// snapshot copies embedding values without carrying any trainability
// metadata forward. In this non-differentiable setting that makes Detach a
// value-level no-op, but the copy still severs aliasing with the embedder's
// output.
func snapshot(x *mat.Dense) *mat.Dense {
	return mat.DenseCopyOf(x)
}

// matchDense runs the full-candidate path: raw logits from the batched
// product of the two embedding sets, then NumSteps consensus corrections.
func (m *Matcher) matchDense(s, t *graph.Graph, hs, ht *tensor.Batched) (*Result, error) {
	B := hs.Len()

	sHat := make([]*mat.Dense, B)
	for b := 0; b < B; b++ {
		var prod mat.Dense
		prod.Mul(hs.Data[b], ht.Data[b].T())
		sHat[b] = &prod
	}

	init := &tensor.Batched{Data: make([]*mat.Dense, B), Mask: hs.Mask}
	for b := 0; b < B; b++ {
		init.Data[b] = tensor.MaskedSoftmax(sHat[b], hs.Mask[b], ht.Mask[b])
	}

	rng := rand.New(rand.NewPCG(m.opts.Seed, 0))
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	rndWidth := m.psi2.InDims()
	nsMax, _ := hs.Dims()

	for step := 0; step < m.opts.NumSteps; step++ {
		// Current correspondence, recomputed from the live logits.
		rs := &tensor.Batched{Data: make([]*mat.Dense, B), Mask: hs.Mask}
		rt := &tensor.Batched{Data: make([]*mat.Dense, B), Mask: ht.Mask}
		for b := 0; b < B; b++ {
			corr := tensor.MaskedSoftmax(sHat[b], hs.Mask[b], ht.Mask[b])

			// Fresh standard-normal features for every source row,
			// padding included, drawn in a fixed order.
			r := mat.NewDense(nsMax, rndWidth, nil)
			for i := 0; i < nsMax; i++ {
				for j := 0; j < rndWidth; j++ {
					r.Set(i, j, normal.Rand())
				}
			}
			rs.Data[b] = r

			// Transport: every target row receives the mixture of source
			// features weighted by its current correspondence mass.
			var transported mat.Dense
			transported.Mul(corr.T(), r)
			rt.Data[b] = &transported
		}

		// Re-embed both sides on their own connectivity.
		outSFlat, err := m.psi2.Embed(rs.Unpack(), s.EdgeIndex, s.EdgeAttr)
		if err != nil {
			return nil, fmt.Errorf("source re-embedding: %w", err)
		}
		outTFlat, err := m.psi2.Embed(rt.Unpack(), t.EdgeIndex, t.EdgeAttr)
		if err != nil {
			return nil, fmt.Errorf("target re-embedding: %w", err)
		}
		outS, err := tensor.Pack(outSFlat, s.Batch, 0)
		if err != nil {
			return nil, err
		}
		outT, err := tensor.Pack(outTFlat, t.Batch, 0)
		if err != nil {
			return nil, err
		}

		for b := 0; b < B; b++ {
			update, err := m.scorer.ScoreDiffs(outS.Data[b], outT.Data[b])
			if err != nil {
				return nil, err
			}
			// Masked cells are forced to zero on every update so they
			// never drift away from zero contribution.
			tensor.MaskedFill(update, hs.Mask[b], ht.Mask[b], 0)
			sHat[b].Add(sHat[b], update)
		}
		metrics.RefinementStepsTotal.Inc()
	}

	final := &tensor.Batched{Data: make([]*mat.Dense, B), Mask: hs.Mask}
	for b := 0; b < B; b++ {
		final.Data[b] = tensor.MaskedSoftmax(sHat[b], hs.Mask[b], ht.Mask[b])
	}

	return &Result{
		Init:       init,
		Final:      final,
		SourceMask: hs.Mask,
		TargetMask: ht.Mask,
	}, nil
}

// matchSparse runs the restricted-candidate path: a top-k search per source
// node, then softmax over only the retained candidates. The dense score
// matrix is never materialized; per-query memory stays O(k).
func (m *Matcher) matchSparse(hs, ht *tensor.Batched) (*Result, error) {
	B := hs.Len()
	k := m.opts.K
	factory := m.opts.Searcher
	if factory == nil {
		factory = func() topk.Searcher { return topk.NewBruteForce() }
	}

	nsMax, _ := hs.Dims()
	index := make([][][]int, B)
	logits := make([]*mat.Dense, B)

	for b := 0; b < B; b++ {
		targets := validRowsF32(ht, b)

		buildStart := time.Now()
		searcher := factory()
		if err := searcher.Build(targets); err != nil {
			return nil, fmt.Errorf("batch %d: %w", b, err)
		}
		metrics.TopKBuildDuration.Observe(time.Since(buildStart).Seconds())

		index[b] = make([][]int, nsMax)
		logits[b] = mat.NewDense(nsMax, k, nil)
		for i := 0; i < nsMax; i++ {
			if !hs.Mask[b][i] {
				continue
			}
			query := rowF32(hs.Data[b], i)
			cands, err := searcher.Search(query, k)
			if err != nil {
				return nil, fmt.Errorf("batch %d, source %d: %w", b, i, err)
			}
			index[b][i] = make([]int, k)
			srcRow := hs.Data[b].RawRowView(i)
			for c, cand := range cands {
				// Valid target rows pack first, so the searcher's local
				// index is also the padded row index.
				index[b][i][c] = cand.ID
				tgtRow := ht.Data[b].RawRowView(cand.ID)
				var dot float64
				for j := range srcRow {
					dot += srcRow[j] * tgtRow[j]
				}
				logits[b].Set(i, c, dot)
			}
		}
		tensor.SoftmaxRows(logits[b], hs.Mask[b])
	}

	init := &tensor.Batched{Data: logits, Mask: hs.Mask}

	// Consensus refinement is not yet supported on the restricted candidate
	// set; the loop runs the configured number of steps without an update,
	// preserving the reference behavior.
	m.sparseNoop.Do(func() {
		if m.opts.NumSteps > 0 {
			slog.Debug("matcher: refinement not supported in sparse mode; steps perform no update",
				"num_steps", m.opts.NumSteps)
		}
	})
	for step := 0; step < m.opts.NumSteps; step++ {
		// Intentionally empty.
	}

	return &Result{
		Init:           init,
		Final:          init,
		CandidateIndex: index,
		SourceMask:     hs.Mask,
		TargetMask:     ht.Mask,
	}, nil
}

// validRowsF32 extracts the valid rows of batch element b as float32
// vectors for the search backend.
func validRowsF32(t *tensor.Batched, b int) [][]float32 {
	var out [][]float32
	for i, ok := range t.Mask[b] {
		if ok {
			out = append(out, rowF32(t.Data[b], i))
		}
	}
	return out
}

func rowF32(m *mat.Dense, i int) []float32 {
	row := m.RawRowView(i)
	out := make([]float32, len(row))
	for j, v := range row {
		out[j] = float32(v)
	}
	return out
}
