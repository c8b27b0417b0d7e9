// Package tensor implements the padded batching adapter and the masked
// reductions used throughout the matcher.
//
// Graphs of unequal size share one batch by padding every per-graph block to
// a common row count and carrying a validity mask alongside the data. Every
// reduction in this package consumes the mask explicitly; padded cells are
// never read, whatever fill value they hold.
package tensor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrBadBatchVector reports a batch-assignment vector the packer cannot use.
var ErrBadBatchVector = errors.New("bad batch vector")

// Mask marks which rows of a padded batch are real. Mask[b][i] is true when
// row i of batch element b carries data, false when it is padding.
type Mask [][]bool

// Count returns the number of valid rows of batch element b.
func (m Mask) Count(b int) int {
	n := 0
	for _, ok := range m[b] {
		if ok {
			n++
		}
	}
	return n
}

// Batched is a rectangular padded tensor: B matrices of identical shape plus
// the validity mask for their rows.
type Batched struct {
	// Data holds one Nmax-by-D matrix per batch element.
	Data []*mat.Dense
	// Mask marks the real rows of every matrix.
	Mask Mask
}

// Len returns the number of batch elements.
func (t *Batched) Len() int { return len(t.Data) }

// Dims returns the padded row count and column width shared by all elements.
func (t *Batched) Dims() (rows, cols int) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	return t.Data[0].Dims()
}

// Pack turns a flat stacked matrix into padded form. batch assigns each row
// of x to a batch element and must be non-negative and non-decreasing, which
// keeps the packing order-preserving. Padded rows are filled with fill; the
// returned mask marks the real rows. The fill value never participates in
// any masked reduction, so callers may pick whatever suits their debugging
// (including signed infinities) without affecting results.
func Pack(x *mat.Dense, batch []int, fill float64) (*Batched, error) {
	n, d := x.Dims()
	if len(batch) != n {
		return nil, fmt.Errorf("%w: %d assignments for %d rows", ErrBadBatchVector, len(batch), n)
	}
	numBatches := 0
	prev := 0
	for i, b := range batch {
		if b < 0 {
			return nil, fmt.Errorf("%w: negative index %d at row %d", ErrBadBatchVector, b, i)
		}
		if b < prev {
			return nil, fmt.Errorf("%w: decreases at row %d", ErrBadBatchVector, i)
		}
		prev = b
		if b+1 > numBatches {
			numBatches = b + 1
		}
	}
	if numBatches == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrBadBatchVector)
	}

	sizes := make([]int, numBatches)
	for _, b := range batch {
		sizes[b]++
	}
	nmax := 0
	for _, s := range sizes {
		if s > nmax {
			nmax = s
		}
	}

	out := &Batched{
		Data: make([]*mat.Dense, numBatches),
		Mask: make(Mask, numBatches),
	}
	for b := 0; b < numBatches; b++ {
		m := mat.NewDense(nmax, d, nil)
		if fill != 0 {
			for i := 0; i < nmax; i++ {
				for j := 0; j < d; j++ {
					m.Set(i, j, fill)
				}
			}
		}
		out.Data[b] = m
		out.Mask[b] = make([]bool, nmax)
	}

	cursor := make([]int, numBatches)
	for i := 0; i < n; i++ {
		b := batch[i]
		row := cursor[b]
		cursor[b]++
		out.Data[b].SetRow(row, x.RawRowView(i))
		out.Mask[b][row] = true
	}
	return out, nil
}

// Unpack is the inverse of Pack: it strips padding and returns the flat
// stacked matrix holding only the valid rows, in their original order.
func (t *Batched) Unpack() *mat.Dense {
	_, d := t.Dims()
	total := 0
	for b := range t.Mask {
		total += t.Mask.Count(b)
	}
	out := mat.NewDense(total, d, nil)
	row := 0
	for b, m := range t.Data {
		for i, ok := range t.Mask[b] {
			if !ok {
				continue
			}
			out.SetRow(row, m.RawRowView(i))
			row++
		}
	}
	return out
}

// BatchVector reconstructs the flat batch-assignment vector of the valid rows.
func (t *Batched) BatchVector() []int {
	var out []int
	for b := range t.Mask {
		for _, ok := range t.Mask[b] {
			if ok {
				out = append(out, b)
			}
		}
	}
	return out
}
