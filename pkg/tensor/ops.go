package tensor

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// MaskedSoftmax normalizes every valid row of logits over its valid columns.
// rows and cols are the per-side validity masks; a cell participates only
// when both its row and its column are valid. Invalid cells come back as
// exactly zero, and a row with no valid column (padding) comes back all-zero
// rather than NaN. Masked cells of logits are never read, so they may hold
// any value, including infinities left over from padded products.
func MaskedSoftmax(logits *mat.Dense, rows, cols []bool) *mat.Dense {
	n, m := logits.Dims()
	out := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		if !rows[i] {
			continue
		}
		// Max-shift over valid columns for numerical stability.
		maxv := math.Inf(-1)
		for j := 0; j < m; j++ {
			if cols[j] && logits.At(i, j) > maxv {
				maxv = logits.At(i, j)
			}
		}
		if math.IsInf(maxv, -1) {
			// Row has no valid column; leave it all-zero.
			continue
		}
		var sum float64
		for j := 0; j < m; j++ {
			if !cols[j] {
				continue
			}
			e := math.Exp(logits.At(i, j) - maxv)
			out.Set(i, j, e)
			sum += e
		}
		for j := 0; j < m; j++ {
			if cols[j] {
				out.Set(i, j, out.At(i, j)/sum)
			} else {
				// Second zeroing pass: masked cells must read back as
				// exact zero, not whatever finite arithmetic left there.
				out.Set(i, j, 0)
			}
		}
	}
	return out
}

// SoftmaxRows applies a plain softmax to every valid row of logits in
// place, leaving invalid rows untouched. Used by the sparse path, where
// every retained candidate column is valid but padded source rows are not.
func SoftmaxRows(logits *mat.Dense, rows []bool) {
	n, m := logits.Dims()
	for i := 0; i < n; i++ {
		if !rows[i] {
			continue
		}
		maxv := math.Inf(-1)
		for j := 0; j < m; j++ {
			if logits.At(i, j) > maxv {
				maxv = logits.At(i, j)
			}
		}
		var sum float64
		for j := 0; j < m; j++ {
			e := math.Exp(logits.At(i, j) - maxv)
			logits.Set(i, j, e)
			sum += e
		}
		for j := 0; j < m; j++ {
			logits.Set(i, j, logits.At(i, j)/sum)
		}
	}
}

// MaskedFill overwrites every invalid cell of x with v, where a cell is
// invalid unless both its row and its column are valid.
func MaskedFill(x *mat.Dense, rows, cols []bool, v float64) {
	n, m := x.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if !rows[i] || !cols[j] {
				x.Set(i, j, v)
			}
		}
	}
}

// PairMask returns the outer AND of a row-side and a column-side mask.
func PairMask(rows, cols []bool) [][]bool {
	out := make([][]bool, len(rows))
	for i, r := range rows {
		out[i] = make([]bool, len(cols))
		if !r {
			continue
		}
		copy(out[i], cols)
	}
	return out
}
