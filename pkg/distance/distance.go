// Package distance provides the similarity kernels used by the top-k
// candidate search. The only metric is the raw dot product (larger means
// more similar); Distance negates it so nearest-neighbor machinery can keep
// its smaller-is-closer convention.
//
// The package dispatches at init time between a pure Go implementation and
// the Gonum BLAS one, depending on what the CPU offers. Gonum handles SIMD
// dispatch internally.
package distance

import (
	"errors"
	"fmt"
	"log"

	"github.com/klauspost/cpuid/v2"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas/gonum"
)

// PrecisionType selects the storage format of indexed vectors.
type PrecisionType string

const (
	// Float32 stores vectors as single-precision floats.
	Float32 PrecisionType = "float32"
	// Float16 stores vectors as half-precision floats (as uint16 bits),
	// halving index memory at a small accuracy cost.
	Float16 PrecisionType = "float16"
)

// DotFuncF32 computes the dot product of two float32 vectors.
type DotFuncF32 func(a, b []float32) (float64, error)

// DotFuncF16 computes the dot product of two float16 vectors (uint16 bits).
type DotFuncF16 func(a, b []uint16) (float64, error)

var (
	dotF32 DotFuncF32 = dotGo
	dotF16 DotFuncF16 = dotGoFloat16
)

func init() {
	// Gonum's BLAS kernels win whenever vector extensions are present;
	// keep the pure Go path for everything else.
	if cpuid.CPU.Has(cpuid.AVX2) || cpuid.CPU.Has(cpuid.SSE4) {
		dotF32 = dotGonum
		log.Printf("distance: dot product (float32) using Gonum (SIMD)")
	} else {
		log.Printf("distance: dot product (float32) using pure Go")
	}
}

// GetFloat32Func returns the active float32 dot-product kernel.
func GetFloat32Func() DotFuncF32 { return dotF32 }

// GetFloat16Func returns the active float16 dot-product kernel.
func GetFloat16Func() DotFuncF16 { return dotF16 }

// Dot computes the dot-product similarity of two float32 vectors.
func Dot(a, b []float32) (float64, error) { return dotF32(a, b) }

// Distance is the negative dot product: smaller means more similar. It is
// the metric the candidate-search backends order by.
func Distance(a, b []float32) (float64, error) {
	d, err := dotF32(a, b)
	return -d, err
}

// dotGo is the pure Go reference implementation.
func dotGo(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.New("dot: vectors must have the same length")
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return float64(sum), nil
}

var gonumEngine = gonum.Implementation{}

// dotGonum uses the Gonum BLAS library for an optimized dot product.
func dotGonum(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.New("dot: vectors must have the same length")
	}
	return float64(gonumEngine.Sdot(len(a), a, 1, b, 1)), nil
}

// dotGoFloat16 decodes float16 bits on the fly; there is no accelerated path.
func dotGoFloat16(a, b []uint16) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.New("dot: float16 vectors must have the same length")
	}
	var sum float32
	for i := range a {
		sum += float16.Frombits(a[i]).Float32() * float16.Frombits(b[i]).Float32()
	}
	return float64(sum), nil
}

// EncodeFloat16 converts a float32 vector into float16 bits.
func EncodeFloat16(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, x := range v {
		out[i] = float16.Fromfloat32(x).Bits()
	}
	return out
}

// ValidatePrecision rejects unknown precision names early, at configuration
// time rather than at first search.
func ValidatePrecision(p PrecisionType) error {
	switch p {
	case Float32, Float16:
		return nil
	default:
		return fmt.Errorf("unsupported precision: %s", p)
	}
}
