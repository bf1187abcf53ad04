// Package numeric provides the batched linear-algebra primitives shared by
// the rest of gogp: symmetric positive-definite solves, per-index batched
// inversion, block-diagonal assembly, and index-scatter updates. All
// operations are pure and free of hidden state so they compose cleanly
// under an external differentiation driver.
package numeric

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// AddJitter returns a copy of m with jitter added to its diagonal.
func AddJitter(m mat.Symmetric, jitter float64) *mat.SymDense {
	n := m.Symmetric()
	out := mat.NewSymDense(n, nil)
	out.CopySym(m)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, out.At(i, i)+jitter)
	}
	return out
}

// CholSolve solves A x = b for x via Cholesky factorisation of A, adding
// jitter to the diagonal of A first. It returns the solution and the
// Cholesky factor's log-determinant contribution (sum of log diagonal of
// the lower factor), which callers use when building Gaussian log
// normalisers.
func CholSolve(A mat.Symmetric, b mat.Matrix, jitter float64) (*mat.Dense, float64, error) {
	aj := AddJitter(A, jitter)

	var chol mat.Cholesky
	if ok := chol.Factorize(aj); !ok {
		return nil, 0, fmt.Errorf("numeric: Cholesky factorization failed even after jitter %g", jitter)
	}

	var x mat.Dense
	if err := chol.SolveTo(&x, b); err != nil {
		return nil, 0, fmt.Errorf("numeric: Cholesky solve failed: %w", err)
	}

	var lower mat.TriDense
	chol.LTo(&lower)
	n, _ := lower.Dims()
	logDet := 0.0
	for i := 0; i < n; i++ {
		logDet += math.Log(lower.At(i, i))
	}

	return &x, logDet, nil
}

// LogDet returns log|A| computed from a jittered Cholesky factor:
// log|A| = 2 * sum(log(diag(L))), where A = L L^T.
func LogDet(A mat.Symmetric, jitter float64) (float64, error) {
	aj := AddJitter(A, jitter)

	var chol mat.Cholesky
	if ok := chol.Factorize(aj); !ok {
		return 0, fmt.Errorf("numeric: Cholesky factorization failed even after jitter %g", jitter)
	}

	var lower mat.TriDense
	chol.LTo(&lower)
	n, _ := lower.Dims()
	logDet := 0.0
	for i := 0; i < n; i++ {
		logDet += 2 * math.Log(lower.At(i, i))
	}
	return logDet, nil
}

// Inverse returns the inverse of A after adding jitter to its diagonal.
func Inverse(A mat.Symmetric, jitter float64) (*mat.SymDense, error) {
	n := A.Symmetric()
	aj := AddJitter(A, jitter)

	var chol mat.Cholesky
	if ok := chol.Factorize(aj); !ok {
		return nil, fmt.Errorf("numeric: Cholesky factorization failed even after jitter %g", jitter)
	}

	inv := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, fmt.Errorf("numeric: matrix inversion failed: %w", err)
	}
	return inv, nil
}

// BatchInverse inverts each of the given symmetric blocks in turn, adding
// jitter to each before factorisation, and returns the inverses in the
// same order.
func BatchInverse(blocks []mat.Symmetric, jitter float64) ([]*mat.SymDense, error) {
	out := make([]*mat.SymDense, len(blocks))
	for i, b := range blocks {
		inv, err := Inverse(b, jitter)
		if err != nil {
			return nil, fmt.Errorf("numeric: batch inverse at index %d: %w", i, err)
		}
		out[i] = inv
	}
	return out, nil
}

// BlockDiag assembles a block-diagonal dense matrix from the given square
// blocks, in order.
func BlockDiag(blocks []mat.Matrix) *mat.Dense {
	total := 0
	dims := make([]int, len(blocks))
	for i, b := range blocks {
		r, _ := b.Dims()
		dims[i] = r
		total += r
	}

	out := mat.NewDense(total, total, nil)
	offset := 0
	for i, b := range blocks {
		r, c := b.Dims()
		for ri := 0; ri < r; ri++ {
			for ci := 0; ci < c; ci++ {
				out.Set(offset+ri, offset+ci, b.At(ri, ci))
			}
		}
		offset += dims[i]
	}
	return out
}

// ScatterRows writes the rows of src into dst at the row indices given by
// ind, leaving all other rows of dst untouched. dst and src must have the
// same number of columns, and len(ind) must equal the row count of src.
func ScatterRows(dst *mat.Dense, ind []int, src mat.Matrix) error {
	srcRows, srcCols := src.Dims()
	if srcRows != len(ind) {
		return fmt.Errorf("numeric: scatter index count %d does not match source rows %d", len(ind), srcRows)
	}
	_, dstCols := dst.Dims()
	if dstCols != srcCols {
		return fmt.Errorf("numeric: scatter column mismatch: dst has %d, src has %d", dstCols, srcCols)
	}
	for r, di := range ind {
		for c := 0; c < srcCols; c++ {
			dst.Set(di, c, src.At(r, c))
		}
	}
	return nil
}

// GatherRows returns a new dense matrix containing the rows of src at the
// given indices, in order.
func GatherRows(src mat.Matrix, ind []int) *mat.Dense {
	_, cols := src.Dims()
	out := mat.NewDense(len(ind), cols, nil)
	for r, si := range ind {
		for c := 0; c < cols; c++ {
			out.Set(r, c, src.At(si, c))
		}
	}
	return out
}

// ToSymDense converts m to a SymDense holding its symmetric part
// 0.5*(m + m^T). It returns an error only if m is not square; asymmetry
// is averaged away, not reported.
func ToSymDense(m *mat.Dense) (*mat.SymDense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, fmt.Errorf("numeric: matrix must be square, got [%d x %d]", r, c)
	}
	sym := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < c; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return sym, nil
}
