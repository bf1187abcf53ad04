package numeric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestCholSolve(t *testing.T) {
	assert := assert.New(t)

	A := mat.NewSymDense(2, []float64{4, 0, 0, 9})
	b := mat.NewDense(2, 1, []float64{8, 18})

	x, logDet, err := CholSolve(A, b, 1e-8)
	assert.NoError(err)
	assert.InDelta(2.0, x.At(0, 0), 1e-6)
	assert.InDelta(2.0, x.At(1, 0), 1e-6)
	assert.True(logDet > 0)
}

func TestInverse(t *testing.T) {
	assert := assert.New(t)

	A := mat.NewSymDense(2, []float64{2, 0, 0, 2})
	inv, err := Inverse(A, 1e-8)
	assert.NoError(err)
	assert.InDelta(0.5, inv.At(0, 0), 1e-6)
	assert.InDelta(0.5, inv.At(1, 1), 1e-6)
	assert.InDelta(0.0, inv.At(0, 1), 1e-6)
}

func TestBatchInverse(t *testing.T) {
	assert := assert.New(t)

	blocks := []mat.Symmetric{
		mat.NewSymDense(1, []float64{2}),
		mat.NewSymDense(1, []float64{4}),
	}
	out, err := BatchInverse(blocks, 1e-8)
	assert.NoError(err)
	assert.Len(out, 2)
	assert.InDelta(0.5, out[0].At(0, 0), 1e-6)
	assert.InDelta(0.25, out[1].At(0, 0), 1e-6)
}

func TestBlockDiag(t *testing.T) {
	assert := assert.New(t)

	a := mat.NewDense(1, 1, []float64{1})
	b := mat.NewDense(2, 2, []float64{2, 0, 0, 2})

	out := BlockDiag([]mat.Matrix{a, b})
	r, c := out.Dims()
	assert.Equal(3, r)
	assert.Equal(3, c)
	assert.InDelta(1.0, out.At(0, 0), 1e-9)
	assert.InDelta(0.0, out.At(0, 1), 1e-9)
	assert.InDelta(2.0, out.At(1, 1), 1e-9)
	assert.InDelta(2.0, out.At(2, 2), 1e-9)
}

func TestScatterGatherRows(t *testing.T) {
	assert := assert.New(t)

	dst := mat.NewDense(3, 2, nil)
	src := mat.NewDense(2, 2, []float64{1, 2, 3, 4})

	err := ScatterRows(dst, []int{0, 2}, src)
	assert.NoError(err)
	assert.InDelta(1.0, dst.At(0, 0), 1e-9)
	assert.InDelta(3.0, dst.At(2, 0), 1e-9)
	assert.InDelta(0.0, dst.At(1, 0), 1e-9)

	gathered := GatherRows(dst, []int{0, 2})
	assert.InDelta(1.0, gathered.At(0, 0), 1e-9)
	assert.InDelta(4.0, gathered.At(1, 1), 1e-9)
}

func TestToSymDense(t *testing.T) {
	assert := assert.New(t)

	m := mat.NewDense(2, 2, []float64{1, 2, 2, 3})
	sym, err := ToSymDense(m)
	assert.NoError(err)
	assert.InDelta(2.0, sym.At(0, 1), 1e-9)

	bad := mat.NewDense(2, 3, nil)
	_, err = ToSymDense(bad)
	assert.Error(err)
}
