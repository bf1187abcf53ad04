package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestIndependentDims(t *testing.T) {
	assert := assert.New(t)

	k1, _ := NewMatern32(1.0, 1.0)
	k2, _ := NewMatern32(2.0, 0.5)

	ind, err := NewIndependent(k1, k2)
	assert.NoError(err)
	assert.Equal(2, ind.FuncDim())
	assert.Equal(4, ind.StateDim())

	H := ind.Measurement()
	r, c := H.Dims()
	assert.Equal(2, r)
	assert.Equal(4, c)
	assert.Equal(1.0, H.At(0, 0))
	assert.Equal(1.0, H.At(1, 2))
	assert.Equal(0.0, H.At(0, 2))
}

func TestIndependentStationaryCovBlockDiag(t *testing.T) {
	assert := assert.New(t)

	k1, _ := NewMatern32(1.0, 2.0)
	k2, _ := NewMatern32(1.0, 3.0)
	ind, err := NewIndependent(k1, k2)
	assert.NoError(err)

	Pinf := ind.StationaryCov()
	assert.InDelta(2.0, Pinf.At(0, 0), 1e-9)
	assert.InDelta(3.0, Pinf.At(2, 2), 1e-9)
	assert.InDelta(0.0, Pinf.At(0, 2), 1e-9)
}

func TestIndependentRequiresComponent(t *testing.T) {
	assert := assert.New(t)

	_, err := NewIndependent()
	assert.Error(err)
}

func TestIndependentStateTransitionBlockDiag(t *testing.T) {
	assert := assert.New(t)

	k1, _ := NewMatern32(1.0, 1.0)
	k2, _ := NewMatern32(2.0, 1.0)
	ind, err := NewIndependent(k1, k2)
	assert.NoError(err)

	A := ind.StateTransition(0.3)
	A1 := k1.StateTransition(0.3)
	A2 := k2.StateTransition(0.3)

	var zero mat.Dense
	zero.Sub(A.Slice(0, 2, 0, 2), A1)
	assert.InDelta(0.0, mat.Norm(&zero, 2), 1e-9)

	var zero2 mat.Dense
	zero2.Sub(A.Slice(2, 4, 2, 4), A2)
	assert.InDelta(0.0, mat.Norm(&zero2, 2), 1e-9)
}
