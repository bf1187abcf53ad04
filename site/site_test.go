package site

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

// TestDualConsistency checks spec.md §8 property 1: after any mutator,
// Sigma*eta1 == mu and Sigma*eta2 == I, within tolerance.
func TestDualConsistency(t *testing.T) {
	assert := assert.New(t)

	s := NewStore(3, 2, 100.0)

	mean := mat.NewVecDense(2, []float64{1.5, -0.5})
	cov := mat.NewSymDense(2, []float64{2.0, 0.3, 0.3, 1.0})
	assert.NoError(s.UpdateMeanCov(1, mean, cov))

	var check mat.VecDense
	check.MulVec(s.Cov(1), s.Nat1(1))
	assert.InDelta(mean.AtVec(0), check.AtVec(0), 1e-6)
	assert.InDelta(mean.AtVec(1), check.AtVec(1), 1e-6)

	var checkI mat.Dense
	checkI.Mul(s.Cov(1), s.Nat2(1))
	assert.InDelta(1.0, checkI.At(0, 0), 1e-6)
	assert.InDelta(1.0, checkI.At(1, 1), 1e-6)
	assert.InDelta(0.0, checkI.At(0, 1), 1e-6)

	nat1 := mat.NewVecDense(2, []float64{0.3, 0.1})
	nat2 := mat.NewSymDense(2, []float64{1.0, 0.0, 0.0, 0.5})
	assert.NoError(s.UpdateNatParams(2, nat1, nat2))

	var muCheck mat.VecDense
	muCheck.MulVec(nat2, s.Mean(2))
	assert.InDelta(nat1.AtVec(0), muCheck.AtVec(0), 1e-6)
	assert.InDelta(nat1.AtVec(1), muCheck.AtVec(1), 1e-6)
}

func TestNewStoreDefaults(t *testing.T) {
	assert := assert.New(t)

	s := NewStore(2, 1, 100.0)
	assert.InDelta(0.0, s.Mean(0).AtVec(0), 1e-9)
	assert.InDelta(100.0, s.Cov(0).At(0, 0), 1e-9)
	assert.InDelta(0.01, s.Nat2(0).At(0, 0), 1e-6)
}

func TestPairedPretiedInit(t *testing.T) {
	assert := assert.New(t)

	s := NewPairedPretied(4, 3)
	assert.Equal(6, s.Dim())
	assert.InDelta(1e-2, s.Nat2(0).At(3, 3), 1e-9)
	assert.InDelta(1e-8, s.Nat2(0).At(0, 0), 1e-9)
	assert.InDelta(0.0, s.Nat2(0).At(0, 3), 1e-9)
}

func TestSelect(t *testing.T) {
	assert := assert.New(t)

	s := NewStore(4, 1, 100.0)
	mean := mat.NewVecDense(1, []float64{5.0})
	cov := mat.NewSymDense(1, []float64{2.0})
	assert.NoError(s.UpdateMeanCov(2, mean, cov))

	sub := s.Select([]int{2, 0})
	assert.InDelta(5.0, sub.Mean(0).AtVec(0), 1e-9)
	assert.InDelta(0.0, sub.Mean(1).AtVec(0), 1e-9)
}
