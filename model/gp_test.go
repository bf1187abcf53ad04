package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp/kernel"
	"github.com/gp-infer/gogp/likelihood"
)

func newTestMatern(t *testing.T) *kernel.Matern32 {
	t.Helper()
	k, err := kernel.NewMatern32(1.0, 1.0)
	if err != nil {
		t.Fatalf("kernel.NewMatern32: %v", err)
	}
	return k
}

func linearData(n int) (*mat.Dense, []float64) {
	xs := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		xs[i] = float64(i) * 0.3
		y[i] = xs[i]
	}
	return mat.NewDense(n, 1, xs), y
}

func TestGPUpdatePosteriorAndPredict(t *testing.T) {
	assert := assert.New(t)

	k := newTestMatern(t)
	lik := likelihood.NewGaussian(0.01)
	X, y := linearData(8)

	m, err := NewGP(k, lik, X, nil)
	assert.NoError(err)

	for i, yi := range y {
		mean := mat.NewVecDense(1, []float64{yi})
		cov := mat.NewSymDense(1, []float64{0.1})
		assert.NoError(m.Sites().UpdateMeanCov(i, mean, cov))
	}

	assert.NoError(m.UpdatePosterior())

	logLik, err := m.ComputeLogLik()
	assert.NoError(err)
	assert.False(isNaNOrInf(logLik))

	kl, err := m.ComputeKL()
	assert.NoError(err)
	assert.False(isNaNOrInf(kl))

	mean, variance, err := m.Predict(X, nil)
	assert.NoError(err)
	assert.Len(mean, 8)
	for _, v := range variance {
		assert.Greater(v, 0.0)
	}
}

func TestGPCavityRemovesAndReinsertsSite(t *testing.T) {
	assert := assert.New(t)

	k := newTestMatern(t)
	lik := likelihood.NewGaussian(0.01)
	X, y := linearData(5)

	m, err := NewGP(k, lik, X, nil)
	assert.NoError(err)
	for i, yi := range y {
		mean := mat.NewVecDense(1, []float64{yi})
		cov := mat.NewSymDense(1, []float64{0.2})
		assert.NoError(m.Sites().UpdateMeanCov(i, mean, cov))
	}
	assert.NoError(m.UpdatePosterior())

	batch := []int{2}
	cavMean, cavCov, err := m.CavityDistribution(batch, 1.0)
	assert.NoError(err)

	// spec.md §8 property 2: cavity then adding the same site back
	// recovers the posterior at alpha=1, single site.
	nat1 := m.Sites().Nat1(2)
	nat2 := m.Sites().Nat2(2)

	cavPrec, err := sym2x2Inverse(cavCov)
	assert.NoError(err)

	var rhs mat.VecDense
	rhs.MulVec(cavPrec, cavMean)
	rhs.AddVec(&rhs, nat1)

	recombinedPrec := mat.NewDense(1, 1, nil)
	recombinedPrec.Add(cavPrec, nat2)
	var recombinedCov mat.Dense
	recombinedCov.Inverse(recombinedPrec)

	var recombinedMean mat.VecDense
	recombinedMean.MulVec(&recombinedCov, &rhs)

	assert.InDelta(m.postMean.AtVec(2), recombinedMean.AtVec(0), 1e-6)
}

func sym2x2Inverse(s *mat.SymDense) (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(s); err != nil {
		return nil, err
	}
	return &inv, nil
}

func isNaNOrInf(v float64) bool {
	return v != v || v > 1e300 || v < -1e300
}
