package kfpairs

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp/site"
)

type oneDKernel struct {
	lengthscale float64
	variance    float64
}

func (k *oneDKernel) Cov(X, X2 *mat.Dense) *mat.Dense { return nil }

func (k *oneDKernel) StationaryCov() mat.Symmetric {
	return mat.NewSymDense(1, []float64{k.variance})
}

func (k *oneDKernel) StateTransition(dt float64) *mat.Dense {
	lam := 1.0 / k.lengthscale
	return mat.NewDense(1, 1, []float64{math.Exp(-lam * dt)})
}

func (k *oneDKernel) Measurement() *mat.Dense {
	return mat.NewDense(1, 1, []float64{1.0})
}

func (k *oneDKernel) FuncDim() int  { return 1 }
func (k *oneDKernel) StateDim() int { return 1 }

func (k *oneDKernel) SpatialConditional(X, R *mat.Dense) (*mat.Dense, *mat.Dense, bool) {
	return nil, nil, false
}

func setup() (*oneDKernel, []float64, *site.Store) {
	kern := &oneDKernel{lengthscale: 1.0, variance: 1.0}
	dz := []float64{0.5, 0.7, 1.1}
	sites := site.NewPairedPretied(len(dz), 1)
	return kern, dz, sites
}

func TestFilterRuns(t *testing.T) {
	assert := assert.New(t)

	kern, dz, sites := setup()
	result, logLik, err := Filter(dz, kern, sites, false)
	assert.NoError(err)
	assert.Equal(len(dz), result.Len())
	assert.False(math.IsNaN(logLik))
	for i := range result.Means {
		assert.Equal(2, result.Means[i].Len())
		assert.Greater(result.Covs[i].At(0, 0), 0.0)
	}
}

func TestParallelMatchesSequential(t *testing.T) {
	assert := assert.New(t)

	kern, dz, sites := setup()
	seq, seqLL, err := Filter(dz, kern, sites, false)
	assert.NoError(err)
	par, parLL, err := Filter(dz, kern, sites, true)
	assert.NoError(err)

	assert.InDelta(seqLL, parLL, 1e-12)
	for i := range seq.Means {
		for k := 0; k < 2; k++ {
			assert.InDelta(seq.Means[i].AtVec(k), par.Means[i].AtVec(k), 1e-12)
		}
	}
}

func TestDimensionMismatch(t *testing.T) {
	assert := assert.New(t)

	kern, dz, _ := setup()
	badSites := site.NewStore(len(dz), 1, 100.0)
	_, _, err := Filter(dz, kern, badSites, false)
	assert.Error(err)
}

func TestSmoothLastStepMatchesFilter(t *testing.T) {
	assert := assert.New(t)

	kern, dz, sites := setup()
	filtered, _, err := Filter(dz, kern, sites, false)
	assert.NoError(err)

	smoothed, gains, err := Smooth(dz, kern, filtered, false)
	assert.NoError(err)
	assert.Equal(len(dz)-1, len(gains))

	last := len(dz) - 1
	for k := 0; k < 2; k++ {
		assert.InDelta(filtered.Means[last].AtVec(k), smoothed.Means[last].AtVec(k), 1e-12)
	}
}

func TestSmoothParallelMatchesSequential(t *testing.T) {
	assert := assert.New(t)

	kern, dz, sites := setup()
	filtered, _, err := Filter(dz, kern, sites, false)
	assert.NoError(err)

	seq, _, err := Smooth(dz, kern, filtered, false)
	assert.NoError(err)
	par, _, err := Smooth(dz, kern, filtered, true)
	assert.NoError(err)

	for i := range seq.Means {
		for k := 0; k < 2; k++ {
			assert.InDelta(seq.Means[i].AtVec(k), par.Means[i].AtVec(k), 1e-12)
		}
	}
}
