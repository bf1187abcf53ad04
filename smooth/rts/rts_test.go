package rts

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp/kalman"
	"github.com/gp-infer/gogp/kalman/kf"
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

func filteredFixture(t *testing.T) (*oneDKernel, []float64, *kalman.Result) {
	kern := &oneDKernel{lengthscale: 1.0, variance: 1.0}
	xs := []float64{0.0, 0.5, 1.2, 1.9, 3.0}
	sites := site.NewStore(len(xs), 1, 100.0)
	obs := []float64{0.1, 0.3, -0.2, 0.5, 0.0}
	for i, y := range obs {
		mean := mat.NewVecDense(1, []float64{y})
		cov := mat.NewSymDense(1, []float64{0.05})
		if err := sites.UpdateMeanCov(i, mean, cov); err != nil {
			t.Fatal(err)
		}
	}
	filtered, _, err := kf.Filter(xs, kern, sites, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	return kern, xs, filtered
}

func TestSmoothLastStepMatchesFilter(t *testing.T) {
	assert := assert.New(t)

	kern, xs, filtered := filteredFixture(t)
	smoothed, gains, err := Smooth(xs, kern, filtered, false)
	assert.NoError(err)
	assert.Equal(len(xs), smoothed.Len())
	assert.Equal(len(xs)-1, len(gains))

	last := len(xs) - 1
	assert.InDelta(filtered.Means[last].AtVec(0), smoothed.Means[last].AtVec(0), 1e-12)
	assert.InDelta(filtered.Covs[last].At(0, 0), smoothed.Covs[last].At(0, 0), 1e-12)
}

// TestSmoothedVarianceNeverExceedsFiltered checks the Gaussian-identity
// fact that smoothing can only reduce (or preserve) marginal variance,
// since it conditions on strictly more information than the filter alone.
func TestSmoothedVarianceNeverExceedsFiltered(t *testing.T) {
	assert := assert.New(t)

	kern, xs, filtered := filteredFixture(t)
	smoothed, _, err := Smooth(xs, kern, filtered, false)
	assert.NoError(err)

	for i := range filtered.Covs {
		assert.LessOrEqual(smoothed.Covs[i].At(0, 0), filtered.Covs[i].At(0, 0)+1e-9)
	}
}

func TestSmoothParallelMatchesSequential(t *testing.T) {
	assert := assert.New(t)

	kern, xs, filtered := filteredFixture(t)
	seq, _, err := Smooth(xs, kern, filtered, false)
	assert.NoError(err)
	par, _, err := Smooth(xs, kern, filtered, true)
	assert.NoError(err)

	for i := range seq.Means {
		assert.InDelta(seq.Means[i].AtVec(0), par.Means[i].AtVec(0), 1e-12)
		assert.InDelta(seq.Covs[i].At(0, 0), par.Covs[i].At(0, 0), 1e-12)
	}
}

func TestSmoothLengthMismatch(t *testing.T) {
	assert := assert.New(t)

	kern, _, filtered := filteredFixture(t)
	_, _, err := Smooth([]float64{0, 1}, kern, filtered, false)
	assert.Error(err)
}
