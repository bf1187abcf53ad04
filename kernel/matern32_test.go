package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestMatern32InvalidParams(t *testing.T) {
	assert := assert.New(t)

	_, err := NewMatern32(0, 1)
	assert.Error(err)
	_, err = NewMatern32(1, -1)
	assert.Error(err)
}

func TestMatern32CovMatchesClosedForm(t *testing.T) {
	assert := assert.New(t)

	k, err := NewMatern32(1.5, 2.0)
	assert.NoError(err)

	X := mat.NewDense(2, 1, []float64{0, 2})
	cov := k.Cov(X, X)
	assert.InDelta(k.Variance, cov.At(0, 0), 1e-9)
	assert.InDelta(k.Variance, cov.At(1, 1), 1e-9)

	lam := math.Sqrt(3) / k.Lengthscale
	want := k.Variance * (1 + lam*2) * math.Exp(-lam*2)
	assert.InDelta(want, cov.At(0, 1), 1e-9)
}

// TestStateTransitionRecoversStationaryCov checks that propagating the
// stationary covariance forward under the SDE leaves its marginal
// variance equal to Pinf's diagonal at dt=0 and decays towards zero
// correlation as dt grows (consistency of the closed-form Φ(dt)).
func TestStateTransitionRecoversStationaryCov(t *testing.T) {
	assert := assert.New(t)

	k, err := NewMatern32(1.0, 1.0)
	assert.NoError(err)

	A0 := k.StateTransition(0)
	assert.InDelta(1.0, A0.At(0, 0), 1e-9)
	assert.InDelta(1.0, A0.At(1, 1), 1e-9)
	assert.InDelta(0.0, A0.At(0, 1), 1e-9)

	Pinf := k.StationaryCov()
	ALarge := k.StateTransition(50.0)
	var AP mat.Dense
	AP.Mul(ALarge, Pinf)
	var APAT mat.Dense
	APAT.Mul(&AP, ALarge.T())
	assert.InDelta(0.0, APAT.At(0, 0), 1e-6)
}

func TestMeasurementProjectsFirstState(t *testing.T) {
	assert := assert.New(t)

	k, err := NewMatern32(1.0, 1.0)
	assert.NoError(err)

	H := k.Measurement()
	assert.Equal(1.0, H.At(0, 0))
	assert.Equal(0.0, H.At(0, 1))
}
