package cavity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp/numeric"
	"github.com/gp-infer/gogp/site"
)

// TestCavityRemovesSiteIdentity checks spec.md §8 property 2: with
// alpha=1 and a single site, removing it via Compute and then adding the
// site's natural contribution back recovers the original posterior.
func TestCavityRemovesSiteIdentity(t *testing.T) {
	assert := assert.New(t)

	postMean := mat.NewVecDense(2, []float64{1.0, -2.0})
	postCov := mat.NewSymDense(2, []float64{3.0, 0.5, 0.5, 2.0})
	siteNat1 := mat.NewVecDense(2, []float64{0.2, 0.1})
	siteNat2 := mat.NewSymDense(2, []float64{0.5, 0.0, 0.0, 0.3})

	cavMean, cavCov, err := Compute(postMean, postCov, siteNat1, siteNat2, 1.0)
	assert.NoError(err)

	cavPrec, err := numeric.Inverse(cavCov, 1e-8)
	assert.NoError(err)

	// add the site back: prec = cavPrec + siteNat2
	recombinedPrecD := mat.NewDense(2, 2, nil)
	recombinedPrecD.Add(cavPrec, siteNat2)
	recombinedPrec, err := numeric.ToSymDense(recombinedPrecD)
	assert.NoError(err)

	recombinedCov, err := numeric.Inverse(recombinedPrec, 1e-8)
	assert.NoError(err)

	var rhs mat.VecDense
	rhs.MulVec(cavPrec, cavMean)
	rhs.AddVec(&rhs, siteNat1)
	var recombinedMean mat.VecDense
	recombinedMean.MulVec(recombinedCov, &rhs)

	assert.InDelta(postMean.AtVec(0), recombinedMean.AtVec(0), 1e-6)
	assert.InDelta(postMean.AtVec(1), recombinedMean.AtVec(1), 1e-6)
	assert.InDelta(postCov.At(0, 0), recombinedCov.At(0, 0), 1e-6)
	assert.InDelta(postCov.At(1, 1), recombinedCov.At(1, 1), 1e-6)
}

func TestGroupScatter(t *testing.T) {
	assert := assert.New(t)

	s := site.NewStore(3, 1, 100.0)
	nat1 := []*mat.VecDense{mat.NewVecDense(1, []float64{0.5})}
	nat2 := []*mat.SymDense{mat.NewSymDense(1, []float64{2.0})}

	assert.NoError(GroupScatter(s, []int{1}, nat1, nat2))
	assert.InDelta(0.25, s.Mean(1).AtVec(0), 1e-6)
	assert.InDelta(2.0, s.Nat2(1).At(0, 0), 1e-6)
}

func TestGroupTied(t *testing.T) {
	assert := assert.New(t)

	// 2 intervals, 3 data points: points 0,1 -> interval 0, point 2 -> interval 1
	s := site.NewPairedPretied(2, 1) // dim = 2
	ind := []int{0, 0, 1}
	numNeighbours := []float64{2, 1}

	nat1 := []*mat.VecDense{
		mat.NewVecDense(2, []float64{0.1, 0.1}),
		mat.NewVecDense(2, []float64{0.2, 0.2}),
	}
	nat2 := []*mat.SymDense{
		mat.NewSymDense(2, []float64{1, 0, 0, 1}),
		mat.NewSymDense(2, []float64{1, 0, 0, 1}),
	}

	assert.NoError(GroupTied(s, ind, numNeighbours, []int{0, 1}, nat1, nat2))
	// interval 0 got both contributions, counter=2=numNeighbours so no residual
	assert.InDelta(0.0, func() float64 {
		want := 1.0 + 1.0 // eta2 diag entries summed
		got := s.Nat2(0).At(0, 0)
		return want - got
	}(), 1e-6)
}
