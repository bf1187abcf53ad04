package model

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp"
	"github.com/gp-infer/gogp/cavity"
	"github.com/gp-infer/gogp/kalman"
	"github.com/gp-infer/gogp/kalman/kf"
	"github.com/gp-infer/gogp/noise"
	"github.com/gp-infer/gogp/numeric"
	"github.com/gp-infer/gogp/site"
	"github.com/gp-infer/gogp/smooth/rts"
)

// MarkovGP is the state-space posterior representation (spec.md §4.H):
// GP inference is reduced to Kalman filtering/RTS smoothing over a sorted
// temporal grid, with state dimension and latent dimension taken from the
// kernel's stationary covariance and measurement model.
type MarkovGP struct {
	kernel   gp.Kernel
	lik      gp.Likelihood
	X        []float64
	mask     gp.Mask
	sites    *site.Store
	parallel bool

	filtered     *kalman.Result
	smoothed     *kalman.Result
	gains        []*mat.Dense
	filterLogLik float64
}

// NewMarkovGP constructs a Markov posterior over the sorted time grid X,
// with one pseudo-likelihood site per point, of dimension kernel.FuncDim().
func NewMarkovGP(kernel gp.Kernel, lik gp.Likelihood, X []float64, mask gp.Mask, parallel bool) (*MarkovGP, error) {
	for i := 1; i < len(X); i++ {
		if X[i] < X[i-1] {
			return nil, fmt.Errorf("model: MarkovGP requires sorted time inputs, X[%d]=%g < X[%d]=%g", i, X[i], i-1, X[i-1])
		}
	}
	if mask != nil && len(mask) != len(X) {
		return nil, fmt.Errorf("model: mask length %d does not match time grid length %d", len(mask), len(X))
	}

	return &MarkovGP{
		kernel:   kernel,
		lik:      lik,
		X:        X,
		mask:     mask,
		sites:    site.NewStore(len(X), kernel.FuncDim(), 100.0),
		parallel: parallel,
	}, nil
}

// Sites exposes the pseudo-likelihood site store.
func (m *MarkovGP) Sites() *site.Store { return m.sites }

// UpdatePosterior runs the forward filter and backward smoother over the
// current sites (spec.md §4.H steps 1-4).
func (m *MarkovGP) UpdatePosterior() error {
	filtered, logLik, err := kf.Filter(m.X, m.kernel, m.sites, m.mask, m.parallel)
	if err != nil {
		return fmt.Errorf("model: MarkovGP.UpdatePosterior: %w", err)
	}
	smoothed, gains, err := rts.Smooth(m.X, m.kernel, filtered, m.parallel)
	if err != nil {
		return fmt.Errorf("model: MarkovGP.UpdatePosterior: %w", err)
	}
	m.filtered, m.smoothed, m.gains, m.filterLogLik = filtered, smoothed, gains, logLik
	return nil
}

// ComputeLogLik returns the filter's accumulated log marginal likelihood
// of the pseudo model.
func (m *MarkovGP) ComputeLogLik() (float64, error) {
	if m.filtered == nil {
		return 0, fmt.Errorf("model: MarkovGP.ComputeLogLik called before UpdatePosterior")
	}
	return m.filterLogLik, nil
}

// ComputeKL returns KL[q || p] summed over each site's own function-space
// marginal (H-projected smoothed state), one term per output coordinate.
func (m *MarkovGP) ComputeKL() (float64, error) {
	if m.smoothed == nil {
		return 0, fmt.Errorf("model: MarkovGP.ComputeKL called before UpdatePosterior")
	}
	logLik, err := m.ComputeLogLik()
	if err != nil {
		return 0, err
	}
	H := m.kernel.Measurement()
	Df := m.kernel.FuncDim()

	expected := 0.0
	for i := 0; i < len(m.X); i++ {
		if m.mask != nil && m.mask[i] {
			continue
		}
		var Hm mat.VecDense
		Hm.MulVec(H, m.smoothed.Means[i])
		var HP mat.Dense
		HP.Mul(H, m.smoothed.Covs[i])
		var HPHT mat.Dense
		HPHT.Mul(&HP, H.T())

		for d := 0; d < Df; d++ {
			expected += expectedGaussianLogDensity(m.sites.Mean(i).AtVec(d), m.sites.Cov(i).At(d, d), Hm.AtVec(d), HPHT.At(d, d))
		}
	}
	return expected - logLik, nil
}

// FilterEnergy returns the negative log-likelihood of the filtered (not
// smoothed) marginals against the true data likelihood: a filtering-based
// diagnostic the original exposes alongside compute_log_lik (spec.md §5).
func (m *MarkovGP) FilterEnergy(y [][]float64) (float64, error) {
	if m.filtered == nil {
		return 0, fmt.Errorf("model: MarkovGP.FilterEnergy called before UpdatePosterior")
	}
	H := m.kernel.Measurement()
	Df := m.kernel.FuncDim()

	energy := 0.0
	for i := 0; i < len(m.X); i++ {
		var Hm mat.VecDense
		Hm.MulVec(H, m.filtered.Means[i])
		var HP mat.Dense
		HP.Mul(H, m.filtered.Covs[i])
		var HPHT mat.Dense
		HPHT.Mul(&HP, H.T())

		for d := 0; d < Df; d++ {
			energy -= m.lik.LogDensity(y[i][d], Hm.AtVec(d), HPHT.At(d, d))
		}
	}
	return energy, nil
}

// pointMoments returns the H-projected marginal mean/variance (flattened,
// Df entries) of the smoothed state at training index idx.
func (m *MarkovGP) pointMoments(idx int) ([]float64, []float64) {
	H := m.kernel.Measurement()
	Df := m.kernel.FuncDim()

	var Hm mat.VecDense
	Hm.MulVec(H, m.smoothed.Means[idx])
	var HP mat.Dense
	HP.Mul(H, m.smoothed.Covs[idx])
	var HPHT mat.Dense
	HPHT.Mul(&HP, H.T())

	mean := make([]float64, Df)
	variance := make([]float64, Df)
	for d := 0; d < Df; d++ {
		mean[d] = Hm.AtVec(d)
		variance[d] = HPHT.At(d, d)
	}
	return mean, variance
}

// ConditionalPosteriorToData returns the smoothed posterior marginal
// mean/variance (flattened, Df entries per point) at the given batch of
// training indices: the state-space analogue of dense GP's direct gather,
// projected through the measurement model H.
func (m *MarkovGP) ConditionalPosteriorToData(batchInd []int) ([]float64, []float64, error) {
	if m.smoothed == nil {
		return nil, nil, fmt.Errorf("model: MarkovGP.ConditionalPosteriorToData called before UpdatePosterior")
	}
	Df := m.kernel.FuncDim()
	meanOut := make([]float64, 0, len(batchInd)*Df)
	varOut := make([]float64, 0, len(batchInd)*Df)
	for _, idx := range batchInd {
		mean, variance := m.pointMoments(idx)
		meanOut = append(meanOut, mean...)
		varOut = append(varOut, variance...)
	}
	return meanOut, varOut, nil
}

// CavityDistribution computes the per-point power-EP cavity in function
// space: each training index's own H-projected marginal with an alpha
// fraction of its own site (already defined directly in function space,
// spec.md §4.H step 1) removed. Unlike GP's joint batch cavity, points are
// independent here (the Markov structure's joint cross-covariance is not
// formed), matching how the original engine drives state-space models one
// point at a time.
func (m *MarkovGP) CavityDistribution(batchInd []int, alpha float64) ([]float64, []float64, error) {
	if m.smoothed == nil {
		return nil, nil, fmt.Errorf("model: MarkovGP.CavityDistribution called before UpdatePosterior")
	}
	H := m.kernel.Measurement()
	Df := m.kernel.FuncDim()

	meanOut := make([]float64, 0, len(batchInd)*Df)
	varOut := make([]float64, 0, len(batchInd)*Df)
	for _, idx := range batchInd {
		var Hm mat.VecDense
		Hm.MulVec(H, m.smoothed.Means[idx])
		var HP mat.Dense
		HP.Mul(H, m.smoothed.Covs[idx])
		var HPHT mat.Dense
		HPHT.Mul(&HP, H.T())
		postCov, err := numeric.ToSymDense(&HPHT)
		if err != nil {
			return nil, nil, fmt.Errorf("model: MarkovGP.CavityDistribution: %w", err)
		}

		cm, cc, err := cavity.Compute(&Hm, postCov, m.sites.Nat1(idx), m.sites.Nat2(idx), alpha)
		if err != nil {
			return nil, nil, fmt.Errorf("model: MarkovGP.CavityDistribution: %w", err)
		}
		for d := 0; d < Df; d++ {
			meanOut = append(meanOut, cm.AtVec(d))
			varOut = append(varOut, cc.At(d, d))
		}
	}
	return meanOut, varOut, nil
}

// GroupNaturalParams scatter-updates the per-point sites at batchInd
// (spec.md §4.E unstructured grouping rule: MarkovGP's sites are defined
// directly in function space at each training index, with no tying).
func (m *MarkovGP) GroupNaturalParams(batchInd []int, nat1New []*mat.VecDense, nat2New []*mat.SymDense) error {
	return cavity.GroupScatter(m.sites, batchInd, nat1New, nat2New)
}

func augmentWithSentinels(xs []float64) []float64 {
	out := make([]float64, len(xs)+2)
	out[0] = xs[0] - gp.Sentinel
	copy(out[1:], xs)
	out[len(out)-1] = xs[len(xs)-1] + gp.Sentinel
	return out
}

// projectAt runs filter+smoother over sitesToUse and returns the
// H-projected (and, if the kernel exposes a spatial conditional and R is
// given, spatially projected) mean/variance at Xtest.
func (m *MarkovGP) projectAt(sitesToUse *site.Store, Xtest []float64, R *mat.Dense) ([]float64, []float64, error) {
	filtered, _, err := kf.Filter(m.X, m.kernel, sitesToUse, m.mask, m.parallel)
	if err != nil {
		return nil, nil, err
	}
	smoothed, gains, err := rts.Smooth(m.X, m.kernel, filtered, m.parallel)
	if err != nil {
		return nil, nil, err
	}
	Xaug := augmentWithSentinels(m.X)
	stateMean, stateCov, err := kalman.TemporalConditional(Xaug, Xtest, smoothed.Means, smoothed.Covs, gains, m.kernel)
	if err != nil {
		return nil, nil, err
	}

	H := m.kernel.Measurement()
	Df := m.kernel.FuncDim()

	Xdense := mat.NewDense(len(Xtest), 1, Xtest)
	B, C, spatial := m.kernel.SpatialConditional(Xdense, R)

	var meanOut, varOut []float64
	if spatial && R != nil {
		dOut, _ := B.Dims()
		meanOut = make([]float64, len(Xtest)*dOut)
		varOut = make([]float64, len(Xtest)*dOut)
		for i := range Xtest {
			var Hm mat.VecDense
			Hm.MulVec(H, stateMean[i])
			var HP mat.Dense
			HP.Mul(H, stateCov[i])
			var HPHT mat.Dense
			HPHT.Mul(&HP, H.T())

			var Bm mat.VecDense
			Bm.MulVec(B, &Hm)
			var BHPHT mat.Dense
			BHPHT.Mul(B, &HPHT)
			var BHPHTBT mat.Dense
			BHPHTBT.Mul(&BHPHT, B.T())
			for d := 0; d < dOut; d++ {
				meanOut[i*dOut+d] = Bm.AtVec(d)
				varOut[i*dOut+d] = BHPHTBT.At(d, d) + C.At(d, d)
			}
		}
		return meanOut, varOut, nil
	}

	meanOut = make([]float64, len(Xtest)*Df)
	varOut = make([]float64, len(Xtest)*Df)
	for i := range Xtest {
		var Hm mat.VecDense
		Hm.MulVec(H, stateMean[i])
		var HP mat.Dense
		HP.Mul(H, stateCov[i])
		var HPHT mat.Dense
		HPHT.Mul(&HP, H.T())
		for d := 0; d < Df; d++ {
			meanOut[i*Df+d] = Hm.AtVec(d)
			varOut[i*Df+d] = HPHT.At(d, d)
		}
	}
	return meanOut, varOut, nil
}

// Predict returns the posterior mean/variance of f at test times X
// (encoded as an Nx1 matrix for gp.Model conformance) and, if the kernel
// is spatio-temporal, spatial inputs R.
func (m *MarkovGP) Predict(X *mat.Dense, R *mat.Dense) ([]float64, []float64, error) {
	if m.smoothed == nil {
		return nil, nil, fmt.Errorf("model: MarkovGP.Predict called before UpdatePosterior")
	}
	n, _ := X.Dims()
	xs := make([]float64, n)
	for i := 0; i < n; i++ {
		xs[i] = X.At(i, 0)
	}
	return m.projectAt(m.sites, xs, R)
}

// PriorSample draws numSamples independent trajectories from the GP prior
// at test inputs xs, seeded from src: identical seeds reproduce bitwise-
// equal samples (spec.md §8 property S3).
func (m *MarkovGP) PriorSample(numSamples int, xs []float64, src rand.Source) (*mat.Dense, error) {
	Xdense := mat.NewDense(len(xs), 1, xs)
	Kxx := m.kernel.Cov(Xdense, Xdense)
	Kxxsym := mat.NewSymDense(len(xs), nil)
	for i := range xs {
		for j := i; j < len(xs); j++ {
			Kxxsym.SetSym(i, j, Kxx.At(i, j))
		}
	}

	sampler, err := noise.NewGaussian(make([]float64, len(xs)), Kxxsym, src)
	if err != nil {
		return nil, fmt.Errorf("model: MarkovGP.PriorSample: %w", err)
	}

	out := mat.NewDense(numSamples, len(xs), nil)
	for s := 0; s < numSamples; s++ {
		draw := sampler.Sample()
		for i := 0; i < len(xs); i++ {
			out.Set(s, i, draw.AtVec(i))
		}
	}
	return out, nil
}

// PosteriorSample draws numSamples approximate posterior trajectories at
// test inputs xs via Doucet's identity (spec.md §4.H):
//
//	f_post = f_prior - E[f_prior | y_prior] + mu_post,
//	y_prior = f_prior(X) + eps, eps ~ N(0, Sigma_tilde)
func (m *MarkovGP) PosteriorSample(xs []float64, numSamples int, src rand.Source) (*mat.Dense, error) {
	if m.smoothed == nil {
		return nil, fmt.Errorf("model: MarkovGP.PosteriorSample called before UpdatePosterior")
	}

	// joint prior draw over training inputs and test inputs together, so
	// the training portion used to build y_prior and the test portion
	// returned to the caller come from the same trajectory.
	all := make([]float64, 0, len(m.X)+len(xs))
	all = append(all, m.X...)
	all = append(all, xs...)
	prior, err := m.PriorSample(numSamples, all, src)
	if err != nil {
		return nil, err
	}

	postMean, _, err := m.projectAt(m.sites, xs, nil)
	if err != nil {
		return nil, err
	}

	noiseSrc := rand.New(src)
	out := mat.NewDense(numSamples, len(xs), nil)
	for s := 0; s < numSamples; s++ {
		yPrior := site.NewStore(len(m.X), m.kernel.FuncDim(), 100.0)
		for i := 0; i < len(m.X); i++ {
			mean := mat.NewVecDense(m.kernel.FuncDim(), nil)
			for d := 0; d < m.kernel.FuncDim(); d++ {
				eps := noiseSrc.NormFloat64() * sqrtDiag(m.sites.Cov(i), d)
				mean.SetVec(d, prior.At(s, i)+eps)
			}
			if err := yPrior.UpdateMeanCov(i, mean, m.sites.Cov(i)); err != nil {
				return nil, fmt.Errorf("model: MarkovGP.PosteriorSample: %w", err)
			}
		}

		condMean, _, err := m.projectAt(yPrior, xs, nil)
		if err != nil {
			return nil, fmt.Errorf("model: MarkovGP.PosteriorSample: %w", err)
		}

		for i := range xs {
			fPrior := prior.At(s, len(m.X)+i)
			out.Set(s, i, fPrior-condMean[i]+postMean[i])
		}
	}
	return out, nil
}

func sqrtDiag(cov mat.Symmetric, d int) float64 {
	v := cov.At(d, d)
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
