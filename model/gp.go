package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp"
	"github.com/gp-infer/gogp/cavity"
	"github.com/gp-infer/gogp/gaussian"
	"github.com/gp-infer/gogp/numeric"
	"github.com/gp-infer/gogp/site"
)

// GP is the dense-kernel posterior representation (spec.md §4.F):
// pseudo-likelihood sites live directly at the N training inputs, and the
// posterior is the Gaussian conditional of the kernel prior on those
// sites. Scalar-valued latent functions only (kernel.FuncDim() == 1);
// multi-latent composition goes through kernel.Independent instead, which
// is still scalar per combined output.
type GP struct {
	kernel gp.Kernel
	lik    gp.Likelihood
	X      *mat.Dense
	mask   gp.Mask
	sites  *site.Store

	postMean *mat.VecDense
	postCov  *mat.SymDense
}

// NewGP constructs a dense GP posterior over N training inputs X, with
// pseudo-likelihood sites initialised per spec.md §3 (zero mean, 100
// diagonal covariance).
func NewGP(kernel gp.Kernel, lik gp.Likelihood, X *mat.Dense, mask gp.Mask) (*GP, error) {
	if kernel.FuncDim() != 1 {
		return nil, fmt.Errorf("model: GP requires a scalar-output kernel (FuncDim=1), got %d", kernel.FuncDim())
	}
	n, _ := X.Dims()
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("model: mask length %d does not match training set size %d", len(mask), n)
	}

	return &GP{
		kernel: kernel,
		lik:    lik,
		X:      X,
		mask:   mask,
		sites:  site.NewStore(n, 1, 100.0),
	}, nil
}

// Sites exposes the pseudo-likelihood site store so the outer inference
// engine can drive update_mean_cov/update_nat_params directly.
func (m *GP) Sites() *site.Store { return m.sites }

func (m *GP) stackedSiteMeanCov() (*mat.VecDense, mat.Symmetric) {
	n := m.sites.Len()
	mean := mat.NewVecDense(n, nil)
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		mean.SetVec(i, m.sites.Mean(i).AtVec(0))
		cov.SetSym(i, i, m.sites.Cov(i).At(0, 0))
	}
	return mean, cov
}

// UpdatePosterior recomputes mu_post, Sigma_post from the current sites
// via gaussian_conditional.
func (m *GP) UpdatePosterior() error {
	mean, cov := m.stackedSiteMeanCov()
	postMean, postCov, err := gaussian.Conditional(m.kernel, mean, cov, m.X, nil)
	if err != nil {
		return fmt.Errorf("model: GP.UpdatePosterior: %w", err)
	}
	m.postMean, m.postCov = postMean, postCov
	return nil
}

// ComputeLogLik returns the Gaussian log normaliser log N(mu_tilde | 0, K +
// diag(Sigma_tilde)), restricted to unmasked rows.
func (m *GP) ComputeLogLik() (float64, error) {
	ind := m.observedIndices()
	if len(ind) == 0 {
		return 0, nil
	}
	Xobs := numeric.GatherRows(m.X, ind)

	n := len(ind)
	mean := mat.NewVecDense(n, nil)
	cov := mat.NewSymDense(n, nil)
	for i, idx := range ind {
		mean.SetVec(i, m.sites.Mean(idx).AtVec(0))
		cov.SetSym(i, i, m.sites.Cov(idx).At(0, 0))
	}

	Kff := m.kernel.Cov(Xobs, Xobs)
	KyD := mat.NewDense(n, n, nil)
	KyD.Add(Kff, cov)
	Ky, err := numeric.ToSymDense(KyD)
	if err != nil {
		return 0, fmt.Errorf("model: GP.ComputeLogLik: %w", err)
	}

	alpha, _, err := numeric.CholSolve(Ky, mean, gp.Jitter)
	if err != nil {
		return 0, fmt.Errorf("model: GP.ComputeLogLik: %w", err)
	}
	var alphaVec mat.VecDense
	alphaVec.CopyVec(alpha.ColView(0))
	quad := mat.Dot(mean, &alphaVec)

	logDet, err := numeric.LogDet(Ky, gp.Jitter)
	if err != nil {
		return 0, fmt.Errorf("model: GP.ComputeLogLik: %w", err)
	}

	return -0.5 * (quad + logDet + float64(n)*logTwoPi), nil
}

// ComputeKL returns KL[q || p] = E_q[log q_tilde] - log Z_pseudo.
func (m *GP) ComputeKL() (float64, error) {
	if m.postMean == nil {
		return 0, fmt.Errorf("model: GP.ComputeKL called before UpdatePosterior")
	}
	logLik, err := m.ComputeLogLik()
	if err != nil {
		return 0, err
	}
	expected := 0.0
	for i := 0; i < m.sites.Len(); i++ {
		if m.mask != nil && m.mask[i] {
			continue
		}
		expected += expectedGaussianLogDensity(m.sites.Mean(i).AtVec(0), m.sites.Cov(i).At(0, 0), m.postMean.AtVec(i), m.postCov.At(i, i))
	}
	return expected - logLik, nil
}

// Predict returns the posterior mean/variance of f at test inputs X
// (R is unused: the dense GP variant has no spatio-temporal projection).
func (m *GP) Predict(Xtest *mat.Dense, R *mat.Dense) ([]float64, []float64, error) {
	mean, cov := m.stackedSiteMeanCov()
	postMean, postCov, err := gaussian.Conditional(m.kernel, mean, cov, m.X, Xtest)
	if err != nil {
		return nil, nil, fmt.Errorf("model: GP.Predict: %w", err)
	}
	n, _ := Xtest.Dims()
	meanOut := make([]float64, n)
	varOut := make([]float64, n)
	for i := 0; i < n; i++ {
		meanOut[i] = postMean.AtVec(i)
		varOut[i] = postCov.At(i, i)
	}
	return meanOut, varOut, nil
}

func (m *GP) observedIndices() []int {
	n := m.sites.Len()
	ind := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if m.mask == nil || !m.mask[i] {
			ind = append(ind, i)
		}
	}
	return ind
}

// CavityDistribution computes the joint power-EP cavity over the batch of
// data indices batchInd: the selected sub-block of (mu_post, Sigma_post)
// with an alpha fraction of the corresponding (block-diagonal, since sites
// are independent across points) site naturals removed.
func (m *GP) CavityDistribution(batchInd []int, alpha float64) (*mat.VecDense, *mat.SymDense, error) {
	if m.postMean == nil {
		return nil, nil, fmt.Errorf("model: GP.CavityDistribution called before UpdatePosterior")
	}
	k := len(batchInd)
	subMean := mat.NewVecDense(k, nil)
	subCov := mat.NewSymDense(k, nil)
	nat1 := mat.NewVecDense(k, nil)
	nat2 := mat.NewSymDense(k, nil)
	for i, idx := range batchInd {
		subMean.SetVec(i, m.postMean.AtVec(idx))
		nat1.SetVec(i, m.sites.Nat1(idx).AtVec(0))
		for j, jdx := range batchInd {
			subCov.SetSym(i, j, m.postCov.At(idx, jdx))
		}
		nat2.SetSym(i, i, m.sites.Nat2(idx).At(0, 0))
	}
	return cavity.Compute(subMean, subCov, nat1, nat2, alpha)
}

// GroupNaturalParams scatter-updates the sites at batchInd with the given
// new natural parameters (spec.md §4.E unstructured grouping rule).
func (m *GP) GroupNaturalParams(batchInd []int, nat1New []*mat.VecDense, nat2New []*mat.SymDense) error {
	return cavity.GroupScatter(m.sites, batchInd, nat1New, nat2New)
}

// ConditionalPosteriorToData returns the posterior marginal mean/variance
// at the given batch of data indices; for the dense GP representation the
// posterior already lives at data indices, so this is a direct gather.
func (m *GP) ConditionalPosteriorToData(batchInd []int) ([]float64, []float64, error) {
	if m.postMean == nil {
		return nil, nil, fmt.Errorf("model: GP.ConditionalPosteriorToData called before UpdatePosterior")
	}
	mean := make([]float64, len(batchInd))
	variance := make([]float64, len(batchInd))
	for i, idx := range batchInd {
		mean[i] = m.postMean.AtVec(idx)
		variance[i] = m.postCov.At(idx, idx)
	}
	return mean, variance, nil
}

const logTwoPi = 1.8378770664093453
