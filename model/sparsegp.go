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

// SparseGP is the inducing-point posterior representation (spec.md §4.G):
// per-datum sites are projected onto a shared q(u) at inducing inputs Z via
// Wuf = Kuu^-1 Kuf, and predictions at data/test inputs go back through
// the conditional prior p(f*|u).
type SparseGP struct {
	kernel     gp.Kernel
	lik        gp.Likelihood
	X          *mat.Dense
	Z          *mat.Dense
	trainableZ bool
	mask       gp.Mask
	sites      *site.Store

	postMean *mat.VecDense
	postCov  *mat.SymDense
}

// NewSparseGP constructs a sparse GP posterior with N data-point sites
// projected onto M inducing inputs Z. trainableZ only records whether the
// outer optimiser treats Z as a parameter; it has no effect on this
// module's own computations.
func NewSparseGP(kernel gp.Kernel, lik gp.Likelihood, X, Z *mat.Dense, mask gp.Mask, trainableZ bool) (*SparseGP, error) {
	if kernel.FuncDim() != 1 {
		return nil, fmt.Errorf("model: SparseGP requires a scalar-output kernel (FuncDim=1), got %d", kernel.FuncDim())
	}
	n, _ := X.Dims()
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("model: mask length %d does not match training set size %d", len(mask), n)
	}

	return &SparseGP{
		kernel:     kernel,
		lik:        lik,
		X:          X,
		Z:          Z,
		trainableZ: trainableZ,
		mask:       mask,
		sites:      site.NewStore(n, 1, 100.0),
	}, nil
}

// Sites exposes the pseudo-likelihood site store.
func (m *SparseGP) Sites() *site.Store { return m.sites }

// TrainableZ reports whether the inducing inputs are flagged as trainable.
func (m *SparseGP) TrainableZ() bool { return m.trainableZ }

func (m *SparseGP) observedIndices() []int {
	n := m.sites.Len()
	ind := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if m.mask == nil || !m.mask[i] {
			ind = append(ind, i)
		}
	}
	return ind
}

// computeFullPseudoNat gathers the scalar site naturals at the given data
// indices into a vector (eta1) and a diagonal matrix (eta2), in the order
// of ind; callers project them onto inducing space. Passing every observed
// index gives the global pseudo-likelihood, passing a batch gives the
// per-batch one; ind=nil yields empty results.
func (m *SparseGP) computeFullPseudoNat(ind []int) (*mat.VecDense, *mat.SymDense, error) {
	k := len(ind)
	nat1 := mat.NewVecDense(k, nil)
	nat2 := mat.NewSymDense(k, nil)
	for i, idx := range ind {
		nat1.SetVec(i, m.sites.Nat1(idx).AtVec(0))
		nat2.SetSym(i, i, m.sites.Nat2(idx).At(0, 0))
	}
	return nat1, nat2, nil
}

// UpdatePosterior recomputes q(u) by projecting every observed site onto
// the inducing inputs and conditioning the Kuu prior on the aggregate.
func (m *SparseGP) UpdatePosterior() error {
	ind := m.observedIndices()
	Xobs := numeric.GatherRows(m.X, ind)
	nat1, nat2, err := m.computeFullPseudoNat(ind)
	if err != nil {
		return fmt.Errorf("model: SparseGP.UpdatePosterior: %w", err)
	}

	pseudoY, pseudoVar, err := gaussian.ProjectToInducing(m.kernel, nat1, nat2, Xobs, m.Z)
	if err != nil {
		return fmt.Errorf("model: SparseGP.UpdatePosterior: %w", err)
	}
	postMean, postCov, err := gaussian.Conditional(m.kernel, pseudoY, pseudoVar, m.Z, nil)
	if err != nil {
		return fmt.Errorf("model: SparseGP.UpdatePosterior: %w", err)
	}
	m.postMean, m.postCov = postMean, postCov
	return nil
}

// ComputeLogLik returns the Gaussian log normaliser of the global
// projected pseudo-likelihood against the Kuu prior.
func (m *SparseGP) ComputeLogLik() (float64, error) {
	ind := m.observedIndices()
	if len(ind) == 0 {
		return 0, nil
	}
	Xobs := numeric.GatherRows(m.X, ind)
	nat1, nat2, err := m.computeFullPseudoNat(ind)
	if err != nil {
		return 0, err
	}
	pseudoY, pseudoVar, err := gaussian.ProjectToInducing(m.kernel, nat1, nat2, Xobs, m.Z)
	if err != nil {
		return 0, fmt.Errorf("model: SparseGP.ComputeLogLik: %w", err)
	}

	Kuu := m.kernel.Cov(m.Z, m.Z)
	mu, _ := Kuu.Dims()
	KyD := mat.NewDense(mu, mu, nil)
	KyD.Add(Kuu, pseudoVar)
	Ky, err := numeric.ToSymDense(KyD)
	if err != nil {
		return 0, fmt.Errorf("model: SparseGP.ComputeLogLik: %w", err)
	}
	alpha, _, err := numeric.CholSolve(Ky, pseudoY, gp.Jitter)
	if err != nil {
		return 0, fmt.Errorf("model: SparseGP.ComputeLogLik: %w", err)
	}
	var alphaVec mat.VecDense
	alphaVec.CopyVec(alpha.ColView(0))
	quad := mat.Dot(pseudoY, &alphaVec)

	logDet, err := numeric.LogDet(Ky, gp.Jitter)
	if err != nil {
		return 0, fmt.Errorf("model: SparseGP.ComputeLogLik: %w", err)
	}
	return -0.5 * (quad + logDet + float64(mu)*logTwoPi), nil
}

// ComputeKL returns KL[q || p] over the per-datum sites, evaluated at each
// site's own conditional-posterior-to-data marginal.
func (m *SparseGP) ComputeKL() (float64, error) {
	if m.postMean == nil {
		return 0, fmt.Errorf("model: SparseGP.ComputeKL called before UpdatePosterior")
	}
	logLik, err := m.ComputeLogLik()
	if err != nil {
		return 0, err
	}
	ind := m.observedIndices()
	meanF, varF, err := m.ConditionalPosteriorToData(ind)
	if err != nil {
		return 0, err
	}
	expected := 0.0
	for i, idx := range ind {
		expected += expectedGaussianLogDensity(m.sites.Mean(idx).AtVec(0), m.sites.Cov(idx).At(0, 0), meanF[i], varF[i])
	}
	return expected - logLik, nil
}

// Predict returns the posterior mean/variance of f at test inputs X via
// sparse_conditional_post_to_data.
func (m *SparseGP) Predict(Xtest *mat.Dense, R *mat.Dense) ([]float64, []float64, error) {
	if m.postMean == nil {
		return nil, nil, fmt.Errorf("model: SparseGP.Predict called before UpdatePosterior")
	}
	mean, cov, err := gaussian.SparseConditionalPostToData(m.kernel, m.postMean, m.postCov, Xtest, m.Z)
	if err != nil {
		return nil, nil, fmt.Errorf("model: SparseGP.Predict: %w", err)
	}
	n, _ := Xtest.Dims()
	meanOut := make([]float64, n)
	varOut := make([]float64, n)
	for i := 0; i < n; i++ {
		meanOut[i] = mean.AtVec(i)
		varOut[i] = cov.At(i, i)
	}
	return meanOut, varOut, nil
}

// ConditionalPosteriorToData projects q(u) back onto the data inputs at
// batchInd via the conditional prior p(f|u).
func (m *SparseGP) ConditionalPosteriorToData(batchInd []int) ([]float64, []float64, error) {
	Xb := numeric.GatherRows(m.X, batchInd)
	return m.Predict(Xb, nil)
}

// CavityDistribution computes the shared q(u) cavity with an alpha
// fraction of the batch's projected site contribution removed (spec.md
// §4.G "Cavity uses the shared q(u) posterior but per-point projected
// sites").
func (m *SparseGP) CavityDistribution(batchInd []int, alpha float64) (*mat.VecDense, *mat.SymDense, error) {
	if m.postMean == nil {
		return nil, nil, fmt.Errorf("model: SparseGP.CavityDistribution called before UpdatePosterior")
	}
	Xb := numeric.GatherRows(m.X, batchInd)
	nat1, nat2, err := m.computeFullPseudoNat(batchInd)
	if err != nil {
		return nil, nil, err
	}

	Kuf := m.kernel.Cov(m.Z, Xb)
	Kuu := m.kernel.Cov(m.Z, m.Z)
	KuuSym, err := numeric.ToSymDense(Kuu)
	if err != nil {
		return nil, nil, fmt.Errorf("model: SparseGP.CavityDistribution: %w", err)
	}
	Wuf, _, err := numeric.CholSolve(KuuSym, Kuf, gp.Jitter)
	if err != nil {
		return nil, nil, fmt.Errorf("model: SparseGP.CavityDistribution: %w", err)
	}

	M := m.postMean.Len()
	var nat1uD mat.Dense
	nat1uD.Mul(Wuf, nat1)
	nat1u := mat.NewVecDense(M, nil)
	for i := 0; i < M; i++ {
		nat1u.SetVec(i, nat1uD.At(i, 0))
	}

	var WufNat2 mat.Dense
	WufNat2.Mul(Wuf, nat2)
	var nat2uD mat.Dense
	nat2uD.Mul(&WufNat2, Wuf.T())
	nat2u, err := numeric.ToSymDense(&nat2uD)
	if err != nil {
		return nil, nil, fmt.Errorf("model: SparseGP.CavityDistribution: %w", err)
	}

	return cavity.Compute(m.postMean, m.postCov, nat1u, nat2u, alpha)
}

// GroupNaturalParams scatter-updates the per-datum sites at batchInd.
func (m *SparseGP) GroupNaturalParams(batchInd []int, nat1New []*mat.VecDense, nat2New []*mat.SymDense) error {
	return cavity.GroupScatter(m.sites, batchInd, nat1New, nat2New)
}
