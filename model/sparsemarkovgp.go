package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp"
	"github.com/gp-infer/gogp/cavity"
	"github.com/gp-infer/gogp/kalman"
	"github.com/gp-infer/gogp/kalman/kfpairs"
	"github.com/gp-infer/gogp/numeric"
	"github.com/gp-infer/gogp/site"
)

// dataProjector holds the precomputed linear map taking a training or test
// point's enclosing paired state (x_k, x_{k+1}) to its own marginal
// (spec.md §4.I compute_conditional_statistics): W is the (already
// H-projected, and B-projected if spatio-temporal) S_out x 2S matrix and T
// the S_out x S_out residual covariance such that
//
//	p(f_n | x_k, x_{k+1}) = N(W [x_k; x_{k+1}], T).
//
// Both depend only on the kernel and the fixed time grid, so they are
// computed once at construction rather than cached per inference step; this
// is the redesign spec.md §9 proposes in place of the fragile implicit
// conditional_mean cache ("prefer returning the projector explicitly and
// making the reverse step take it as input").
type dataProjector struct {
	interval int
	W        *mat.Dense
	T        *mat.SymDense
}

// SparseMarkovGP is the sparse-Markov posterior representation (spec.md
// §4.I): an inducing temporal grid Z (sorted, padded with sentinel
// endpoints) carries one Gaussian site per interval, tied to the joint
// "paired state" (x_k, x_{k+1}) of dimension 2S. Every training (or test)
// point maps to its enclosing interval via a fixed linear projector built
// from the kernel's state-space matrices.
type SparseMarkovGP struct {
	kernel gp.Kernel
	lik    gp.Likelihood
	X      []float64
	R      *mat.Dense
	mask   gp.Mask

	Z             []float64
	Zaug          []float64
	dz            []float64
	ind           []int
	numNeighbours []float64
	proj          []dataProjector

	spatial bool
	outDim  int

	sites    *site.Store
	parallel bool

	filtered     *kalman.Result
	smoothed     *kalman.Result
	filterLogLik float64
}

func locateInterval(grid []float64, x float64) int {
	k := 0
	for k+1 < len(grid)-1 && grid[k+1] <= x {
		k++
	}
	return k
}

// processNoise returns Pinf - A Pinf A^T, the process noise accumulated by
// a single-state transition A from the stationary covariance Pinf.
func processNoise(A *mat.Dense, Pinf mat.Symmetric) *mat.Dense {
	var AP mat.Dense
	AP.Mul(A, Pinf)
	var APAT mat.Dense
	APAT.Mul(&AP, A.T())
	n := Pinf.Symmetric()
	Q := mat.NewDense(n, n, nil)
	Q.Sub(Pinf, &APAT)
	return Q
}

// buildConditionalStatistics returns the single-state bridge projector
// (P, T) for a point a distance dtLeft inside an interval of width dz:
//
//	x(t) | x_k, x_{k+1} = P [x_k; x_{k+1}] + eps, eps ~ N(0, T)
//
// derived from the standard linear-Gaussian bridge formula (an RTS
// backward step evaluated against a deterministic right endpoint rather
// than a smoothed marginal).
func buildConditionalStatistics(dtLeft, dz float64, kern gp.Kernel) (*mat.Dense, *mat.SymDense, error) {
	S := kern.StateDim()
	Pinf := kern.StationaryCov()

	dtRight := dz - dtLeft
	if dtRight < 0 {
		dtRight = 0
	}
	if dtLeft < 0 {
		dtLeft = 0
	}
	A1 := kern.StateTransition(dtLeft)
	A2 := kern.StateTransition(dtRight)

	Q1 := processNoise(A1, Pinf)
	Q2 := processNoise(A2, Pinf)

	var A2Q1 mat.Dense
	A2Q1.Mul(A2, Q1)
	var A2Q1A2T mat.Dense
	A2Q1A2T.Mul(&A2Q1, A2.T())
	predRightD := mat.NewDense(S, S, nil)
	predRightD.Add(&A2Q1A2T, Q2)
	predRight, err := numeric.ToSymDense(predRightD)
	if err != nil {
		return nil, nil, fmt.Errorf("model: conditional statistics: predicted right covariance: %w", err)
	}
	predRightInv, err := numeric.Inverse(predRight, gp.Jitter)
	if err != nil {
		return nil, nil, fmt.Errorf("model: conditional statistics: inverting predicted right covariance: %w", err)
	}

	var Q1A2T mat.Dense
	Q1A2T.Mul(Q1, A2.T())
	var G mat.Dense
	G.Mul(&Q1A2T, predRightInv)

	var A2A1 mat.Dense
	A2A1.Mul(A2, A1)
	var GA2A1 mat.Dense
	GA2A1.Mul(&G, &A2A1)
	leftBlock := mat.NewDense(S, S, nil)
	leftBlock.Sub(A1, &GA2A1)

	P := mat.NewDense(S, 2*S, nil)
	for i := 0; i < S; i++ {
		for j := 0; j < S; j++ {
			P.Set(i, j, leftBlock.At(i, j))
			P.Set(i, S+j, G.At(i, j))
		}
	}

	var GPred mat.Dense
	GPred.Mul(&G, predRight)
	var GPredGT mat.Dense
	GPredGT.Mul(&GPred, G.T())
	TD := mat.NewDense(S, S, nil)
	TD.Sub(Q1, &GPredGT)
	T, err := numeric.ToSymDense(TD)
	if err != nil {
		return nil, nil, fmt.Errorf("model: conditional statistics: residual covariance: %w", err)
	}
	return P, T, nil
}

// buildProjector composes buildConditionalStatistics with the kernel's
// measurement model H (and spatial conditional B, C if given) to produce
// the full data-space projector used by compute_conditional_statistics.
func buildProjector(kern gp.Kernel, interval int, dtLeft, dz float64, B, C *mat.Dense) (dataProjector, error) {
	Psmall, Tsmall, err := buildConditionalStatistics(dtLeft, dz, kern)
	if err != nil {
		return dataProjector{}, err
	}
	H := kern.Measurement()

	var W0 mat.Dense
	W0.Mul(H, Psmall)
	var HT mat.Dense
	HT.Mul(H, Tsmall)
	var T0D mat.Dense
	T0D.Mul(&HT, H.T())

	if B == nil {
		T0, err := numeric.ToSymDense(&T0D)
		if err != nil {
			return dataProjector{}, fmt.Errorf("model: buildProjector: %w", err)
		}
		return dataProjector{interval: interval, W: &W0, T: T0}, nil
	}

	var W mat.Dense
	W.Mul(B, &W0)
	var BT mat.Dense
	BT.Mul(B, &T0D)
	var BTBT mat.Dense
	BTBT.Mul(&BT, B.T())
	BTBT.Add(&BTBT, C)
	T, err := numeric.ToSymDense(&BTBT)
	if err != nil {
		return dataProjector{}, fmt.Errorf("model: buildProjector: %w", err)
	}
	return dataProjector{interval: interval, W: &W, T: T}, nil
}

// NewSparseMarkovGP constructs a sparse-Markov posterior over the sorted
// inducing time grid Z with one tied site per interval (numTransitions =
// len(Z)+1, counting the two sentinel-padded outer intervals), mapping the
// sorted training times X onto their enclosing intervals.
func NewSparseMarkovGP(kernel gp.Kernel, lik gp.Likelihood, X, Z []float64, R *mat.Dense, mask gp.Mask, parallel bool) (*SparseMarkovGP, error) {
	for i := 1; i < len(X); i++ {
		if X[i] < X[i-1] {
			return nil, fmt.Errorf("model: SparseMarkovGP requires sorted time inputs, X[%d]=%g < X[%d]=%g", i, X[i], i-1, X[i-1])
		}
	}
	if len(Z) == 0 {
		return nil, fmt.Errorf("model: SparseMarkovGP requires a non-empty inducing grid Z")
	}
	for i := 1; i < len(Z); i++ {
		if Z[i] < Z[i-1] {
			return nil, fmt.Errorf("model: SparseMarkovGP requires a sorted inducing grid, Z[%d]=%g < Z[%d]=%g", i, Z[i], i-1, Z[i-1])
		}
	}
	if mask != nil && len(mask) != len(X) {
		return nil, fmt.Errorf("model: mask length %d does not match training set size %d", len(mask), len(X))
	}

	numZ := len(Z)
	Zaug := make([]float64, numZ+2)
	Zaug[0] = Z[0] - gp.Sentinel
	copy(Zaug[1:], Z)
	Zaug[numZ+1] = Z[numZ-1] + gp.Sentinel

	numTransitions := numZ + 1
	dz := make([]float64, numTransitions)
	for k := 0; k < numTransitions; k++ {
		dz[k] = Zaug[k+1] - Zaug[k]
	}

	var B, C *mat.Dense
	spatial := false
	if R != nil {
		Xdense := mat.NewDense(len(X), 1, X)
		var ok bool
		B, C, ok = kernel.SpatialConditional(Xdense, R)
		spatial = ok
	}

	ind := make([]int, len(X))
	numNeighbours := make([]float64, numTransitions)
	proj := make([]dataProjector, len(X))
	for n, x := range X {
		k := locateInterval(Zaug, x)
		ind[n] = k
		numNeighbours[k]++
		var p dataProjector
		var err error
		if spatial {
			p, err = buildProjector(kernel, k, x-Zaug[k], dz[k], B, C)
		} else {
			p, err = buildProjector(kernel, k, x-Zaug[k], dz[k], nil, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("model: SparseMarkovGP: building projector for point %d: %w", n, err)
		}
		proj[n] = p
	}

	outDim := kernel.FuncDim()
	if spatial {
		outDim, _ = B.Dims()
	}

	return &SparseMarkovGP{
		kernel:        kernel,
		lik:           lik,
		X:             X,
		R:             R,
		mask:          mask,
		Z:             Z,
		Zaug:          Zaug,
		dz:            dz,
		ind:           ind,
		numNeighbours: numNeighbours,
		proj:          proj,
		spatial:       spatial,
		outDim:        outDim,
		sites:         site.NewPairedPretied(numTransitions, kernel.StateDim()),
		parallel:      parallel,
	}, nil
}

// Sites exposes the tied per-interval pseudo-likelihood site store.
func (m *SparseMarkovGP) Sites() *site.Store { return m.sites }

// NumNeighbours exposes N_k, the count of training points assigned to each
// inducing interval, as required by the tied-site grouping rule.
func (m *SparseMarkovGP) NumNeighbours() []float64 { return m.numNeighbours }

// Interval reports the inducing interval training point n is assigned to.
func (m *SparseMarkovGP) Interval(n int) int { return m.ind[n] }

// UpdatePosterior runs the paired-state filter and smoother over the
// current tied sites (spec.md §4.I steps 1-3; the per-interval joint
// N(x_k, x_{k+1}) is simply the smoother's own output, since the paired
// state already is that joint).
func (m *SparseMarkovGP) UpdatePosterior() error {
	filtered, logLik, err := kfpairs.Filter(m.dz, m.kernel, m.sites, m.parallel)
	if err != nil {
		return fmt.Errorf("model: SparseMarkovGP.UpdatePosterior: %w", err)
	}
	smoothed, _, err := kfpairs.Smooth(m.dz, m.kernel, filtered, m.parallel)
	if err != nil {
		return fmt.Errorf("model: SparseMarkovGP.UpdatePosterior: %w", err)
	}
	m.filtered, m.smoothed, m.filterLogLik = filtered, smoothed, logLik
	return nil
}

// ComputeLogLik returns the paired-state filter's accumulated log marginal
// likelihood of the pseudo model.
func (m *SparseMarkovGP) ComputeLogLik() (float64, error) {
	if m.filtered == nil {
		return 0, fmt.Errorf("model: SparseMarkovGP.ComputeLogLik called before UpdatePosterior")
	}
	return m.filterLogLik, nil
}

// ComputeKL returns KL[q || p] summed over each interval's own tied-site
// marginal (the paired state itself, since the site lives directly in
// paired-state space with no further projection).
func (m *SparseMarkovGP) ComputeKL() (float64, error) {
	if m.smoothed == nil {
		return 0, fmt.Errorf("model: SparseMarkovGP.ComputeKL called before UpdatePosterior")
	}
	logLik, err := m.ComputeLogLik()
	if err != nil {
		return 0, err
	}
	d := m.sites.Dim()
	expected := 0.0
	for k := 0; k < m.sites.Len(); k++ {
		for i := 0; i < d; i++ {
			expected += expectedGaussianLogDensity(m.sites.Mean(k).AtVec(i), m.sites.Cov(k).At(i, i), m.smoothed.Means[k].AtVec(i), m.smoothed.Covs[k].At(i, i))
		}
	}
	return expected - logLik, nil
}

func projectMoments(proj dataProjector, mean *mat.VecDense, cov *mat.SymDense) ([]float64, []float64) {
	outDim, _ := proj.W.Dims()
	var m mat.VecDense
	m.MulVec(proj.W, mean)
	var WP mat.Dense
	WP.Mul(proj.W, cov)
	var WPWT mat.Dense
	WPWT.Mul(&WP, proj.W.T())

	meanOut := make([]float64, outDim)
	varOut := make([]float64, outDim)
	for d := 0; d < outDim; d++ {
		meanOut[d] = m.AtVec(d)
		varOut[d] = WPWT.At(d, d) + proj.T.At(d, d)
	}
	return meanOut, varOut
}

// ConditionalPosteriorToData projects the smoothed posterior joint at each
// batch point's enclosing interval onto that point's own marginal via its
// precomputed projector (spec.md §4.I / §6 item 4). The returned
// projectors must be supplied unchanged to ConditionalDataToPosterior
// within the same inference step.
func (m *SparseMarkovGP) ConditionalPosteriorToData(batchInd []int) ([]float64, []float64, []dataProjector, error) {
	if m.smoothed == nil {
		return nil, nil, nil, fmt.Errorf("model: SparseMarkovGP.ConditionalPosteriorToData called before UpdatePosterior")
	}
	meanOut := make([]float64, 0, len(batchInd)*m.outDim)
	varOut := make([]float64, 0, len(batchInd)*m.outDim)
	used := make([]dataProjector, len(batchInd))
	for i, idx := range batchInd {
		p := m.proj[idx]
		mean, variance := projectMoments(p, m.smoothed.Means[p.interval], m.smoothed.Covs[p.interval])
		meanOut = append(meanOut, mean...)
		varOut = append(varOut, variance...)
		used[i] = p
	}
	return meanOut, varOut, used, nil
}

// ConditionalDataToPosterior lifts function-space natural-parameter
// updates (nat1F, nat2F, one Dout-vector/matrix per batch point) back onto
// the corresponding paired-state naturals by applying W^T = (B H P_n)^T,
// i.e. the transpose of the projector ConditionalPosteriorToData used to
// go the other way. proj must be the slice ConditionalPosteriorToData
// returned for the same batch within this inference step — calling this
// with a stale or mismatched proj is a precondition violation (spec.md §7).
func (m *SparseMarkovGP) ConditionalDataToPosterior(proj []dataProjector, nat1F []*mat.VecDense, nat2F []*mat.SymDense) ([]*mat.VecDense, []*mat.SymDense, error) {
	if len(proj) != len(nat1F) || len(proj) != len(nat2F) {
		return nil, nil, fmt.Errorf("model: SparseMarkovGP.ConditionalDataToPosterior: precondition violation: projector/update length mismatch (%d vs %d vs %d) — must follow a matching ConditionalPosteriorToData call", len(proj), len(nat1F), len(nat2F))
	}
	d := m.sites.Dim()
	nat1Pair := make([]*mat.VecDense, len(proj))
	nat2Pair := make([]*mat.SymDense, len(proj))
	for i, p := range proj {
		var n1 mat.Dense
		n1.Mul(p.W.T(), nat1F[i])
		vec := mat.NewVecDense(d, nil)
		for k := 0; k < d; k++ {
			vec.SetVec(k, n1.At(k, 0))
		}

		var WTn2 mat.Dense
		WTn2.Mul(p.W.T(), nat2F[i])
		var n2D mat.Dense
		n2D.Mul(&WTn2, p.W)
		n2, err := numeric.ToSymDense(&n2D)
		if err != nil {
			return nil, nil, fmt.Errorf("model: SparseMarkovGP.ConditionalDataToPosterior: %w", err)
		}

		nat1Pair[i] = vec
		nat2Pair[i] = n2
	}
	return nat1Pair, nat2Pair, nil
}

// CavityDistribution returns the per-point power-EP cavity in function
// space: the shared interval-level paired-state cavity (with an alpha
// fraction of that interval's tied site removed), projected down to each
// batch point's own marginal via its projector. Points sharing an interval
// share the same interval-level cavity computation (cached within the
// call) but are individually projected.
func (m *SparseMarkovGP) CavityDistribution(batchInd []int, alpha float64) ([]float64, []float64, error) {
	if m.smoothed == nil {
		return nil, nil, fmt.Errorf("model: SparseMarkovGP.CavityDistribution called before UpdatePosterior")
	}
	cavMean := map[int]*mat.VecDense{}
	cavCov := map[int]*mat.SymDense{}

	meanOut := make([]float64, 0, len(batchInd)*m.outDim)
	varOut := make([]float64, 0, len(batchInd)*m.outDim)
	for _, idx := range batchInd {
		p := m.proj[idx]
		k := p.interval
		if _, ok := cavMean[k]; !ok {
			cm, cc, err := cavity.Compute(m.smoothed.Means[k], m.smoothed.Covs[k], m.sites.Nat1(k), m.sites.Nat2(k), alpha)
			if err != nil {
				return nil, nil, fmt.Errorf("model: SparseMarkovGP.CavityDistribution: interval %d: %w", k, err)
			}
			cavMean[k], cavCov[k] = cm, cc
		}
		mean, variance := projectMoments(p, cavMean[k], cavCov[k])
		meanOut = append(meanOut, mean...)
		varOut = append(varOut, variance...)
	}
	return meanOut, varOut, nil
}

// GroupNaturalParams applies the tied-site grouping rule (spec.md §4.E):
// batchInd indexes training points (not intervals); each interval's new
// naturals are the sum of its members' contributions in this update plus a
// residual share of its old naturals.
func (m *SparseMarkovGP) GroupNaturalParams(batchInd []int, nat1New []*mat.VecDense, nat2New []*mat.SymDense) error {
	return cavity.GroupTied(m.sites, m.ind, m.numNeighbours, batchInd, nat1New, nat2New)
}

// Predict returns the posterior mean/variance of f (or, for spatio-temporal
// kernels, the spatial output) at arbitrary test inputs X (and R), by
// building a one-off projector against each test point's enclosing
// interval and projecting the smoothed joint there (spec.md §4.I
// Predictions).
func (m *SparseMarkovGP) Predict(X *mat.Dense, R *mat.Dense) ([]float64, []float64, error) {
	if m.smoothed == nil {
		return nil, nil, fmt.Errorf("model: SparseMarkovGP.Predict called before UpdatePosterior")
	}
	n, _ := X.Dims()

	var B, C *mat.Dense
	spatial := false
	if R != nil {
		B, C, spatial = m.kernel.SpatialConditional(X, R)
	}

	outDim := m.kernel.FuncDim()
	if spatial {
		outDim, _ = B.Dims()
	}

	meanOut := make([]float64, 0, n*outDim)
	varOut := make([]float64, 0, n*outDim)
	for i := 0; i < n; i++ {
		xt := X.At(i, 0)
		k := locateInterval(m.Zaug, xt)
		var p dataProjector
		var err error
		if spatial {
			p, err = buildProjector(m.kernel, k, xt-m.Zaug[k], m.dz[k], B, C)
		} else {
			p, err = buildProjector(m.kernel, k, xt-m.Zaug[k], m.dz[k], nil, nil)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("model: SparseMarkovGP.Predict: %w", err)
		}
		mean, variance := projectMoments(p, m.smoothed.Means[k], m.smoothed.Covs[k])
		meanOut = append(meanOut, mean...)
		varOut = append(varOut, variance...)
	}
	return meanOut, varOut, nil
}
