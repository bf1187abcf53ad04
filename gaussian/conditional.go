// Package gaussian implements the Gaussian-conditioning operators shared
// by the dense and sparse model variants (spec.md §4.C): conditioning a
// GP prior on pseudo-likelihood sites defined either at the data points
// themselves (dense `GP`) or at a separate inducing set (`SparseGP`), and
// projecting an inducing posterior back onto arbitrary test/data inputs.
package gaussian

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp"
	"github.com/gp-infer/gogp/numeric"
)

// Conditional computes the posterior of a zero-mean GP prior with kernel
// kern, conditioned on pseudo-likelihood sites (pseudoMean, pseudoCov) at
// inputs X, evaluated at test inputs Xtest. If Xtest is nil, it defaults
// to X (i.e. this computes the posterior at the sites' own inputs, the
// dense `GP.UpdatePosterior` case).
func Conditional(kern gp.Kernel, pseudoMean *mat.VecDense, pseudoCov mat.Symmetric, X, Xtest *mat.Dense) (*mat.VecDense, *mat.SymDense, error) {
	if Xtest == nil {
		Xtest = X
	}

	Kff := kern.Cov(X, X)
	KffSym, err := numeric.ToSymDense(Kff)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: prior covariance not symmetric: %w", err)
	}
	Kss := kern.Cov(Xtest, Xtest)
	Ksf := kern.Cov(Xtest, X)

	n, _ := Kff.Dims()
	KyD := mat.NewDense(n, n, nil)
	KyD.Add(KffSym, pseudoCov)
	Ky, err := numeric.ToSymDense(KyD)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: Ky not symmetric: %w", err)
	}

	alpha, _, err := numeric.CholSolve(Ky, pseudoMean, gp.Jitter)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: solving for alpha: %w", err)
	}
	var meanD mat.Dense
	meanD.Mul(Ksf, alpha)
	m, _ := meanD.Dims()
	mean := mat.NewVecDense(m, nil)
	for i := 0; i < m; i++ {
		mean.SetVec(i, meanD.At(i, 0))
	}

	W, _, err := numeric.CholSolve(Ky, Ksf.T(), gp.Jitter)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: solving for W: %w", err)
	}
	var KsfW mat.Dense
	KsfW.Mul(Ksf, W)
	covD := mat.NewDense(m, m, nil)
	covD.Sub(Kss, &KsfW)
	cov, err := numeric.ToSymDense(covD)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: posterior covariance not symmetric: %w", err)
	}

	return mean, cov, nil
}

// SparseConditional computes the SparseGP inducing-point posterior: the
// natural parameters of N per-datum sites (nat1, nat2, one scalar site
// per row of X) are first projected onto the inducing set Z via
// Wuf = Kuu^-1 Kuf, giving a pseudo-likelihood directly on u, which is
// then conditioned on as in Conditional with prior Kuu.
func SparseConditional(kern gp.Kernel, nat1 *mat.VecDense, nat2 mat.Symmetric, X, Z *mat.Dense) (*mat.VecDense, *mat.SymDense, error) {
	pseudoY, pseudoVar, err := ProjectToInducing(kern, nat1, nat2, X, Z)
	if err != nil {
		return nil, nil, err
	}
	return Conditional(kern, pseudoY, pseudoVar, Z, nil)
}

// ProjectToInducing projects per-datum site natural parameters (nat1,
// nat2 diagonal) at inputs X onto an inducing-space pseudo-likelihood
// (pseudo_y, pseudo_var) at Z, via Wuf = Kuu^-1 Kuf (spec.md §4.G
// "compute_full_pseudo_nat"/"compute_global_pseudo_lik").
func ProjectToInducing(kern gp.Kernel, nat1 *mat.VecDense, nat2 mat.Symmetric, X, Z *mat.Dense) (*mat.VecDense, *mat.SymDense, error) {
	Kuf := kern.Cov(Z, X)
	Kuu := kern.Cov(Z, Z)
	KuuSym, err := numeric.ToSymDense(Kuu)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: Kuu not symmetric: %w", err)
	}

	Wuf, _, err := numeric.CholSolve(KuuSym, Kuf, gp.Jitter)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: solving Wuf: %w", err)
	}

	M, _ := Kuu.Dims()

	var nat1lik mat.Dense
	nat1lik.Mul(Wuf, nat1)
	nat1Vec := mat.NewVecDense(M, nil)
	for i := 0; i < M; i++ {
		nat1Vec.SetVec(i, nat1lik.At(i, 0))
	}

	var WufNat2 mat.Dense
	WufNat2.Mul(Wuf, nat2)
	var nat2likD mat.Dense
	nat2likD.Mul(&WufNat2, Wuf.T())
	nat2lik, err := numeric.ToSymDense(&nat2likD)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: projected nat2 not symmetric: %w", err)
	}

	pseudoVar, err := numeric.Inverse(nat2lik, gp.Jitter)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: inverting projected precision: %w", err)
	}
	pseudoY := mat.NewVecDense(M, nil)
	pseudoY.MulVec(pseudoVar, nat1Vec)

	return pseudoY, pseudoVar, nil
}

// SparseConditionalPostToData projects an inducing-point posterior
// (postMean, postCov over u at Z) onto data/test inputs X using the
// standard projected-process formula:
//
//	mean_f = Kxu Kuu^-1 post_mean
//	cov_f  = Kxx - Kxu Kuu^-1 Kux + Kxu Kuu^-1 post_cov Kuu^-1 Kux
func SparseConditionalPostToData(kern gp.Kernel, postMean *mat.VecDense, postCov mat.Symmetric, X, Z *mat.Dense) (*mat.VecDense, *mat.SymDense, error) {
	Kxx := kern.Cov(X, X)
	Kxu := kern.Cov(X, Z)
	Kuu := kern.Cov(Z, Z)
	KuuSym, err := numeric.ToSymDense(Kuu)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: Kuu not symmetric: %w", err)
	}

	// W = Kuu^-1 Kux, so Kxu W = Kxu Kuu^-1 Kux.
	W, _, err := numeric.CholSolve(KuuSym, Kxu.T(), gp.Jitter)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: solving Kuu^-1 Kux: %w", err)
	}

	n, _ := Kxx.Dims()
	var KxuW mat.Dense
	KxuW.Mul(Kxu, W)

	var meanD mat.Dense
	meanD.Mul(Kxu, func() *mat.Dense {
		wm, _, werr := numeric.CholSolve(KuuSym, postMean, gp.Jitter)
		if werr != nil {
			err = werr
		}
		return wm
	}())
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: solving Kuu^-1 post_mean: %w", err)
	}
	mean := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		mean.SetVec(i, meanD.At(i, 0))
	}

	var WTPostCov mat.Dense
	WTPostCov.Mul(W.T(), postCov)
	var WTPostCovW mat.Dense
	WTPostCovW.Mul(&WTPostCov, W)

	covD := mat.NewDense(n, n, nil)
	covD.Sub(Kxx, &KxuW)
	covD.Add(covD, &WTPostCovW)
	cov, err := numeric.ToSymDense(covD)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian: projected covariance not symmetric: %w", err)
	}

	return mean, cov, nil
}
