// Package cavity implements the power-EP cavity computation and the
// natural-parameter grouping rules shared by Expectation Propagation,
// Posterior Linearisation, Variational Inference, and Taylor/Laplace-style
// site updates (spec.md §4.E). It operates on plain gonum matrices/vectors
// — callers are responsible for lifting per-point site naturals into
// whatever space the posterior lives in (inducing space via W_uf for
// SparseGP, spatial-projected space via B for spatio-temporal kernels)
// before calling Compute.
package cavity

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp"
	"github.com/gp-infer/gogp/numeric"
	"github.com/gp-infer/gogp/site"
)

// Compute returns the power-EP cavity distribution obtained by removing an
// alpha fraction of a (possibly already-lifted) site from the posterior:
//
//	Sigma_cav = (Sigma_post^-1 - alpha*eta2_site)^-1
//	mu_cav    = Sigma_cav * (Sigma_post^-1 mu_post - alpha*eta1_site)
//
// alpha=1 is standard EP; alpha -> 0 approaches variational inference.
func Compute(postMean mat.Vector, postCov mat.Symmetric, siteNat1 mat.Vector, siteNat2 mat.Symmetric, alpha float64) (*mat.VecDense, *mat.SymDense, error) {
	postPrec, err := numeric.Inverse(postCov, gp.Jitter)
	if err != nil {
		return nil, nil, fmt.Errorf("cavity: inverting posterior covariance: %w", err)
	}

	n := postCov.Symmetric()
	cavPrecDense := mat.NewDense(n, n, nil)
	cavPrecDense.Scale(1, postPrec)
	scaledSite := mat.NewDense(n, n, nil)
	scaledSite.Scale(alpha, siteNat2)
	cavPrecDense.Sub(cavPrecDense, scaledSite)
	cavPrec, err := numeric.ToSymDense(cavPrecDense)
	if err != nil {
		return nil, nil, fmt.Errorf("cavity: cavity precision not symmetric: %w", err)
	}

	cavCov, err := numeric.Inverse(cavPrec, gp.Jitter)
	if err != nil {
		return nil, nil, fmt.Errorf("cavity: inverting cavity precision: %w", err)
	}

	var rhs mat.VecDense
	rhs.MulVec(postPrec, postMean)
	var scaledSiteNat1 mat.VecDense
	scaledSiteNat1.ScaleVec(alpha, siteNat1)
	rhs.SubVec(&rhs, &scaledSiteNat1)

	cavMean := mat.NewVecDense(n, nil)
	cavMean.MulVec(cavCov, &rhs)

	return cavMean, cavCov, nil
}

// GroupScatter implements the unstructured grouping rule: new natural
// parameters simply replace the existing site at each index in batchInd
// (spec.md §4.E, "for unstructured sites, scatter-update selected
// slices").
func GroupScatter(s *site.Store, batchInd []int, nat1New []*mat.VecDense, nat2New []*mat.SymDense) error {
	if len(batchInd) != len(nat1New) || len(batchInd) != len(nat2New) {
		return fmt.Errorf("cavity: batch/update length mismatch: %d indices, %d means, %d covs", len(batchInd), len(nat1New), len(nat2New))
	}
	for i, idx := range batchInd {
		if err := s.UpdateNatParams(idx, nat1New[i], nat2New[i]); err != nil {
			return fmt.Errorf("cavity: scatter update at %d: %w", idx, err)
		}
	}
	return nil
}

// GroupTied implements the sparse-Markov tied-site grouping rule: multiple
// data points share a single site indexed by their enclosing interval.
// ind maps each data index to its interval; numNeighbours[k] is N_k, the
// number of data points assigned to interval k. Each interval's new
// naturals equal the sum of contributions from its members in this update
// plus a residual (1 - c_k/N_k)*old, where c_k is the number of members
// present in this update (spec.md §4.E).
func GroupTied(s *site.Store, ind []int, numNeighbours []float64, batchInd []int, nat1New []*mat.VecDense, nat2New []*mat.SymDense) error {
	if len(batchInd) != len(nat1New) || len(batchInd) != len(nat2New) {
		return fmt.Errorf("cavity: batch/update length mismatch: %d indices, %d means, %d covs", len(batchInd), len(nat1New), len(nat2New))
	}

	m := s.Len()
	d := s.Dim()

	oldNat1 := make([]*mat.VecDense, m)
	oldNat2 := make([]*mat.SymDense, m)
	for k := 0; k < m; k++ {
		oldNat1[k] = mat.VecDenseCopyOf(s.Nat1(k))
		c := mat.NewSymDense(d, nil)
		c.CopySym(s.Nat2(k))
		oldNat2[k] = c
	}

	sum1 := make([]*mat.VecDense, m)
	sum2 := make([]*mat.SymDense, m)
	counter := make([]float64, m)
	for k := 0; k < m; k++ {
		sum1[k] = mat.NewVecDense(d, nil)
		sum2[k] = mat.NewSymDense(d, nil)
	}

	for i, dataIdx := range batchInd {
		k := ind[dataIdx]
		sum1[k].AddVec(sum1[k], nat1New[i])
		added := mat.NewDense(d, d, nil)
		added.Add(sum2[k], nat2New[i])
		sym, err := numeric.ToSymDense(added)
		if err != nil {
			return fmt.Errorf("cavity: grouped nat2 not symmetric at interval %d: %w", k, err)
		}
		sum2[k] = sym
		counter[k]++
	}

	for k := 0; k < m; k++ {
		nk := numNeighbours[k]
		if nk < 1 {
			nk = 1
		}
		residual := 1.0 - counter[k]/nk

		newNat1 := mat.NewVecDense(d, nil)
		scaledOld1 := mat.NewVecDense(d, nil)
		scaledOld1.ScaleVec(residual, oldNat1[k])
		newNat1.AddVec(sum1[k], scaledOld1)

		newNat2Dense := mat.NewDense(d, d, nil)
		scaledOld2 := mat.NewDense(d, d, nil)
		scaledOld2.Scale(residual, oldNat2[k])
		newNat2Dense.Add(sum2[k], scaledOld2)
		for i := 0; i < d; i++ {
			newNat2Dense.Set(i, i, newNat2Dense.At(i, i)+gp.Jitter)
		}
		newNat2, err := numeric.ToSymDense(newNat2Dense)
		if err != nil {
			return fmt.Errorf("cavity: grouped nat2 not symmetric at interval %d: %w", k, err)
		}

		if err := s.UpdateNatParams(k, newNat1, newNat2); err != nil {
			return fmt.Errorf("cavity: tied group update at interval %d: %w", k, err)
		}
	}
	return nil
}
