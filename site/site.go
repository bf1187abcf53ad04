// Package site implements the pseudo-likelihood site store: a sequence of
// Gaussian factors held in both mean/covariance and natural-parameter form,
// kept mutually consistent by recomputing one form from the other, via
// Cholesky factorisation, on every mutation.
package site

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp"
	"github.com/gp-infer/gogp/numeric"
)

// Store holds N Gaussian pseudo-likelihood sites of dimension d, each
// available in dual form: mean mu_n / covariance Sigma_n, and natural
// parameters eta1_n = Sigma_n^-1 mu_n, eta2_n = Sigma_n^-1. The "canonical
// -1/2" factor on eta2 is absorbed, so eta2 is simply the inverse
// covariance (this cancels in every place the library consumes it, as for
// a Gaussian it only ever appears alongside eta1 in that relation).
type Store struct {
	dim  int
	mean []*mat.VecDense
	cov  []*mat.SymDense
	nat1 []*mat.VecDense
	nat2 []*mat.SymDense
}

// NewStore creates a Store of n sites of dimension d, each initialised to
// zero mean and initCov*I covariance (spec.md §3.2: "created ... with zero
// means and large (≈100) diagonal covariance").
func NewStore(n, d int, initCov float64) *Store {
	s := &Store{
		dim:  d,
		mean: make([]*mat.VecDense, n),
		cov:  make([]*mat.SymDense, n),
		nat1: make([]*mat.VecDense, n),
		nat2: make([]*mat.SymDense, n),
	}
	for i := 0; i < n; i++ {
		mean := mat.NewVecDense(d, nil)
		cov := mat.NewSymDense(d, nil)
		for k := 0; k < d; k++ {
			cov.SetSym(k, k, initCov)
		}
		_ = s.UpdateMeanCov(i, mean, cov)
	}
	return s
}

// NewPairedPretied creates the paired-state (dimension 2*stateDim) site
// store used by the sparse-Markov tied-site grid. Its initial natural
// covariance is built so that the first inference step numerically matches
// a dense MarkovGP/GP whenever the inducing grid equals the training
// inputs (spec.md §4.I): off-diagonal blocks start near-zero (nat2 diagonal
// gp.Jitter), except the diagonal entry corresponding to the second
// state's function coordinate, initialised to 1e-2.
func NewPairedPretied(numTransitions, stateDim int) *Store {
	d := 2 * stateDim
	s := &Store{
		dim:  d,
		mean: make([]*mat.VecDense, numTransitions),
		cov:  make([]*mat.SymDense, numTransitions),
		nat1: make([]*mat.VecDense, numTransitions),
		nat2: make([]*mat.SymDense, numTransitions),
	}
	for i := 0; i < numTransitions; i++ {
		nat2 := mat.NewSymDense(d, nil)
		for k := 0; k < d; k++ {
			nat2.SetSym(k, k, gp.Jitter)
		}
		nat2.SetSym(stateDim, stateDim, 1e-2)

		zero := mat.NewVecDense(d, nil)
		_ = s.UpdateNatParams(i, zero, nat2)
	}
	return s
}

// Len returns the number of sites.
func (s *Store) Len() int { return len(s.mean) }

// Dim returns the per-site dimension.
func (s *Store) Dim() int { return s.dim }

// Mean returns site n's mean.
func (s *Store) Mean(n int) *mat.VecDense { return s.mean[n] }

// Cov returns site n's covariance.
func (s *Store) Cov(n int) *mat.SymDense { return s.cov[n] }

// Nat1 returns site n's first natural parameter, eta1 = Sigma^-1 mu.
func (s *Store) Nat1(n int) *mat.VecDense { return s.nat1[n] }

// Nat2 returns site n's second natural parameter, eta2 = Sigma^-1.
func (s *Store) Nat2(n int) *mat.SymDense { return s.nat2[n] }

// UpdateMeanCov sets site n's mean/covariance and recomputes its natural
// parameters via a Cholesky solve and a Cholesky inverse of the
// covariance, maintaining dual consistency
// (spec.md §8 property 1).
func (s *Store) UpdateMeanCov(n int, mean mat.Vector, cov mat.Symmetric) error {
	if n < 0 || n >= len(s.mean) {
		return fmt.Errorf("site: index %d out of range [0,%d)", n, len(s.mean))
	}
	nat1, logDetIgnored, err := numeric.CholSolve(cov, mean, gp.Jitter)
	_ = logDetIgnored
	if err != nil {
		return fmt.Errorf("site: update mean/cov at %d: %w", n, err)
	}
	nat2sym, err := numeric.Inverse(cov, gp.Jitter)
	if err != nil {
		return fmt.Errorf("site: update mean/cov at %d: %w", n, err)
	}

	m := mat.NewVecDense(s.dim, nil)
	m.CopyVec(mean)
	c := mat.NewSymDense(s.dim, nil)
	c.CopySym(cov)

	n1 := mat.NewVecDense(s.dim, nil)
	for i := 0; i < s.dim; i++ {
		n1.SetVec(i, nat1.At(i, 0))
	}

	s.mean[n] = m
	s.cov[n] = c
	s.nat1[n] = n1
	s.nat2[n] = nat2sym
	return nil
}

// UpdateNatParams sets site n's natural parameters and recomputes its
// mean/covariance via a single Cholesky solve, maintaining dual
// consistency (spec.md §8 property 1).
func (s *Store) UpdateNatParams(n int, nat1 mat.Vector, nat2 mat.Symmetric) error {
	if n < 0 || n >= len(s.mean) {
		return fmt.Errorf("site: index %d out of range [0,%d)", n, len(s.mean))
	}
	cov, err := numeric.Inverse(nat2, gp.Jitter)
	if err != nil {
		return fmt.Errorf("site: update nat params at %d: %w", n, err)
	}
	mean := mat.NewVecDense(s.dim, nil)
	mean.MulVec(cov, nat1)

	n1 := mat.NewVecDense(s.dim, nil)
	n1.CopyVec(nat1)
	n2 := mat.NewSymDense(s.dim, nil)
	n2.CopySym(nat2)

	s.mean[n] = mean
	s.cov[n] = cov
	s.nat1[n] = n1
	s.nat2[n] = n2
	return nil
}

// FullMean returns all site means stacked into an N x d dense matrix.
func (s *Store) FullMean() *mat.Dense {
	out := mat.NewDense(len(s.mean), s.dim, nil)
	for i, m := range s.mean {
		for k := 0; k < s.dim; k++ {
			out.Set(i, k, m.AtVec(k))
		}
	}
	return out
}

// FullCov returns all site covariances, in order.
func (s *Store) FullCov() []*mat.SymDense { return s.cov }

// FullNat1 returns all site first natural parameters stacked into an N x d
// dense matrix.
func (s *Store) FullNat1() *mat.Dense {
	out := mat.NewDense(len(s.nat1), s.dim, nil)
	for i, m := range s.nat1 {
		for k := 0; k < s.dim; k++ {
			out.Set(i, k, m.AtVec(k))
		}
	}
	return out
}

// FullNat2 returns all site second natural parameters, in order.
func (s *Store) FullNat2() []*mat.SymDense { return s.nat2 }

// Select returns the subset of sites at the given indices as a new
// (detached) Store; mutating the result does not affect s.
func (s *Store) Select(ind []int) *Store {
	out := &Store{
		dim:  s.dim,
		mean: make([]*mat.VecDense, len(ind)),
		cov:  make([]*mat.SymDense, len(ind)),
		nat1: make([]*mat.VecDense, len(ind)),
		nat2: make([]*mat.SymDense, len(ind)),
	}
	for i, idx := range ind {
		out.mean[i] = s.mean[idx]
		out.cov[i] = s.cov[idx]
		out.nat1[i] = s.nat1[idx]
		out.nat2[i] = s.nat2[idx]
	}
	return out
}
