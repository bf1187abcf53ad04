// Package gp declares the shared contract for approximate Bayesian
// inference over Gaussian-process posteriors: the Kernel and Likelihood
// collaborators a model consumes, and the Model operations an outer
// inference loop (not part of this module) drives.
package gp

import "gonum.org/v1/gonum/mat"

// Sentinel is the time offset used to push an augmented boundary state
// effectively to ±infinity when conditioning at the edges of a temporal
// grid. It belongs here, not threaded through call sites as a magic number.
const Sentinel = 1e10

// Jitter is added to the diagonal of a matrix before Cholesky
// factorisation or inversion, to keep near-singular covariances
// numerically invertible without ever surfacing as a hard failure.
const Jitter = 1e-8

// Kernel is the covariance-function collaborator. Construction of the
// kernel and its derived matrices is external to this module; a Kernel
// implementation is treated as an opaque callback.
type Kernel interface {
	// Cov returns the covariance matrix K(X, X2). X2 may equal X.
	Cov(X, X2 *mat.Dense) *mat.Dense
	// StationaryCov returns P∞, the state's prior covariance at
	// equilibrium under the kernel's SDE representation.
	StationaryCov() mat.Symmetric
	// StateTransition returns Φ(dt), the state-transition matrix for a
	// time increment dt.
	StateTransition(dt float64) *mat.Dense
	// Measurement returns H, the linear map from state to latent
	// function value(s).
	Measurement() *mat.Dense
	// FuncDim is the latent-function dimension D_f (rows of H).
	FuncDim() int
	// StateDim is the state dimension S (rows/cols of P∞).
	StateDim() int
	// SpatioTemporal kernels additionally expose a spatial conditional:
	// given temporal inputs X and spatial inputs R, return the
	// projection B and residual covariance C such that
	// k((t,r),(t',r')) = H (k_t ⊗ B) H' + C.
	// Kernels that are purely temporal return ok=false.
	SpatialConditional(X, R *mat.Dense) (B, C *mat.Dense, ok bool)
}

// Likelihood is the data-term collaborator. Its shape (log-density,
// predictive moments, linearisation, expected log-likelihood under a
// Gaussian) is external to this module and only consumed opaquely.
type Likelihood interface {
	// LogDensity returns log p(y|f) with f ~ N(mu, sigma2), treating a
	// NaN y as non-contributing (returns 0).
	LogDensity(y, mu, sigma2 float64) float64
	// Predict returns the predictive mean and variance of y given a
	// Gaussian marginal over f.
	Predict(muF, sigma2F float64) (muY, sigma2Y float64)
}

// Mask marks, per data row, whether the observation is missing (true) and
// should not contribute to filtering, log-likelihood, or site updates.
type Mask []bool

// AnySet reports whether any entry of m is true.
func (m Mask) AnySet() bool {
	for _, v := range m {
		if v {
			return true
		}
	}
	return false
}

// Model is the stable operation set an outer inference engine drives. Not
// every model variant implements every method with the same signature
// (e.g. SparseMarkovGP's ConditionalDataToPosterior has a precondition on
// ConditionalPosteriorToData having just run) — see package model.
type Model interface {
	// UpdatePosterior recomputes the posterior moments from the current
	// pseudo-likelihood sites.
	UpdatePosterior() error
	// ComputeLogLik returns the log normaliser of the approximate
	// posterior under the current pseudo-likelihood sites.
	ComputeLogLik() (float64, error)
	// ComputeKL returns KL[q || p] between the approximate posterior and
	// the prior.
	ComputeKL() (float64, error)
	// Predict returns the posterior mean/variance of f at test inputs X
	// (and, for spatio-temporal kernels, spatial inputs R).
	Predict(X *mat.Dense, R *mat.Dense) (mean, variance []float64, err error)
}
