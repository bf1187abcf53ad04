// Package kernel provides concrete gp.Kernel implementations: a Matérn-3/2
// covariance function with its closed-form state-space (SDE) realisation,
// and an Independent combinator that stacks several single-output
// kernels into one block-diagonal multi-latent kernel. The module's core
// inference packages only ever consume the gp.Kernel interface — this
// package exists so the repository is self-contained and testable (a
// caller is free to substitute their own kernel). Grounded on teacher
// `model/base.go`'s Base dynamical-system struct (A/B/C/D state-space
// matrices, generalised here from a fixed discrete-time LTI system to a
// continuous-time SDE generator whose discretisation Φ(dt) is derived in
// closed form rather than supplied directly).
package kernel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Matern32 is the Matérn-3/2 covariance function,
//
//	k(r) = variance * (1 + sqrt(3)|r|/l) * exp(-sqrt(3)|r|/l)
//
// realised as a two-dimensional linear SDE with companion-form generator
// F, stationary covariance Pinf, and measurement matrix H = [1, 0]
// (Solin, "Stochastic Differential Equation Methods for Spatio-Temporal
// Gaussian Process Regression", §3.1).
type Matern32 struct {
	Lengthscale float64
	Variance    float64
}

// NewMatern32 constructs a Matern32 kernel, returning an error if either
// hyperparameter is non-positive.
func NewMatern32(lengthscale, variance float64) (*Matern32, error) {
	if lengthscale <= 0 || variance <= 0 {
		return nil, fmt.Errorf("kernel: lengthscale and variance must be positive, got %g, %g", lengthscale, variance)
	}
	return &Matern32{Lengthscale: lengthscale, Variance: variance}, nil
}

func (k *Matern32) lambda() float64 { return math.Sqrt(3) / k.Lengthscale }

// Cov returns the dense covariance matrix K(X, X2) for scalar (1-D) input
// columns, evaluated directly from the closed-form stationary kernel
// rather than via the state-space realisation.
func (k *Matern32) Cov(X, X2 *mat.Dense) *mat.Dense {
	n, _ := X.Dims()
	n2, _ := X2.Dims()
	out := mat.NewDense(n, n2, nil)
	lam := k.lambda()
	for i := 0; i < n; i++ {
		for j := 0; j < n2; j++ {
			r := math.Abs(X.At(i, 0) - X2.At(j, 0))
			out.Set(i, j, k.Variance*(1+lam*r)*math.Exp(-lam*r))
		}
	}
	return out
}

// StationaryCov returns Pinf = diag(variance, lambda^2*variance), the
// equilibrium covariance of the state under the SDE.
func (k *Matern32) StationaryCov() mat.Symmetric {
	lam := k.lambda()
	return mat.NewSymDense(2, []float64{
		k.Variance, 0,
		0, lam * lam * k.Variance,
	})
}

// StateTransition returns the closed-form matrix exponential Φ(dt) =
// exp(F dt) for the Matérn-3/2 companion-form generator F.
func (k *Matern32) StateTransition(dt float64) *mat.Dense {
	if dt < 0 {
		dt = 0
	}
	lam := k.lambda()
	e := math.Exp(-lam * dt)
	return mat.NewDense(2, 2, []float64{
		e * (1 + lam*dt), e * dt,
		-e * lam * lam * dt, e * (1 - lam*dt),
	})
}

// Measurement returns H = [1, 0], mapping state to function value.
func (k *Matern32) Measurement() *mat.Dense {
	return mat.NewDense(1, 2, []float64{1, 0})
}

func (k *Matern32) FuncDim() int  { return 1 }
func (k *Matern32) StateDim() int { return 2 }

// SpatialConditional reports ok=false: Matern32 alone is purely temporal.
// Combine it with a spatial covariance externally (outside this module's
// scope) to obtain a spatio-temporal kernel; see Independent for stacking
// multiple independent temporal latents instead.
func (k *Matern32) SpatialConditional(X, R *mat.Dense) (*mat.Dense, *mat.Dense, bool) {
	return nil, nil, false
}
