// Package likelihood provides concrete gp.Likelihood implementations
// (Gaussian, Bernoulli-probit) so the module is self-contained and
// testable; callers may substitute their own non-Gaussian likelihood
// (spec.md explicitly treats likelihoods as opaque external
// collaborators providing their own log-density and predictive moments).
// Grounded on teacher noise/gaussian.go's use of gonum/stat distributions
// for closed-form density evaluation.
package likelihood

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Gaussian is a homoscedastic Gaussian observation model:
// y | f ~ N(f, NoiseVariance).
type Gaussian struct {
	NoiseVariance float64
}

// NewGaussian constructs a Gaussian likelihood with the given observation
// noise variance.
func NewGaussian(noiseVariance float64) *Gaussian {
	return &Gaussian{NoiseVariance: noiseVariance}
}

// LogDensity returns the log predictive density log ∫ p(y|f) N(f | mu,
// sigma2) df = log N(y | mu, sigma2 + NoiseVariance) under a Gaussian
// marginal f ~ N(mu, sigma2). A NaN y contributes 0.
func (g *Gaussian) LogDensity(y, mu, sigma2 float64) float64 {
	if math.IsNaN(y) {
		return 0
	}
	dist := distuv.Normal{Mu: mu, Sigma: sqrtPositive(sigma2 + g.NoiseVariance)}
	return dist.LogProb(y)
}

// Predict returns the predictive moments of y given a Gaussian marginal
// over f: the mean is unchanged, the variance picks up the observation
// noise.
func (g *Gaussian) Predict(muF, sigma2F float64) (float64, float64) {
	return muF, sigma2F + g.NoiseVariance
}

// Bernoulli is a Bernoulli likelihood with a probit (Gaussian CDF) link:
// p(y=1|f) = Phi(f).
type Bernoulli struct{}

// NewBernoulli constructs a probit-link Bernoulli likelihood.
func NewBernoulli() *Bernoulli { return &Bernoulli{} }

// LogDensity returns the log predictive probability of y in {0, 1} under
// a Gaussian marginal f ~ N(mu, sigma2), using the closed form
// p(y=1) = Phi(mu / sqrt(1 + sigma2)) of the probit link. A NaN y
// contributes 0.
func (b *Bernoulli) LogDensity(y, mu, sigma2 float64) float64 {
	if math.IsNaN(y) {
		return 0
	}
	std := distuv.Normal{Mu: 0, Sigma: 1}
	scaled := mu / sqrtPositive(1+sigma2)
	p := std.CDF(scaled)
	if y > 0.5 {
		return logSafe(p)
	}
	return logSafe(1 - p)
}

// Predict returns the predictive mean (P(y=1)) and Bernoulli variance
// p(1-p) given a Gaussian marginal over f.
func (b *Bernoulli) Predict(muF, sigma2F float64) (float64, float64) {
	std := distuv.Normal{Mu: 0, Sigma: 1}
	p := std.CDF(muF / sqrtPositive(1+sigma2F))
	return p, p * (1 - p)
}

func sqrtPositive(x float64) float64 {
	if x <= 0 {
		return 1e-6
	}
	return math.Sqrt(x)
}

func logSafe(p float64) float64 {
	if p <= 0 {
		return math.Log(1e-300)
	}
	return math.Log(p)
}
