// Package model implements the four posterior-computation strategies
// (dense GP, sparse inducing-point, Markov state-space, sparse Markov)
// against the shared gp.Kernel/gp.Likelihood/gp.Model contract declared in
// the root package. Each variant is a capability composition — dense vs.
// sparse representation, direct vs. state-space computation — rather than
// a shared base type, per the re-architecture from inheritance to
// orthogonal capability axes. Grounded on teacher model/base.go's
// InitCond/dynamical Base split, generalised from a single dynamical-
// system model to four GP posterior representations.
package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp"
)

// PredictY returns the predictive mean/variance of observations y (not the
// latent function f) at test inputs X, R: it composes any gp.Model's
// Predict with the likelihood's own predictive-moment map, so it is
// implemented once rather than per model variant.
func PredictY(m gp.Model, lik gp.Likelihood, X, R *mat.Dense) ([]float64, []float64, error) {
	meanF, varF, err := m.Predict(X, R)
	if err != nil {
		return nil, nil, fmt.Errorf("model: predict_y: %w", err)
	}
	meanY := make([]float64, len(meanF))
	varY := make([]float64, len(varF))
	for i := range meanF {
		meanY[i], varY[i] = lik.Predict(meanF[i], varF[i])
	}
	return meanY, varY, nil
}

// NegativeLogPredictiveDensity returns the average negative log predictive
// density of observations y at test inputs X, R under m's posterior and
// lik's data-likelihood, skipping NaN (masked) entries of y.
func NegativeLogPredictiveDensity(m gp.Model, lik gp.Likelihood, X, R *mat.Dense, y []float64) (float64, error) {
	meanF, varF, err := m.Predict(X, R)
	if err != nil {
		return 0, fmt.Errorf("model: negative_log_predictive_density: %w", err)
	}
	if len(y) != len(meanF) {
		return 0, fmt.Errorf("model: negative_log_predictive_density: %d observations vs %d predictions", len(y), len(meanF))
	}

	sum := 0.0
	count := 0
	for i := range y {
		if math.IsNaN(y[i]) {
			continue
		}
		sum += lik.LogDensity(y[i], meanF[i], varF[i])
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return -sum / float64(count), nil
}

// expectedGaussianLogDensity returns E_q[log N(siteMean | f, siteVar)] when
// f ~ N(postMean, postVar), the per-site term compute_kl sums over every
// model variant (spec.md §5 "compute_kl on every model variant"):
//
//	-0.5*log(2*pi*siteVar) - 0.5*((postMean-siteMean)^2 + postVar)/siteVar
func expectedGaussianLogDensity(siteMean, siteVar, postMean, postVar float64) float64 {
	diff := postMean - siteMean
	return -0.5*math.Log(2*math.Pi*siteVar) - 0.5*(diff*diff+postVar)/siteVar
}
