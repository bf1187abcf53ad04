package noise

import (
	"fmt"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Gaussian is zero- or non-zero-mean Gaussian noise with an arbitrary
// covariance matrix. Unlike the teacher's time-seeded sampler, Gaussian
// draws from a caller-supplied rand.Source: reusing a source seeded the
// same way reproduces bitwise-identical samples, which PriorSample and
// PosteriorSample rely on for reproducible trajectories.
type Gaussian struct {
	// dist is a multivariate normal distribution
	dist *distmv.Normal
	// mean is Gaussian mean
	mean []float64
	// cov is Gaussian covariance
	cov mat.Symmetric
	// seed is the seed dist's source was created from, kept so Reset can
	// rebuild dist from the same starting state
	seed uint64
}

// NewGaussian creates new Gaussian noise with the given mean, covariance
// and seed source. A nil src falls back to a fixed, non-random seed so
// callers who don't care about reproducibility still get a valid sampler.
func NewGaussian(mean []float64, cov mat.Symmetric, src rand.Source) (*Gaussian, error) {
	if src == nil {
		src = rand.NewSource(1)
	}

	seed := src.Uint64()
	dist, ok := newGaussianDist(mean, cov, rand.NewSource(seed))
	if !ok {
		return nil, fmt.Errorf("Failed to create new Gaussian noise")
	}

	return &Gaussian{
		dist: dist,
		mean: mean,
		cov:  cov,
		seed: seed,
	}, nil
}

// Sample generates a sample from Gaussian noise and returns it.
func (g *Gaussian) Sample() mat.Vector {
	r := g.dist.Rand(nil)
	return mat.NewVecDense(len(r), r)
}

// Cov returns covariance matrix of Gaussian noise.
func (g *Gaussian) Cov() mat.Symmetric {
	return g.cov
}

// Mean returns Gaussian mean.
func (g *Gaussian) Mean() []float64 {
	return g.mean
}

// Reset rebuilds the underlying distribution from the original seed,
// so the next Sample sequence repeats from the beginning.
// It returns error if it fails to reset the noise.
func (g *Gaussian) Reset() error {
	dist, ok := newGaussianDist(g.mean, g.cov, rand.NewSource(g.seed))
	if !ok {
		return fmt.Errorf("Failed to reset Gaussian noise")
	}
	g.dist = dist

	return nil
}

// newGaussianDist builds a mat/stat/distmv Normal over the given mean and
// covariance seeded from src. distmv.NewNormal factorizes cov via
// Cholesky and reports ok=false when cov is not positive definite.
func newGaussianDist(mean []float64, cov mat.Symmetric, src rand.Source) (*distmv.Normal, bool) {
	return distmv.NewNormal(mean, cov, src)
}

// String implements the Stringer interface.
func (g *Gaussian) String() string {
	return fmt.Sprintf("Gaussian{\nMean=%v\nCov=%v\n}", g.mean, mat.Formatted(g.cov, mat.Prefix("    "), mat.Squeeze()))
}
