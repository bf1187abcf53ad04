// Package rts implements the backward Rauch-Tung-Striebel smoothing pass
// over a forward Kalman filter result (spec.md §4.B). Smoothing never
// touches the sites directly: it only needs the filtered means/covariances
// and the kernel's state-transition/stationary-covariance pair, so it
// composes with the single-state filter in package kf. The paired-state
// filter in package kfpairs has its own Smooth.
package rts

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp"
	"github.com/gp-infer/gogp/kalman"
	"github.com/gp-infer/gogp/numeric"
)

// gainStep holds the data available purely from the forward pass and the
// time grid: the backward gain G_n = P_n A_n^T Ppred_n^-1 and the one-step
// predicted covariance Ppred_n, both independent of the backward recursion
// itself and therefore safe to precompute concurrently.
type gainStep struct {
	A     *mat.Dense
	G     *mat.Dense
	PPred *mat.SymDense
}

func precomputeGains(xs []float64, kern gp.Kernel, filtered *kalman.Result, parallel bool) ([]gainStep, error) {
	n := filtered.Len()
	steps := make([]gainStep, n)
	Pinf := kern.StationaryCov()
	errs := make([]error, n)

	compute := func(i int) {
		dt := xs[i+1] - xs[i]
		A := kern.StateTransition(dt)

		var AP mat.Dense
		AP.Mul(A, filtered.Covs[i])
		var APAT mat.Dense
		APAT.Mul(&AP, A.T())

		var APinf mat.Dense
		APinf.Mul(A, Pinf)
		var APinfAT mat.Dense
		APinfAT.Mul(&APinf, A.T())
		Q := mat.NewDense(Pinf.Symmetric(), Pinf.Symmetric(), nil)
		Q.Sub(Pinf, &APinfAT)

		PPredD := mat.NewDense(Pinf.Symmetric(), Pinf.Symmetric(), nil)
		PPredD.Add(&APAT, Q)
		PPred, err := numeric.ToSymDense(PPredD)
		if err != nil {
			errs[i] = fmt.Errorf("rts: predicted covariance at step %d: %w", i, err)
			return
		}
		PPredInv, err := numeric.Inverse(PPred, gp.Jitter)
		if err != nil {
			errs[i] = fmt.Errorf("rts: predicted covariance inverse at step %d: %w", i, err)
			return
		}

		var PAT mat.Dense
		PAT.Mul(filtered.Covs[i], A.T())
		G := &mat.Dense{}
		G.Mul(&PAT, PPredInv)

		steps[i] = gainStep{A: A, G: G, PPred: PPred}
	}

	// the last filtered marginal needs no gain; compute gains for
	// n = 0 .. N-2.
	last := n - 1
	if !parallel {
		for i := 0; i < last; i++ {
			compute(i)
		}
	} else {
		var wg sync.WaitGroup
		for i := 0; i < last; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				compute(i)
			}()
		}
		wg.Wait()
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// Smooth runs the backward RTS recursion over a forward filtered result,
// returning the smoothed marginals and, per step n < N-1, the smoothing
// gain G_n. parallel only affects how the per-step
// gains are precomputed; the backward scan that consumes them is always
// sequential, so outputs are bit-identical between modes.
func Smooth(xs []float64, kern gp.Kernel, filtered *kalman.Result, parallel bool) (*kalman.Result, []*mat.Dense, error) {
	n := filtered.Len()
	if len(xs) != n {
		return nil, nil, fmt.Errorf("rts: time grid length %d does not match filtered sequence length %d", len(xs), n)
	}
	if n == 0 {
		return &kalman.Result{}, nil, nil
	}

	steps, err := precomputeGains(xs, kern, filtered, parallel)
	if err != nil {
		return nil, nil, err
	}

	smoothed := &kalman.Result{
		Means: make([]*mat.VecDense, n),
		Covs:  make([]*mat.SymDense, n),
	}
	gains := make([]*mat.Dense, n-1)

	smoothed.Means[n-1] = mat.VecDenseCopyOf(filtered.Means[n-1])
	smoothed.Covs[n-1] = symCopy(filtered.Covs[n-1])

	for i := n - 2; i >= 0; i-- {
		A, G, PPred := steps[i].A, steps[i].G, steps[i].PPred

		var mPred mat.VecDense
		mPred.MulVec(A, filtered.Means[i])
		var diff mat.VecDense
		diff.SubVec(smoothed.Means[i+1], &mPred)
		var corr mat.VecDense
		corr.MulVec(G, &diff)

		mSmooth := mat.NewVecDense(filtered.Means[i].Len(), nil)
		mSmooth.AddVec(filtered.Means[i], &corr)

		var covDiff mat.Dense
		covDiff.Sub(smoothed.Covs[i+1], PPred)
		var Gdiff mat.Dense
		Gdiff.Mul(G, &covDiff)
		var GdiffGT mat.Dense
		GdiffGT.Mul(&Gdiff, G.T())

		pSmoothD := mat.NewDense(filtered.Covs[i].Symmetric(), filtered.Covs[i].Symmetric(), nil)
		pSmoothD.Add(filtered.Covs[i], &GdiffGT)
		pSmooth, err := numeric.ToSymDense(pSmoothD)
		if err != nil {
			return nil, nil, fmt.Errorf("rts: smoothed covariance at step %d: %w", i, err)
		}

		smoothed.Means[i] = mSmooth
		smoothed.Covs[i] = pSmooth
		gains[i] = G
	}

	return smoothed, gains, nil
}

func symCopy(s mat.Symmetric) *mat.SymDense {
	n := s.Symmetric()
	out := mat.NewSymDense(n, nil)
	out.CopySym(s)
	return out
}
