// Package kalman declares the shared result type and the temporal
// conditioning operator used by the sequential/parallel Kalman filter
// (package kf), the paired-state filter (package kfpairs), and the RTS
// smoother (package rts). Supersedes the teacher's one-line `Kalman`
// marker interface now that the GP-specific contract (smoother gains, the
// parallel toggle, sentinel-augmented conditioning) is rich enough to
// warrant a shared package of its own.
package kalman

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp"
	"github.com/gp-infer/gogp/numeric"
)

// Result holds a sequence of Gaussian marginals, one per time step: the
// output of a filter or smoother pass.
type Result struct {
	Means []*mat.VecDense
	Covs  []*mat.SymDense
}

// Len returns the number of marginals.
func (r *Result) Len() int { return len(r.Means) }

// TemporalConditional returns the marginal state distribution at each test
// time in Xtest by interpolating between the two enclosing points of the
// (sentinel-augmented, sorted) grid Xaug using the smoother gains G and the
// kernel's state transition. For a test time outside [Xmin, Xmax] it falls
// back to the stationary prior (spec.md §4.B).
func TemporalConditional(Xaug []float64, Xtest []float64, smoothMean []*mat.VecDense, smoothCov []*mat.SymDense, gain []*mat.Dense, kernel gp.Kernel) ([]*mat.VecDense, []*mat.SymDense, error) {
	if len(Xaug) != len(smoothMean)+2 {
		return nil, nil, fmt.Errorf("kalman: augmented grid must have 2 more points than the smoothed sequence: got %d vs %d", len(Xaug), len(smoothMean))
	}

	S := kernel.StateDim()
	Pinf := kernel.StationaryCov()
	minf := mat.NewVecDense(S, nil)

	// full state sequence including the two sentinel boundary states,
	// both distributed as the stationary prior.
	fullMean := make([]*mat.VecDense, len(Xaug))
	fullCov := make([]*mat.SymDense, len(Xaug))
	fullMean[0], fullCov[0] = minf, symCopy(Pinf)
	fullMean[len(Xaug)-1], fullCov[len(Xaug)-1] = minf, symCopy(Pinf)
	for i, m := range smoothMean {
		fullMean[i+1] = m
		fullCov[i+1] = smoothCov[i]
	}

	outMean := make([]*mat.VecDense, len(Xtest))
	outCov := make([]*mat.SymDense, len(Xtest))

	for ti, xt := range Xtest {
		if xt <= Xaug[0] || xt >= Xaug[len(Xaug)-1] {
			outMean[ti] = mat.NewVecDense(S, nil)
			outCov[ti] = symCopy(Pinf)
			continue
		}

		// find the enclosing interval [Xaug[k], Xaug[k+1])
		k := 0
		for k+1 < len(Xaug)-1 && Xaug[k+1] <= xt {
			k++
		}

		mLeft, PLeft := fullMean[k], fullCov[k]
		mRight, PRight := fullMean[k+1], fullCov[k+1]

		dt := xt - Xaug[k]
		A := kernel.StateTransition(dt)

		// predicted marginal at xt from the left state alone
		var mPred mat.VecDense
		mPred.MulVec(A, mLeft)
		PPred := processCov(A, PLeft, Pinf)

		dtRight := Xaug[k+1] - Xaug[k]
		ARight := kernel.StateTransition(dtRight)
		PPredRightSym, err := numeric.ToSymDense(processCov(ARight, PLeft, Pinf))
		if err != nil {
			return nil, nil, fmt.Errorf("kalman: temporal conditional predicted covariance: %w", err)
		}
		PPredRightInv, err := numeric.Inverse(PPredRightSym, gp.Jitter)
		if err != nil {
			return nil, nil, fmt.Errorf("kalman: temporal conditional gain inverse: %w", err)
		}

		// smoothing gain from the left grid point to xt, mirroring the
		// RTS backward update but evaluated at the interpolated time.
		var PLeftARightT mat.Dense
		PLeftARightT.Mul(PLeft, ARight.T())
		var G mat.Dense
		G.Mul(&PLeftARightT, PPredRightInv)

		var mRightPred mat.VecDense
		mRightPred.MulVec(ARight, mLeft)
		var diff mat.VecDense
		diff.SubVec(mRight, &mRightPred)
		var corr mat.VecDense
		corr.MulVec(&G, &diff)

		outM := mat.NewVecDense(S, nil)
		outM.AddVec(&mPred, &corr)

		var diffCov mat.Dense
		diffCov.Sub(PRight, PPredRightSym)
		var Gdiff mat.Dense
		Gdiff.Mul(&G, &diffCov)
		var GdiffGT mat.Dense
		GdiffGT.Mul(&Gdiff, G.T())
		outCovD := mat.NewDense(S, S, nil)
		outCovD.Add(PPred, &GdiffGT)
		outC, err := numeric.ToSymDense(outCovD)
		if err != nil {
			return nil, nil, fmt.Errorf("kalman: temporal conditional output covariance: %w", err)
		}

		outMean[ti] = outM
		outCov[ti] = outC
	}

	return outMean, outCov, nil
}

func symCopy(s mat.Symmetric) *mat.SymDense {
	n := s.Symmetric()
	out := mat.NewSymDense(n, nil)
	out.CopySym(s)
	return out
}

// processCov returns A P A^T + (Pinf - A Pinf A^T), the predicted
// covariance under the kernel's SDE for a step with transition A from a
// state with covariance P towards the stationary covariance Pinf.
func processCov(A *mat.Dense, P mat.Symmetric, Pinf mat.Symmetric) *mat.Dense {
	var AP mat.Dense
	AP.Mul(A, P)
	var APAT mat.Dense
	APAT.Mul(&AP, A.T())

	var APinf mat.Dense
	APinf.Mul(A, Pinf)
	var APinfAT mat.Dense
	APinfAT.Mul(&APinf, A.T())

	n, _ := APAT.Dims()
	Q := mat.NewDense(n, n, nil)
	Q.Sub(Pinf, &APinfAT)

	out := mat.NewDense(n, n, nil)
	out.Add(&APAT, Q)
	return out
}
