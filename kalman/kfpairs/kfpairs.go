// Package kfpairs implements the paired-state Kalman filter used by
// SparseMarkovGP (spec.md §4.I): the inducing temporal grid Z carries one
// site per interval, tied to the joint state (x_k, x_{k+1}) of dimension
// 2S rather than to a single grid point. Grounded on the same
// predict/update algebra as sibling package kf, generalised to a state
// that is itself a pair of consecutive single states.
package kfpairs

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/gp-infer/gogp"
	"github.com/gp-infer/gogp/kalman"
	"github.com/gp-infer/gogp/numeric"
	"github.com/gp-infer/gogp/site"
)

// pairedStep holds the data-independent per-interval paired-state
// transition and process noise, built from the single-state transition
// A(dz) and stationary covariance Pinf:
//
//	A_pair = [ 0  I        ]    Q_pair = [ 0  0   ]
//	         [ 0  A(dz)    ]             [ 0  Q(dz) ]
//
// The top block carries x_{k+1} forward unchanged (it is shared between
// consecutive paired states); the bottom block propagates it to x_{k+2}
// exactly as the single-state filter would.
type pairedStep struct {
	A *mat.Dense
	Q *mat.Dense
}

func buildPairedStep(dz float64, S int, kern gp.Kernel) pairedStep {
	Pinf := kern.StationaryCov()
	A := kern.StateTransition(dz)

	APair := mat.NewDense(2*S, 2*S, nil)
	for i := 0; i < S; i++ {
		APair.Set(i, S+i, 1.0)
	}
	for i := 0; i < S; i++ {
		for j := 0; j < S; j++ {
			APair.Set(S+i, S+j, A.At(i, j))
		}
	}

	var APinf mat.Dense
	APinf.Mul(A, Pinf)
	var APinfAT mat.Dense
	APinfAT.Mul(&APinf, A.T())
	QSingle := mat.NewDense(S, S, nil)
	QSingle.Sub(Pinf, &APinfAT)

	QPair := mat.NewDense(2*S, 2*S, nil)
	for i := 0; i < S; i++ {
		for j := 0; j < S; j++ {
			QPair.Set(S+i, S+j, QSingle.At(i, j))
		}
	}

	return pairedStep{A: APair, Q: QPair}
}

// initialCov returns the joint stationary covariance of (x_0, x_1),
// correlated through the first interval's transition A0:
//
//	[[Pinf,        Pinf A0^T],
//	 [A0 Pinf,      Pinf      ]]
func initialCov(dz0 float64, S int, kern gp.Kernel) (*mat.SymDense, error) {
	Pinf := kern.StationaryCov()
	A0 := kern.StateTransition(dz0)

	var PinfA0T mat.Dense
	PinfA0T.Mul(Pinf, A0.T())
	var A0Pinf mat.Dense
	A0Pinf.Mul(A0, Pinf)

	out := mat.NewDense(2*S, 2*S, nil)
	for i := 0; i < S; i++ {
		for j := 0; j < S; j++ {
			out.Set(i, j, Pinf.At(i, j))
			out.Set(i, S+j, PinfA0T.At(i, j))
			out.Set(S+i, j, A0Pinf.At(i, j))
			out.Set(S+i, S+j, Pinf.At(i, j))
		}
	}
	return numeric.ToSymDense(out)
}

func precompute(dz []float64, S int, kern gp.Kernel, parallel bool) []pairedStep {
	n := len(dz)
	steps := make([]pairedStep, n)

	compute := func(i int) { steps[i] = buildPairedStep(dz[i], S, kern) }

	if !parallel {
		for i := 0; i < n; i++ {
			compute(i)
		}
		return steps
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			compute(i)
		}()
	}
	wg.Wait()
	return steps
}

// Filter runs the forward Kalman filter over the paired-state sites on an
// inducing grid with interval gaps dz (dz[k] = Z[k+1]-Z[k], one entry per
// interval/site). The first interval's prior is the joint stationary
// covariance of (x_0, x_1); each subsequent interval propagates the
// previous paired state forward one grid step, where the first half is
// carried over deterministically (x_k's successor state is x_{k+1}'s
// predecessor half) and only the second half gains process noise.
func Filter(dz []float64, kern gp.Kernel, sites *site.Store, parallel bool) (*kalman.Result, float64, error) {
	n := len(dz)
	if sites.Len() != n {
		return nil, 0, fmt.Errorf("kfpairs: site count %d does not match interval count %d", sites.Len(), n)
	}
	S := kern.StateDim()
	if sites.Dim() != 2*S {
		return nil, 0, fmt.Errorf("kfpairs: site dimension %d does not match paired state dimension %d", sites.Dim(), 2*S)
	}

	steps := precompute(dz, S, kern, parallel)

	result := &kalman.Result{
		Means: make([]*mat.VecDense, n),
		Covs:  make([]*mat.SymDense, n),
	}

	var m *mat.VecDense
	var P *mat.SymDense
	logLik := 0.0

	for i := 0; i < n; i++ {
		var mPred mat.VecDense
		var PPred *mat.SymDense

		if i == 0 {
			mPred = *mat.NewVecDense(2*S, nil)
			P0, err := initialCov(dz[0], S, kern)
			if err != nil {
				return nil, 0, fmt.Errorf("kfpairs: initial covariance: %w", err)
			}
			PPred = P0
		} else {
			A, Q := steps[i].A, steps[i].Q
			mPred.MulVec(A, m)

			var AP mat.Dense
			AP.Mul(A, P)
			var APAT mat.Dense
			APAT.Mul(&AP, A.T())
			PPredD := mat.NewDense(2*S, 2*S, nil)
			PPredD.Add(&APAT, Q)
			sym, err := numeric.ToSymDense(PPredD)
			if err != nil {
				return nil, 0, fmt.Errorf("kfpairs: predicted covariance at interval %d: %w", i, err)
			}
			PPred = sym
		}

		y := sites.Mean(i)
		R := sites.Cov(i)
		d := 2 * S

		var innov mat.VecDense
		innov.SubVec(y, &mPred)

		SinnovD := mat.NewDense(d, d, nil)
		SinnovD.Add(PPred, R)
		Sinnov, err := numeric.ToSymDense(SinnovD)
		if err != nil {
			return nil, 0, fmt.Errorf("kfpairs: innovation covariance at interval %d: %w", i, err)
		}
		SInv, err := numeric.Inverse(Sinnov, gp.Jitter)
		if err != nil {
			return nil, 0, fmt.Errorf("kfpairs: innovation covariance inverse at interval %d: %w", i, err)
		}

		var gain mat.Dense
		gain.Mul(PPred, SInv)

		var corr mat.VecDense
		corr.MulVec(&gain, &innov)
		mFilt := mat.NewVecDense(d, nil)
		mFilt.AddVec(&mPred, &corr)

		eye := mat.NewDiagDense(d, nil)
		for k := 0; k < d; k++ {
			eye.SetDiag(k, 1.0)
		}
		var IG mat.Dense
		IG.Sub(eye, &gain)
		var IGP mat.Dense
		IGP.Mul(&IG, PPred)
		var IGPIGT mat.Dense
		IGPIGT.Mul(&IGP, IG.T())

		var GR mat.Dense
		GR.Mul(&gain, R)
		var GRGT mat.Dense
		GRGT.Mul(&GR, gain.T())

		PFiltD := mat.NewDense(d, d, nil)
		PFiltD.Add(&IGPIGT, &GRGT)
		PFilt, err := numeric.ToSymDense(PFiltD)
		if err != nil {
			return nil, 0, fmt.Errorf("kfpairs: filtered covariance at interval %d: %w", i, err)
		}

		var SInvInnov mat.VecDense
		SInvInnov.MulVec(SInv, &innov)
		quad := mat.Dot(&innov, &SInvInnov)
		logDetS, err := numeric.LogDet(Sinnov, gp.Jitter)
		if err != nil {
			return nil, 0, fmt.Errorf("kfpairs: log-determinant of innovation covariance at interval %d: %w", i, err)
		}
		logLik += -0.5 * (quad + logDetS + float64(d)*math.Log(2*math.Pi))

		result.Means[i] = mFilt
		result.Covs[i] = PFilt
		m = mFilt
		P = PFilt
	}

	return result, logLik, nil
}

// Smooth runs the backward RTS recursion over a paired-state filtered
// result, mirroring package rts's single-state smoother but generalised to
// the 2S-dimensional paired transition built by buildPairedStep. Returns
// the smoothed paired marginals and, per interval k < n-1, the smoothing
// gain used by SparseMarkovGP to build the per-interval joint
// N(x_k, x_{k+1}) (spec.md §4.I build_joint).
func Smooth(dz []float64, kern gp.Kernel, filtered *kalman.Result, parallel bool) (*kalman.Result, []*mat.Dense, error) {
	n := filtered.Len()
	if len(dz) != n {
		return nil, nil, fmt.Errorf("kfpairs: interval count %d does not match filtered sequence length %d", len(dz), n)
	}
	if n == 0 {
		return &kalman.Result{}, nil, nil
	}

	S := kern.StateDim()
	steps := precompute(dz, S, kern, parallel)

	smoothed := &kalman.Result{
		Means: make([]*mat.VecDense, n),
		Covs:  make([]*mat.SymDense, n),
	}
	gains := make([]*mat.Dense, n-1)

	smoothed.Means[n-1] = mat.VecDenseCopyOf(filtered.Means[n-1])
	covLast := mat.NewSymDense(2*S, nil)
	covLast.CopySym(filtered.Covs[n-1])
	smoothed.Covs[n-1] = covLast

	for i := n - 2; i >= 0; i-- {
		A, Q := steps[i+1].A, steps[i+1].Q

		var AP mat.Dense
		AP.Mul(A, filtered.Covs[i])
		var APAT mat.Dense
		APAT.Mul(&AP, A.T())
		PPredD := mat.NewDense(2*S, 2*S, nil)
		PPredD.Add(&APAT, Q)
		PPred, err := numeric.ToSymDense(PPredD)
		if err != nil {
			return nil, nil, fmt.Errorf("kfpairs: smoother predicted covariance at interval %d: %w", i, err)
		}
		PPredInv, err := numeric.Inverse(PPred, gp.Jitter)
		if err != nil {
			return nil, nil, fmt.Errorf("kfpairs: smoother predicted covariance inverse at interval %d: %w", i, err)
		}

		var PAT mat.Dense
		PAT.Mul(filtered.Covs[i], A.T())
		G := &mat.Dense{}
		G.Mul(&PAT, PPredInv)

		var mPred mat.VecDense
		mPred.MulVec(A, filtered.Means[i])
		var diff mat.VecDense
		diff.SubVec(smoothed.Means[i+1], &mPred)
		var corr mat.VecDense
		corr.MulVec(G, &diff)

		mSmooth := mat.NewVecDense(2*S, nil)
		mSmooth.AddVec(filtered.Means[i], &corr)

		var covDiff mat.Dense
		covDiff.Sub(smoothed.Covs[i+1], PPred)
		var Gdiff mat.Dense
		Gdiff.Mul(G, &covDiff)
		var GdiffGT mat.Dense
		GdiffGT.Mul(&Gdiff, G.T())

		pSmoothD := mat.NewDense(2*S, 2*S, nil)
		pSmoothD.Add(filtered.Covs[i], &GdiffGT)
		pSmooth, err := numeric.ToSymDense(pSmoothD)
		if err != nil {
			return nil, nil, fmt.Errorf("kfpairs: smoothed covariance at interval %d: %w", i, err)
		}

		smoothed.Means[i] = mSmooth
		smoothed.Covs[i] = pSmooth
		gains[i] = G
	}

	return smoothed, gains, nil
}
