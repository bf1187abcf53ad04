// Package kf implements the forward Kalman filter pass over a sequence of
// pseudo-likelihood sites (spec.md §4.B). The filter treats each site as a
// Gaussian "measurement" of the latent state in function space: mean
// site.Mean(n), covariance site.Cov(n), observed through the kernel's
// measurement matrix H. Masked rows contribute no update and no
// log-likelihood term, leaving the predicted marginal as the filtered one
// (spec.md §4.F "masking a row is equivalent to removing it").
package kf

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

// step holds the data-independent, per-transition matrices derived solely
// from the time gap dt: the state-transition matrix A and the process
// noise covariance Q = Pinf - A Pinf A^T. Computing these is the only part
// of the filter that does not depend on the running state estimate, so it
// is the part the parallel mode parallelises.
type step struct {
	A *mat.Dense
	Q *mat.Dense
}

func precompute(xs []float64, kern gp.Kernel, parallel bool) []step {
	n := len(xs)
	steps := make([]step, n)
	Pinf := kern.StationaryCov()

	compute := func(i int) {
		var dt float64
		if i == 0 {
			dt = 0
		} else {
			dt = xs[i] - xs[i-1]
		}
		A := kern.StateTransition(dt)
		var APinf mat.Dense
		APinf.Mul(A, Pinf)
		var APinfAT mat.Dense
		APinfAT.Mul(&APinf, A.T())
		Q := mat.NewDense(Pinf.Symmetric(), Pinf.Symmetric(), nil)
		Q.Sub(Pinf, &APinfAT)
		steps[i] = step{A: A, Q: Q}
	}

	if !parallel || n == 0 {
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

// Filter runs the forward Kalman filter over the site store's pseudo-data,
// at the sorted times xs, under the given kernel's SDE representation.
// parallel selects whether the data-independent per-step (A, Q) matrices
// are precomputed concurrently; either way the filtered sequence is
// bit-identical, since the innovation/covariance recursion itself stays
// sequential (spec.md's "parallel" scan is only safe in closed form for
// additive compositions the module does not attempt to reproduce here).
func Filter(xs []float64, kern gp.Kernel, sites *site.Store, mask gp.Mask, parallel bool) (*kalman.Result, float64, error) {
	n := len(xs)
	if sites.Len() != n {
		return nil, 0, fmt.Errorf("kf: site count %d does not match time grid length %d", sites.Len(), n)
	}
	if mask != nil && len(mask) != n {
		return nil, 0, fmt.Errorf("kf: mask length %d does not match time grid length %d", len(mask), n)
	}

	S := kern.StateDim()
	H := kern.Measurement()
	Df := kern.FuncDim()

	steps := precompute(xs, kern, parallel)

	result := &kalman.Result{
		Means: make([]*mat.VecDense, n),
		Covs:  make([]*mat.SymDense, n),
	}

	m := mat.NewVecDense(S, nil)
	P := mat.NewSymDense(S, nil)
	P.CopySym(kern.StationaryCov())

	logLik := 0.0

	for i := 0; i < n; i++ {
		A, Q := steps[i].A, steps[i].Q

		var mPred mat.VecDense
		mPred.MulVec(A, m)

		var AP mat.Dense
		AP.Mul(A, P)
		var APAT mat.Dense
		APAT.Mul(&AP, A.T())
		PPredD := mat.NewDense(S, S, nil)
		PPredD.Add(&APAT, Q)
		PPred, err := numeric.ToSymDense(PPredD)
		if err != nil {
			return nil, 0, fmt.Errorf("kf: predicted covariance at step %d: %w", i, err)
		}

		masked := mask != nil && mask[i]
		if masked {
			result.Means[i] = mat.VecDenseCopyOf(&mPred)
			result.Covs[i] = PPred
			m = mat.VecDenseCopyOf(&mPred)
			P = PPred
			continue
		}

		y := sites.Mean(i)
		R := sites.Cov(i)

		var Hm mat.VecDense
		Hm.MulVec(H, &mPred)
		var innov mat.VecDense
		innov.SubVec(y, &Hm)

		var HP mat.Dense
		HP.Mul(H, PPred)
		var HPHT mat.Dense
		HPHT.Mul(&HP, H.T())
		SDense := mat.NewDense(Df, Df, nil)
		SDense.Add(&HPHT, R)
		Sinnov, err := numeric.ToSymDense(SDense)
		if err != nil {
			return nil, 0, fmt.Errorf("kf: innovation covariance at step %d: %w", i, err)
		}

		SInv, err := numeric.Inverse(Sinnov, gp.Jitter)
		if err != nil {
			return nil, 0, fmt.Errorf("kf: innovation covariance inverse at step %d: %w", i, err)
		}

		var PHT mat.Dense
		PHT.Mul(PPred, H.T())
		var gain mat.Dense
		gain.Mul(&PHT, SInv)

		var corr mat.VecDense
		corr.MulVec(&gain, &innov)
		mFilt := mat.NewVecDense(S, nil)
		mFilt.AddVec(&mPred, &corr)

		eye := mat.NewDiagDense(S, nil)
		for k := 0; k < S; k++ {
			eye.SetDiag(k, 1.0)
		}
		var GH mat.Dense
		GH.Mul(&gain, H)
		var IGH mat.Dense
		IGH.Sub(eye, &GH)

		var IGHP mat.Dense
		IGHP.Mul(&IGH, PPred)
		var IGHPIGHT mat.Dense
		IGHPIGHT.Mul(&IGHP, IGH.T())

		var GR mat.Dense
		GR.Mul(&gain, R)
		var GRGT mat.Dense
		GRGT.Mul(&GR, gain.T())

		PFiltD := mat.NewDense(S, S, nil)
		PFiltD.Add(&IGHPIGHT, &GRGT)
		PFilt, err := numeric.ToSymDense(PFiltD)
		if err != nil {
			return nil, 0, fmt.Errorf("kf: filtered covariance at step %d: %w", i, err)
		}

		var SInvInnov mat.VecDense
		SInvInnov.MulVec(SInv, &innov)
		quad := mat.Dot(&innov, &SInvInnov)
		logDetS, err := numeric.LogDet(Sinnov, gp.Jitter)
		if err != nil {
			return nil, 0, fmt.Errorf("kf: log-determinant of innovation covariance at step %d: %w", i, err)
		}
		logLik += -0.5 * (quad + logDetS + float64(Df)*math.Log(2*math.Pi))

		result.Means[i] = mFilt
		result.Covs[i] = PFilt
		m = mFilt
		P = PFilt
	}

	return result, logLik, nil
}
