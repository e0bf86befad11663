// Package moments summarizes an MCMC chain before density estimators are
// trained on it: finiteness, Metropolis acceptance, scale spread,
// conditioning, correlation and tail shape of the marginals.
package moments

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	densitybench "github.com/n0madic/go-density-bench"
)

// moveEpsilon is the smallest step between successive draws counted as a move.
const moveEpsilon = 1e-12

// Moments is the summary of one chain.
type Moments struct {
	N, D int

	Finite bool
	// AcceptValid is false if some step moved only part of the coordinates,
	// which a joint Metropolis proposal cannot do.
	AcceptValid bool
	AcceptRate  float64 // fraction of steps moving the first coordinate

	Log10StdRatio float64 // log10 max std / min std
	Log10Cond     float64 // log10 two-norm condition number of the covariance

	MinCorr, MaxCorr float64 // off-diagonal correlation range
	MaxAbsSkew       float64
	MaxKurtosis      float64 // excess kurtosis
}

// Report computes the chain summary of the N x D draws in X. Skewness and
// kurtosis are the biased moment estimators m3/m2^1.5 and m4/m2² - 3.
func Report(X mat.Matrix) (Moments, error) {
	n, d := X.Dims()
	if n < 2 || d == 0 {
		return Moments{}, errors.Wrapf(densitybench.ErrPrecondition, "chain is %dx%d, need at least two draws", n, d)
	}
	m := Moments{N: n, D: d, Finite: true, AcceptValid: true}
	for i := 0; i < n && m.Finite; i++ {
		for j := 0; j < d; j++ {
			if v := X.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				m.Finite = false
				break
			}
		}
	}

	moved := 0
	for i := 1; i < n; i++ {
		some, all := false, true
		for j := 0; j < d; j++ {
			step := math.Abs(X.At(i, j)-X.At(i-1, j)) > moveEpsilon
			some = some || step
			all = all && step
			if j == 0 && step {
				moved++
			}
		}
		if some != all {
			m.AcceptValid = false
		}
	}
	m.AcceptRate = float64(moved) / float64(n-1)

	stds := make([]float64, d)
	skews := make([]float64, d)
	kurts := make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, X)
		stds[j] = stat.StdDev(col, nil)
		skews[j], kurts[j] = shape(col)
	}
	m.Log10StdRatio = math.Log10(floats.Max(stds) / floats.Min(stds))

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, X, nil)
	m.Log10Cond = math.Log10(mat.Cond(&cov, 2))

	var corr mat.SymDense
	stat.CorrelationMatrix(&corr, X, nil)
	m.MinCorr, m.MaxCorr = math.Inf(1), math.Inf(-1)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			v := corr.At(i, j)
			if i == j {
				v = 0
			}
			m.MinCorr = math.Min(m.MinCorr, v)
			m.MaxCorr = math.Max(m.MaxCorr, v)
		}
	}

	m.MaxAbsSkew = math.Abs(skews[0])
	m.MaxKurtosis = kurts[0]
	for j := 1; j < d; j++ {
		m.MaxAbsSkew = math.Max(m.MaxAbsSkew, math.Abs(skews[j]))
		m.MaxKurtosis = math.Max(m.MaxKurtosis, kurts[j])
	}
	return m, nil
}

// ReportWithBurnIn returns the report of the full chain and of the chain
// after dropping its first burnFrac share of draws.
func ReportWithBurnIn(X mat.Matrix, burnFrac float64) (full, post Moments, err error) {
	if burnFrac < 0 || burnFrac >= 1 {
		return Moments{}, Moments{}, errors.Wrapf(densitybench.ErrPrecondition, "burn-in fraction %g outside [0, 1)", burnFrac)
	}
	if full, err = Report(X); err != nil {
		return Moments{}, Moments{}, err
	}
	n, d := X.Dims()
	start := int(burnFrac * float64(n))
	post, err = Report(mat.DenseCopyOf(X).Slice(start, n, 0, d))
	if err != nil {
		return full, Moments{}, errors.Wrap(err, "post burn-in")
	}
	return full, post, nil
}

// shape returns the biased sample skewness and excess kurtosis of x.
func shape(x []float64) (skew, kurt float64) {
	mean := stat.Mean(x, nil)
	var m2, m3, m4 float64
	for _, v := range x {
		dv := v - mean
		d2 := dv * dv
		m2 += d2
		m3 += d2 * dv
		m4 += d2 * d2
	}
	n := float64(len(x))
	m2, m3, m4 = m2/n, m3/n, m4/n
	return m3 / math.Pow(m2, 1.5), m4/(m2*m2) - 3
}
