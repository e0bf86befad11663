// Package ess estimates effective sample sizes of MCMC chains and compares
// the estimates against the real sampling efficiency measured in the
// benchmark runs.
package ess

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	densitybench "github.com/n0madic/go-density-bench"
)

// autocovariance returns the biased autocovariance of x at every lag,
// computed through a zero-padded FFT.
func autocovariance(x []float64) []float64 {
	n := len(x)
	size := 1
	for size < 2*n {
		size <<= 1
	}
	mean := stat.Mean(x, nil)
	padded := make([]float64, size)
	for i, v := range x {
		padded[i] = v - mean
	}
	fft := fourier.NewFFT(size)
	coeff := fft.Coefficients(nil, padded)
	for i, c := range coeff {
		coeff[i] = complex(real(c)*real(c)+imag(c)*imag(c), 0)
	}
	acov := fft.Sequence(nil, coeff)
	out := make([]float64, n)
	for i := range out {
		out[i] = acov[i] / float64(size) / float64(n)
	}
	return out
}

// geyerTau sums the autocorrelations rho with Geyer's initial monotone
// positive sequence and returns the integrated autocorrelation time.
func geyerTau(rho []float64) float64 {
	tau := -1.0
	prev := math.Inf(1)
	for k := 0; 2*k+1 < len(rho); k++ {
		pair := rho[2*k] + rho[2*k+1]
		if pair <= 0 {
			break
		}
		if pair > prev {
			pair = prev
		}
		tau += 2 * pair
		prev = pair
	}
	if tau <= 0 {
		tau = 1
	}
	return tau
}

// EffectiveSampleSize estimates the ESS of a single chain. A constant chain
// has no defined ESS and returns NaN.
func EffectiveSampleSize(chain []float64) (float64, error) {
	n := len(chain)
	if n < 4 {
		return 0, errors.Wrapf(densitybench.ErrPrecondition, "chain of %d draws is too short", n)
	}
	acov := autocovariance(chain)
	if !(acov[0] > 0) {
		return math.NaN(), nil
	}
	rho := make([]float64, n)
	for i, v := range acov {
		rho[i] = v / acov[0]
	}
	return float64(n) / geyerTau(rho), nil
}

// MultiChainESS estimates the ESS of equally long chains of one quantity,
// combining within-chain autocovariances with the between-chain variance.
func MultiChainESS(chains [][]float64) (float64, error) {
	m := len(chains)
	if m == 0 {
		return 0, errors.Wrap(densitybench.ErrPrecondition, "no chains")
	}
	n := len(chains[0])
	if n < 4 {
		return 0, errors.Wrapf(densitybench.ErrPrecondition, "chains of %d draws are too short", n)
	}
	if m == 1 {
		return EffectiveSampleSize(chains[0])
	}
	means := make([]float64, m)
	meanAcov := make([]float64, n)
	w := 0.0
	for c, chain := range chains {
		if len(chain) != n {
			return 0, errors.Wrapf(densitybench.ErrPrecondition, "chain %d has %d draws, want %d", c, len(chain), n)
		}
		acov := autocovariance(chain)
		for t, v := range acov {
			meanAcov[t] += v / float64(m)
		}
		means[c] = stat.Mean(chain, nil)
		w += acov[0] * float64(n) / float64(n-1) / float64(m)
	}
	b := stat.Variance(means, nil)
	varPlus := float64(n-1)/float64(n)*w + b
	if !(varPlus > 0) {
		return math.NaN(), nil
	}
	rho := make([]float64, n)
	for t := range rho {
		rho[t] = 1 - (w-meanAcov[t])/varPlus
	}
	return float64(m*n) / geyerTau(rho), nil
}
