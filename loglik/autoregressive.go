package loglik

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// AutoregressiveMixture evaluates an orderless RNADE. For each ordering o
// the density factorizes into one mixture-of-Gaussians conditional per
// dimension, each conditioned on the exact values already revealed:
//
//	a   = b1
//	for i in o:
//	    h = relu(a); h = relu(h·Ws[l] + bs[l]) for every extra layer
//	    α = softmax(h·Vα[i] + bα[i]), μ = h·Vμ[i] + bμ[i], σ = exp(h·Vσ[i] + bσ[i])
//	    lp_o += logsumexp_c( log α_c + log N(x_i; μ_c, σ_c) )
//	    a  += x_i·W1[i] + Wflags[i]
//
// and the ensemble density is logsumexp_o(lp_o) - log|O|. Only the RLU
// nonlinearity is implemented.
func AutoregressiveMixture(X mat.Matrix, p *params.AutoregressiveMixture, _ ...Option) ([]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := p.CheckNonlinearity(); err != nil {
		return nil, err
	}
	if err := checkDims(X, p.Dim()); err != nil {
		return nil, err
	}
	n, _ := X.Dims()
	if n == 0 {
		return []float64{}, nil
	}

	nOrd := len(p.Orderings)
	lp := mat.NewDense(n, nOrd, nil)
	for o, ordering := range p.Orderings {
		col := orderingLogDensity(X, p, ordering)
		lp.SetCol(o, col)
	}
	out, err := numeric.LogSumExpAxis(lp, 1)
	if err != nil {
		return nil, err
	}
	logNOrd := math.Log(float64(nOrd))
	for i := range out {
		out[i] -= logNOrd
	}
	return out, nil
}

func orderingLogDensity(X mat.Matrix, p *params.AutoregressiveMixture, ordering []int) []float64 {
	n, _ := X.Dims()
	h, c := p.NHidden, p.NComponents

	a := mat.NewDense(n, h, nil)
	for i := 0; i < n; i++ {
		a.SetRow(i, p.B1)
	}
	ws := make([]*mat.Dense, len(p.Ws))
	for l := range p.Ws {
		ws[l] = params.Dense(p.Ws[l])
	}

	lp := make([]float64, n)
	terms := make([]float64, c)
	hidden := mat.NewDense(n, h, nil)
	var zAlpha, zMu, zSigma, next mat.Dense
	for _, i := range ordering {
		hidden.Apply(relu, a)
		for l := range ws {
			next.Mul(hidden, ws[l])
			addRow(&next, p.Bs[l])
			hidden.Apply(relu, &next)
		}
		zAlpha.Mul(hidden, params.Dense(p.VAlpha[i]))
		addRow(&zAlpha, p.BAlpha[i])
		zMu.Mul(hidden, params.Dense(p.VMu[i]))
		addRow(&zMu, p.BMu[i])
		zSigma.Mul(hidden, params.Dense(p.VSigma[i]))
		addRow(&zSigma, p.BSigma[i])

		logAlpha := make([]float64, c)
		for r := 0; r < n; r++ {
			x := X.At(r, i)
			mat.Row(logAlpha, r, &zAlpha)
			numeric.LogSoftmax(logAlpha, logAlpha)
			for k := 0; k < c; k++ {
				terms[k] = logAlpha[k] + normalLogProb(x, zMu.At(r, k), zSigma.At(r, k))
			}
			lp[r] += numeric.LogSumExp(terms)

			for j := 0; j < h; j++ {
				a.Set(r, j, a.At(r, j)+x*p.W1[i][j]+p.WFlags[i][j])
			}
		}
	}
	return lp
}

// normalLogProb is log N(x; mu, exp(logSigma)).
func normalLogProb(x, mu, logSigma float64) float64 {
	z := (x - mu) / math.Exp(logSigma)
	return -0.5*z*z - logSigma - 0.5*numeric.Log2Pi
}

func relu(_, _ int, v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

func addRow(m *mat.Dense, b []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] += b[j]
		}
	}
}
