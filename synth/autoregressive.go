package synth

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/n0madic/go-density-bench/params"
)

// AutoregressiveMixture draws each row by ancestral sampling along one
// ordering chosen uniformly from the ensemble, which samples the ensemble
// mixture exactly.
func AutoregressiveMixture(p params.ModelParams, n int, rng *rand.Rand) (*mat.Dense, error) {
	a, ok := p.(*params.AutoregressiveMixture)
	if !ok {
		return nil, familyMismatch(params.FamilyAutoregressiveMixture, p)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := a.CheckNonlinearity(); err != nil {
		return nil, err
	}

	d, h, c := a.Dim(), a.NHidden, a.NComponents
	x := mat.NewDense(n, d, nil)
	acc := make([]float64, h)
	hidden := make([]float64, h)
	next := make([]float64, h)
	alpha := make([]float64, c)
	for r := 0; r < n; r++ {
		ordering := a.Orderings[rng.Intn(len(a.Orderings))]
		copy(acc, a.B1)
		for _, i := range ordering {
			for j, v := range acc {
				hidden[j] = math.Max(v, 0)
			}
			for l := range a.Ws {
				for j := 0; j < h; j++ {
					s := a.Bs[l][j]
					for q := 0; q < h; q++ {
						s += hidden[q] * a.Ws[l][q][j]
					}
					next[j] = math.Max(s, 0)
				}
				copy(hidden, next)
			}
			for k := 0; k < c; k++ {
				alpha[k] = head(hidden, a.VAlpha[i], a.BAlpha[i][k], k)
			}
			// Softmax weights only matter up to scale.
			floats.AddConst(-floats.Max(alpha), alpha)
			for k := range alpha {
				alpha[k] = math.Exp(alpha[k])
			}
			k := int(distuv.NewCategorical(alpha, rng).Rand())
			mu := head(hidden, a.VMu[i], a.BMu[i][k], k)
			sigma := math.Exp(head(hidden, a.VSigma[i], a.BSigma[i][k], k))
			v := mu + sigma*rng.NormFloat64()
			x.Set(r, i, v)

			for j := 0; j < h; j++ {
				acc[j] += v*a.W1[i][j] + a.WFlags[i][j]
			}
		}
	}
	return x, nil
}

// head computes component k of hidden·V + b.
func head(hidden []float64, v [][]float64, b float64, k int) float64 {
	s := b
	for j, hv := range hidden {
		s += hv * v[j][k]
	}
	return s
}
