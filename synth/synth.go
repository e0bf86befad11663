// Package synth draws fresh samples from a fitted model's parameters. The
// cross-check harness uses it to score data the fitting code never saw. The
// samplers are independent of the evaluators in loglik.
package synth

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// Generator draws n rows from the density described by p.
type Generator func(p params.ModelParams, n int, rng *rand.Rand) (*mat.Dense, error)

// Registry maps model names to generators.
type Registry map[string]Generator

// DefaultRegistry returns the generators for the benchmark models.
func DefaultRegistry() Registry {
	return Registry{
		"Gaussian": Gaussian,
		"MoG":      Mixture,
		"VBMoG":    Mixture,
		"IGN":      InvertibleNetwork,
		"RNADE":    AutoregressiveMixture,
	}
}

// Names returns the registered model names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate looks up the generator for model and draws n rows.
func (r Registry) Generate(model string, p params.ModelParams, n int, rng *rand.Rand) (*mat.Dense, error) {
	gen, ok := r[model]
	if !ok {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "no generator for model %q", model)
	}
	if n <= 0 {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "sample count %d", n)
	}
	return gen(p, n, rng)
}

func familyMismatch(want params.Family, p params.ModelParams) error {
	if p == nil {
		return errors.Wrapf(densitybench.ErrPrecondition, "expected %s params, got nil", want)
	}
	return errors.Wrapf(densitybench.ErrPrecondition, "expected %s params, got %s", want, p.Family())
}

// Gaussian draws mean + z·Lᵀ with L the lower Cholesky factor.
func Gaussian(p params.ModelParams, n int, rng *rand.Rand) (*mat.Dense, error) {
	g, ok := p.(*params.Gaussian)
	if !ok {
		return nil, familyMismatch(params.FamilyGaussian, p)
	}
	chol, err := numeric.SafeCholesky(g.CovarianceSym())
	if err != nil {
		return nil, err
	}
	var l mat.TriDense
	chol.LTo(&l)

	d := g.Dim()
	z := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			z.Set(i, j, rng.NormFloat64())
		}
	}
	var x mat.Dense
	x.Mul(z, l.T())
	addRowVec(&x, g.Mean)
	return &x, nil
}

// Mixture picks a component per row by weight and draws mean_k + z·U_k⁻¹,
// where U_k is the stored inverse-Cholesky factor.
func Mixture(p params.ModelParams, n int, rng *rand.Rand) (*mat.Dense, error) {
	m, ok := p.(*params.Mixture)
	if !ok {
		return nil, familyMismatch(params.FamilyMixture, p)
	}
	if m.CovarianceType != params.CovarianceFull {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "covariance type %q is not supported", m.CovarianceType)
	}
	d := m.Dim()
	k := m.Components()
	scales := make([]*mat.Dense, k)
	for c := 0; c < k; c++ {
		var inv mat.Dense
		if err := inv.Inverse(m.Factor(c)); err != nil {
			return nil, errors.Wrapf(densitybench.ErrNumerical, "component %d factor: %v", c, err)
		}
		scales[c] = &inv
	}

	pick := distuv.NewCategorical(m.Weights, rng)
	x := mat.NewDense(n, d, nil)
	z := mat.NewVecDense(d, nil)
	var row mat.VecDense
	for i := 0; i < n; i++ {
		c := int(pick.Rand())
		for j := 0; j < d; j++ {
			z.SetVec(j, rng.NormFloat64())
		}
		// row = U⁻ᵀ z, the column form of z·U⁻¹.
		row.MulVec(scales[c].T(), z)
		for j := 0; j < d; j++ {
			x.Set(i, j, m.Means[c][j]+row.AtVec(j))
		}
	}
	return x, nil
}

// InvertibleNetwork samples the base density and runs the layer stack
// backwards: undo the activation, subtract the bias, then solve with the
// triangular factors of W = Lower·Upper.
func InvertibleNetwork(p params.ModelParams, n int, rng *rand.Rand) (*mat.Dense, error) {
	net, ok := p.(*params.InvertibleNetwork)
	if !ok {
		return nil, familyMismatch(params.FamilyInvertibleNetwork, p)
	}
	if err := net.Validate(); err != nil {
		return nil, err
	}
	d := net.Dim()
	// Columns are samples so the solves act on d x n right-hand sides.
	y := mat.NewDense(d, n, nil)
	student := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: net.DoF, Src: rng}
	for j := 0; j < n; j++ {
		for i := 0; i < d; i++ {
			switch net.Base {
			case params.BaseStudentT:
				y.Set(i, j, student.Rand())
			default:
				y.Set(i, j, rng.NormFloat64())
			}
		}
	}

	for li := len(net.Layers) - 1; li >= 0; li-- {
		layer := net.Layers[li]
		y.Apply(func(i, _ int, v float64) float64 {
			if layer.Activation == params.ActivationLeakyReLU && v < 0 {
				v /= layer.Slope
			}
			return v - layer.Bias[i]
		}, y)
		lower := triangular(layer.Lower, mat.Lower)
		upper := triangular(layer.Upper, mat.Upper)
		var u, h mat.Dense
		if err := u.Solve(lower, y); err != nil {
			return nil, errors.Wrapf(densitybench.ErrNumerical, "layer %d lower solve: %v", li, err)
		}
		if err := h.Solve(upper, &u); err != nil {
			return nil, errors.Wrapf(densitybench.ErrNumerical, "layer %d upper solve: %v", li, err)
		}
		y = &h
	}
	x := mat.DenseCopyOf(y.T())
	return x, nil
}

func triangular(rows [][]float64, kind mat.TriKind) *mat.TriDense {
	d := len(rows)
	t := mat.NewTriDense(d, kind, nil)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			if (kind == mat.Upper && j >= i) || (kind == mat.Lower && j <= i) {
				t.SetTri(i, j, rows[i][j])
			}
		}
	}
	return t
}

func addRowVec(m *mat.Dense, v []float64) {
	m.Apply(func(_, j int, x float64) float64 { return x + v[j] }, m)
}
