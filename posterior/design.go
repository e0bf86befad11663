package posterior

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	densitybench "github.com/n0madic/go-density-bench"
)

// design maps the raw inputs to a regression design matrix whose first
// column is the intercept, with one name per column.
type design func(X *mat.Dense, opts Options) (*mat.Dense, []string, error)

func designLinear(X *mat.Dense, _ Options) (*mat.Dense, []string, error) {
	n, d := X.Dims()
	cols := [][]float64{ones(n)}
	names := []string{"Intercept"}
	for j := 0; j < d; j++ {
		cols = append(cols, mat.Col(nil, j, X))
		names = append(names, columnName(j))
	}
	return fromColumns(cols), names, nil
}

func designPairwise(X *mat.Dense, opts Options) (*mat.Dense, []string, error) {
	return interactionDesign(X, opts, false)
}

func designQuadratic(X *mat.Dense, opts Options) (*mat.Dense, []string, error) {
	return interactionDesign(X, opts, true)
}

// interactionDesign builds main effects and pairwise products of the
// non-categorical columns, squares too when quadratic, and the remaining
// categorical columns linearly.
func interactionDesign(X *mat.Dense, opts Options, quadratic bool) (*mat.Dense, []string, error) {
	X, numeric, err := ReduceDimension(X, opts)
	if err != nil {
		return nil, nil, err
	}
	n, d := X.Dims()
	columns := make([][]float64, d)
	for j := range columns {
		columns[j] = mat.Col(nil, j, X)
	}

	cols := [][]float64{ones(n)}
	names := []string{"Intercept"}
	for j := 0; j < numeric; j++ {
		cols = append(cols, columns[j])
		names = append(names, columnName(j))
	}
	for i := 0; i < numeric; i++ {
		for j := i + 1; j < numeric; j++ {
			cols = append(cols, product(columns[i], columns[j]))
			names = append(names, columnName(i)+":"+columnName(j))
		}
	}
	if quadratic {
		for j := 0; j < numeric; j++ {
			cols = append(cols, product(columns[j], columns[j]))
			names = append(names, fmt.Sprintf("I(%s^2)", columnName(j)))
		}
	}
	for j := numeric; j < d; j++ {
		cols = append(cols, columns[j])
		names = append(names, columnName(j))
	}
	return fromColumns(cols), names, nil
}

// ReduceDimension returns X unchanged with its non-categorical column count
// when that count is within opts.MaxInteractionDims. Otherwise X is
// replaced by the scores on its leading MaxInteractionDims principal
// components, all of which are non-categorical.
func ReduceDimension(X *mat.Dense, opts Options) (*mat.Dense, int, error) {
	_, d := X.Dims()
	numeric := opts.NumNonCategorical
	if numeric < 0 || numeric > d {
		numeric = d
	}
	limit := opts.MaxInteractionDims
	if limit <= 0 || d <= limit {
		return X, numeric, nil
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(X, nil); !ok {
		return nil, 0, errors.Wrap(densitybench.ErrNumerical, "principal components did not converge")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	if _, c := vecs.Dims(); c < limit {
		limit = c
	}
	n, _ := X.Dims()
	centered := mat.DenseCopyOf(X)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, X)
		mean := stat.Mean(col, nil)
		for i := 0; i < n; i++ {
			centered.Set(i, j, col[i]-mean)
		}
	}
	var scores mat.Dense
	scores.Mul(centered, vecs.Slice(0, d, 0, limit))
	return &scores, limit, nil
}

func columnName(j int) string { return fmt.Sprintf("x%d", j) }

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func product(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] * b[i]
	}
	return out
}

func fromColumns(cols [][]float64) *mat.Dense {
	out := mat.NewDense(len(cols[0]), len(cols), nil)
	for j, c := range cols {
		out.SetCol(j, c)
	}
	return out
}
