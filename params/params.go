// Package params defines the persisted numeric description of a fitted
// density: one record type per model family, each holding exactly the numbers
// needed to recompute its log-density without the fitting procedure.
//
// Values are built by the New* constructors, which deep-copy their inputs and
// validate the family invariants. After construction a value is treated as
// frozen: evaluators read it and never write to it.
package params

import (
	"encoding/gob"

	"github.com/pkg/errors"

	densitybench "github.com/n0madic/go-density-bench"
)

// Family tags the variant of a ModelParams value.
type Family string

const (
	FamilyGaussian              Family = "gaussian"
	FamilyMixture               Family = "mixture"
	FamilyInvertibleNetwork     Family = "invertible_network"
	FamilyAutoregressiveMixture Family = "autoregressive_mixture"
)

// ModelParams is the closed set of parameter records. Only the types in this
// package implement it.
type ModelParams interface {
	Family() Family
	// Dim is the input dimensionality D.
	Dim() int
	// Validate re-checks every invariant of the family. Constructors call
	// it; loaders call it again after deserialization.
	Validate() error

	sealed()
}

// Record is the unit persisted at the process boundary: the model name the
// params were fit under, the input dimensionality and the params.
type Record struct {
	ModelName string
	Dim       int
	Params    ModelParams
}

// Validate checks that the record is internally consistent.
func (r Record) Validate() error {
	if r.ModelName == "" {
		return errors.Wrap(densitybench.ErrPrecondition, "record has empty model name")
	}
	if r.Params == nil {
		return errors.Wrapf(densitybench.ErrPrecondition, "record %q has no params", r.ModelName)
	}
	if r.Params.Dim() != r.Dim {
		return errors.Wrapf(densitybench.ErrPrecondition, "record %q declares D=%d, params have D=%d",
			r.ModelName, r.Dim, r.Params.Dim())
	}
	return r.Params.Validate()
}

func init() {
	gob.Register(&Gaussian{})
	gob.Register(&Mixture{})
	gob.Register(&InvertibleNetwork{})
	gob.Register(&AutoregressiveMixture{})
}

func preconditionf(format string, args ...interface{}) error {
	return errors.Wrapf(densitybench.ErrPrecondition, format, args...)
}

func copyVec(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

func copyMat(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = copyVec(row)
	}
	return out
}

func copyTensor(t [][][]float64) [][][]float64 {
	if t == nil {
		return nil
	}
	out := make([][][]float64, len(t))
	for i, m := range t {
		out[i] = copyMat(m)
	}
	return out
}

func checkMatShape(name string, m [][]float64, rows, cols int) error {
	if len(m) != rows {
		return preconditionf("%s has %d rows, want %d", name, len(m), rows)
	}
	for i, row := range m {
		if len(row) != cols {
			return preconditionf("%s row %d has %d columns, want %d", name, i, len(row), cols)
		}
	}
	return nil
}

func checkTensorShape(name string, t [][][]float64, a, b, c int) error {
	if len(t) != a {
		return preconditionf("%s has %d slices, want %d", name, len(t), a)
	}
	for i, m := range t {
		if err := checkMatShape(name, m, b, c); err != nil {
			return errors.Wrapf(err, "slice %d", i)
		}
	}
	return nil
}
