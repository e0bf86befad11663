package params

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-density-bench/numeric"
)

// CovarianceFull is the only covariance type the mixture evaluator accepts.
const CovarianceFull = "full"

// Mixture is a Gaussian mixture with K components in D dimensions.
//
// PrecisionsCholesky[k] is the upper-triangular inverse-Cholesky factor of
// Covariances[k]; the two are checked against each other on validation.
type Mixture struct {
	Weights            []float64
	Means              [][]float64   // K x D
	Covariances        [][][]float64 // K x D x D
	CovarianceType     string
	PrecisionsCholesky [][][]float64 // K x D x D, upper triangular
}

// NewMixture copies the inputs, derives the inverse-Cholesky factors from the
// covariances and validates the result.
func NewMixture(weights []float64, means [][]float64, covs [][][]float64, covType string) (*Mixture, error) {
	m := &Mixture{
		Weights:        copyVec(weights),
		Means:          copyMat(means),
		Covariances:    copyTensor(covs),
		CovarianceType: covType,
	}
	if covType == CovarianceFull {
		m.PrecisionsCholesky = make([][][]float64, len(covs))
		for k, cov := range covs {
			if len(cov) == 0 {
				return nil, preconditionf("component %d has empty covariance", k)
			}
			u, err := numeric.InverseCholeskyUpper(numeric.SymFromDense(Dense(cov)))
			if err != nil {
				return nil, errors.Wrapf(err, "component %d", k)
			}
			m.PrecisionsCholesky[k] = Rows(u)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMixtureWithFactors copies the inputs including precomputed factors, as
// produced by a fitting procedure, and validates that they agree.
func NewMixtureWithFactors(weights []float64, means [][]float64, covs, precChol [][][]float64, covType string) (*Mixture, error) {
	m := &Mixture{
		Weights:            copyVec(weights),
		Means:              copyMat(means),
		Covariances:        copyTensor(covs),
		CovarianceType:     covType,
		PrecisionsCholesky: copyTensor(precChol),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mixture) Family() Family { return FamilyMixture }
func (m *Mixture) sealed()        {}

func (m *Mixture) Dim() int {
	if len(m.Means) == 0 {
		return 0
	}
	return len(m.Means[0])
}

// Components returns K.
func (m *Mixture) Components() int { return len(m.Weights) }

// Validate checks shapes, weight positivity, covariance symmetry and
// semi-definiteness, and that every factor is upper triangular and
// consistent with its covariance. Non-full covariance types are only
// rejected by the evaluator, so they validate as long as the weights and
// means are well formed.
func (m *Mixture) Validate() error {
	k := len(m.Weights)
	if k == 0 {
		return preconditionf("mixture has no components")
	}
	total := 0.0
	for i, w := range m.Weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return preconditionf("mixture weight %d is %g", i, w)
		}
		total += w
	}
	if !(total > 0) {
		return preconditionf("mixture weights sum to %g", total)
	}
	d := m.Dim()
	if d == 0 {
		return preconditionf("mixture has empty means")
	}
	if err := checkMatShape("means", m.Means, k, d); err != nil {
		return err
	}
	if m.CovarianceType != CovarianceFull {
		return nil
	}
	if err := checkTensorShape("covariances", m.Covariances, k, d, d); err != nil {
		return err
	}
	if err := checkTensorShape("precisions_cholesky", m.PrecisionsCholesky, k, d, d); err != nil {
		return err
	}
	for c := 0; c < k; c++ {
		cov := Dense(m.Covariances[c])
		if err := checkPSD("covariance", cov); err != nil {
			return errors.Wrapf(err, "component %d", c)
		}
		if err := numeric.CheckInverseCholesky(Dense(m.PrecisionsCholesky[c]), cov); err != nil {
			return errors.Wrapf(err, "component %d", c)
		}
	}
	return nil
}

// NormalizedWeights returns the weights divided by their sum.
func (m *Mixture) NormalizedWeights() []float64 {
	total := 0.0
	for _, w := range m.Weights {
		total += w
	}
	out := make([]float64, len(m.Weights))
	for i, w := range m.Weights {
		out[i] = w / total
	}
	return out
}

// Factor returns component k's inverse-Cholesky factor as a gonum matrix.
func (m *Mixture) Factor(k int) *mat.Dense {
	return Dense(m.PrecisionsCholesky[k])
}
