package posterior

import (
	"encoding/gob"
	"io"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
)

// BLR is a conjugate Bayesian linear regression with known noise variance
// in precision form: a diagonal Normal prior on the weights (zero entries
// are flat) updated one observation at a time or from precomputed
// sufficient statistics.
type BLR struct {
	dim       int
	priorPrec []float64
	noiseVar  float64

	gram *mat.SymDense // Σ w xxᵀ
	xty  *mat.VecDense // Σ w x y
	prec *mat.SymDense // prior + gram/σ²
	chol *mat.Cholesky // of prec, nil when stale
	mean *mat.VecDense // prec⁻¹ xty/σ²
	zBuf *mat.VecDense // standard normal draws
	dBuf *mat.VecDense // L⁻ᵀ z
	n    int
}

// NewBLR creates a regression over dim weights with the given prior
// precisions and noise variance.
func NewBLR(priorPrec []float64, noiseVar float64) (*BLR, error) {
	dim := len(priorPrec)
	if dim == 0 {
		return nil, errors.Wrap(densitybench.ErrPrecondition, "regression needs at least one weight")
	}
	for i, p := range priorPrec {
		if !(p >= 0) || math.IsInf(p, 0) {
			return nil, errors.Wrapf(densitybench.ErrPrecondition, "prior precision %d is %g", i, p)
		}
	}
	if !(noiseVar > 0) {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "noise variance must be positive, got %g", noiseVar)
	}
	b := &BLR{
		dim:       dim,
		priorPrec: append([]float64(nil), priorPrec...),
		noiseVar:  noiseVar,
		gram:      mat.NewSymDense(dim, nil),
		xty:       mat.NewVecDense(dim, nil),
		prec:      mat.NewSymDense(dim, nil),
		mean:      mat.NewVecDense(dim, nil),
		zBuf:      mat.NewVecDense(dim, nil),
		dBuf:      mat.NewVecDense(dim, nil),
	}
	return b, nil
}

// Dim is the number of weights.
func (b *BLR) Dim() int { return b.dim }

// N is the number of observations seen so far.
func (b *BLR) N() int { return b.n }

// Update adds one observation y ≈ xᵀβ with likelihood weight w (w scales the
// precision of this observation).
func (b *BLR) Update(x []float64, y, w float64) error {
	if len(x) != b.dim {
		return errors.Wrapf(densitybench.ErrPrecondition, "observation has %d features, want %d", len(x), b.dim)
	}
	if !(w >= 0) {
		return errors.Wrapf(densitybench.ErrPrecondition, "observation weight %g", w)
	}
	xv := mat.NewVecDense(b.dim, x)
	b.gram.SymRankOne(b.gram, w, xv)
	b.xty.AddScaledVec(b.xty, w*y, xv)
	b.n++
	b.chol = nil
	return nil
}

// SetStatistics replaces every observation by the sufficient statistics
// gram = Σ w xxᵀ and xty = Σ w x y and sets the noise variance.
func (b *BLR) SetStatistics(gram mat.Symmetric, xty []float64, noiseVar float64, n int) error {
	if gram.SymmetricDim() != b.dim || len(xty) != b.dim {
		return errors.Wrapf(densitybench.ErrPrecondition, "statistics of size %d/%d, want %d",
			gram.SymmetricDim(), len(xty), b.dim)
	}
	if !(noiseVar > 0) {
		return errors.Wrapf(densitybench.ErrPrecondition, "noise variance must be positive, got %g", noiseVar)
	}
	b.gram.CopySym(gram)
	b.xty.CopyVec(mat.NewVecDense(b.dim, xty))
	b.noiseVar = noiseVar
	b.n = n
	b.chol = nil
	return nil
}

// SetNoiseVar changes the noise variance while keeping the observations.
func (b *BLR) SetNoiseVar(v float64) error {
	if !(v > 0) {
		return errors.Wrapf(densitybench.ErrPrecondition, "noise variance must be positive, got %g", v)
	}
	b.noiseVar = v
	b.chol = nil
	return nil
}

// Reset drops every observation and returns to the prior.
func (b *BLR) Reset() {
	b.gram.Zero()
	b.xty.Zero()
	b.n = 0
	b.chol = nil
}

func (b *BLR) factor() error {
	if b.chol != nil {
		return nil
	}
	b.prec.ScaleSym(1/b.noiseVar, b.gram)
	for i, p := range b.priorPrec {
		b.prec.SetSym(i, i, b.prec.At(i, i)+p)
	}
	chol, err := numeric.SafeCholesky(b.prec)
	if err != nil {
		return err
	}
	b.chol = chol
	rhs := mat.NewVecDense(b.dim, nil)
	rhs.ScaleVec(1/b.noiseVar, b.xty)
	if err := chol.SolveVecTo(b.mean, rhs); err != nil && !numeric.IsConditionWarning(err) {
		return errors.Wrap(densitybench.ErrNumerical, err.Error())
	}
	return nil
}

// Mean returns the posterior mean of the weights.
func (b *BLR) Mean() ([]float64, error) {
	if err := b.factor(); err != nil {
		return nil, err
	}
	return append([]float64(nil), b.mean.RawVector().Data...), nil
}

// Covariance returns the posterior covariance of the weights.
func (b *BLR) Covariance() (*mat.SymDense, error) {
	if err := b.factor(); err != nil {
		return nil, err
	}
	var cov mat.SymDense
	if err := b.chol.InverseTo(&cov); err != nil && !numeric.IsConditionWarning(err) {
		return nil, errors.Wrap(densitybench.ErrNumerical, err.Error())
	}
	return &cov, nil
}

// Sample writes one posterior draw into dst: mean + L⁻ᵀz with prec = LLᵀ.
func (b *BLR) Sample(rng *rand.Rand, dst []float64) error {
	if len(dst) != b.dim {
		return errors.Wrapf(densitybench.ErrPrecondition, "destination has %d entries, want %d", len(dst), b.dim)
	}
	if err := b.factor(); err != nil {
		return err
	}
	for i := 0; i < b.dim; i++ {
		b.zBuf.SetVec(i, rng.NormFloat64())
	}
	var u mat.TriDense
	b.chol.UTo(&u)
	if err := b.dBuf.SolveVec(&u, b.zBuf); err != nil && !numeric.IsConditionWarning(err) {
		return errors.Wrap(densitybench.ErrNumerical, err.Error())
	}
	for i := range dst {
		dst[i] = b.mean.AtVec(i) + b.dBuf.AtVec(i)
	}
	return nil
}

// BLRState represents the serializable state of BLR
type BLRState struct {
	Version   int       `gob:"version"`
	Dim       int       `gob:"dim"`
	PriorPrec []float64 `gob:"prior_prec"`
	NoiseVar  float64   `gob:"noise_var"`
	GramData  []float64 `gob:"gram_data"` // Raw gram matrix (flattened)
	XtyData   []float64 `gob:"xty_data"`
	N         int       `gob:"n"`
}

// Save serializes the regression state to gob format
// Note: the Cholesky factor is not serialized as it can be recomputed
func (b *BLR) Save(w io.Writer) error {
	state := BLRState{
		Version:   1,
		Dim:       b.dim,
		PriorPrec: append([]float64(nil), b.priorPrec...),
		NoiseVar:  b.noiseVar,
		GramData:  make([]float64, 0, b.dim*b.dim),
		XtyData:   append([]float64(nil), b.xty.RawVector().Data...),
		N:         b.n,
	}
	for i := 0; i < b.dim; i++ {
		for j := 0; j < b.dim; j++ {
			state.GramData = append(state.GramData, b.gram.At(i, j))
		}
	}
	return errors.Wrap(gob.NewEncoder(w).Encode(state), "encode regression state")
}

// LoadBLR deserializes a regression state from gob format
func LoadBLR(r io.Reader) (*BLR, error) {
	var state BLRState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, errors.Wrap(err, "decode regression state")
	}
	if state.Version != 1 {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "unsupported gob version %d", state.Version)
	}
	b, err := NewBLR(state.PriorPrec, state.NoiseVar)
	if err != nil {
		return nil, err
	}
	if b.dim != state.Dim || len(state.GramData) != b.dim*b.dim || len(state.XtyData) != b.dim {
		return nil, errors.Wrap(densitybench.ErrPrecondition, "invalid regression state lengths")
	}
	gram := mat.NewSymDense(b.dim, nil)
	for i := 0; i < b.dim; i++ {
		for j := i; j < b.dim; j++ {
			gram.SetSym(i, j, state.GramData[i*b.dim+j])
		}
	}
	if err := b.SetStatistics(gram, state.XtyData, state.NoiseVar, state.N); err != nil {
		return nil, err
	}
	return b, nil
}
