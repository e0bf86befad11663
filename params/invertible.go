package params

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
)

// Activation tags of an invertible layer.
const (
	ActivationLinear    = "linear"
	ActivationLeakyReLU = "leaky_relu"
)

// Base density tags of an invertible network.
const (
	BaseGaussian = "gaussian"
	BaseStudentT = "student_t"
)

// Layer is one invertible layer y = act(W·x + b) with W = Lower·Upper.
// Lower is unit lower triangular, Upper is upper triangular with a non-zero
// diagonal, so W is invertible and log|det W| = Σ log|Upper_ii|.
type Layer struct {
	Lower      [][]float64
	Upper      [][]float64
	Bias       []float64
	Activation string
	// Slope is the negative-side slope of a leaky_relu activation.
	Slope float64
}

// InvertibleNetwork is a stack of invertible layers mapping data to a base
// density. DoF is only read when Base is student_t.
type InvertibleNetwork struct {
	Layers []Layer
	Base   string
	DoF    float64
}

// NewInvertibleNetwork copies and validates a layer stack.
func NewInvertibleNetwork(layers []Layer, base string, dof float64) (*InvertibleNetwork, error) {
	n := &InvertibleNetwork{Layers: make([]Layer, len(layers)), Base: base, DoF: dof}
	for i, l := range layers {
		n.Layers[i] = Layer{
			Lower:      copyMat(l.Lower),
			Upper:      copyMat(l.Upper),
			Bias:       copyVec(l.Bias),
			Activation: l.Activation,
			Slope:      l.Slope,
		}
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *InvertibleNetwork) Family() Family { return FamilyInvertibleNetwork }
func (n *InvertibleNetwork) sealed()        {}

func (n *InvertibleNetwork) Dim() int {
	if len(n.Layers) == 0 {
		return 0
	}
	return len(n.Layers[0].Bias)
}

func (n *InvertibleNetwork) Validate() error {
	if len(n.Layers) == 0 {
		return preconditionf("invertible network has no layers")
	}
	switch n.Base {
	case BaseGaussian:
	case BaseStudentT:
		if !(n.DoF > 0) || math.IsInf(n.DoF, 0) {
			return preconditionf("student-t base needs positive finite degrees of freedom, got %g", n.DoF)
		}
	default:
		return preconditionf("unknown base density %q", n.Base)
	}
	d := n.Dim()
	if d == 0 {
		return preconditionf("invertible network has empty bias")
	}
	for i, l := range n.Layers {
		if err := l.validate(d); err != nil {
			return errors.Wrapf(err, "layer %d", i)
		}
	}
	return nil
}

func (l Layer) validate(d int) error {
	if len(l.Bias) != d {
		return preconditionf("bias has length %d, want %d", len(l.Bias), d)
	}
	if err := checkMatShape("lower", l.Lower, d, d); err != nil {
		return err
	}
	if err := checkMatShape("upper", l.Upper, d, d); err != nil {
		return err
	}
	for i := 0; i < d; i++ {
		if l.Lower[i][i] != 1 {
			return preconditionf("lower diagonal %d is %g, want 1", i, l.Lower[i][i])
		}
		if l.Upper[i][i] == 0 {
			return preconditionf("upper diagonal %d is zero", i)
		}
		for j := i + 1; j < d; j++ {
			if l.Lower[i][j] != 0 {
				return preconditionf("lower has non-zero entry above diagonal at (%d,%d)", i, j)
			}
			if l.Upper[j][i] != 0 {
				return preconditionf("upper has non-zero entry below diagonal at (%d,%d)", j, i)
			}
		}
	}
	switch l.Activation {
	case ActivationLinear:
	case ActivationLeakyReLU:
		if !(l.Slope > 0 && l.Slope <= 1) {
			return preconditionf("leaky_relu slope %g outside (0, 1]", l.Slope)
		}
	default:
		return errors.Wrapf(densitybench.ErrUnimplemented, "activation %q", l.Activation)
	}
	return nil
}

// Weight returns W = Lower·Upper.
func (l Layer) Weight() *mat.Dense {
	var w mat.Dense
	w.Mul(Dense(l.Lower), Dense(l.Upper))
	return &w
}

// LogAbsDet returns log|det W| = Σ log|Upper_ii|.
func (l Layer) LogAbsDet() float64 {
	s := 0.0
	for i := range l.Upper {
		s += math.Log(math.Abs(l.Upper[i][i]))
	}
	return s
}
