package params

import (
	"github.com/pkg/errors"

	densitybench "github.com/n0madic/go-density-bench"
)

// NonlinearityRLU is the rectified-linear tag, the only nonlinearity the
// autoregressive evaluator implements.
const NonlinearityRLU = "RLU"

// AutoregressiveMixture is an orderless RNADE: a mixture-of-Gaussians
// autoregressive density averaged over an ensemble of variable orderings.
//
// Shapes, with D inputs, H hidden units, L hidden layers and C components
// per conditional:
//
//	W1, WFlags            D x H
//	B1                    H
//	Ws                    (L-1) x H x H
//	Bs                    (L-1) x H
//	VAlpha, VMu, VSigma   D x H x C
//	BAlpha, BMu, BSigma   D x C
type AutoregressiveMixture struct {
	NHidden     int
	NLayers     int
	NComponents int

	W1     [][]float64
	B1     []float64
	WFlags [][]float64
	Ws     [][][]float64
	Bs     [][]float64

	VAlpha [][][]float64
	BAlpha [][]float64
	VMu    [][][]float64
	BMu    [][]float64
	VSigma [][][]float64
	BSigma [][]float64

	Nonlinearity string
	Orderings    [][]int
}

// NewAutoregressiveMixture deep-copies p and validates the copy.
func NewAutoregressiveMixture(p AutoregressiveMixture) (*AutoregressiveMixture, error) {
	out := &AutoregressiveMixture{
		NHidden:      p.NHidden,
		NLayers:      p.NLayers,
		NComponents:  p.NComponents,
		W1:           copyMat(p.W1),
		B1:           copyVec(p.B1),
		WFlags:       copyMat(p.WFlags),
		Ws:           copyTensor(p.Ws),
		Bs:           copyMat(p.Bs),
		VAlpha:       copyTensor(p.VAlpha),
		BAlpha:       copyMat(p.BAlpha),
		VMu:          copyTensor(p.VMu),
		BMu:          copyMat(p.BMu),
		VSigma:       copyTensor(p.VSigma),
		BSigma:       copyMat(p.BSigma),
		Nonlinearity: p.Nonlinearity,
		Orderings:    make([][]int, len(p.Orderings)),
	}
	for i, o := range p.Orderings {
		out.Orderings[i] = append([]int(nil), o...)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *AutoregressiveMixture) Family() Family { return FamilyAutoregressiveMixture }
func (a *AutoregressiveMixture) Dim() int       { return len(a.W1) }
func (a *AutoregressiveMixture) sealed()        {}

func (a *AutoregressiveMixture) Validate() error {
	d, h, c := a.Dim(), a.NHidden, a.NComponents
	if d == 0 || h <= 0 || c <= 0 || a.NLayers <= 0 {
		return preconditionf("autoregressive mixture sizes D=%d H=%d C=%d layers=%d must be positive",
			d, h, c, a.NLayers)
	}
	if a.Nonlinearity == "" {
		return preconditionf("autoregressive mixture has no nonlinearity tag")
	}
	checks := []error{
		checkMatShape("W1", a.W1, d, h),
		checkMatShape("Wflags", a.WFlags, d, h),
		checkTensorShape("Ws", a.Ws, a.NLayers-1, h, h),
		checkMatShape("bs", a.Bs, a.NLayers-1, h),
		checkTensorShape("V_alpha", a.VAlpha, d, h, c),
		checkMatShape("b_alpha", a.BAlpha, d, c),
		checkTensorShape("V_mu", a.VMu, d, h, c),
		checkMatShape("b_mu", a.BMu, d, c),
		checkTensorShape("V_sigma", a.VSigma, d, h, c),
		checkMatShape("b_sigma", a.BSigma, d, c),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if len(a.B1) != h {
		return preconditionf("b1 has length %d, want %d", len(a.B1), h)
	}
	if len(a.Orderings) == 0 {
		return preconditionf("ordering set is empty")
	}
	for i, o := range a.Orderings {
		if err := checkPermutation(o, d); err != nil {
			return errors.Wrapf(err, "ordering %d", i)
		}
	}
	return nil
}

// CheckNonlinearity returns ErrUnimplemented for anything but RLU.
func (a *AutoregressiveMixture) CheckNonlinearity() error {
	if a.Nonlinearity != NonlinearityRLU {
		return errors.Wrapf(densitybench.ErrUnimplemented, "nonlinearity %q", a.Nonlinearity)
	}
	return nil
}

func checkPermutation(o []int, d int) error {
	if len(o) != d {
		return preconditionf("has length %d, want %d", len(o), d)
	}
	seen := make([]bool, d)
	for _, v := range o {
		if v < 0 || v >= d || seen[v] {
			return preconditionf("is not a permutation of range(%d)", d)
		}
		seen[v] = true
	}
	return nil
}
