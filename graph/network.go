package graph

import (
	"math"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// invertible builds the change-of-variables density of a layer stack. A
// leaky activation is written as slope·a + (1-slope)·relu(a), and the number
// of strictly negative pre-activations as Σ sign(relu(-a)), so a zero
// pre-activation takes the identity branch.
func invertible(x *G.Node, p *params.InvertibleNetwork) (*G.Node, error) {
	g := x.Graph()
	d := p.Dim()
	h := x
	logDet := scalar(g, 0)
	for li, layer := range p.Layers {
		w := G.Must(G.Mul(matrix(g, layer.Lower, false), matrix(g, layer.Upper, false)))
		a := G.Must(G.Add(G.Must(G.Mul(w, h)), vector(g, layer.Bias)))

		diag := 0.0
		for i := 0; i < d; i++ {
			diag += math.Log(math.Abs(layer.Upper[i][i]))
		}
		logDet = G.Must(G.Add(logDet, scalar(g, diag)))

		switch layer.Activation {
		case params.ActivationLinear:
			h = a
		case params.ActivationLeakyReLU:
			slope := layer.Slope
			h = G.Must(G.Add(
				G.Must(G.HadamardProd(scalar(g, slope), a)),
				G.Must(G.HadamardProd(scalar(g, 1-slope), G.Must(G.Rectify(a)))),
			))
			negatives := G.Must(G.Sum(G.Must(G.Sign(G.Must(G.Rectify(G.Must(G.Neg(a))))))))
			logDet = G.Must(G.Add(logDet, G.Must(G.HadamardProd(scalar(g, math.Log(slope)), negatives))))
		default:
			return nil, errors.Wrapf(densitybench.ErrUnimplemented, "layer %d activation %q", li, layer.Activation)
		}
	}

	var base *G.Node
	sq := G.Must(G.Sum(G.Must(G.Square(h))))
	switch p.Base {
	case params.BaseGaussian:
		base = G.Must(G.Add(
			scalar(g, -0.5*float64(d)*numeric.Log2Pi),
			G.Must(G.HadamardProd(scalar(g, -0.5), sq)),
		))
	case params.BaseStudentT:
		nu := p.DoF
		lg1, _ := math.Lgamma((nu + 1) / 2)
		lg2, _ := math.Lgamma(nu / 2)
		norm := float64(d) * (lg1 - lg2 - 0.5*math.Log(nu*math.Pi))
		scaled := G.Must(G.HadamardProd(scalar(g, 1/nu), G.Must(G.Square(h))))
		tail := G.Must(G.Sum(G.Must(G.Log1p(scaled))))
		base = G.Must(G.Add(scalar(g, norm), G.Must(G.HadamardProd(scalar(g, -(nu+1)/2), tail))))
	default:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "unknown base density %q", p.Base)
	}
	return G.Must(G.Add(base, logDet)), nil
}

// autoregressive unrolls the RNADE recurrence for every ordering. Row-vector
// products of the batched evaluator become matrix-vector products against
// transposed weights here.
func autoregressive(x *G.Node, p *params.AutoregressiveMixture) (*G.Node, error) {
	if err := p.CheckNonlinearity(); err != nil {
		return nil, err
	}
	g := x.Graph()
	halfLog2Pi := scalar(g, 0.5*numeric.Log2Pi)
	negHalf := scalar(g, -0.5)

	ws := make([]*G.Node, len(p.Ws))
	bs := make([]*G.Node, len(p.Ws))
	for l := range p.Ws {
		ws[l] = matrix(g, p.Ws[l], true)
		bs[l] = vector(g, p.Bs[l])
	}

	perOrdering := make([]*G.Node, len(p.Orderings))
	for o, ordering := range p.Orderings {
		a := vector(g, p.B1)
		lp := scalar(g, 0)
		for _, i := range ordering {
			h := G.Must(G.Rectify(a))
			for l := range ws {
				h = G.Must(G.Rectify(G.Must(G.Add(G.Must(G.Mul(ws[l], h)), bs[l]))))
			}
			zAlpha := G.Must(G.Add(G.Must(G.Mul(matrix(g, p.VAlpha[i], true), h)), vector(g, p.BAlpha[i])))
			mu := G.Must(G.Add(G.Must(G.Mul(matrix(g, p.VMu[i], true), h)), vector(g, p.BMu[i])))
			logSigma := G.Must(G.Add(G.Must(G.Mul(matrix(g, p.VSigma[i], true), h)), vector(g, p.BSigma[i])))

			xi := G.Must(G.Slice(x, G.S(i)))
			logAlpha := G.Must(G.Sub(zAlpha, logSumExp(zAlpha)))
			z := G.Must(G.HadamardProd(G.Must(G.Sub(mu, xi)), G.Must(G.Exp(G.Must(G.Neg(logSigma))))))
			logNormal := G.Must(G.Sub(G.Must(G.Sub(G.Must(G.HadamardProd(negHalf, G.Must(G.Square(z)))), logSigma)), halfLog2Pi))
			lp = G.Must(G.Add(lp, logSumExp(G.Must(G.Add(logAlpha, logNormal)))))

			reveal := G.Must(G.HadamardProd(xi, vector(g, p.W1[i])))
			a = G.Must(G.Add(a, G.Must(G.Add(reveal, vector(g, p.WFlags[i])))))
		}
		perOrdering[o] = lp
	}
	logN := scalar(g, math.Log(float64(len(p.Orderings))))
	return G.Must(G.Sub(logSumExp(stack(perOrdering)), logN)), nil
}
