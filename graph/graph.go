// Package graph is the second, independent density implementation: every
// model family is rebuilt as a gorgonia expression graph over a single input
// vector and evaluated one row at a time.
//
// The formulations deliberately differ from package loglik where the family
// allows it: Gaussians use the precision matrix and a log-determinant
// instead of an inverse-Cholesky factor, and network weights are multiplied
// out inside the graph.
package graph

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/params"
)

// Model is a compiled log-density graph. A Model is not safe for concurrent
// use.
type Model struct {
	g   *G.ExprGraph
	x   *G.Node
	out *G.Node
	vm  G.VM
	dim int
}

// Build compiles the log-density graph for p.
func Build(p params.ModelParams) (m *Model, err error) {
	if p == nil {
		return nil, errors.Wrap(densitybench.ErrPrecondition, "nil params")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, errors.Wrapf(densitybench.ErrPrecondition, "building %s graph: %v", p.Family(), r)
		}
	}()

	g := G.NewGraph()
	d := p.Dim()
	x := G.NewVector(g, tensor.Float64, G.WithShape(d), G.WithName("x"))

	var out *G.Node
	switch p := p.(type) {
	case *params.Gaussian:
		out, err = gaussian(x, p)
	case *params.Mixture:
		out, err = mixture(x, p)
	case *params.InvertibleNetwork:
		out, err = invertible(x, p)
	case *params.AutoregressiveMixture:
		out, err = autoregressive(x, p)
	default:
		err = errors.Wrapf(densitybench.ErrPrecondition, "unsupported params type %T", p)
	}
	if err != nil {
		return nil, err
	}

	return &Model{
		g:   g,
		x:   x,
		out: out,
		vm:  G.NewTapeMachine(g),
		dim: d,
	}, nil
}

// Dim returns the input dimensionality.
func (m *Model) Dim() int { return m.dim }

// LogDensity evaluates the graph at x.
func (m *Model) LogDensity(x []float64) (float64, error) {
	if len(x) != m.dim {
		return 0, errors.Wrapf(densitybench.ErrPrecondition, "input has length %d, want %d", len(x), m.dim)
	}
	backing := make([]float64, len(x))
	copy(backing, x)
	if err := G.Let(m.x, tensor.New(tensor.WithShape(m.dim), tensor.WithBacking(backing))); err != nil {
		return 0, errors.Wrap(err, "bind input")
	}
	defer m.vm.Reset()
	if err := m.vm.RunAll(); err != nil {
		return 0, errors.Wrap(err, "run graph")
	}
	v, ok := m.out.Value().Data().(float64)
	if !ok {
		return 0, errors.Errorf("graph output is %T, want float64", m.out.Value().Data())
	}
	return v, nil
}

// Close releases the tape machine.
func (m *Model) Close() error {
	return m.vm.Close()
}

func scalar(g *G.ExprGraph, v float64) *G.Node {
	return g.Constant(G.NewF64(v))
}

func vector(g *G.ExprGraph, v []float64) *G.Node {
	backing := make([]float64, len(v))
	copy(backing, v)
	return g.Constant(tensor.New(tensor.WithShape(len(v)), tensor.WithBacking(backing)))
}

// matrix builds a constant from a row-major nested slice, transposed when
// transpose is set.
func matrix(g *G.ExprGraph, rows [][]float64, transpose bool) *G.Node {
	r, c := len(rows), len(rows[0])
	if transpose {
		r, c = c, r
	}
	backing := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if transpose {
				backing = append(backing, rows[j][i])
			} else {
				backing = append(backing, rows[i][j])
			}
		}
	}
	return g.Constant(tensor.New(tensor.WithShape(r, c), tensor.WithBacking(backing)))
}

// logSumExp reduces a vector node to a scalar.
func logSumExp(v *G.Node) *G.Node {
	m := G.Must(G.Max(v))
	shifted := G.Must(G.Sub(v, m))
	s := G.Must(G.Sum(G.Must(G.Exp(shifted))))
	return G.Must(G.Add(G.Must(G.Log(s)), m))
}

// stack concatenates scalar nodes into a vector.
func stack(scalars []*G.Node) *G.Node {
	vs := make([]*G.Node, len(scalars))
	for i, s := range scalars {
		vs[i] = G.Must(G.Reshape(s, tensor.Shape{1}))
	}
	if len(vs) == 1 {
		return vs[0]
	}
	return G.Must(G.Concat(0, vs...))
}
