package fit

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	densitybench "github.com/n0madic/go-density-bench"
)

// learnable creates a trainable r x c matrix initialised from init.
func learnable(g *G.ExprGraph, name string, r, c int, init []float64) *G.Node {
	backing := make([]float64, len(init))
	copy(backing, init)
	return G.NewMatrix(g, tensor.Float64,
		G.WithShape(r, c),
		G.WithName(name),
		G.WithValue(tensor.New(tensor.WithShape(r, c), tensor.WithBacking(backing))),
	)
}

// input creates an r x c placeholder bound with G.Let before every run.
func input(g *G.ExprGraph, name string, r, c int) *G.Node {
	return G.NewMatrix(g, tensor.Float64, G.WithShape(r, c), G.WithName(name))
}

func constant(g *G.ExprGraph, r, c int, data []float64) *G.Node {
	backing := make([]float64, len(data))
	copy(backing, data)
	return g.Constant(tensor.New(tensor.WithShape(r, c), tensor.WithBacking(backing)))
}

func scalarNode(g *G.ExprGraph, v float64) *G.Node {
	return g.Constant(G.NewF64(v))
}

// nodeData copies the current value of a tensor node.
func nodeData(n *G.Node) []float64 {
	src := n.Value().Data().([]float64)
	out := make([]float64, len(src))
	copy(out, src)
	return out
}

func scalarValue(n *G.Node) (float64, error) {
	v, ok := n.Value().Data().(float64)
	if !ok {
		return 0, errors.Errorf("cost is %T, want float64", n.Value().Data())
	}
	return v, nil
}

// batchTensor gathers rows idx of X into a len(idx) x d tensor.
func batchTensor(X *mat.Dense, idx []int) tensor.Tensor {
	_, d := X.Dims()
	backing := make([]float64, 0, len(idx)*d)
	for _, i := range idx {
		backing = append(backing, X.RawRowView(i)...)
	}
	return tensor.New(tensor.WithShape(len(idx), d), tensor.WithBacking(backing))
}

// rowBroadcastAdd adds a 1 x c row node to every row of an r x c node.
func rowBroadcastAdd(a, row *G.Node) *G.Node {
	return G.Must(G.BroadcastAdd(a, row, nil, []byte{0}))
}

// rowLogSumExp reduces an r x c node along its columns to a length r vector.
func rowLogSumExp(z *G.Node) *G.Node {
	r := z.Shape()[0]
	m := G.Must(G.Max(z, 1))
	mCol := G.Must(G.Reshape(m, tensor.Shape{r, 1}))
	shifted := G.Must(G.BroadcastSub(z, mCol, nil, []byte{1}))
	s := G.Must(G.Sum(G.Must(G.Exp(shifted)), 1))
	return G.Must(G.Add(G.Must(G.Log(s)), m))
}

// trainer runs minibatch steps of a compiled cost graph.
type trainer struct {
	vm         G.VM
	solver     G.Solver
	cost       *G.Node
	learnables G.Nodes
}

func newTrainer(g *G.ExprGraph, cost *G.Node, learnables G.Nodes, solver G.Solver) (*trainer, error) {
	if _, err := G.Grad(cost, learnables...); err != nil {
		return nil, errors.Wrap(err, "symbolic gradient")
	}
	return &trainer{
		vm:         G.NewTapeMachine(g, G.BindDualValues(learnables...)),
		solver:     solver,
		cost:       cost,
		learnables: learnables,
	}, nil
}

// step runs one forward/backward pass and applies the solver. A non-finite
// cost is reported as ErrTrainingFailed.
func (t *trainer) step() (float64, error) {
	defer t.vm.Reset()
	if err := t.vm.RunAll(); err != nil {
		return 0, errors.Wrap(err, "run training graph")
	}
	cost, err := scalarValue(t.cost)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return cost, errors.Wrapf(densitybench.ErrTrainingFailed, "cost is %g", cost)
	}
	if err := t.solver.Step(G.NodesToValueGrads(t.learnables)); err != nil {
		return cost, errors.Wrap(err, "solver step")
	}
	return cost, nil
}

func (t *trainer) close() error {
	return t.vm.Close()
}

// minibatches returns the row indices of one epoch: a shuffled pass over n
// rows cut into batches of exactly size rows. A trailing partial batch is
// dropped because the graph has a fixed batch shape.
func minibatches(rng *rand.Rand, n, size int) [][]int {
	perm := rng.Perm(n)
	var out [][]int
	for start := 0; start+size <= n; start += size {
		out = append(out, perm[start:start+size])
	}
	return out
}

func normalInit(rng *rand.Rand, n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = scale * rng.NormFloat64()
	}
	return out
}
