package fit

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// IGN is an invertible generative network: a closed-form whitening layer
// followed by trained LU-parameterized leaky layers, y = act(Lower·Upper·x + b),
// mapped onto a Gaussian or Student-t base.
//
// Training minimizes the negative log-likelihood with Adam on the first
// ceil((1-validFrac)·N) rows and keeps the parameters with the best
// validation likelihood.
type IGN struct {
	cfg    config
	fitted *params.InvertibleNetwork
}

// NewIGN creates an unfitted invertible network estimator.
func NewIGN(opts ...Option) (*IGN, error) {
	cfg := newConfig(config{
		layers:       1,
		wlInit:       1e-2,
		slope:        0.95,
		gaussBase:    true,
		dof:          5,
		validFrac:    0.2,
		epochs:       100,
		batchSize:    32,
		learningRate: 1e-3,
	}, opts)
	switch {
	case cfg.layers < 0:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "layers must be non-negative, got %d", cfg.layers)
	case !(cfg.slope > 0 && cfg.slope <= 1):
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "slope %g outside (0, 1]", cfg.slope)
	case cfg.validFrac < 0 || cfg.validFrac >= 1:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "validation fraction %g outside [0, 1)", cfg.validFrac)
	case cfg.batchSize < 1 || cfg.epochs < 0:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "batch size %d, epochs %d", cfg.batchSize, cfg.epochs)
	case !cfg.gaussBase && !(cfg.dof > 0):
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "student-t base needs positive degrees of freedom, got %g", cfg.dof)
	}
	return &IGN{cfg: cfg}, nil
}

func (e *IGN) base() string {
	if e.cfg.gaussBase {
		return params.BaseGaussian
	}
	return params.BaseStudentT
}

func (e *IGN) Fit(X mat.Matrix) error {
	e.fitted = nil
	_, d, err := checkData(X, 2)
	if err != nil {
		return err
	}
	log := e.cfg.logger.WithFields(logrus.Fields{"action": "fit_model", "model": ModelIGN})

	whiten, err := whiteningLayer(X)
	if err != nil {
		return err
	}
	white := forwardLayer(mat.DenseCopyOf(X), whiten)
	train, valid := splitRows(white, e.cfg.validFrac)

	rng := rand.New(rand.NewSource(e.cfg.seed))
	layers := make([]params.Layer, e.cfg.layers)
	for l := range layers {
		layers[l] = initLeakyLayer(rng, d, e.cfg.wlInit, e.cfg.slope)
	}
	if e.cfg.layers > 0 && e.cfg.epochs > 0 {
		layers, err = e.train(train, valid, layers, rng, log)
		if err != nil {
			log.WithError(err).Warn("IGN training failed")
			return err
		}
	}

	net, err := params.NewInvertibleNetwork(append([]params.Layer{whiten}, layers...), e.base(), e.cfg.dof)
	if err != nil {
		return errors.Wrap(err, "fitted network")
	}
	e.fitted = net
	return nil
}

func (e *IGN) ScoreSamples(X mat.Matrix) ([]float64, error) {
	if e.fitted == nil {
		return nil, densitybench.ErrNotFitted
	}
	if err := checkScoreDims(X, e.fitted.Dim()); err != nil {
		return nil, err
	}
	return scoreNetwork(X, e.fitted)
}

func (e *IGN) Params() (params.ModelParams, error) {
	if e.fitted == nil {
		return nil, densitybench.ErrNotFitted
	}
	return params.NewInvertibleNetwork(e.fitted.Layers, e.fitted.Base, e.fitted.DoF)
}

// whiteningLayer returns the linear layer x ↦ L⁻¹(x - μ) with Σ = L·Lᵀ the
// maximum-likelihood covariance, factored as unit-lower · diagonal.
func whiteningLayer(X mat.Matrix) (params.Layer, error) {
	n, d := X.Dims()
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, X, nil)
	cov.ScaleSym(float64(n-1)/float64(n), &cov)
	chol, err := numeric.SafeCholesky(&cov)
	if err != nil {
		return params.Layer{}, errors.Wrap(err, "whitening covariance")
	}
	var l, linv mat.TriDense
	chol.LTo(&l)
	if err := linv.InverseTri(&l); err != nil {
		return params.Layer{}, errors.Wrap(densitybench.ErrNumerical, err.Error())
	}

	mean := make([]float64, d)
	col := make([]float64, n)
	for j := range mean {
		mat.Col(col, j, X)
		mean[j] = stat.Mean(col, nil)
	}
	layer := params.Layer{
		Lower:      make([][]float64, d),
		Upper:      make([][]float64, d),
		Bias:       make([]float64, d),
		Activation: params.ActivationLinear,
	}
	for i := 0; i < d; i++ {
		layer.Lower[i] = make([]float64, d)
		layer.Upper[i] = make([]float64, d)
		for j := 0; j < i; j++ {
			layer.Lower[i][j] = linv.At(i, j) / linv.At(j, j)
		}
		layer.Lower[i][i] = 1
		layer.Upper[i][i] = linv.At(i, i)
		for j := 0; j <= i; j++ {
			layer.Bias[i] -= linv.At(i, j) * mean[j]
		}
	}
	return layer, nil
}

func initLeakyLayer(rng *rand.Rand, d int, scale, slope float64) params.Layer {
	l := params.Layer{
		Lower:      make([][]float64, d),
		Upper:      make([][]float64, d),
		Bias:       make([]float64, d),
		Activation: params.ActivationLeakyReLU,
		Slope:      slope,
	}
	for i := 0; i < d; i++ {
		l.Lower[i] = make([]float64, d)
		l.Upper[i] = make([]float64, d)
		l.Lower[i][i] = 1
		l.Upper[i][i] = 1
		for j := 0; j < i; j++ {
			l.Lower[i][j] = scale * rng.NormFloat64()
			l.Upper[j][i] = scale * rng.NormFloat64()
		}
	}
	return l
}

// forwardLayer applies one layer to every row of X in place of a copy.
func forwardLayer(X *mat.Dense, layer params.Layer) *mat.Dense {
	var a mat.Dense
	a.Mul(X, layer.Weight().T())
	a.Apply(func(_, j int, v float64) float64 {
		v += layer.Bias[j]
		if layer.Activation == params.ActivationLeakyReLU && v < 0 {
			v *= layer.Slope
		}
		return v
	}, &a)
	return &a
}

// scoreNetwork evaluates a network with log|det W| from an LU determinant of
// the assembled weight matrix.
func scoreNetwork(X mat.Matrix, net *params.InvertibleNetwork) ([]float64, error) {
	n, d := X.Dims()
	out := make([]float64, n)
	h := mat.DenseCopyOf(X)
	for li, layer := range net.Layers {
		w := layer.Weight()
		logDet, _ := mat.LogDet(w)
		if math.IsInf(logDet, 0) || math.IsNaN(logDet) {
			return nil, errors.Wrapf(densitybench.ErrNumerical, "layer %d weight is singular", li)
		}
		var a mat.Dense
		a.Mul(h, w.T())
		for i := 0; i < n; i++ {
			out[i] += logDet
			for j := 0; j < d; j++ {
				v := a.At(i, j) + layer.Bias[j]
				if layer.Activation == params.ActivationLeakyReLU && v < 0 {
					v *= layer.Slope
					out[i] += math.Log(layer.Slope)
				}
				a.Set(i, j, v)
			}
		}
		h = &a
	}

	var base func(float64) float64
	if net.Base == params.BaseStudentT {
		base = distuv.StudentsT{Mu: 0, Sigma: 1, Nu: net.DoF}.LogProb
	} else {
		base = distuv.UnitNormal.LogProb
	}
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			out[i] += base(h.At(i, j))
		}
	}
	return out, nil
}

// train fits the leaky layers on whitened data. The layers' pre-activation
// sign terms of the log-determinant have zero gradient almost everywhere and
// are left out of the training cost.
func (e *IGN) train(train, valid *mat.Dense, layers []params.Layer, rng *rand.Rand, log logrus.FieldLogger) ([]params.Layer, error) {
	n, d := train.Dims()
	batch := e.cfg.batchSize
	if batch > n {
		batch = n
	}

	g := G.NewGraph()
	x := input(g, "x", batch, d)
	eye := make([]float64, d*d)
	lowerMask := make([]float64, d*d)
	upperMask := make([]float64, d*d)
	for i := 0; i < d; i++ {
		eye[i*d+i] = 1
		for j := 0; j < d; j++ {
			if j < i {
				lowerMask[i*d+j] = 1
			} else {
				upperMask[i*d+j] = 1
			}
		}
	}
	eyeN := constant(g, d, d, eye)
	lowerMaskN := constant(g, d, d, lowerMask)
	upperMaskN := constant(g, d, d, upperMask)

	type layerNodes struct{ lower, upper, bias *G.Node }
	nodes := make([]layerNodes, len(layers))
	var learnables G.Nodes
	h := x
	logDet := scalarNode(g, 0)
	for l, layer := range layers {
		ln := layerNodes{
			lower: learnable(g, fmt.Sprintf("lower_%d", l), d, d, flatten(layer.Lower)),
			upper: learnable(g, fmt.Sprintf("upper_%d", l), d, d, flatten(layer.Upper)),
			bias:  learnable(g, fmt.Sprintf("bias_%d", l), 1, d, layer.Bias),
		}
		nodes[l] = ln
		learnables = append(learnables, ln.lower, ln.upper, ln.bias)

		lower := G.Must(G.Add(G.Must(G.HadamardProd(ln.lower, lowerMaskN)), eyeN))
		upper := G.Must(G.HadamardProd(ln.upper, upperMaskN))
		w := G.Must(G.Mul(lower, upper))
		a := rowBroadcastAdd(G.Must(G.Mul(h, G.Must(G.Transpose(w)))), ln.bias)
		h = G.Must(G.Add(
			G.Must(G.HadamardProd(scalarNode(g, layer.Slope), a)),
			G.Must(G.HadamardProd(scalarNode(g, 1-layer.Slope), G.Must(G.Rectify(a)))),
		))
		diag := G.Must(G.Sum(G.Must(G.HadamardProd(upper, eyeN)), 1))
		logDet = G.Must(G.Add(logDet, G.Must(G.Sum(G.Must(G.Log(G.Must(G.Abs(diag))))))))
	}

	var perRow *G.Node
	if e.cfg.gaussBase {
		perRow = G.Must(G.HadamardProd(scalarNode(g, 0.5), G.Must(G.Sum(G.Must(G.Square(h)), 1))))
	} else {
		nu := e.cfg.dof
		scaled := G.Must(G.HadamardProd(scalarNode(g, 1/nu), G.Must(G.Square(h))))
		perRow = G.Must(G.HadamardProd(scalarNode(g, (nu+1)/2), G.Must(G.Sum(G.Must(G.Log1p(scaled)), 1))))
	}
	cost := G.Must(G.Sub(G.Must(G.Mean(perRow)), logDet))

	t, err := newTrainer(g, cost, learnables, G.NewAdamSolver(G.WithLearnRate(e.cfg.learningRate)))
	if err != nil {
		return nil, err
	}
	defer t.close()

	snapshot := func() []params.Layer {
		out := make([]params.Layer, len(layers))
		for l, ln := range nodes {
			lower, upper := unflatten(nodeData(ln.lower), d), unflatten(nodeData(ln.upper), d)
			for i := 0; i < d; i++ {
				for j := 0; j < d; j++ {
					switch {
					case j < i:
						upper[i][j] = 0
					case j == i:
						lower[i][j] = 1
					default:
						lower[i][j] = 0
					}
				}
			}
			out[l] = params.Layer{
				Lower:      lower,
				Upper:      upper,
				Bias:       nodeData(ln.bias),
				Activation: params.ActivationLeakyReLU,
				Slope:      layers[l].Slope,
			}
		}
		return out
	}

	best := layers
	bestScore := math.Inf(-1)
	for epoch := 0; epoch < e.cfg.epochs; epoch++ {
		var total float64
		batches := minibatches(rng, n, batch)
		for _, idx := range batches {
			if err := G.Let(x, batchTensor(train, idx)); err != nil {
				return nil, errors.Wrap(err, "bind batch")
			}
			cost, err := t.step()
			if err != nil {
				return nil, errors.Wrapf(err, "epoch %d", epoch)
			}
			total += cost
		}
		current := snapshot()
		score := -total / float64(len(batches))
		if valid != nil {
			score, err = validationScore(valid, current, e.base(), e.cfg.dof)
			if err != nil {
				return nil, errors.Wrapf(err, "epoch %d validation", epoch)
			}
		}
		if score > bestScore || valid == nil {
			best, bestScore = current, score
		}
		log.WithFields(logrus.Fields{"epoch": epoch, "train_cost": total / float64(len(batches)), "score": score}).Debug("IGN epoch")
	}
	return best, nil
}

// validationScore is the mean log-likelihood of whitened rows under the
// trained layers alone.
func validationScore(valid *mat.Dense, layers []params.Layer, base string, dof float64) (float64, error) {
	net, err := params.NewInvertibleNetwork(layers, base, dof)
	if err != nil {
		return 0, err
	}
	lp, err := scoreNetwork(valid, net)
	if err != nil {
		return 0, err
	}
	mean := stat.Mean(lp, nil)
	if math.IsNaN(mean) {
		return 0, errors.Wrap(densitybench.ErrTrainingFailed, "validation likelihood is NaN")
	}
	return mean, nil
}

func flatten(m [][]float64) []float64 {
	var out []float64
	for _, row := range m {
		out = append(out, row...)
	}
	return out
}

func unflatten(data []float64, cols int) [][]float64 {
	rows := len(data) / cols
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
		copy(out[i], data[i*cols:(i+1)*cols])
	}
	return out
}
