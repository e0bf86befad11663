package fit

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// RNADE is an orderless real-valued neural autoregressive density estimator
// with mixture-of-Gaussians conditionals and rectified-linear hidden units.
//
// Training follows the orderless masked objective: every row of a minibatch
// reveals the first d dimensions of a random ordering and is scored on the
// remaining ones, weighted by D/(D-d). Depth is grown layer by layer, each
// stage pretrained for a few epochs, then the full network is trained with
// momentum SGD under a linearly decaying learning rate, keeping the
// parameters with the best validation likelihood.
type RNADE struct {
	cfg    config
	fitted *params.AutoregressiveMixture
	w      *rnadeWeights
}

// NewRNADE creates an unfitted RNADE estimator.
func NewRNADE(opts ...Option) (*RNADE, error) {
	cfg := newConfig(config{
		hidden:            100,
		hiddenLayers:      2,
		components:        10,
		epochs:            20,
		pretrainingEpochs: 5,
		learningRate:      0.02,
		epochSize:         100,
		batchSize:         100,
		momentum:          0.9,
		validFrac:         0.2,
		numOrderings:      8,
	}, opts)
	switch {
	case cfg.hidden < 1 || cfg.hiddenLayers < 1 || cfg.components < 1:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "hidden %d, layers %d, components %d must be positive",
			cfg.hidden, cfg.hiddenLayers, cfg.components)
	case cfg.numOrderings < 1:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "orderings must be positive, got %d", cfg.numOrderings)
	case cfg.validFrac < 0 || cfg.validFrac >= 1:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "validation fraction %g outside [0, 1)", cfg.validFrac)
	case cfg.batchSize < 1 || cfg.epochSize < 1 || cfg.epochs < 0 || cfg.pretrainingEpochs < 0:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "batch size %d, epoch size %d, epochs %d, pretraining epochs %d",
			cfg.batchSize, cfg.epochSize, cfg.epochs, cfg.pretrainingEpochs)
	}
	return &RNADE{cfg: cfg}, nil
}

// rnadeWeights holds row-major flat copies of every parameter.
type rnadeWeights struct {
	d, h, c int

	w1, wflags, b1 []float64
	ws, bs         [][]float64

	vAlpha, vMu, vSigma [][]float64 // per dimension, h x c
	bAlpha, bMu, bSigma [][]float64 // per dimension, c

	orderings [][]int
}

func (w *rnadeWeights) clone() *rnadeWeights {
	cp := func(v []float64) []float64 { return append([]float64(nil), v...) }
	cpAll := func(vs [][]float64) [][]float64 {
		out := make([][]float64, len(vs))
		for i, v := range vs {
			out[i] = cp(v)
		}
		return out
	}
	return &rnadeWeights{
		d: w.d, h: w.h, c: w.c,
		w1: cp(w.w1), wflags: cp(w.wflags), b1: cp(w.b1),
		ws: cpAll(w.ws), bs: cpAll(w.bs),
		vAlpha: cpAll(w.vAlpha), vMu: cpAll(w.vMu), vSigma: cpAll(w.vSigma),
		bAlpha: cpAll(w.bAlpha), bMu: cpAll(w.bMu), bSigma: cpAll(w.bSigma),
		orderings: w.orderings,
	}
}

// initRNADEWeights starts the output heads at the marginal statistics of
// the data: component means spread around each column mean, log-scales at
// the column log standard deviation.
func initRNADEWeights(rng *rand.Rand, X mat.Matrix, h, c int) *rnadeWeights {
	n, d := X.Dims()
	w := &rnadeWeights{
		d: d, h: h, c: c,
		w1:     normalInit(rng, d*h, 0.01),
		wflags: normalInit(rng, d*h, 0.01),
		b1:     make([]float64, h),
	}
	col := make([]float64, n)
	for i := 0; i < d; i++ {
		mat.Col(col, i, X)
		mean, std := stat.MeanStdDev(col, nil)
		if !(std > 0) {
			std = 1
		}
		w.vAlpha = append(w.vAlpha, normalInit(rng, h*c, 0.01))
		w.vMu = append(w.vMu, normalInit(rng, h*c, 0.01))
		w.vSigma = append(w.vSigma, normalInit(rng, h*c, 0.01))
		w.bAlpha = append(w.bAlpha, make([]float64, c))
		bMu := make([]float64, c)
		bSigma := make([]float64, c)
		for k := 0; k < c; k++ {
			bMu[k] = mean + std*rng.NormFloat64()
			bSigma[k] = math.Log(std)
		}
		w.bMu = append(w.bMu, bMu)
		w.bSigma = append(w.bSigma, bSigma)
	}
	return w
}

// grow appends a hidden layer initialised near the identity, which leaves
// the rectified activations of the smaller network unchanged.
func (w *rnadeWeights) grow(rng *rand.Rand) {
	ws := normalInit(rng, w.h*w.h, 0.01)
	for i := 0; i < w.h; i++ {
		ws[i*w.h+i] += 1
	}
	w.ws = append(w.ws, ws)
	w.bs = append(w.bs, make([]float64, w.h))
}

func (e *RNADE) Fit(X mat.Matrix) error {
	e.fitted, e.w = nil, nil
	_, d, err := checkData(X, 2)
	if err != nil {
		return err
	}
	log := e.cfg.logger.WithFields(logrus.Fields{"action": "fit_model", "model": ModelRNADE})
	train, valid := splitRows(X, e.cfg.validFrac)
	rng := rand.New(rand.NewSource(e.cfg.seed))

	w := initRNADEWeights(rng, train, e.cfg.hidden, e.cfg.components)
	w.orderings = make([][]int, e.cfg.numOrderings)
	for i := range w.orderings {
		w.orderings[i] = rng.Perm(d)
	}

	for l := 1; l <= e.cfg.hiddenLayers; l++ {
		if l > 1 {
			w.grow(rng)
		}
		w, err = e.trainStage(w, train, nil, e.cfg.pretrainingEpochs, rng, log.WithField("stage", fmt.Sprintf("pretraining_%d", l)))
		if err != nil {
			log.WithError(err).Warn("RNADE training failed")
			return err
		}
	}
	w, err = e.trainStage(w, train, valid, e.cfg.epochs, rng, log.WithField("stage", "training"))
	if err != nil {
		log.WithError(err).Warn("RNADE training failed")
		return err
	}

	p, err := w.params()
	if err != nil {
		return errors.Wrap(err, "fitted RNADE")
	}
	e.fitted, e.w = p, w
	return nil
}

func (e *RNADE) ScoreSamples(X mat.Matrix) ([]float64, error) {
	if e.fitted == nil {
		return nil, densitybench.ErrNotFitted
	}
	if err := checkScoreDims(X, e.w.d); err != nil {
		return nil, err
	}
	return e.w.score(X), nil
}

func (e *RNADE) Params() (params.ModelParams, error) {
	if e.fitted == nil {
		return nil, densitybench.ErrNotFitted
	}
	return params.NewAutoregressiveMixture(*e.fitted)
}

func (w *rnadeWeights) params() (*params.AutoregressiveMixture, error) {
	p := params.AutoregressiveMixture{
		NHidden:      w.h,
		NLayers:      len(w.ws) + 1,
		NComponents:  w.c,
		W1:           unflatten(w.w1, w.h),
		B1:           w.b1,
		WFlags:       unflatten(w.wflags, w.h),
		Ws:           make([][][]float64, len(w.ws)),
		Bs:           w.bs,
		VAlpha:       make([][][]float64, w.d),
		BAlpha:       w.bAlpha,
		VMu:          make([][][]float64, w.d),
		BMu:          w.bMu,
		VSigma:       make([][][]float64, w.d),
		BSigma:       w.bSigma,
		Nonlinearity: params.NonlinearityRLU,
		Orderings:    w.orderings,
	}
	for l := range w.ws {
		p.Ws[l] = unflatten(w.ws[l], w.h)
	}
	for i := 0; i < w.d; i++ {
		p.VAlpha[i] = unflatten(w.vAlpha[i], w.c)
		p.VMu[i] = unflatten(w.vMu[i], w.c)
		p.VSigma[i] = unflatten(w.vSigma[i], w.c)
	}
	return params.NewAutoregressiveMixture(p)
}

// score averages the per-ordering densities of every row, one scalar
// recurrence at a time.
func (w *rnadeWeights) score(X mat.Matrix) []float64 {
	n, d := X.Dims()
	out := make([]float64, n)
	row := make([]float64, d)
	acc := make([]float64, w.h)
	hidden := make([]float64, w.h)
	next := make([]float64, w.h)
	zAlpha := make([]float64, w.c)
	terms := make([]float64, w.c)
	perOrdering := make([]float64, len(w.orderings))
	logN := math.Log(float64(len(w.orderings)))
	for r := 0; r < n; r++ {
		mat.Row(row, r, X)
		for o, ordering := range w.orderings {
			copy(acc, w.b1)
			lp := 0.0
			for _, i := range ordering {
				for j, v := range acc {
					hidden[j] = math.Max(v, 0)
				}
				for l := range w.ws {
					for j := 0; j < w.h; j++ {
						s := w.bs[l][j]
						for q := 0; q < w.h; q++ {
							s += hidden[q] * w.ws[l][q*w.h+j]
						}
						next[j] = math.Max(s, 0)
					}
					hidden, next = next, hidden
				}
				for k := 0; k < w.c; k++ {
					zAlpha[k] = headValue(hidden, w.vAlpha[i], w.bAlpha[i][k], k, w.c)
				}
				numeric.LogSoftmax(zAlpha, zAlpha)
				for k := 0; k < w.c; k++ {
					mu := headValue(hidden, w.vMu[i], w.bMu[i][k], k, w.c)
					logSigma := headValue(hidden, w.vSigma[i], w.bSigma[i][k], k, w.c)
					z := (row[i] - mu) * math.Exp(-logSigma)
					terms[k] = zAlpha[k] - 0.5*z*z - logSigma - 0.5*numeric.Log2Pi
				}
				lp += numeric.LogSumExp(terms)
				for j := 0; j < w.h; j++ {
					acc[j] += row[i]*w.w1[i*w.h+j] + w.wflags[i*w.h+j]
				}
			}
			perOrdering[o] = lp
		}
		out[r] = numeric.LogSumExp(perOrdering) - logN
	}
	return out
}

func headValue(hidden, v []float64, b float64, k, c int) float64 {
	s := b
	for j, hv := range hidden {
		s += hv * v[j*c+k]
	}
	return s
}

// rnadeGraph is the masked training objective for a fixed depth and batch.
type rnadeGraph struct {
	g       *G.ExprGraph
	x, mask *G.Node
	weight  *G.Node
	lrScale *G.Node
	nll     *G.Node
	cost    *G.Node

	w1, wflags, b1 *G.Node
	ws, bs         []*G.Node
	vAlpha, vMu    []*G.Node
	vSigma         []*G.Node
	bAlpha, bMu    []*G.Node
	bSigma         []*G.Node
}

func buildRNADEGraph(w *rnadeWeights, batch int) *rnadeGraph {
	g := G.NewGraph()
	d, h, c := w.d, w.h, w.c
	r := &rnadeGraph{
		g:       g,
		x:       input(g, "x", batch, d),
		mask:    input(g, "mask", batch, d),
		weight:  input(g, "weight", batch, d),
		lrScale: G.NewScalar(g, tensor.Float64, G.WithName("lr_scale")),
		w1:      learnable(g, "W1", d, h, w.w1),
		wflags:  learnable(g, "Wflags", d, h, w.wflags),
		b1:      learnable(g, "b1", 1, h, w.b1),
	}
	for l := range w.ws {
		r.ws = append(r.ws, learnable(g, fmt.Sprintf("Ws_%d", l), h, h, w.ws[l]))
		r.bs = append(r.bs, learnable(g, fmt.Sprintf("bs_%d", l), 1, h, w.bs[l]))
	}
	for i := 0; i < d; i++ {
		r.vAlpha = append(r.vAlpha, learnable(g, fmt.Sprintf("V_alpha_%d", i), h, c, w.vAlpha[i]))
		r.vMu = append(r.vMu, learnable(g, fmt.Sprintf("V_mu_%d", i), h, c, w.vMu[i]))
		r.vSigma = append(r.vSigma, learnable(g, fmt.Sprintf("V_sigma_%d", i), h, c, w.vSigma[i]))
		r.bAlpha = append(r.bAlpha, learnable(g, fmt.Sprintf("b_alpha_%d", i), 1, c, w.bAlpha[i]))
		r.bMu = append(r.bMu, learnable(g, fmt.Sprintf("b_mu_%d", i), 1, c, w.bMu[i]))
		r.bSigma = append(r.bSigma, learnable(g, fmt.Sprintf("b_sigma_%d", i), 1, c, w.bSigma[i]))
	}

	revealed := G.Must(G.HadamardProd(r.x, r.mask))
	a := G.Must(G.Add(G.Must(G.Mul(revealed, r.w1)), G.Must(G.Mul(r.mask, r.wflags))))
	hidden := G.Must(G.Rectify(rowBroadcastAdd(a, r.b1)))
	for l := range r.ws {
		hidden = G.Must(G.Rectify(rowBroadcastAdd(G.Must(G.Mul(hidden, r.ws[l])), r.bs[l])))
	}

	negHalf := scalarNode(g, -0.5)
	halfLog2Pi := scalarNode(g, 0.5*numeric.Log2Pi)
	var total *G.Node
	for i := 0; i < d; i++ {
		zAlpha := rowBroadcastAdd(G.Must(G.Mul(hidden, r.vAlpha[i])), r.bAlpha[i])
		mu := rowBroadcastAdd(G.Must(G.Mul(hidden, r.vMu[i])), r.bMu[i])
		logSigma := rowBroadcastAdd(G.Must(G.Mul(hidden, r.vSigma[i])), r.bSigma[i])

		xi := G.Must(G.Reshape(G.Must(G.Slice(r.x, nil, G.S(i))), tensor.Shape{batch, 1}))
		lseAlpha := G.Must(G.Reshape(rowLogSumExp(zAlpha), tensor.Shape{batch, 1}))
		logAlpha := G.Must(G.BroadcastSub(zAlpha, lseAlpha, nil, []byte{1}))
		z := G.Must(G.HadamardProd(G.Must(G.BroadcastSub(mu, xi, nil, []byte{1})), G.Must(G.Exp(G.Must(G.Neg(logSigma))))))
		logNormal := G.Must(G.Sub(G.Must(G.Sub(G.Must(G.HadamardProd(negHalf, G.Must(G.Square(z)))), logSigma)), halfLog2Pi))
		lp := rowLogSumExp(G.Must(G.Add(logAlpha, logNormal)))

		term := G.Must(G.HadamardProd(lp, G.Must(G.Slice(r.weight, nil, G.S(i)))))
		if total == nil {
			total = term
		} else {
			total = G.Must(G.Add(total, term))
		}
	}
	r.nll = G.Must(G.Neg(G.Must(G.Mean(total))))
	r.cost = G.Must(G.HadamardProd(r.lrScale, r.nll))
	return r
}

func (r *rnadeGraph) learnables() G.Nodes {
	nodes := G.Nodes{r.w1, r.wflags, r.b1}
	nodes = append(nodes, r.ws...)
	nodes = append(nodes, r.bs...)
	nodes = append(nodes, r.vAlpha...)
	nodes = append(nodes, r.vMu...)
	nodes = append(nodes, r.vSigma...)
	nodes = append(nodes, r.bAlpha...)
	nodes = append(nodes, r.bMu...)
	nodes = append(nodes, r.bSigma...)
	return nodes
}

func (r *rnadeGraph) read(orderings [][]int) *rnadeWeights {
	w := &rnadeWeights{
		d: len(r.vAlpha), h: r.w1.Shape()[1], c: r.vAlpha[0].Shape()[1],
		w1: nodeData(r.w1), wflags: nodeData(r.wflags), b1: nodeData(r.b1),
		orderings: orderings,
	}
	for l := range r.ws {
		w.ws = append(w.ws, nodeData(r.ws[l]))
		w.bs = append(w.bs, nodeData(r.bs[l]))
	}
	for i := range r.vAlpha {
		w.vAlpha = append(w.vAlpha, nodeData(r.vAlpha[i]))
		w.vMu = append(w.vMu, nodeData(r.vMu[i]))
		w.vSigma = append(w.vSigma, nodeData(r.vSigma[i]))
		w.bAlpha = append(w.bAlpha, nodeData(r.bAlpha[i]))
		w.bMu = append(w.bMu, nodeData(r.bMu[i]))
		w.bSigma = append(w.bSigma, nodeData(r.bSigma[i]))
	}
	return w
}

// orderlessBatch draws a minibatch with one random reveal mask per row.
func orderlessBatch(rng *rand.Rand, X *mat.Dense, batch int) (x, mask, weight tensor.Tensor) {
	n, d := X.Dims()
	idx := rng.Perm(n)[:batch]
	maskData := make([]float64, batch*d)
	weightData := make([]float64, batch*d)
	for r := 0; r < batch; r++ {
		revealed := rng.Intn(d)
		order := rng.Perm(d)
		scale := float64(d) / float64(d-revealed)
		for pos, j := range order {
			if pos < revealed {
				maskData[r*d+j] = 1
			} else {
				weightData[r*d+j] = scale
			}
		}
	}
	return batchTensor(X, idx),
		tensor.New(tensor.WithShape(batch, d), tensor.WithBacking(maskData)),
		tensor.New(tensor.WithShape(batch, d), tensor.WithBacking(weightData))
}

// trainStage runs epochs x epochSize momentum-SGD updates on a graph of the
// current depth. Momentum is off for the first two epochs. With validation
// rows, the best-scoring parameters are returned.
func (e *RNADE) trainStage(w *rnadeWeights, train, valid *mat.Dense, epochs int, rng *rand.Rand, log logrus.FieldLogger) (*rnadeWeights, error) {
	if epochs == 0 {
		return w, nil
	}
	n, _ := train.Dims()
	batch := e.cfg.batchSize
	if batch > n {
		batch = n
	}
	r := buildRNADEGraph(w, batch)
	t, err := newTrainer(r.g, r.cost, r.learnables(), G.NewMomentum(G.WithLearnRate(e.cfg.learningRate), G.WithMomentum(0)))
	if err != nil {
		return nil, err
	}
	defer t.close()

	best := w
	bestScore := math.Inf(-1)
	for epoch := 0; epoch < epochs; epoch++ {
		if epoch == 2 {
			t.solver = G.NewMomentum(G.WithLearnRate(e.cfg.learningRate), G.WithMomentum(e.cfg.momentum))
		}
		if err := G.Let(r.lrScale, G.NewF64(1-float64(epoch)/float64(epochs))); err != nil {
			return nil, errors.Wrap(err, "bind learning rate")
		}
		total := 0.0
		for u := 0; u < e.cfg.epochSize; u++ {
			x, mask, weight := orderlessBatch(rng, train, batch)
			for _, bind := range []struct {
				n *G.Node
				v tensor.Tensor
			}{{r.x, x}, {r.mask, mask}, {r.weight, weight}} {
				if err := G.Let(bind.n, bind.v); err != nil {
					return nil, errors.Wrap(err, "bind batch")
				}
			}
			if _, err := t.step(); err != nil {
				return nil, errors.Wrapf(err, "epoch %d", epoch)
			}
			nll, err := scalarValue(r.nll)
			if err != nil {
				return nil, err
			}
			total += nll
		}

		current := r.read(w.orderings)
		fields := logrus.Fields{"epoch": epoch, "training_loss": total / float64(e.cfg.epochSize)}
		if valid != nil {
			score := stat.Mean(current.score(valid), nil)
			if math.IsNaN(score) {
				return nil, errors.Wrapf(densitybench.ErrTrainingFailed, "epoch %d validation likelihood is NaN", epoch)
			}
			fields["validation_loss"] = -score
			if score > bestScore {
				best, bestScore = current.clone(), score
			}
		} else {
			best = current
		}
		log.WithFields(fields).Debug("RNADE epoch")
	}
	return best, nil
}
