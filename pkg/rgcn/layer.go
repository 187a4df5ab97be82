// Package rgcn implements relational graph convolutions with block-diagonal
// relation weights and hand-written backward passes.
package rgcn

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/temporal"
)

// ErrBlockShape is returned when feature sizes are not divisible by the number of bases
var ErrBlockShape = errors.New("feature size not divisible by number of bases")

// Backward maps the gradient of an output to the gradient of its input,
// accumulating parameter gradients on the way
type Backward func(dOut *mat.Dense) *mat.Dense

// LayerConfig describes one block layer
type LayerConfig struct {
	In, Out    int
	NumRels    int
	NumBases   int
	SelfLoop   bool
	Bias       bool
	Activation nn.Activation
	Dropout    float64
}

// BlockLayer is a relational graph convolution whose relation weights are
// NumBases diagonal blocks of size In/NumBases x Out/NumBases
type BlockLayer struct {
	cfg           LayerConfig
	subIn, subOut int

	Weight *nn.Param // [NumRels x NumBases*subIn*subOut]
	Loop   *nn.Param // [In x Out], nil without self-loop
	Bias   *nn.Param // [1 x Out], nil without bias
	drop   nn.Dropout
}

// NewBlockLayer allocates and initializes a block layer
func NewBlockLayer(name string, cfg LayerConfig, rng *rand.Rand) (*BlockLayer, error) {
	if cfg.NumBases <= 0 {
		return nil, errors.Wrapf(ErrBlockShape, "%s: %d bases", name, cfg.NumBases)
	}
	if cfg.In%cfg.NumBases != 0 || cfg.Out%cfg.NumBases != 0 {
		return nil, errors.Wrapf(ErrBlockShape, "%s: %dx%d with %d bases", name, cfg.In, cfg.Out, cfg.NumBases)
	}
	if cfg.NumRels <= 0 {
		return nil, errors.Errorf("%s: need at least one relation type", name)
	}

	l := &BlockLayer{
		cfg:    cfg,
		subIn:  cfg.In / cfg.NumBases,
		subOut: cfg.Out / cfg.NumBases,
		drop:   nn.Dropout{P: cfg.Dropout},
	}
	l.Weight = nn.NewParam(name+".weight", cfg.NumRels, cfg.NumBases*l.subIn*l.subOut)
	nn.XavierUniform(l.Weight, nn.ReLUGain, rng)
	if cfg.SelfLoop {
		l.Loop = nn.NewParam(name+".loop_weight", cfg.In, cfg.Out)
		nn.XavierUniform(l.Loop, nn.ReLUGain, rng)
	}
	if cfg.Bias {
		l.Bias = nn.NewParam(name+".bias", 1, cfg.Out)
	}
	return l, nil
}

// Config returns the layer configuration
func (l *BlockLayer) Config() LayerConfig {
	return l.cfg
}

// Parameters implements nn.Parameterizer
func (l *BlockLayer) Parameters() []*nn.Param {
	params := []*nn.Param{l.Weight}
	if l.Loop != nil {
		params = append(params, l.Loop)
	}
	if l.Bias != nil {
		params = append(params, l.Bias)
	}
	return params
}

// message computes out += norm * blockdiag(W_rel) x
func (l *BlockLayer) message(x []float64, rel int, norm float64, out []float64) {
	w := l.Weight.Value.RawRowView(rel)
	size := l.subIn * l.subOut
	for b := 0; b < l.cfg.NumBases; b++ {
		block := w[b*size : (b+1)*size]
		in := x[b*l.subIn : (b+1)*l.subIn]
		dst := out[b*l.subOut : (b+1)*l.subOut]
		for i, v := range in {
			if v == 0 {
				continue
			}
			floats.AddScaled(dst, norm*v, block[i*l.subOut:(i+1)*l.subOut])
		}
	}
}

// Propagate sums the relation-typed messages of every edge into its
// destination and scales the aggregate by the node norm
func (l *BlockLayer) Propagate(g *temporal.Graph, x *mat.Dense) (*mat.Dense, Backward) {
	n := g.NumNodes()
	agg := mat.NewDense(n, l.cfg.Out, nil)
	if g.NumEdges() > 0 {
		msgs := mat.NewDense(g.NumEdges(), l.cfg.Out, nil)
		for k := range g.Src {
			l.message(x.RawRowView(g.Src[k]), g.Types[k], g.EdgeNorm[k], msgs.RawRowView(k))
		}
		agg = g.SumIncoming(msgs)
	}
	for v := 0; v < n; v++ {
		floats.Scale(g.NodeNorm[v], agg.RawRowView(v))
	}

	backward := func(dOut *mat.Dense) *mat.Dense {
		dx := mat.NewDense(n, l.cfg.In, nil)
		size := l.subIn * l.subOut
		for k := range g.Src {
			src, rel := g.Src[k], g.Types[k]
			scale := g.NodeNorm[g.Dst[k]] * g.EdgeNorm[k]
			dMsg := dOut.RawRowView(g.Dst[k])
			xs := x.RawRowView(src)
			dxs := dx.RawRowView(src)
			w := l.Weight.Value.RawRowView(rel)
			dw := l.Weight.Grad.RawRowView(rel)
			for b := 0; b < l.cfg.NumBases; b++ {
				dm := dMsg[b*l.subOut : (b+1)*l.subOut]
				for i := 0; i < l.subIn; i++ {
					off := b*size + i*l.subOut
					row := w[off : off+l.subOut]
					// d/dx_i = scale * <W_i, dMsg>, d/dW_i = scale * x_i * dMsg
					dxs[b*l.subIn+i] += scale * floats.Dot(row, dm)
					floats.AddScaled(dw[off:off+l.subOut], scale*xs[b*l.subIn+i], dm)
				}
			}
		}
		return dx
	}
	return agg, backward
}

// Forward computes act(Propagate(g, x) + bias + dropout(x * Loop))
func (l *BlockLayer) Forward(g *temporal.Graph, x *mat.Dense, train bool, rng *rand.Rand) (*mat.Dense, Backward) {
	return l.forward(g, x, train, rng)
}

// ForwardIsolated runs Forward as if no node had incoming edges
func (l *BlockLayer) ForwardIsolated(x *mat.Dense, train bool, rng *rand.Rand) (*mat.Dense, Backward) {
	return l.forward(nil, x, train, rng)
}

func (l *BlockLayer) forward(g *temporal.Graph, x *mat.Dense, train bool, rng *rand.Rand) (*mat.Dense, Backward) {
	rows, _ := x.Dims()
	out := mat.NewDense(rows, l.cfg.Out, nil)

	var propBackward Backward
	if g != nil {
		var prop *mat.Dense
		prop, propBackward = l.Propagate(g, x)
		out.Add(out, prop)
	}
	var mask *mat.Dense
	if l.Loop != nil {
		var loop mat.Dense
		loop.Mul(x, l.Loop.Value)
		mask = l.drop.Forward(&loop, train, rng)
		out.Add(out, &loop)
	}
	if l.Bias != nil {
		nn.AddRowVector(out, l.Bias.Value)
	}
	l.cfg.Activation.Apply(out)

	backward := func(dOut *mat.Dense) *mat.Dense {
		grad := mat.DenseCopyOf(dOut)
		l.cfg.Activation.Backward(out, grad)
		if l.Bias != nil {
			l.Bias.Grad.Add(l.Bias.Grad, nn.SumRows(grad))
		}

		dx := mat.NewDense(rows, l.cfg.In, nil)
		if propBackward != nil {
			dx.Add(dx, propBackward(grad))
		}
		if l.Loop != nil {
			dLoop := mat.DenseCopyOf(grad)
			l.drop.Backward(mask, dLoop)
			var dW, dIn mat.Dense
			dW.Mul(x.T(), dLoop)
			l.Loop.Grad.Add(l.Loop.Grad, &dW)
			dIn.Mul(dLoop, l.Loop.Value.T())
			dx.Add(dx, &dIn)
		}
		return dx
	}
	return out, backward
}
