package tkgvre

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/rgcn"
	"github.com/cnclabs/tkgvre/pkg/temporal"
)

// RecurrentVAE encodes [entity | recurrent context] node features with a
// mean network and a softplus std network, and owns the prior over the
// recurrent state
type RecurrentVAE struct {
	ent     *nn.Param
	hidden  int
	meanNet *rgcn.Network
	stdNet  *rgcn.Network
	prior   *Prior
}

// NewRecurrentVAE builds the (E+H) -> H -> E mean network, and the std
// network and prior when cfg.UseVAE is set
func NewRecurrentVAE(cfg Config, ent *nn.Param, rng *rand.Rand) (*RecurrentVAE, error) {
	rows, embed := ent.Value.Dims()
	netCfg := rgcn.NetworkConfig{
		In: embed + cfg.HiddenSize, Hidden: cfg.HiddenSize, Out: embed,
		NumRels: 2 * cfg.NumRelations, NumBases: cfg.NumBases,
		Dropout: cfg.Dropout, SelfLoop: cfg.SelfLoop, Bias: cfg.Bias,
	}
	meanNet, err := rgcn.NewNetwork("ent_enc_means", netCfg, rng)
	if err != nil {
		return nil, err
	}
	enc := &RecurrentVAE{
		ent:     ent,
		hidden:  cfg.HiddenSize,
		meanNet: meanNet,
	}
	if cfg.UseVAE {
		if enc.stdNet, err = rgcn.NewNetwork("ent_enc_stds", netCfg, rng); err != nil {
			return nil, err
		}
		enc.prior = NewPrior(cfg.HiddenSize, embed, rows, cfg.PriorHeads == "shared", rng)
	}
	return enc, nil
}

// Name returns "recurrent-vae"
func (v *RecurrentVAE) Name() string { return "recurrent-vae" }

// ContextSize is the recurrent hidden size
func (v *RecurrentVAE) ContextSize() int { return v.hidden }

// Variational reports whether the prior and KL terms are in use
func (v *RecurrentVAE) Variational() bool { return v.prior != nil }

// Parameters implements nn.Parameterizer
func (v *RecurrentVAE) Parameters() []*nn.Param {
	params := v.meanNet.Parameters()
	if v.prior != nil {
		params = append(params, v.stdNet.Parameters()...)
		params = append(params, v.prior.Parameters()...)
	}
	return params
}

// features returns [ent[id] | hidden[graph]] for every node of b
func (v *RecurrentVAE) features(b *temporal.Batch, hidden *mat.Dense) (*mat.Dense, error) {
	hr, hc := hidden.Dims()
	if hr != len(b.Sizes) || hc != v.hidden {
		return nil, errors.Wrapf(temporal.ErrPartition, "context is %dx%d for %d graphs of hidden size %d", hr, hc, len(b.Sizes), v.hidden)
	}
	ctx := mat.NewDense(b.NumNodes(), v.hidden, nil)
	for i, size := range b.Sizes {
		row := hidden.RawRowView(i)
		for k := 0; k < size; k++ {
			copy(ctx.RawRowView(b.Offsets[i]+k), row)
		}
	}
	return nn.ConcatCols(nn.GatherRows64(v.ent.Value, b.NodeIDs), ctx), nil
}

// featuresBackward splits the feature gradient into the entity table and
// per-graph context sums
func (v *RecurrentVAE) featuresBackward(b *temporal.Batch, dx *mat.Dense) *mat.Dense {
	_, cols := dx.Dims()
	dEnt, dCtx := nn.SplitCols(dx, cols-v.hidden)
	scatterEntities(v.ent, b.NodeIDs, dEnt)

	dHidden := mat.NewDense(len(b.Sizes), v.hidden, nil)
	for i, size := range b.Sizes {
		row := dHidden.RawRowView(i)
		for k := 0; k < size; k++ {
			for j, g := range dCtx.RawRowView(b.Offsets[i] + k) {
				row[j] += g
			}
		}
	}
	return dHidden
}

// Encode runs the mean network, and the std network when variational, over
// the batch
func (v *RecurrentVAE) Encode(b *temporal.Batch, ctx Context) (*Encoding, error) {
	x, err := v.features(b, ctx.Hidden)
	if err != nil {
		return nil, err
	}
	mean, meanBack := v.meanNet.Forward(&b.Graph, x, ctx.Train, ctx.Rng)
	enc := &Encoding{Mean: mean}
	var preStd *mat.Dense
	var stdBack rgcn.Backward
	if v.stdNet != nil {
		preStd, stdBack = v.stdNet.Forward(&b.Graph, x, ctx.Train, ctx.Rng)
		enc.Std = nn.SoftplusDense(preStd)
	}
	enc.Backward = func(dMean, dStd *mat.Dense) *mat.Dense {
		dx := meanBack(dMean)
		if dStd != nil && stdBack != nil {
			dx.Add(dx, stdBack(nn.SoftplusBackward(preStd, dStd)))
		}
		return v.featuresBackward(b, dx)
	}
	return enc, nil
}

// AllEntityEmbeddings returns posterior means: the snapshot's entities are
// convolved over s, every other entity takes the isolated path
func (v *RecurrentVAE) AllEntityEmbeddings(s *temporal.Snapshot, hidden *mat.Dense, _ int64) (*mat.Dense, error) {
	rows, _ := v.ent.Value.Dims()
	if hidden == nil {
		hidden = mat.NewDense(1, v.hidden, nil)
	}
	ids := make([]int64, rows)
	for i := range ids {
		ids[i] = int64(i)
	}
	everyone := temporal.Merge([]*temporal.Graph{temporal.NewGraph(ids, nil, nil, nil)})
	x, err := v.features(everyone, hidden)
	if err != nil {
		return nil, err
	}
	all, _ := v.meanNet.ForwardIsolated(x, false, nil)
	if s.Empty() {
		return all, nil
	}

	b := temporal.Merge([]*temporal.Graph{&s.Graph})
	local, err := v.features(b, hidden)
	if err != nil {
		return nil, err
	}
	conv, _ := v.meanNet.Forward(&b.Graph, local, false, nil)
	overwriteRows(all, s.NodeIDs, conv)
	return all, nil
}

// Prior implements PriorEncoder
func (v *RecurrentVAE) Prior(b *temporal.Batch, hidden *mat.Dense) (*Encoding, error) {
	if v.prior == nil {
		return nil, errors.New("encoder built without a prior")
	}
	return v.prior.Forward(b, hidden)
}
