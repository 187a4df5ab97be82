package tkgvre

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/rgcn"
	"github.com/cnclabs/tkgvre/pkg/temporal"
)

// Context is what the orchestrator hands to an encoder for one batch
type Context struct {
	Train bool
	Rng   *rand.Rand
	// Hidden holds one recurrent context row per merged graph, nil for
	// encoders with ContextSize 0
	Hidden *mat.Dense
	// Times holds the timestamp of every merged graph
	Times []int64
}

// Encoding is the per-node distribution produced for a batch. Std is nil for
// deterministic encoders.
type Encoding struct {
	Mean *mat.Dense
	Std  *mat.Dense
	// Backward accumulates parameter gradients and returns the gradient of
	// Context.Hidden (nil without context). dStd may be nil.
	Backward func(dMean, dStd *mat.Dense) *mat.Dense
}

// Encoder turns a batch of snapshots into entity distributions
type Encoder interface {
	nn.Parameterizer
	Name() string
	// ContextSize is the width of the recurrent context the encoder consumes
	ContextSize() int
	Encode(b *temporal.Batch, ctx Context) (*Encoding, error)
	// AllEntityEmbeddings returns one row per entity for time t, using s (which
	// may be nil) for the entities it holds and the isolated path otherwise
	AllEntityEmbeddings(s *temporal.Snapshot, hidden *mat.Dense, t int64) (*mat.Dense, error)
}

// PriorEncoder is an encoder with a learned prior over the recurrent state
type PriorEncoder interface {
	Encoder
	// Variational reports whether the prior and KL terms are in use
	Variational() bool
	// Prior returns the prior distribution of every node of b given the
	// per-graph hidden rows
	Prior(b *temporal.Batch, hidden *mat.Dense) (*Encoding, error)
}

// NewEncoder builds the encoder named by cfg.Encoder
func NewEncoder(cfg Config, ent *nn.Param, rng *rand.Rand) (Encoder, error) {
	switch cfg.Encoder {
	case "static":
		return &Static{ent: ent}, nil
	case "time-decay":
		return NewTimeDecay(cfg, ent, rng)
	case "recurrent-vae", "":
		return NewRecurrentVAE(cfg, ent, rng)
	default:
		return nil, errors.Errorf("unknown encoder %q", cfg.Encoder)
	}
}

// scatterEntities adds the rows of d into the entity gradient
func scatterEntities(ent *nn.Param, ids []int64, d *mat.Dense) {
	nn.ScatterAddRows64(ent.Grad, ids, d)
}

// Static uses the entity table as is
type Static struct {
	ent *nn.Param
}

// Name returns "static"
func (s *Static) Name() string { return "static" }

// ContextSize is 0: the static encoder ignores history
func (s *Static) ContextSize() int { return 0 }

// Parameters is empty: the entity table belongs to the model
func (s *Static) Parameters() []*nn.Param { return nil }

// Encode gathers the entity rows of every node
func (s *Static) Encode(b *temporal.Batch, _ Context) (*Encoding, error) {
	return &Encoding{
		Mean: nn.GatherRows64(s.ent.Value, b.NodeIDs),
		Backward: func(dMean, _ *mat.Dense) *mat.Dense {
			scatterEntities(s.ent, b.NodeIDs, dMean)
			return nil
		},
	}, nil
}

// AllEntityEmbeddings returns a copy of the entity table
func (s *Static) AllEntityEmbeddings(_ *temporal.Snapshot, _ *mat.Dense, _ int64) (*mat.Dense, error) {
	return mat.DenseCopyOf(s.ent.Value), nil
}

// TimeDecay convolves diachronic entity features: the last tenth of every
// embedding is modulated by sin(t*w + b) with per-entity w and b
type TimeDecay struct {
	ent      *nn.Param
	W, B     *nn.Param // [numEntities x temporal size]
	static   int
	edgeKeep float64
	net      *rgcn.Network

	// embedNonActive skips the isolated path for entities outside a snapshot
	embedNonActive bool
}

// NewTimeDecay builds the encoder and its E -> H -> E network
func NewTimeDecay(cfg Config, ent *nn.Param, rng *rand.Rand) (*TimeDecay, error) {
	rows, embed := ent.Value.Dims()
	static := int(math.Floor(0.9 * float64(embed)))
	td := &TimeDecay{
		ent:            ent,
		static:         static,
		edgeKeep:       cfg.EdgeKeep,
		embedNonActive: cfg.EmbedNonActive,
	}
	if embed > static {
		td.W = nn.NewParam("time_decay.w", rows, embed-static)
		td.B = nn.NewParam("time_decay.b", rows, embed-static)
		nn.XavierUniform(td.W, nn.ReLUGain, rng)
		nn.XavierUniform(td.B, nn.ReLUGain, rng)
	}
	net, err := rgcn.NewNetwork("time_decay.encoder", rgcn.NetworkConfig{
		In: embed, Hidden: cfg.HiddenSize, Out: embed,
		NumRels: 2 * cfg.NumRelations, NumBases: cfg.NumBases,
		Dropout: cfg.Dropout, SelfLoop: cfg.SelfLoop, Bias: cfg.Bias,
	}, rng)
	if err != nil {
		return nil, err
	}
	td.net = net
	return td, nil
}

// Name returns "time-decay"
func (td *TimeDecay) Name() string { return "time-decay" }

// ContextSize is 0: time enters through the entity features only
func (td *TimeDecay) ContextSize() int { return 0 }

// Parameters implements nn.Parameterizer
func (td *TimeDecay) Parameters() []*nn.Param {
	params := td.net.Parameters()
	if td.W != nil {
		params = append(params, td.W, td.B)
	}
	return params
}

// features returns ent[id] * [1 | sin(t*w[id] + b[id])] and the pre-activations
func (td *TimeDecay) features(ids []int64, times []int64) (*mat.Dense, *mat.Dense) {
	x := nn.GatherRows64(td.ent.Value, ids)
	if td.W == nil {
		return x, nil
	}
	_, embed := x.Dims()
	phase := mat.NewDense(len(ids), embed-td.static, nil)
	for i, id := range ids {
		t := float64(times[i])
		w, b := td.W.Value.RawRowView(int(id)), td.B.Value.RawRowView(int(id))
		p := phase.RawRowView(i)
		row := x.RawRowView(i)
		for j := range p {
			p[j] = t*w[j] + b[j]
			row[td.static+j] *= math.Sin(p[j])
		}
	}
	return x, phase
}

// featuresBackward routes the gradient of features into ent, W and B
func (td *TimeDecay) featuresBackward(ids []int64, times []int64, phase, dx *mat.Dense) {
	if td.W == nil {
		scatterEntities(td.ent, ids, dx)
		return
	}
	for i, id := range ids {
		t := float64(times[i])
		d := dx.RawRowView(i)
		e := td.ent.Value.RawRowView(int(id))
		de := td.ent.Grad.RawRowView(int(id))
		dw, db := td.W.Grad.RawRowView(int(id)), td.B.Grad.RawRowView(int(id))
		p := phase.RawRowView(i)
		for j := 0; j < td.static; j++ {
			de[j] += d[j]
		}
		for j := range p {
			k := td.static + j
			de[k] += d[k] * math.Sin(p[j])
			dp := d[k] * e[k] * math.Cos(p[j])
			dw[j] += dp * t
			db[j] += dp
		}
	}
}

// nodeTimes expands per-graph times to per-node times
func nodeTimes(b *temporal.Batch, times []int64) []int64 {
	out := make([]int64, 0, b.NumNodes())
	for i, size := range b.Sizes {
		for k := 0; k < size; k++ {
			out = append(out, times[i])
		}
	}
	return out
}

// Encode convolves the time-modulated features; training drops edges
func (td *TimeDecay) Encode(b *temporal.Batch, ctx Context) (*Encoding, error) {
	if len(ctx.Times) != len(b.Sizes) {
		return nil, errors.Wrapf(temporal.ErrPartition, "%d times for %d graphs", len(ctx.Times), len(b.Sizes))
	}
	times := nodeTimes(b, ctx.Times)
	x, phase := td.features(b.NodeIDs, times)

	g := &b.Graph
	if ctx.Train && td.edgeKeep < 1 {
		g = b.SampleEdgesPerGraph(td.edgeKeep, ctx.Rng)
	}
	mean, back := td.net.Forward(g, x, ctx.Train, ctx.Rng)
	return &Encoding{
		Mean: mean,
		Backward: func(dMean, _ *mat.Dense) *mat.Dense {
			td.featuresBackward(b.NodeIDs, times, phase, back(dMean))
			return nil
		},
	}, nil
}

// AllEntityEmbeddings convolves s and sends every other entity through the
// isolated path, or keeps its features when embedNonActive is set
func (td *TimeDecay) AllEntityEmbeddings(s *temporal.Snapshot, _ *mat.Dense, t int64) (*mat.Dense, error) {
	rows, _ := td.ent.Value.Dims()
	ids := make([]int64, rows)
	times := make([]int64, rows)
	for i := range ids {
		ids[i] = int64(i)
		times[i] = t
	}
	x, _ := td.features(ids, times)
	var all *mat.Dense
	if td.embedNonActive {
		all = mat.DenseCopyOf(x)
	} else {
		all, _ = td.net.ForwardIsolated(x, false, nil)
	}
	if s.Empty() {
		return all, nil
	}
	local := nn.GatherRows64(x, s.NodeIDs)
	conv, _ := td.net.Forward(&s.Graph, local, false, nil)
	overwriteRows(all, s.NodeIDs, conv)
	return all, nil
}

// overwriteRows sets dst[ids[i]] = src[i]
func overwriteRows(dst *mat.Dense, ids []int64, src *mat.Dense) {
	for i, id := range ids {
		copy(dst.RawRowView(int(id)), src.RawRowView(i))
	}
}
