package tkgvre

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/temporal"
)

// Prior predicts a Gaussian per entity from the recurrent state:
//
//	p = relu(hidden * Wp + bp)
//	mean_e = p * Wm[e] + bm[e]
//	std_e = softplus(p * Ws[e] + bs[e])
//
// Wm and Ws hold one H x E block per entity (flattened row-major), or a
// single block shared by every entity.
type Prior struct {
	proj          *nn.Linear
	MeanW, MeanB  *nn.Param
	StdW, StdB    *nn.Param
	hidden, embed int
	shared        bool
}

// NewPrior allocates the prior heads for numEntities entities
func NewPrior(hidden, embed, numEntities int, shared bool, rng *rand.Rand) *Prior {
	heads := numEntities
	if shared {
		heads = 1
	}
	p := &Prior{
		proj:   nn.NewLinear("prior", hidden, hidden, rng),
		MeanW:  nn.NewParam("ent_prior_means.weight", heads, hidden*embed),
		MeanB:  nn.NewParam("ent_prior_means.bias", heads, embed),
		StdW:   nn.NewParam("ent_prior_stds.weight", heads, hidden*embed),
		StdB:   nn.NewParam("ent_prior_stds.bias", heads, embed),
		hidden: hidden,
		embed:  embed,
		shared: shared,
	}
	nn.XavierUniformBlocks(p.MeanW, hidden, embed, 1, rng)
	nn.XavierUniformBlocks(p.StdW, hidden, embed, 1, rng)
	return p
}

// Parameters implements nn.Parameterizer
func (p *Prior) Parameters() []*nn.Param {
	return append(p.proj.Parameters(), p.MeanW, p.MeanB, p.StdW, p.StdB)
}

func (p *Prior) head(entity int64) int {
	if p.shared {
		return 0
	}
	return int(entity)
}

// affine computes out = x * W[k] + b[k] for one node
func (p *Prior) affine(x []float64, w, b *nn.Param, k int, out []float64) {
	copy(out, b.Value.RawRowView(k))
	block := w.Value.RawRowView(k)
	for a, v := range x {
		if v == 0 {
			continue
		}
		floats.AddScaled(out, v, block[a*p.embed:(a+1)*p.embed])
	}
}

// affineBackward accumulates the gradients of affine for upstream d
func (p *Prior) affineBackward(x []float64, w, b *nn.Param, k int, d, dx []float64) {
	block := w.Value.RawRowView(k)
	dBlock := w.Grad.RawRowView(k)
	floats.Add(b.Grad.RawRowView(k), d)
	for a, v := range x {
		dx[a] += floats.Dot(block[a*p.embed:(a+1)*p.embed], d)
		floats.AddScaled(dBlock[a*p.embed:(a+1)*p.embed], v, d)
	}
}

// Forward returns the prior of every node of b; hidden has one row per graph
func (p *Prior) Forward(b *temporal.Batch, hidden *mat.Dense) (*Encoding, error) {
	ph := p.proj.Forward(hidden)
	nn.ReLU.Apply(ph)

	n := b.NumNodes()
	mean := mat.NewDense(n, p.embed, nil)
	pre := mat.NewDense(n, p.embed, nil)
	graphOf := make([]int, n)
	for g, size := range b.Sizes {
		for k := 0; k < size; k++ {
			i := b.Offsets[g] + k
			graphOf[i] = g
			head := p.head(b.NodeIDs[i])
			x := ph.RawRowView(g)
			p.affine(x, p.MeanW, p.MeanB, head, mean.RawRowView(i))
			p.affine(x, p.StdW, p.StdB, head, pre.RawRowView(i))
		}
	}

	return &Encoding{
		Mean: mean,
		Std:  nn.SoftplusDense(pre),
		Backward: func(dMean, dStd *mat.Dense) *mat.Dense {
			rows, _ := ph.Dims()
			dph := mat.NewDense(rows, p.hidden, nil)
			var dPre *mat.Dense
			if dStd != nil {
				dPre = nn.SoftplusBackward(pre, dStd)
			}
			for i := 0; i < n; i++ {
				g := graphOf[i]
				head := p.head(b.NodeIDs[i])
				x, dx := ph.RawRowView(g), dph.RawRowView(g)
				if dMean != nil {
					p.affineBackward(x, p.MeanW, p.MeanB, head, dMean.RawRowView(i), dx)
				}
				if dPre != nil {
					p.affineBackward(x, p.StdW, p.StdB, head, dPre.RawRowView(i), dx)
				}
			}
			nn.ReLU.Backward(ph, dph)
			return p.proj.Backward(hidden, dph)
		},
	}, nil
}
