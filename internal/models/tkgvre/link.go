package tkgvre

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/scores"
	"github.com/cnclabs/tkgvre/pkg/temporal"
	"github.com/cnclabs/tkgvre/pkg/vae"
)

// ErrSamples is returned when the corrupter output does not line up with the
// snapshots it was drawn from
var ErrSamples = errors.New("inconsistent training samples")

// gaussRows are rows idx of a node distribution, possibly sampled
type gaussRows struct {
	idx   []int
	value *mat.Dense
	noise *mat.Dense
}

// sampleRows gathers rows idx of mean and reparameterizes them with std.
// A nil std or a deterministic pass returns the means.
func (m *Model) sampleRows(mean, std *mat.Dense, idx []int, stochastic bool) *gaussRows {
	g := &gaussRows{idx: idx, value: nn.GatherRows(mean, idx)}
	if std == nil || !stochastic {
		return g
	}
	g.value, g.noise = vae.Reparametrize(g.value, nn.GatherRows(std, idx), true, m.rng)
	return g
}

func (g *gaussRows) backward(d, dMean, dStd *mat.Dense) {
	dm, ds := vae.ReparametrizeBackward(g.noise, d)
	nn.ScatterAddRows(dMean, g.idx, dm)
	if ds != nil {
		nn.ScatterAddRows(dStd, g.idx, ds)
	}
}

// relSample is a draw of relation rows from N(Rel, softplus(RelStd))
type relSample struct {
	idx   []int
	pre   *mat.Dense
	value *mat.Dense
	noise *mat.Dense
}

// sampleRelations draws fresh relation embeddings on every call
func (m *Model) sampleRelations(idx []int, stochastic bool) *relSample {
	r := &relSample{idx: idx, value: nn.GatherRows(m.Rel.Value, idx)}
	if m.RelStd == nil || !stochastic {
		return r
	}
	r.pre = nn.GatherRows(m.RelStd.Value, idx)
	r.value, r.noise = vae.Reparametrize(r.value, nn.SoftplusDense(r.pre), true, m.rng)
	return r
}

func (r *relSample) backward(m *Model, d *mat.Dense) {
	dm, ds := vae.ReparametrizeBackward(r.noise, d)
	nn.ScatterAddRows(m.Rel.Grad, r.idx, dm)
	if ds != nil {
		nn.ScatterAddRows(m.RelStd.Grad, r.idx, nn.SoftplusBackward(r.pre, ds))
	}
}

// linkTerm is the cross-entropy of one snapshot's positives against their
// corrupted tails or heads
type linkTerm struct {
	mode   scores.Mode
	s, o   *gaussRows
	r      *relSample
	loss   float64
	dScore *mat.Dense
}

// linkLoss scores the candidates of smp under mode (Tail or Head)
func (m *Model) linkLoss(mean, std *mat.Dense, smp *temporal.Samples, mode scores.Mode, stochastic bool) (*linkTerm, error) {
	heads, rels, tails := splitTriples(smp.Triples)
	term := &linkTerm{mode: mode, r: m.sampleRelations(rels, stochastic)}
	if mode == scores.Tail {
		term.s = m.sampleRows(mean, std, heads, stochastic)
		term.o = m.sampleRows(mean, std, flatten(smp.NegTails), stochastic)
	} else {
		term.s = m.sampleRows(mean, std, flatten(smp.NegHeads), stochastic)
		term.o = m.sampleRows(mean, std, tails, stochastic)
	}

	score, err := m.scorer.Score(term.s.value, term.r.value, term.o.value, mode)
	if err != nil {
		return nil, err
	}
	term.loss, term.dScore, err = nn.SoftmaxCrossEntropy(score, smp.Labels)
	if err != nil {
		return nil, errors.Wrapf(ErrSamples, "%s loss: %v", mode, err)
	}
	return term, nil
}

// backward accumulates weight times the gradient of the loss
func (t *linkTerm) backward(m *Model, weight float64, dMean, dStd *mat.Dense) error {
	d := mat.DenseCopyOf(t.dScore)
	d.Scale(weight, d)
	ds, dr, do, err := m.scorer.Backward(t.s.value, t.r.value, t.o.value, d, t.mode)
	if err != nil {
		return err
	}
	t.s.backward(ds, dMean, dStd)
	t.o.backward(do, dMean, dStd)
	t.r.backward(m, dr)
	return nil
}

// pooling summarizes the facts [s | r | o] of one snapshot into one row
type pooling struct {
	heads, rels, tails []int
	// argmax[j] is the fact row that won column j under max pooling
	argmax []int
}

// pool returns the [1 x 3E] summary of triples over node means
func (m *Model) pool(mean *mat.Dense, triples []temporal.LocalTriple) (*mat.Dense, *pooling) {
	p := &pooling{}
	p.heads, p.rels, p.tails = splitTriples(triples)
	facts := nn.ConcatCols(nn.ConcatCols(nn.GatherRows(mean, p.heads), nn.GatherRows(m.Rel.Value, p.rels)), nn.GatherRows(mean, p.tails))

	rows, cols := facts.Dims()
	out := mat.NewDense(1, cols, nil)
	dst := out.RawRowView(0)
	if m.cfg.Pooling == "mean" {
		for i := 0; i < rows; i++ {
			floats.Add(dst, facts.RawRowView(i))
		}
		floats.Scale(1/float64(rows), dst)
		return out, p
	}

	p.argmax = make([]int, cols)
	copy(dst, facts.RawRowView(0))
	for i := 1; i < rows; i++ {
		for j, v := range facts.RawRowView(i) {
			if v > dst[j] {
				dst[j] = v
				p.argmax[j] = i
			}
		}
	}
	return out, p
}

// backward routes the gradient of the pooled row d into node means and the
// relation table
func (p *pooling) backward(m *Model, d []float64, dMean *mat.Dense) {
	rows := len(p.heads)
	embed := len(d) / 3
	dFacts := mat.NewDense(rows, len(d), nil)
	if p.argmax == nil {
		scale := 1 / float64(rows)
		for i := 0; i < rows; i++ {
			floats.AddScaled(dFacts.RawRowView(i), scale, d)
		}
	} else {
		for j, i := range p.argmax {
			dFacts.Set(i, j, d[j])
		}
	}
	for i := 0; i < rows; i++ {
		row := dFacts.RawRowView(i)
		floats.Add(dMean.RawRowView(p.heads[i]), row[:embed])
		floats.Add(m.Rel.Grad.RawRowView(p.rels[i]), row[embed:2*embed])
		floats.Add(dMean.RawRowView(p.tails[i]), row[2*embed:])
	}
}

func splitTriples(triples []temporal.LocalTriple) (heads, rels, tails []int) {
	heads = make([]int, len(triples))
	rels = make([]int, len(triples))
	tails = make([]int, len(triples))
	for i, tr := range triples {
		heads[i], rels[i], tails[i] = tr.Head, tr.Relation, tr.Tail
	}
	return heads, rels, tails
}

func flatten(rows [][]int) []int {
	out := make([]int, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

// localTriples expresses the facts of s in node indices
func localTriples(s *temporal.Snapshot) ([]temporal.LocalTriple, error) {
	out := make([]temporal.LocalTriple, len(s.Triples))
	for i, tr := range s.Triples {
		h, okH := s.Local(tr.Head)
		o, okO := s.Local(tr.Tail)
		if !okH || !okO {
			return nil, errors.Wrapf(ErrSamples, "snapshot %d: fact %d is not in the graph", s.Time, i)
		}
		out[i] = temporal.LocalTriple{Head: h, Relation: int(tr.Relation), Tail: o}
	}
	return out, nil
}

// checkSamples validates the corrupter output for snaps
func (m *Model) checkSamples(smp []temporal.Samples, snaps []*temporal.Snapshot) error {
	if len(smp) != len(snaps) {
		return errors.Wrapf(ErrSamples, "%d sample sets for %d snapshots", len(smp), len(snaps))
	}
	numRels := 2 * m.cfg.NumRelations
	for i := range smp {
		s := &smp[i]
		n, facts := snaps[i].NumNodes(), len(s.Triples)
		if facts == 0 || len(s.NegTails) != facts || len(s.NegHeads) != facts || len(s.Labels) != facts {
			return errors.Wrapf(ErrSamples, "snapshot %d: %d facts, %d tail rows, %d head rows, %d labels",
				snaps[i].Time, facts, len(s.NegTails), len(s.NegHeads), len(s.Labels))
		}
		width := len(s.NegTails[0])
		for j, tr := range s.Triples {
			if tr.Head < 0 || tr.Head >= n || tr.Tail < 0 || tr.Tail >= n || tr.Relation < 0 || tr.Relation >= numRels {
				return errors.Wrapf(ErrSamples, "snapshot %d: fact %d is out of range", snaps[i].Time, j)
			}
			if len(s.NegTails[j]) != width || len(s.NegHeads[j]) != width {
				return errors.Wrapf(ErrSamples, "snapshot %d: ragged candidate rows at fact %d", snaps[i].Time, j)
			}
			if s.Labels[j] < 0 || s.Labels[j] >= width {
				return errors.Wrapf(ErrSamples, "snapshot %d: label %d outside %d candidates", snaps[i].Time, s.Labels[j], width)
			}
			for k := 0; k < width; k++ {
				if c := s.NegTails[j][k]; c < 0 || c >= n {
					return errors.Wrapf(ErrSamples, "snapshot %d: tail candidate %d outside %d nodes", snaps[i].Time, c, n)
				}
				if c := s.NegHeads[j][k]; c < 0 || c >= n {
					return errors.Wrapf(ErrSamples, "snapshot %d: head candidate %d outside %d nodes", snaps[i].Time, c, n)
				}
			}
		}
	}
	return nil
}
