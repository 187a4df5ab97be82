package tkgvre

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/rnn"
	"github.com/cnclabs/tkgvre/pkg/scores"
	"github.com/cnclabs/tkgvre/pkg/temporal"
	"github.com/cnclabs/tkgvre/pkg/vae"
)

// step is everything one timestep keeps for back-propagation
type step struct {
	active []int // sequence index of every merged snapshot
	batch  *temporal.Batch
	enc    *Encoding
	prior  *Encoding
	links  [][2]*linkTerm
	pools  []*pooling
	// relStd is softplus(RelStd) as seen by the relation KL term
	relStd  *mat.Dense
	rnnBack rnn.StackBackward
}

// Pass is the result of Model.Forward over a batch of sequences
type Pass struct {
	// Recon is the summed link prediction loss of every snapshot
	Recon float64
	// KL is the summed divergence of node and relation posteriors from their
	// priors; zero for deterministic encoders
	KL float64

	m      *Model
	size   int
	steps  []*step
	hidden []*mat.Dense
}

// Loss returns reconWeight * Recon + klWeight * KL
func (p *Pass) Loss(reconWeight, klWeight float64) float64 {
	return reconWeight*p.Recon + klWeight*p.KL
}

// Steps returns the number of timesteps that had at least one snapshot
func (p *Pass) Steps() int { return len(p.steps) }

// Hidden returns the recurrent state of every layer after the last timestep,
// one row per sequence; nil for encoders without context
func (p *Pass) Hidden() []*mat.Dense { return p.hidden }

// Forward runs the recurrent encoder over seqs. seqs[i][t] is the snapshot of
// sequence i at timestep t; nil or empty snapshots leave that sequence out of
// timestep t and carry its hidden state over unchanged.
func (m *Model) Forward(seqs [][]*temporal.Snapshot, train bool) (*Pass, error) {
	p := &Pass{m: m, size: len(seqs)}
	length := 0
	for _, seq := range seqs {
		if len(seq) > length {
			length = len(seq)
		}
	}
	if m.rnn != nil {
		p.hidden = m.rnn.Initial(len(seqs))
	}
	stochastic := train && m.cfg.Stochastic && m.Variational()

	for t := 0; t < length; t++ {
		var active []int
		var snaps []*temporal.Snapshot
		for i, seq := range seqs {
			if t < len(seq) && !seq[t].Empty() {
				active = append(active, i)
				snaps = append(snaps, seq[t])
			}
		}
		if len(active) == 0 {
			klog.V(2).Infof("timestep %d has no snapshot, skipped", t)
			continue
		}

		st, err := p.step(t, active, snaps, train, stochastic)
		if err != nil {
			return nil, errors.Wrapf(err, "timestep %d", t)
		}
		p.steps = append(p.steps, st)
	}
	return p, nil
}

func (p *Pass) step(t int, active []int, snaps []*temporal.Snapshot, train, stochastic bool) (*step, error) {
	m := p.m
	smp, err := m.corrupter.Sample(snaps, m.rng)
	if err != nil {
		return nil, err
	}
	if err := m.checkSamples(smp, snaps); err != nil {
		return nil, err
	}

	graphs := make([]*temporal.Graph, len(snaps))
	times := make([]int64, len(snaps))
	for i, s := range snaps {
		graphs[i] = &s.Graph
		times[i] = s.Time
	}
	st := &step{active: active, batch: temporal.Merge(graphs)}

	var context *mat.Dense
	if m.rnn != nil {
		context = nn.GatherRows(p.hidden[len(p.hidden)-1], active)
	}
	st.enc, err = m.encoder.Encode(st.batch, Context{Train: train, Rng: m.rng, Hidden: context, Times: times})
	if err != nil {
		return nil, err
	}
	means, err := st.batch.Split(st.enc.Mean)
	if err != nil {
		return nil, err
	}
	stds := make([]*mat.Dense, len(snaps))
	if st.enc.Std != nil {
		if stds, err = st.batch.Split(st.enc.Std); err != nil {
			return nil, err
		}
	}

	// Link prediction and pooled facts per snapshot
	var pooled *mat.Dense
	if m.rnn != nil {
		pooled = mat.NewDense(len(snaps), 3*m.cfg.EmbedSize, nil)
		st.pools = make([]*pooling, len(snaps))
	}
	st.links = make([][2]*linkTerm, len(snaps))
	for i := range snaps {
		for k, mode := range []scores.Mode{scores.Tail, scores.Head} {
			term, err := m.linkLoss(means[i], stds[i], &smp[i], mode, stochastic)
			if err != nil {
				return nil, errors.Wrapf(err, "snapshot %d", snaps[i].Time)
			}
			st.links[i][k] = term
			p.Recon += term.loss
		}
		if pooled != nil {
			row, pool := m.pool(means[i], smp[i].Triples)
			pooled.SetRow(i, row.RawRowView(0))
			st.pools[i] = pool
		}
	}

	// KL against the prior predicted from the pre-update state
	if pe, ok := m.encoder.(PriorEncoder); ok && pe.Variational() {
		if st.prior, err = pe.Prior(st.batch, context); err != nil {
			return nil, err
		}
		kl, err := vae.KL(st.enc.Mean, st.enc.Std, st.prior.Mean, st.prior.Std)
		if err != nil {
			return nil, err
		}
		st.relStd = nn.SoftplusDense(m.RelStd.Value)
		zero, one := vae.StandardNormal(st.relStd.Dims())
		relKL, err := vae.KL(m.Rel.Value, st.relStd, zero, one)
		if err != nil {
			return nil, err
		}
		p.KL += kl + relKL
	}

	if m.rnn != nil {
		prev := make([]*mat.Dense, len(p.hidden))
		for l, h := range p.hidden {
			prev[l] = nn.GatherRows(h, active)
		}
		next, back := m.rnn.Step(pooled, prev)
		st.rnnBack = back
		for l := range p.hidden {
			h := mat.DenseCopyOf(p.hidden[l])
			for k, i := range active {
				h.SetRow(i, next[l].RawRowView(k))
			}
			p.hidden[l] = h
		}
	}
	klog.V(2).Infof("timestep %d: %d snapshots, %d nodes", t, len(snaps), st.batch.NumNodes())
	return st, nil
}

// Backward accumulates the gradient of Loss(reconWeight, klWeight) into
// every parameter, back through all timesteps
func (p *Pass) Backward(reconWeight, klWeight float64) error {
	m := p.m
	var dh []*mat.Dense
	if m.rnn != nil {
		dh = make([]*mat.Dense, len(p.hidden))
		for l := range dh {
			dh[l] = mat.NewDense(p.size, m.cfg.HiddenSize, nil)
		}
	}

	for n := len(p.steps) - 1; n >= 0; n-- {
		st := p.steps[n]
		b := st.batch
		dMean := mat.NewDense(b.NumNodes(), m.cfg.EmbedSize, nil)
		var dStd *mat.Dense
		if st.enc.Std != nil {
			dStd = mat.NewDense(b.NumNodes(), m.cfg.EmbedSize, nil)
		}
		dMeans, err := b.Split(dMean)
		if err != nil {
			return err
		}
		dStds := make([]*mat.Dense, len(dMeans))
		if dStd != nil {
			if dStds, err = b.Split(dStd); err != nil {
				return err
			}
		}

		var dPrev []*mat.Dense
		if st.rnnBack != nil {
			dNext := make([]*mat.Dense, len(dh))
			for l := range dh {
				dNext[l] = nn.GatherRows(dh[l], st.active)
				for _, i := range st.active {
					zeroRow(dh[l], i)
				}
			}
			var dx *mat.Dense
			dx, dPrev = st.rnnBack(dNext)
			for i, pool := range st.pools {
				pool.backward(m, dx.RawRowView(i), dMeans[i])
			}
		}

		for i, terms := range st.links {
			for _, term := range terms {
				if err := term.backward(m, reconWeight, dMeans[i], dStds[i]); err != nil {
					return err
				}
			}
		}

		if dMean, err = b.Join(dMeans, m.cfg.EmbedSize); err != nil {
			return err
		}
		if dStd != nil {
			if dStd, err = b.Join(dStds, m.cfg.EmbedSize); err != nil {
				return err
			}
		}

		var dContext *mat.Dense
		if st.prior != nil {
			g, err := vae.KLBackward(st.enc.Mean, st.enc.Std, st.prior.Mean, st.prior.Std, klWeight)
			if err != nil {
				return err
			}
			dMean.Add(dMean, g.QMean)
			dStd.Add(dStd, g.QStd)
			dContext = st.prior.Backward(g.PMean, g.PStd)

			zero, one := vae.StandardNormal(st.relStd.Dims())
			rg, err := vae.KLBackward(m.Rel.Value, st.relStd, zero, one, klWeight)
			if err != nil {
				return err
			}
			m.Rel.Grad.Add(m.Rel.Grad, rg.QMean)
			m.RelStd.Grad.Add(m.RelStd.Grad, nn.SoftplusBackward(m.RelStd.Value, rg.QStd))
		}

		if dEnc := st.enc.Backward(dMean, dStd); dEnc != nil {
			if dContext == nil {
				dContext = dEnc
			} else {
				dContext.Add(dContext, dEnc)
			}
		}

		if dPrev != nil {
			top := len(dPrev) - 1
			if dContext != nil {
				dPrev[top].Add(dPrev[top], dContext)
			}
			for l := range dh {
				nn.ScatterAddRows(dh[l], st.active, dPrev[l])
			}
		}
	}

	if m.rnn != nil {
		m.rnn.InitialBackward(dh)
	}
	return nil
}

// Context returns the top recurrent state [1 x H] after reading seq, nil for
// encoders without context. It only reads parameters and is safe for
// concurrent use.
func (m *Model) Context(seq []*temporal.Snapshot) (*mat.Dense, error) {
	if m.rnn == nil {
		return nil, nil
	}
	h := m.rnn.Initial(1)
	for _, s := range seq {
		if s.Empty() {
			continue
		}
		triples, err := localTriples(s)
		if err != nil {
			return nil, err
		}
		b := temporal.Merge([]*temporal.Graph{&s.Graph})
		enc, err := m.encoder.Encode(b, Context{Hidden: h[len(h)-1], Times: []int64{s.Time}})
		if err != nil {
			return nil, errors.Wrapf(err, "context at %d", s.Time)
		}
		pooled, _ := m.pool(enc.Mean, triples)
		h, _ = m.rnn.Step(pooled, h)
	}
	return h[len(h)-1], nil
}

func zeroRow(m *mat.Dense, i int) {
	row := m.RawRowView(i)
	for j := range row {
		row[j] = 0
	}
}
