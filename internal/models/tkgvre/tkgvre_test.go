package tkgvre

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/internal/config"
	"github.com/cnclabs/tkgvre/pkg/knowledge"
	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/nn/nntest"
	"github.com/cnclabs/tkgvre/pkg/temporal"
)

const (
	testEntities  = 6
	testRelations = 2
)

func testConfig() Config {
	return Config{
		ModelConfig: config.ModelConfig{
			Encoder:     "recurrent-vae",
			Score:       "distmult",
			EmbedSize:   4,
			HiddenSize:  4,
			NumBases:    2,
			Dropout:     0.2,
			SelfLoop:    true,
			Bias:        true,
			UseVAE:      true,
			Stochastic:  true,
			PriorHeads:  "per-entity",
			Pooling:     "max",
			Cell:        "gru",
			RNNLayers:   1,
			TrainSeqLen: 3,
			EdgeKeep:    0.5,
		},
		NumEntities:  testEntities,
		NumRelations: testRelations,
		NumNegatives: 3,
	}
}

func newTestModel(t *testing.T, cfg Config) *Model {
	t.Helper()
	m, err := New(cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	// non-zero biases and initial state so every gradient path is exercised
	rng := rand.New(rand.NewSource(8))
	for _, p := range m.Parameters() {
		if strings.HasSuffix(p.Name, ".bias") || strings.HasSuffix(p.Name, ".h0") {
			r, c := p.Value.Dims()
			p.Value.Copy(nntest.RandDense(rng, r, c, 0.3))
		}
	}
	return m
}

func snapshot(t int64, triples ...knowledge.Triple) *temporal.Snapshot {
	return temporal.NewSnapshot(t, triples, testRelations)
}

func fact(h, r, o int64) knowledge.Triple {
	return knowledge.Triple{Head: h, Relation: r, Tail: o}
}

func testSequences() [][]*temporal.Snapshot {
	s0 := snapshot(0, fact(0, 0, 1), fact(1, 1, 2), fact(3, 0, 2))
	s1 := snapshot(1, fact(2, 1, 3), fact(3, 0, 4))
	s2 := snapshot(2, fact(4, 1, 5), fact(5, 0, 0), fact(0, 1, 4))
	b1 := snapshot(1, fact(1, 0, 5), fact(5, 1, 2))
	b2 := snapshot(2, fact(2, 0, 3), fact(0, 0, 3))
	return [][]*temporal.Snapshot{
		{s0, s1, s2},
		{nil, b1, b2},
	}
}

func TestForwardBackwardMatchesFiniteDifferences(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"recurrent vae", func(*Config) {}},
		{"shared prior mean pooling", func(c *Config) {
			c.PriorHeads = "shared"
			c.Pooling = "mean"
		}},
		{"two layer rnn", func(c *Config) {
			c.Cell = "rnn"
			c.RNNLayers = 2
		}},
		{"complex", func(c *Config) { c.Score = "complex" }},
		{"deterministic context", func(c *Config) { c.UseVAE = false }},
		{"time decay", func(c *Config) {
			c.Encoder = "time-decay"
			c.EmbedSize, c.HiddenSize = 20, 4
		}},
		{"static", func(c *Config) { c.Encoder = "static" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			m := newTestModel(t, cfg)
			seqs := testSequences()
			const klWeight = 0.5

			loss := func() float64 {
				m.rng = rand.New(rand.NewSource(42))
				pass, err := m.Forward(seqs, true)
				require.NoError(t, err)
				return pass.Loss(1, klWeight)
			}

			params := m.Parameters()
			nn.ZeroGrads(params)
			m.rng = rand.New(rand.NewSource(42))
			pass, err := m.Forward(seqs, true)
			require.NoError(t, err)
			require.Equal(t, 3, pass.Steps())
			require.NoError(t, pass.Backward(1, klWeight))

			for _, p := range params {
				analytic := mat.DenseCopyOf(p.Grad)
				nntest.CheckGrad(t, p.Name, analytic, nntest.NumericGrad(p.Value, loss), 1e-4)
			}
		})
	}
}

func TestMissingMiddleSnapshotCarriesHidden(t *testing.T) {
	m := newTestModel(t, testConfig())
	seqs := testSequences()
	s0, s2 := seqs[0][0], seqs[0][2]

	m.rng = rand.New(rand.NewSource(1))
	gap, err := m.Forward([][]*temporal.Snapshot{{s0, nil, s2}}, false)
	require.NoError(t, err)
	m.rng = rand.New(rand.NewSource(1))
	direct, err := m.Forward([][]*temporal.Snapshot{{s0, s2}}, false)
	require.NoError(t, err)

	assert.Equal(t, 2, gap.Steps())
	assert.Equal(t, 2, direct.Steps())
	assert.InDelta(t, direct.Recon, gap.Recon, 1e-12)
	assert.InDelta(t, direct.KL, gap.KL, 1e-12)
	require.Len(t, gap.Hidden(), 1)
	assert.True(t, mat.EqualApprox(direct.Hidden()[0], gap.Hidden()[0], 1e-12))
}

func TestAbsentSequenceKeepsItsRow(t *testing.T) {
	m := newTestModel(t, testConfig())
	seqs := testSequences()

	both, err := m.Forward(seqs, false)
	require.NoError(t, err)
	alone, err := m.Forward([][]*temporal.Snapshot{{seqs[1][1], seqs[1][2]}}, false)
	require.NoError(t, err)

	// the second sequence starts at timestep 1 from the initial state
	assert.InDeltaSlice(t, alone.Hidden()[0].RawRowView(0), both.Hidden()[0].RawRowView(1), 1e-9)
}

func TestForwardSkipsEmptyTimesteps(t *testing.T) {
	m := newTestModel(t, testConfig())
	empty := snapshot(5)

	pass, err := m.Forward([][]*temporal.Snapshot{{nil, empty}, {nil}}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, pass.Steps())
	assert.Zero(t, pass.Recon)
	assert.Zero(t, pass.KL)

	initial := m.rnn.Initial(2)
	assert.True(t, mat.Equal(initial[0], pass.Hidden()[0]))

	nn.ZeroGrads(m.Parameters())
	require.NoError(t, pass.Backward(1, 1))
	assert.Zero(t, nn.GradNorm(m.Parameters()))
}

// brokenCorrupter drops the last label of every snapshot
type brokenCorrupter struct {
	temporal.UniformCorrupter
}

func (c brokenCorrupter) Sample(snaps []*temporal.Snapshot, rng *rand.Rand) ([]temporal.Samples, error) {
	out, err := c.UniformCorrupter.Sample(snaps, rng)
	for i := range out {
		out[i].Labels = out[i].Labels[:len(out[i].Labels)-1]
	}
	return out, err
}

func TestForwardRejectsInconsistentSamples(t *testing.T) {
	m := newTestModel(t, testConfig())
	m.SetCorrupter(brokenCorrupter{temporal.UniformCorrupter{NumNegatives: 3}})

	_, err := m.Forward(testSequences(), true)
	assert.ErrorIs(t, err, ErrSamples)
}

func TestNewRejectsOddComplex(t *testing.T) {
	cfg := testConfig()
	cfg.Score = "complex"
	cfg.EmbedSize = 5
	_, err := New(cfg, rand.New(rand.NewSource(1)))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Encoder = "transformer"
	_, err = New(cfg, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestContextMatchesForwardHidden(t *testing.T) {
	m := newTestModel(t, testConfig())
	seq := testSequences()[0]

	pass, err := m.Forward([][]*temporal.Snapshot{seq}, false)
	require.NoError(t, err)
	h, err := m.Context(seq)
	require.NoError(t, err)
	assert.InDeltaSlice(t, pass.Hidden()[0].RawRowView(0), h.RawRowView(0), 1e-9)

	static := testConfig()
	static.Encoder = "static"
	h, err = newTestModel(t, static).Context(seq)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestAllEntityEmbeddingsCoverEveryEntity(t *testing.T) {
	for _, encoder := range []string{"recurrent-vae", "time-decay", "static"} {
		t.Run(encoder, func(t *testing.T) {
			cfg := testConfig()
			cfg.Encoder = encoder
			m := newTestModel(t, cfg)
			s := testSequences()[0][1]

			h, err := m.Context(testSequences()[0][:1])
			require.NoError(t, err)
			emb, err := m.Encoder().AllEntityEmbeddings(s, h, 1)
			require.NoError(t, err)
			r, c := emb.Dims()
			assert.Equal(t, testEntities, r)
			assert.Equal(t, cfg.EmbedSize, c)

			again, err := m.Encoder().AllEntityEmbeddings(s, h, 1)
			require.NoError(t, err)
			assert.True(t, mat.Equal(emb, again))

			if encoder == "static" {
				return
			}
			// entity 0 is not in s and takes the isolated path
			isolated, err := m.Encoder().AllEntityEmbeddings(nil, h, 1)
			require.NoError(t, err)
			assert.Equal(t, isolated.RawRowView(0), emb.RawRowView(0))
		})
	}
}

func TestTimeDecayEmbedNonActive(t *testing.T) {
	cfg := testConfig()
	cfg.Encoder = "time-decay"
	cfg.EmbedSize, cfg.HiddenSize = 20, 20
	isolated := newTestModel(t, cfg)
	cfg.EmbedNonActive = true
	raw := newTestModel(t, cfg)
	s := testSequences()[0][1]

	td := raw.Encoder().(*TimeDecay)
	ids := make([]int64, testEntities)
	times := make([]int64, testEntities)
	for i := range ids {
		ids[i], times[i] = int64(i), 5
	}
	x, _ := td.features(ids, times)

	got, err := td.AllEntityEmbeddings(s, nil, 5)
	require.NoError(t, err)
	want, err := isolated.Encoder().AllEntityEmbeddings(s, nil, 5)
	require.NoError(t, err)
	for id := 0; id < testEntities; id++ {
		if _, active := s.Local(int64(id)); active {
			// snapshot entities are convolved either way
			assert.Equal(t, want.RawRowView(id), got.RawRowView(id), "entity %d", id)
		} else {
			assert.Equal(t, x.RawRowView(id), got.RawRowView(id), "entity %d", id)
		}
	}
}

func TestRank(t *testing.T) {
	row := []float64{0.1, 0.5, 0.3, 0.9, 0.3}
	raw, filtered := rank(row, 2, map[int64]struct{}{2: {}, 3: {}})
	assert.Equal(t, 3.5, raw)
	assert.Equal(t, 2.5, filtered)

	// the truth sits in the middle of the candidates it ties with
	raw, filtered = rank(row, 4, nil)
	assert.Equal(t, 3.5, raw)
	assert.Equal(t, 3.5, filtered)

	zeros := make([]float64, 5)
	raw, filtered = rank(zeros, 0, map[int64]struct{}{0: {}, 1: {}})
	assert.Equal(t, 3.0, raw)
	assert.Equal(t, 2.5, filtered)

	raw, _ = rank([]float64{0.2, 0.7, 0.4}, 1, nil)
	assert.Equal(t, 1.0, raw)
}

func TestNewMetrics(t *testing.T) {
	m := newMetrics([]float64{1, 2, 4, 10}, []int{1, 3, 10})
	assert.Equal(t, 4, m.Queries)
	assert.InDelta(t, (1+0.5+0.25+0.1)/4, m.MRR, 1e-12)
	assert.InDelta(t, 0.25, m.Hits[1], 1e-12)
	assert.InDelta(t, 0.5, m.Hits[3], 1e-12)
	assert.InDelta(t, 1.0, m.Hits[10], 1e-12)

	empty := newMetrics(nil, []int{1})
	assert.Zero(t, empty.MRR)

	// a half rank misses the cut it straddles
	tied := newMetrics([]float64{1.5}, []int{1, 3})
	assert.InDelta(t, 1/1.5, tied.MRR, 1e-12)
	assert.Zero(t, tied.Hits[1])
	assert.InDelta(t, 1.0, tied.Hits[3], 1e-12)
}

func writeQuads(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func loadTestKG(t *testing.T) *knowledge.TemporalKG {
	t.Helper()
	dir := t.TempDir()
	kg := knowledge.NewTemporalKG()
	require.NoError(t, kg.Load(
		writeQuads(t, dir, "train.txt",
			"alice\tmeets\tbob\t0",
			"bob\thelps\tcarol\t0",
			"carol\tmeets\tdave\t1",
			"dave\thelps\terin\t1",
			"erin\tmeets\tfrank\t2",
			"alice\thelps\tcarol\t2",
			"bob\tmeets\tdave\t3",
			"frank\thelps\talice\t3",
		),
		writeQuads(t, dir, "valid.txt",
			"alice\tmeets\tdave\t4",
			"carol\thelps\tbob\t4",
		),
		writeQuads(t, dir, "test.txt",
			"dave\tmeets\talice\t5",
			"erin\thelps\tbob\t5",
			"frank\tmeets\tcarol\t6",
		),
	))
	return kg
}

func newTestEvaluator(t *testing.T, kg *knowledge.TemporalKG, m *Model) (*Evaluator, *temporal.History) {
	t.Helper()
	h := temporal.NewHistory(kg.Train, knowledge.Times(kg.All()), kg.NumRelations, 3)
	return &Evaluator{
		Model:   m,
		History: h,
		Filter:  knowledge.NewFilterIndex(kg.All()),
		Hits:    []int{1, 3, 10},
		Workers: 2,
	}, h
}

func TestEvaluate(t *testing.T) {
	kg := loadTestKG(t)
	cfg := testConfig()
	cfg.NumEntities, cfg.NumRelations = int(kg.NumEntities), int(kg.NumRelations)
	m := newTestModel(t, cfg)
	e, _ := newTestEvaluator(t, kg, m)

	res, err := e.Evaluate(context.Background(), kg.Test)
	require.NoError(t, err)
	assert.Equal(t, 2*len(kg.Test), res.Raw.Queries)
	assert.Equal(t, res.Raw.Queries, res.Filtered.Queries)
	assert.Greater(t, res.Raw.MRR, 0.0)
	assert.GreaterOrEqual(t, res.Filtered.MRR, res.Raw.MRR)
	assert.LessOrEqual(t, res.Filtered.MRR, 1.0)
	assert.LessOrEqual(t, res.Raw.Hits[1], res.Raw.Hits[3])
	assert.LessOrEqual(t, res.Raw.Hits[3], res.Raw.Hits[10])
	// every entity is a candidate, so Hits@10 over 6 entities is 1
	assert.InDelta(t, 1.0, res.Raw.Hits[10], 1e-12)

	again, err := e.Evaluate(context.Background(), kg.Test)
	require.NoError(t, err)
	assert.Equal(t, res, again)

	var buf bytes.Buffer
	res.Print(&buf, "Test")
	assert.Contains(t, buf.String(), "Hits@3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Evaluate(ctx, kg.Test)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainerFit(t *testing.T) {
	kg := loadTestKG(t)
	cfg := testConfig()
	cfg.NumEntities, cfg.NumRelations = int(kg.NumEntities), int(kg.NumRelations)
	m := newTestModel(t, cfg)
	e, h := newTestEvaluator(t, kg, m)

	tr := NewTrainer(m, h, config.TrainConfig{
		Epochs:       3,
		BatchSize:    2,
		NumNegatives: 3,
		LearningRate: 0.01,
		GradClip:     1,
		KLWeight:     1,
		Seed:         1,
		Patience:     5,
	})
	tr.Validator, tr.Valid, tr.EvalEvery = e, kg.Valid, 1

	before := mat.DenseCopyOf(m.Ent.Value)
	best, err := tr.Fit(context.Background())
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, 2*len(kg.Valid), best.Filtered.Queries)
	assert.False(t, mat.Equal(before, m.Ent.Value))
	// two batches per epoch over four training times
	assert.Equal(t, 6, tr.opt.Steps())
}

func TestWriteEmbeddings(t *testing.T) {
	kg := loadTestKG(t)
	cfg := testConfig()
	cfg.NumEntities, cfg.NumRelations = int(kg.NumEntities), int(kg.NumRelations)
	m := newTestModel(t, cfg)

	var buf bytes.Buffer
	require.NoError(t, m.WriteEmbeddings(&buf, kg))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1+1+6+1+4)
	assert.Equal(t, "6 4 4", lines[0])
	assert.Equal(t, "# Entities", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "E\talice "))
	assert.Equal(t, "# Relations", lines[8])
	assert.True(t, strings.HasPrefix(lines[12], "R\thelps_inv "))
	assert.Len(t, strings.Fields(lines[2]), 2+4)
}

// shortWriter accepts limit bytes and fails every write after that
type shortWriter struct {
	limit, written int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.limit {
		return 0, io.ErrShortWrite
	}
	w.written += len(p)
	return len(p), nil
}

func TestWriteEmbeddingsReportsWriteErrors(t *testing.T) {
	kg := loadTestKG(t)
	cfg := testConfig()
	cfg.NumEntities, cfg.NumRelations = int(kg.NumEntities), int(kg.NumRelations)
	m := newTestModel(t, cfg)

	var buf bytes.Buffer
	require.NoError(t, m.WriteEmbeddings(&buf, kg))

	// fail on the header, inside the first entity row and inside the last
	// relation row
	for _, limit := range []int{0, 20, buf.Len() - 5} {
		err := m.WriteEmbeddings(&shortWriter{limit: limit}, kg)
		assert.ErrorIs(t, err, io.ErrShortWrite, "limit %d", limit)
	}
}
