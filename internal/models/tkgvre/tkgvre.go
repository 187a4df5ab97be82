package tkgvre

import (
	"fmt"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/cnclabs/tkgvre/internal/config"
	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/rnn"
	"github.com/cnclabs/tkgvre/pkg/scores"
	"github.com/cnclabs/tkgvre/pkg/temporal"
)

// Config is the model configuration together with the dataset sizes
type Config struct {
	config.ModelConfig
	NumEntities  int
	NumRelations int
	NumNegatives int
}

// Model implements recurrent variational temporal knowledge graph embeddings.
// It owns the entity and relation tables; only the optimizer mutates them.
type Model struct {
	cfg Config

	// Embeddings
	Ent    *nn.Param // [numEntities x embed]
	Rel    *nn.Param // [2*numRelations x embed], inverse relations last
	RelStd *nn.Param // raw std of the relation posterior, nil without VAE

	encoder   Encoder
	rnn       *rnn.Stack
	scorer    scores.Scorer
	corrupter temporal.Corrupter
	rng       *rand.Rand
}

// New creates a model from cfg
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if cfg.NumEntities <= 0 || cfg.NumRelations <= 0 {
		return nil, errors.Errorf("model needs entities and relations, got %d and %d", cfg.NumEntities, cfg.NumRelations)
	}
	scorer, err := scores.ByName(cfg.Score)
	if err != nil {
		return nil, err
	}
	if cfg.Score == "complex" && cfg.EmbedSize%2 != 0 {
		return nil, errors.Wrapf(scores.ErrOddDimension, "embed size %d", cfg.EmbedSize)
	}

	m := &Model{
		cfg:       cfg,
		Ent:       nn.NewParam("ent_embeds", cfg.NumEntities, cfg.EmbedSize),
		Rel:       nn.NewParam("rel_embeds", 2*cfg.NumRelations, cfg.EmbedSize),
		scorer:    scorer,
		corrupter: temporal.UniformCorrupter{NumNegatives: cfg.NumNegatives},
		rng:       rng,
	}
	nn.XavierUniform(m.Ent, nn.ReLUGain, rng)
	nn.XavierUniform(m.Rel, nn.ReLUGain, rng)

	if m.encoder, err = NewEncoder(cfg, m.Ent, rng); err != nil {
		return nil, errors.Wrapf(err, "building %s encoder", cfg.Encoder)
	}
	if m.Variational() {
		m.RelStd = nn.NewParam("rel_enc_stds", 2*cfg.NumRelations, cfg.EmbedSize)
		nn.XavierUniform(m.RelStd, nn.ReLUGain, rng)
	}
	if h := m.encoder.ContextSize(); h > 0 {
		m.rnn, err = rnn.NewStack("rnn", cfg.Cell, 3*cfg.EmbedSize, h, cfg.RNNLayers, rng)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Encoder returns the encoder strategy in use
func (m *Model) Encoder() Encoder { return m.encoder }

// Variational reports whether KL terms are part of the objective
func (m *Model) Variational() bool {
	pe, ok := m.encoder.(PriorEncoder)
	return ok && pe.Variational()
}

// Recurrent reports whether the model carries a recurrent state
func (m *Model) Recurrent() bool { return m.rnn != nil }

// SetCorrupter replaces the negative sampler
func (m *Model) SetCorrupter(c temporal.Corrupter) { m.corrupter = c }

// Parameters implements nn.Parameterizer
func (m *Model) Parameters() []*nn.Param {
	params := []*nn.Param{m.Ent, m.Rel}
	if m.RelStd != nil {
		params = append(params, m.RelStd)
	}
	params = append(params, m.encoder.Parameters()...)
	if m.rnn != nil {
		params = append(params, m.rnn.Parameters()...)
	}
	return params
}

// PrintSetting prints the model configuration
func (m *Model) PrintSetting() {
	fmt.Println("Model Setting:")
	fmt.Printf("\tencoder:\t\t%s\n", m.encoder.Name())
	fmt.Printf("\tscore:\t\t\t%s\n", m.scorer.Name())
	fmt.Printf("\tembed size:\t\t%d\n", m.cfg.EmbedSize)
	fmt.Printf("\thidden size:\t\t%d\n", m.cfg.HiddenSize)
	fmt.Printf("\tbases:\t\t\t%d\n", m.cfg.NumBases)
	fmt.Printf("\tdropout:\t\t%.2f\n", m.cfg.Dropout)
	if m.Recurrent() {
		fmt.Printf("\trecurrent cell:\t\t%s x %d\n", m.cfg.Cell, m.cfg.RNNLayers)
		fmt.Printf("\tsequence length:\t%d\n", m.cfg.TrainSeqLen)
		fmt.Printf("\tpooling:\t\t%s\n", m.cfg.Pooling)
	}
	if m.Variational() {
		fmt.Printf("\tprior heads:\t\t%s\n", m.cfg.PriorHeads)
	}
	fmt.Printf("\tentities:\t\t%s\n", humanize.Comma(int64(m.cfg.NumEntities)))
	fmt.Printf("\trelations:\t\t%s (+ inverses)\n", humanize.Comma(int64(m.cfg.NumRelations)))
	fmt.Printf("\tparameters:\t\t%s\n", humanize.Comma(int64(nn.CountParams(m.Parameters()))))
	fmt.Println()
}
