package config

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TKGVRE_TRAIN_EPOCHS
const EnvPrefix = "TKGVRE"

// Config holds all configuration for a run
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Dataset locations
	Data DataConfig `mapstructure:"data" yaml:"data"`

	// Model architecture
	Model ModelConfig `mapstructure:"model" yaml:"model"`

	// Optimisation
	Train TrainConfig `mapstructure:"train" yaml:"train"`

	// Evaluation
	Eval EvalConfig `mapstructure:"eval" yaml:"eval"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Verbosity int `mapstructure:"verbosity" yaml:"verbosity"`
}

// DataConfig holds the dataset files; relative paths resolve against Dir
type DataConfig struct {
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Train  string `mapstructure:"train" yaml:"train"`
	Valid  string `mapstructure:"valid" yaml:"valid"`
	Test   string `mapstructure:"test" yaml:"test"`
	Output string `mapstructure:"output" yaml:"output"`
}

// ModelConfig holds the encoder and decoder settings
type ModelConfig struct {
	Encoder     string  `mapstructure:"encoder" yaml:"encoder"` // recurrent-vae, time-decay, static
	Score       string  `mapstructure:"score" yaml:"score"`     // distmult, complex
	EmbedSize   int     `mapstructure:"embed_size" yaml:"embed_size"`
	HiddenSize  int     `mapstructure:"hidden_size" yaml:"hidden_size"`
	NumBases    int     `mapstructure:"num_bases" yaml:"num_bases"`
	Dropout     float64 `mapstructure:"dropout" yaml:"dropout"`
	SelfLoop    bool    `mapstructure:"self_loop" yaml:"self_loop"`
	Bias        bool    `mapstructure:"bias" yaml:"bias"`
	UseVAE      bool    `mapstructure:"use_vae" yaml:"use_vae"`
	Stochastic  bool    `mapstructure:"stochastic" yaml:"stochastic"`
	PriorHeads  string  `mapstructure:"prior_heads" yaml:"prior_heads"` // per-entity, shared
	Pooling     string  `mapstructure:"pooling" yaml:"pooling"`         // max, mean
	Cell        string  `mapstructure:"cell" yaml:"cell"`               // gru, rnn
	RNNLayers   int     `mapstructure:"rnn_layers" yaml:"rnn_layers"`
	TrainSeqLen int     `mapstructure:"train_seq_len" yaml:"train_seq_len"`
	EdgeKeep    float64 `mapstructure:"edge_keep" yaml:"edge_keep"`

	// EmbedNonActive gives time-decay entities outside the snapshot their
	// input features instead of the isolated convolution
	EmbedNonActive bool `mapstructure:"embed_non_active" yaml:"embed_non_active"`
}

// TrainConfig holds optimisation settings
type TrainConfig struct {
	Epochs       int     `mapstructure:"epochs" yaml:"epochs"`
	BatchSize    int     `mapstructure:"batch_size" yaml:"batch_size"`
	NumNegatives int     `mapstructure:"num_negatives" yaml:"num_negatives"`
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	WeightDecay  float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
	GradClip     float64 `mapstructure:"grad_clip" yaml:"grad_clip"`
	KLWeight     float64 `mapstructure:"kl_weight" yaml:"kl_weight"`
	Seed         int64   `mapstructure:"seed" yaml:"seed"`
	Patience     int     `mapstructure:"patience" yaml:"patience"`
}

// EvalConfig holds evaluation settings
type EvalConfig struct {
	Every   int   `mapstructure:"every" yaml:"every"`
	Workers int   `mapstructure:"workers" yaml:"workers"`
	Hits    []int `mapstructure:"hits" yaml:"hits"`
}

// Load decodes the global viper instance
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom fills defaults into v and decodes it
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "unable to decode config")
	}
	return config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.verbosity", 0)

	// Data defaults
	v.SetDefault("data.dir", ".")
	v.SetDefault("data.train", "train.txt")
	v.SetDefault("data.valid", "valid.txt")
	v.SetDefault("data.test", "test.txt")
	v.SetDefault("data.output", "tkgvre.embeddings.txt")

	// Model defaults
	v.SetDefault("model.encoder", "recurrent-vae")
	v.SetDefault("model.score", "distmult")
	v.SetDefault("model.embed_size", 200)
	v.SetDefault("model.hidden_size", 200)
	v.SetDefault("model.num_bases", 100)
	v.SetDefault("model.dropout", 0.5)
	v.SetDefault("model.self_loop", true)
	v.SetDefault("model.bias", false)
	v.SetDefault("model.use_vae", true)
	v.SetDefault("model.stochastic", true)
	v.SetDefault("model.prior_heads", "per-entity")
	v.SetDefault("model.pooling", "max")
	v.SetDefault("model.cell", "gru")
	v.SetDefault("model.rnn_layers", 1)
	v.SetDefault("model.train_seq_len", 8)
	v.SetDefault("model.edge_keep", 0.5)
	v.SetDefault("model.embed_non_active", false)

	// Train defaults
	v.SetDefault("train.epochs", 100)
	v.SetDefault("train.batch_size", 16)
	v.SetDefault("train.num_negatives", 100)
	v.SetDefault("train.learning_rate", 0.001)
	v.SetDefault("train.weight_decay", 0.0)
	v.SetDefault("train.grad_clip", 1.0)
	v.SetDefault("train.kl_weight", 1.0)
	v.SetDefault("train.seed", 1)
	v.SetDefault("train.patience", 5)

	// Eval defaults
	v.SetDefault("eval.every", 5)
	v.SetDefault("eval.workers", 4)
	v.SetDefault("eval.hits", []int{1, 3, 10})
}

// Path resolves a data file against the data directory
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Data.Dir, name)
}

// Validate checks the configuration before any model is built
func (c *Config) Validate() error {
	m := c.Model
	switch m.Encoder {
	case "recurrent-vae", "time-decay", "static":
	default:
		return errors.Errorf("model.encoder: unknown encoder %q", m.Encoder)
	}
	switch m.Score {
	case "distmult", "complex":
	default:
		return errors.Errorf("model.score: unknown scoring function %q", m.Score)
	}
	if m.EmbedSize <= 0 || m.HiddenSize <= 0 {
		return errors.Errorf("model: embed_size and hidden_size must be positive, got %d and %d", m.EmbedSize, m.HiddenSize)
	}
	if m.NumBases <= 0 {
		return errors.Errorf("model.num_bases must be positive, got %d", m.NumBases)
	}
	in := m.EmbedSize
	if m.Encoder == "recurrent-vae" {
		in += m.HiddenSize
	}
	for _, size := range []int{in, m.HiddenSize, m.EmbedSize} {
		if size%m.NumBases != 0 {
			return errors.Errorf("model.num_bases %d does not divide layer size %d", m.NumBases, size)
		}
	}
	if m.Score == "complex" && m.EmbedSize%2 != 0 {
		return errors.Errorf("model.embed_size must be even for complex scoring, got %d", m.EmbedSize)
	}
	if m.Dropout < 0 || m.Dropout >= 1 {
		return errors.Errorf("model.dropout must be in [0, 1), got %g", m.Dropout)
	}
	switch m.PriorHeads {
	case "per-entity", "shared":
	default:
		return errors.Errorf("model.prior_heads: unknown value %q", m.PriorHeads)
	}
	switch m.Pooling {
	case "max", "mean":
	default:
		return errors.Errorf("model.pooling: unknown value %q", m.Pooling)
	}
	switch m.Cell {
	case "gru", "rnn":
	default:
		return errors.Errorf("model.cell: unknown value %q", m.Cell)
	}
	if m.RNNLayers < 1 || m.TrainSeqLen < 1 {
		return errors.Errorf("model: rnn_layers and train_seq_len must be positive")
	}
	if m.EdgeKeep <= 0 || m.EdgeKeep > 1 {
		return errors.Errorf("model.edge_keep must be in (0, 1], got %g", m.EdgeKeep)
	}

	t := c.Train
	if t.Epochs < 0 || t.BatchSize < 1 || t.NumNegatives < 1 {
		return errors.Errorf("train: epochs, batch_size and num_negatives must be positive")
	}
	if t.LearningRate <= 0 {
		return errors.Errorf("train.learning_rate must be positive, got %g", t.LearningRate)
	}
	if c.Eval.Workers < 1 {
		return errors.Errorf("eval.workers must be positive, got %d", c.Eval.Workers)
	}
	for _, k := range c.Eval.Hits {
		if k < 1 {
			return errors.Errorf("eval.hits must be positive, got %d", k)
		}
	}
	return nil
}
