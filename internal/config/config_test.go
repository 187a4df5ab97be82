package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/tkgvre/internal/config"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := config.LoadFrom(viper.New())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "recurrent-vae", cfg.Model.Encoder)
	assert.Equal(t, "per-entity", cfg.Model.PriorHeads)
	assert.Equal(t, []int{1, 3, 10}, cfg.Eval.Hits)
	assert.Equal(t, filepath.Join(".", "train.txt"), cfg.Path(cfg.Data.Train))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tkgvre.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data:
  dir: /data/icews14
model:
  encoder: time-decay
  embed_size: 8
  hidden_size: 8
  num_bases: 4
train:
  epochs: 3
`), 0o644))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "time-decay", cfg.Model.Encoder)
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, "/data/icews14/test.txt", cfg.Path(cfg.Data.Test))
	assert.Equal(t, "/abs/x.txt", cfg.Path("/abs/x.txt"))
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"encoder", func(c *config.Config) { c.Model.Encoder = "transformer" }},
		{"score", func(c *config.Config) { c.Model.Score = "transe" }},
		{"bases", func(c *config.Config) { c.Model.NumBases = 7 }},
		{"odd complex", func(c *config.Config) {
			c.Model.Score = "complex"
			c.Model.EmbedSize, c.Model.HiddenSize, c.Model.NumBases = 5, 5, 5
		}},
		{"dropout", func(c *config.Config) { c.Model.Dropout = 1 }},
		{"prior heads", func(c *config.Config) { c.Model.PriorHeads = "tied" }},
		{"pooling", func(c *config.Config) { c.Model.Pooling = "sum" }},
		{"cell", func(c *config.Config) { c.Model.Cell = "lstm" }},
		{"seq len", func(c *config.Config) { c.Model.TrainSeqLen = 0 }},
		{"edge keep", func(c *config.Config) { c.Model.EdgeKeep = 0 }},
		{"negatives", func(c *config.Config) { c.Train.NumNegatives = 0 }},
		{"learning rate", func(c *config.Config) { c.Train.LearningRate = 0 }},
		{"workers", func(c *config.Config) { c.Eval.Workers = 0 }},
		{"hits", func(c *config.Config) { c.Eval.Hits = []int{0} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.LoadFrom(viper.New())
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
