package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/cnclabs/tkgvre/internal/config"
	"github.com/cnclabs/tkgvre/internal/models/tkgvre"
	"github.com/cnclabs/tkgvre/pkg/knowledge"
	"github.com/cnclabs/tkgvre/pkg/temporal"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train embeddings, evaluate on the test split and save them",
	Example: `  # Train on ICEWS14 with the default recurrent VAE
  tkgvre train --data-dir data/ICEWS14 --output icews14.emb

  # Train a deterministic time-decay encoder with complex scoring
  tkgvre train --config tkgvre.yaml --encoder time-decay --score complex

  # Override any setting through the environment
  TKGVRE_TRAIN_LEARNING_RATE=0.0005 tkgvre train -v 1`,
	RunE: runTrain,
}

// runRecord is written next to the embeddings after a run
type runRecord struct {
	RunID    string         `yaml:"run_id"`
	Started  time.Time      `yaml:"started"`
	Finished time.Time      `yaml:"finished"`
	Config   *config.Config `yaml:"config"`
	Valid    *tkgvre.Result `yaml:"valid,omitempty"`
	Test     *tkgvre.Result `yaml:"test,omitempty"`
}

func loadGraph(cfg *config.Config) (*knowledge.TemporalKG, error) {
	fmt.Println("Loading Temporal Knowledge Graph:")
	fmt.Printf("\tTrain: %s\n", cfg.Path(cfg.Data.Train))
	fmt.Printf("\tValid: %s\n", cfg.Path(cfg.Data.Valid))
	fmt.Printf("\tTest: %s\n", cfg.Path(cfg.Data.Test))
	fmt.Println()

	kg := knowledge.NewTemporalKG()
	if err := kg.Load(cfg.Path(cfg.Data.Train), cfg.Path(cfg.Data.Valid), cfg.Path(cfg.Data.Test)); err != nil {
		return nil, errors.Wrap(err, "loading quadruples")
	}
	return kg, nil
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	record := &runRecord{RunID: uuid.NewString(), Started: time.Now(), Config: cfg}
	klog.Infof("run %s", record.RunID)

	fmt.Println("===================================================")
	fmt.Println("TKG-VRE - Recurrent Temporal KG Embeddings")
	fmt.Println("===================================================")
	fmt.Println()

	kg, err := loadGraph(cfg)
	if err != nil {
		return err
	}
	kg.PrintStatistics(os.Stdout)
	fmt.Println()

	rng := rand.New(rand.NewSource(cfg.Train.Seed))
	model, err := tkgvre.New(tkgvre.Config{
		ModelConfig:  cfg.Model,
		NumEntities:  int(kg.NumEntities),
		NumRelations: int(kg.NumRelations),
		NumNegatives: cfg.Train.NumNegatives,
	}, rng)
	if err != nil {
		return err
	}
	model.PrintSetting()

	history := temporal.NewHistory(kg.Train, knowledge.Times(kg.All()), kg.NumRelations, cfg.Model.TrainSeqLen)
	evaluator := &tkgvre.Evaluator{
		Model:   model,
		History: history,
		Filter:  knowledge.NewFilterIndex(kg.All()),
		Hits:    cfg.Eval.Hits,
		Workers: cfg.Eval.Workers,
	}
	trainer := tkgvre.NewTrainer(model, history, cfg.Train)
	if len(kg.Valid) > 0 {
		trainer.Validator, trainer.Valid, trainer.EvalEvery = evaluator, kg.Valid, cfg.Eval.Every
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if record.Valid, err = trainer.Fit(ctx); err != nil {
		return err
	}

	if len(kg.Test) > 0 {
		fmt.Println()
		if record.Test, err = evaluator.Evaluate(ctx, kg.Test); err != nil {
			return err
		}
		record.Test.Print(os.Stdout, "Test")
	}

	fmt.Println()
	output := cfg.Path(cfg.Data.Output)
	if err := model.SaveEmbeddings(kg, output); err != nil {
		return err
	}
	record.Finished = time.Now()
	if err := writeRecord(output+".run.yaml", record); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("===================================================")
	fmt.Println("Training Complete!")
	fmt.Println("===================================================")
	return nil
}

func writeRecord(path string, record *runRecord) error {
	data, err := yaml.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "encoding run record")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing run record %s", path)
	}
	klog.Infof("run record written to %s", path)
	return nil
}

// interrupted reports whether err comes from a cancelled run
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
