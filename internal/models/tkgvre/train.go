package tkgvre

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/cnclabs/tkgvre/internal/config"
	"github.com/cnclabs/tkgvre/pkg/knowledge"
	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/temporal"
)

// ErrNonFinite is returned when a step produces a NaN or infinite loss or
// gradient; the step's update is not applied
var ErrNonFinite = errors.New("non-finite loss or gradient")

// Trainer owns the optimizer and drives training of a Model over the
// snapshot sequences of a History
type Trainer struct {
	Model   *Model
	History *temporal.History
	Config  config.TrainConfig

	// Validator and Valid enable model selection on validation MRR every
	// EvalEvery epochs
	Validator *Evaluator
	Valid     []knowledge.Quadruple
	EvalEvery int

	opt *nn.Adam
	rng *rand.Rand
}

// NewTrainer creates a trainer with an Adam optimizer configured from cfg
func NewTrainer(m *Model, h *temporal.History, cfg config.TrainConfig) *Trainer {
	opt := nn.NewAdam(cfg.LearningRate)
	opt.WeightDecay = cfg.WeightDecay
	return &Trainer{
		Model:   m,
		History: h,
		Config:  cfg,
		opt:     opt,
		rng:     rand.New(rand.NewSource(cfg.Seed + 1)),
	}
}

// Step runs one optimization step on the sequences ending at targets
func (tr *Trainer) Step(targets []int64) (*Pass, error) {
	params := tr.Model.Parameters()
	nn.ZeroGrads(params)

	pass, err := tr.Model.Forward(tr.History.Sequences(targets), true)
	if err != nil {
		return nil, err
	}
	loss := pass.Loss(1, tr.Config.KLWeight)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, errors.Wrapf(ErrNonFinite, "loss %v", loss)
	}
	if err := pass.Backward(1, tr.Config.KLWeight); err != nil {
		return nil, err
	}
	norm := nn.ClipGradNorm(params, tr.Config.GradClip)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, errors.Wrapf(ErrNonFinite, "gradient norm %v", norm)
	}
	tr.opt.Step(params)
	return pass, nil
}

// Epoch makes one pass over the observed training times in shuffled batches
// and returns the mean loss per batch
func (tr *Trainer) Epoch(ctx context.Context, bar *progressbar.ProgressBar) (float64, error) {
	times := tr.History.ObservedTimes()
	tr.rng.Shuffle(len(times), func(i, j int) { times[i], times[j] = times[j], times[i] })

	total, batches := 0.0, 0
	for start := 0; start < len(times); start += tr.Config.BatchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := start + tr.Config.BatchSize
		if end > len(times) {
			end = len(times)
		}
		pass, err := tr.Step(times[start:end])
		if err != nil {
			return 0, errors.Wrapf(err, "batch at step %d", tr.opt.Steps()+1)
		}
		total += pass.Loss(1, tr.Config.KLWeight)
		batches++
		klog.V(2).Infof("step %d: recon %.4f kl %.4f", tr.opt.Steps(), pass.Recon, pass.KL)
		if bar != nil {
			_ = bar.Add(end - start)
		}
	}
	if batches == 0 {
		return 0, nil
	}
	return total / float64(batches), nil
}

// Fit trains for the configured number of epochs. With a validator it keeps
// the parameters of the best validation MRR and stops after Patience
// validations without improvement. It returns the best validation result,
// nil without a validator.
func (tr *Trainer) Fit(ctx context.Context) (*Result, error) {
	fmt.Println("Learning Parameters:")
	fmt.Printf("\tepochs:\t\t\t%d\n", tr.Config.Epochs)
	fmt.Printf("\tbatch_size:\t\t%d\n", tr.Config.BatchSize)
	fmt.Printf("\tnegative_samples:\t%d\n", tr.Config.NumNegatives)
	fmt.Printf("\tlearning_rate:\t\t%.6f\n", tr.Config.LearningRate)
	fmt.Printf("\tkl_weight:\t\t%.4f\n", tr.Config.KLWeight)
	fmt.Printf("\tgrad_clip:\t\t%.2f\n", tr.Config.GradClip)
	fmt.Println()

	fmt.Println("Start Training:")
	params := tr.Model.Parameters()
	var best *Result
	var bestValues []*mat.Dense
	stale := 0
	times := len(tr.History.ObservedTimes())

	for epoch := 0; epoch < tr.Config.Epochs; epoch++ {
		bar := progressbar.NewOptions(times,
			progressbar.OptionSetDescription(fmt.Sprintf("\tEpoch %d/%d", epoch+1, tr.Config.Epochs)),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
		loss, err := tr.Epoch(ctx, bar)
		_ = bar.Finish()
		fmt.Println()
		if err != nil {
			return best, errors.Wrapf(err, "epoch %d", epoch+1)
		}
		fmt.Printf("\tEpoch %d completed - Avg Loss: %.4f\n", epoch+1, loss)
		klog.V(1).Infof("epoch %d: loss %.4f after %d steps", epoch+1, loss, tr.opt.Steps())

		if tr.Validator == nil || tr.EvalEvery <= 0 || (epoch+1)%tr.EvalEvery != 0 {
			continue
		}
		res, err := tr.Validator.Evaluate(ctx, tr.Valid)
		if err != nil {
			return best, errors.Wrapf(err, "validation after epoch %d", epoch+1)
		}
		fmt.Printf("\tValidation filtered MRR: %.4f\n", res.Filtered.MRR)
		if best == nil || res.Filtered.MRR > best.Filtered.MRR {
			best, bestValues, stale = res, nn.Snapshot(params), 0
			continue
		}
		stale++
		if tr.Config.Patience > 0 && stale >= tr.Config.Patience {
			klog.Infof("early stop after epoch %d: no improvement in %d validations", epoch+1, stale)
			break
		}
	}

	if bestValues != nil {
		nn.Restore(params, bestValues)
		klog.Infof("restored parameters with validation MRR %.4f", best.Filtered.MRR)
	}
	fmt.Println("\nTraining Complete!")
	return best, nil
}
