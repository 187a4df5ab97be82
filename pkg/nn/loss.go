package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrLabels is returned when labels do not match the score matrix
var ErrLabels = errors.New("labels do not match scores")

// SoftmaxCrossEntropy returns the mean over rows of -log softmax(scores[i])[labels[i]]
// together with its gradient with respect to scores
func SoftmaxCrossEntropy(scores *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	rows, cols := scores.Dims()
	if len(labels) != rows {
		return 0, nil, errors.Wrapf(ErrLabels, "%d labels for %d rows", len(labels), rows)
	}
	grad := mat.NewDense(rows, cols, nil)
	loss := 0.0
	inv := 1 / float64(rows)
	for i := 0; i < rows; i++ {
		label := labels[i]
		if label < 0 || label >= cols {
			return 0, nil, errors.Wrapf(ErrLabels, "label %d out of range [0, %d)", label, cols)
		}
		row := scores.RawRowView(i)
		g := grad.RawRowView(i)

		// log-sum-exp with the max subtracted for stability
		maxScore := floats.Max(row)
		sum := 0.0
		for j, s := range row {
			g[j] = math.Exp(s - maxScore)
			sum += g[j]
		}
		logZ := maxScore + math.Log(sum)
		loss += logZ - row[label]

		floats.Scale(inv/sum, g)
		g[label] -= inv
	}
	return loss * inv, grad, nil
}
