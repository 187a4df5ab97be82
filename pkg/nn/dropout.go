package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dropout zeroes elements with probability P during training and rescales
// the survivors by 1/(1-P)
type Dropout struct {
	P float64
}

// Active reports whether the dropout changes its input when training
func (d Dropout) Active(train bool) bool {
	return train && d.P > 0
}

// Forward applies dropout to x in place and returns the mask that was used,
// or nil when dropout is inactive
func (d Dropout) Forward(x *mat.Dense, train bool, rng *rand.Rand) *mat.Dense {
	if !d.Active(train) {
		return nil
	}
	r, c := x.Dims()
	mask := mat.NewDense(r, c, nil)
	keep := 1 - d.P
	mask.Apply(func(_, _ int, _ float64) float64 {
		if rng.Float64() < keep {
			return 1 / keep
		}
		return 0
	}, mask)
	x.MulElem(x, mask)
	return mask
}

// Backward applies the mask returned by Forward to grad in place
func (d Dropout) Backward(mask, grad *mat.Dense) {
	if mask == nil {
		return
	}
	grad.MulElem(grad, mask)
}
