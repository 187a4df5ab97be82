// Package rnn implements recurrent cells over batches of row vectors with
// backward passes for back-propagation through time.
package rnn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn"
)

// CellBackward maps the gradient of a new hidden state to the gradients of
// the input and of the previous hidden state
type CellBackward func(dh *mat.Dense) (dx, dhPrev *mat.Dense)

// Cell advances a batch of hidden states by one step
type Cell interface {
	nn.Parameterizer
	InputDim() int
	HiddenDim() int
	// Step takes x [batch x InputDim] and h [batch x HiddenDim]
	Step(x, h *mat.Dense) (*mat.Dense, CellBackward)
}

// Vanilla is a simple RNN cell
// h_new = tanh(Wh * h_old + Wx * x + b)
type Vanilla struct {
	input  *nn.Linear // Wx and b
	hidden *nn.Param  // Wh [hiddenDim x hiddenDim]
}

// NewVanilla creates a new RNN cell
func NewVanilla(name string, inputDim, hiddenDim int, rng *rand.Rand) *Vanilla {
	v := &Vanilla{
		input:  nn.NewLinear(name+".input", inputDim, hiddenDim, rng),
		hidden: nn.NewParam(name+".hidden", hiddenDim, hiddenDim),
	}
	// Initialize weight matrices with small random values
	scale := 1.0 / math.Sqrt(float64(hiddenDim))
	uniform(v.input.W, scale, rng)
	uniform(v.hidden, scale, rng)
	return v
}

// InputDim returns the input size
func (v *Vanilla) InputDim() int { return v.input.W.Value.RawMatrix().Rows }

// HiddenDim returns the hidden size
func (v *Vanilla) HiddenDim() int { return v.hidden.Value.RawMatrix().Rows }

// Parameters implements nn.Parameterizer
func (v *Vanilla) Parameters() []*nn.Param {
	return append(v.input.Parameters(), v.hidden)
}

// Step performs a forward pass through the RNN cell
func (v *Vanilla) Step(x, h *mat.Dense) (*mat.Dense, CellBackward) {
	out := v.input.Forward(x)
	var hw mat.Dense
	hw.Mul(h, v.hidden.Value)
	out.Add(out, &hw)
	out.Apply(func(_, _ int, s float64) float64 { return math.Tanh(s) }, out)

	backward := func(dh *mat.Dense) (*mat.Dense, *mat.Dense) {
		// Gradient of tanh: 1 - tanh^2(x)
		grad := mat.DenseCopyOf(dh)
		grad.Apply(func(i, j int, g float64) float64 {
			y := out.At(i, j)
			return g * (1 - y*y)
		}, grad)

		dx := v.input.Backward(x, grad)
		var dW, dhPrev mat.Dense
		dW.Mul(h.T(), grad)
		v.hidden.Grad.Add(v.hidden.Grad, &dW)
		dhPrev.Mul(grad, v.hidden.Value.T())
		return dx, &dhPrev
	}
	return out, backward
}

// uniform fills p with samples from U(-scale, scale)
func uniform(p *nn.Param, scale float64, rng *rand.Rand) {
	p.Value.Apply(func(_, _ int, _ float64) float64 {
		return (rng.Float64()*2 - 1) * scale
	}, p.Value)
}
