package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear is an affine layer y = x*W + b
type Linear struct {
	W *Param // [in x out]
	B *Param // [1 x out]
}

// NewLinear creates a linear layer with xavier-initialized weights and zero bias
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		W: NewParam(name+".weight", in, out),
		B: NewParam(name+".bias", 1, out),
	}
	XavierUniform(l.W, 1, rng)
	return l
}

// Forward computes x*W + b for a batch of row vectors
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Mul(x, l.W.Value)
	AddRowVector(&y, l.B.Value)
	return &y
}

// Backward accumulates the parameter gradients for dy and returns dL/dx
func (l *Linear) Backward(x, dy *mat.Dense) *mat.Dense {
	var dW mat.Dense
	dW.Mul(x.T(), dy)
	l.W.Grad.Add(l.W.Grad, &dW)
	l.B.Grad.Add(l.B.Grad, SumRows(dy))

	var dx mat.Dense
	dx.Mul(dy, l.W.Value.T())
	return &dx
}

// Parameters returns the weight and the bias
func (l *Linear) Parameters() []*Param {
	return []*Param{l.W, l.B}
}
