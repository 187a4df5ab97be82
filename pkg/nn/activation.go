package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Activation is an elementwise non-linearity applied after a layer
type Activation int

const (
	// Identity leaves its input unchanged
	Identity Activation = iota
	// ReLU is max(0, x)
	ReLU
)

// String returns the activation name
func (a Activation) String() string {
	switch a {
	case ReLU:
		return "relu"
	default:
		return "identity"
	}
}

// Apply computes the activation of x in place
func (a Activation) Apply(x *mat.Dense) {
	if a != ReLU {
		return
	}
	x.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	}, x)
}

// Backward masks grad in place using the activation output
func (a Activation) Backward(out, grad *mat.Dense) {
	if a != ReLU {
		return
	}
	grad.Apply(func(i, j int, g float64) float64 {
		if out.At(i, j) > 0 {
			return g
		}
		return 0
	}, grad)
}

// Sigmoid returns 1 / (1 + exp(-x))
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Softplus returns log(1 + exp(x)) without overflow
func Softplus(x float64) float64 {
	return math.Log1p(math.Exp(-math.Abs(x))) + math.Max(x, 0)
}

// SoftplusDense returns softplus applied to every element of x
func SoftplusDense(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return Softplus(v) }, x)
	return out
}

// SoftplusBackward returns grad * sigmoid(x), the gradient through softplus
func SoftplusBackward(x, grad *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 { return grad.At(i, j) * Sigmoid(v) }, x)
	return out
}
