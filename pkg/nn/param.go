package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a learnable tensor together with its accumulated gradient
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParam creates a zero-valued parameter of the given shape
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// Size returns the number of scalars held by the parameter
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// ZeroGrad clears the accumulated gradient
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Parameterizer is anything with learnable parameters.
//
// Parameters must be returned in the same order on every call.
type Parameterizer interface {
	Parameters() []*Param
}

// ZeroGrads clears the gradients of all params
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountParams returns the total number of scalars in params
func CountParams(params []*Param) int {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	return total
}

// GradNorm returns the global L2 norm of all gradients
func GradNorm(params []*Param) float64 {
	sum := 0.0
	for _, p := range params {
		raw := p.Grad.RawMatrix()
		for i := 0; i < raw.Rows; i++ {
			row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
			sum += floats.Dot(row, row)
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales all gradients so that their global norm is at most
// maxNorm. It returns the norm before clipping.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range params {
		p.Grad.Scale(scale, p.Grad)
	}
	return norm
}

// Snapshot copies the current values of params
func Snapshot(params []*Param) []*mat.Dense {
	values := make([]*mat.Dense, len(params))
	for i, p := range params {
		values[i] = mat.DenseCopyOf(p.Value)
	}
	return values
}

// Restore writes values previously taken with Snapshot back into params
func Restore(params []*Param, values []*mat.Dense) {
	for i, p := range params {
		p.Value.Copy(values[i])
	}
}
