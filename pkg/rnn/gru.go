package rnn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn"
)

// GRU is a gated recurrent unit
//
//	r = sigmoid(x Wir + bir + h Whr + bhr)
//	z = sigmoid(x Wiz + biz + h Whz + bhz)
//	n = tanh(x Win + bin + r * (h Whn + bhn))
//	h_new = (1 - z) * n + z * h
//
// The input and hidden projections hold the r, z and n gates side by side.
type GRU struct {
	hiddenDim int
	input     *nn.Linear // [in x 3H]
	hidden    *nn.Linear // [H x 3H]
}

// NewGRU creates a GRU cell with weights drawn from U(-1/sqrt(H), 1/sqrt(H))
func NewGRU(name string, inputDim, hiddenDim int, rng *rand.Rand) *GRU {
	g := &GRU{
		hiddenDim: hiddenDim,
		input:     nn.NewLinear(name+".ih", inputDim, 3*hiddenDim, rng),
		hidden:    nn.NewLinear(name+".hh", hiddenDim, 3*hiddenDim, rng),
	}
	scale := 1.0 / math.Sqrt(float64(hiddenDim))
	for _, p := range g.Parameters() {
		uniform(p, scale, rng)
	}
	return g
}

// InputDim returns the input size
func (g *GRU) InputDim() int { return g.input.W.Value.RawMatrix().Rows }

// HiddenDim returns the hidden size
func (g *GRU) HiddenDim() int { return g.hiddenDim }

// Parameters implements nn.Parameterizer
func (g *GRU) Parameters() []*nn.Param {
	return append(g.input.Parameters(), g.hidden.Parameters()...)
}

// Step advances h by one step on input x
func (g *GRU) Step(x, h *mat.Dense) (*mat.Dense, CellBackward) {
	gi := g.input.Forward(x)
	gh := g.hidden.Forward(h)
	rows, _ := h.Dims()
	H := g.hiddenDim

	r := mat.NewDense(rows, H, nil)
	z := mat.NewDense(rows, H, nil)
	n := mat.NewDense(rows, H, nil)
	out := mat.NewDense(rows, H, nil)
	for i := 0; i < rows; i++ {
		a, b := gi.RawRowView(i), gh.RawRowView(i)
		hr := h.RawRowView(i)
		rr, zr, nr, or := r.RawRowView(i), z.RawRowView(i), n.RawRowView(i), out.RawRowView(i)
		for j := 0; j < H; j++ {
			rr[j] = nn.Sigmoid(a[j] + b[j])
			zr[j] = nn.Sigmoid(a[H+j] + b[H+j])
			nr[j] = math.Tanh(a[2*H+j] + rr[j]*b[2*H+j])
			or[j] = (1-zr[j])*nr[j] + zr[j]*hr[j]
		}
	}

	backward := func(dh *mat.Dense) (*mat.Dense, *mat.Dense) {
		dgi := mat.NewDense(rows, 3*H, nil)
		dgh := mat.NewDense(rows, 3*H, nil)
		direct := mat.NewDense(rows, H, nil)
		for i := 0; i < rows; i++ {
			d := dh.RawRowView(i)
			hr := h.RawRowView(i)
			b := gh.RawRowView(i)
			rr, zr, nr := r.RawRowView(i), z.RawRowView(i), n.RawRowView(i)
			di, dhh, dd := dgi.RawRowView(i), dgh.RawRowView(i), direct.RawRowView(i)
			for j := 0; j < H; j++ {
				dd[j] = d[j] * zr[j]
				dn := d[j] * (1 - zr[j]) * (1 - nr[j]*nr[j])
				dz := d[j] * (hr[j] - nr[j]) * zr[j] * (1 - zr[j])
				dr := dn * b[2*H+j] * rr[j] * (1 - rr[j])

				di[j], dhh[j] = dr, dr
				di[H+j], dhh[H+j] = dz, dz
				di[2*H+j] = dn
				dhh[2*H+j] = dn * rr[j]
			}
		}
		dx := g.input.Backward(x, dgi)
		dhPrev := g.hidden.Backward(h, dgh)
		dhPrev.Add(dhPrev, direct)
		return dx, dhPrev
	}
	return out, backward
}
