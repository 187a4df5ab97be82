package rnn_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn/nntest"
	"github.com/cnclabs/tkgvre/pkg/rnn"
)

func TestCellBackward(t *testing.T) {
	for _, tc := range []struct {
		name string
		cell func(rng *rand.Rand) rnn.Cell
	}{
		{"gru", func(rng *rand.Rand) rnn.Cell { return rnn.NewGRU("gru", 5, 3, rng) }},
		{"vanilla", func(rng *rand.Rand) rnn.Cell { return rnn.NewVanilla("rnn", 5, 3, rng) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(1))
			cell := tc.cell(rng)
			assert.Equal(t, 5, cell.InputDim())
			assert.Equal(t, 3, cell.HiddenDim())

			x := nntest.RandDense(rng, 2, 5, 1)
			h := nntest.RandDense(rng, 2, 3, 1)
			w := nntest.RandDense(rng, 2, 3, 1)

			loss := func() float64 {
				out, _ := cell.Step(x, h)
				return nntest.Weighted(out, w)
			}
			_, backward := cell.Step(x, h)
			dx, dh := backward(w)

			nntest.CheckGrad(t, "x", dx, nntest.NumericGrad(x, loss), 1e-6)
			nntest.CheckGrad(t, "h", dh, nntest.NumericGrad(h, loss), 1e-6)
			for _, p := range cell.Parameters() {
				nntest.CheckGrad(t, p.Name, p.Grad, nntest.NumericGrad(p.Value, loss), 1e-6)
			}
		})
	}
}

func TestGRUKeepsStateWhenUpdateGateSaturates(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	cell := rnn.NewGRU("gru", 2, 2, rng)
	// push the update gate z towards 1 through its input bias
	for _, p := range cell.Parameters() {
		if p.Name == "gru.ih.bias" {
			p.Value.Set(0, 2, 100)
			p.Value.Set(0, 3, 100)
		}
	}
	h := mat.NewDense(1, 2, []float64{0.3, -0.7})
	out, _ := cell.Step(mat.NewDense(1, 2, []float64{0.1, 0.2}), h)
	assert.InDeltaSlice(t, h.RawRowView(0), out.RawRowView(0), 1e-9)
}

func TestStackTwoStepBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	stack, err := rnn.NewStack("rnn", "gru", 4, 3, 2, rng)
	require.NoError(t, err)
	assert.Equal(t, 2, stack.Layers())
	stack.H0.Value.Copy(nntest.RandDense(rng, 2, 3, 0.5))

	x1 := nntest.RandDense(rng, 2, 4, 1)
	x2 := nntest.RandDense(rng, 2, 4, 1)
	w := nntest.RandDense(rng, 2, 3, 1)

	// loss reads the top layer after two steps
	loss := func() float64 {
		h := stack.Initial(2)
		h, _ = stack.Step(x1, h)
		h, _ = stack.Step(x2, h)
		return nntest.Weighted(h[1], w)
	}

	h0 := stack.Initial(2)
	h1, back1 := stack.Step(x1, h0)
	_, back2 := stack.Step(x2, h1)
	dx2, dh1 := back2([]*mat.Dense{nil, w})
	dx1, dh0 := back1(dh1)
	stack.InitialBackward(dh0)

	nntest.CheckGrad(t, "x1", dx1, nntest.NumericGrad(x1, loss), 1e-6)
	nntest.CheckGrad(t, "x2", dx2, nntest.NumericGrad(x2, loss), 1e-6)
	for _, p := range stack.Parameters() {
		nntest.CheckGrad(t, p.Name, p.Grad, nntest.NumericGrad(p.Value, loss), 1e-6)
	}
}

func TestNewStackErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	_, err := rnn.NewStack("rnn", "lstm", 2, 2, 1, rng)
	assert.Error(t, err)
	_, err = rnn.NewStack("rnn", "gru", 2, 2, 0, rng)
	assert.Error(t, err)
}
