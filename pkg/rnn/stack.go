package rnn

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn"
)

// StackBackward maps the gradients of every layer's new hidden state to the
// gradient of the input and of every layer's previous hidden state
type StackBackward func(dh []*mat.Dense) (dx *mat.Dense, dhPrev []*mat.Dense)

// Stack is a multi-layer recurrent network with a learned initial state
type Stack struct {
	Cells []Cell
	H0    *nn.Param // [layers x hidden], zero initialized
}

// NewStack builds layers cells of the given kind ("gru" or "rnn")
func NewStack(name, kind string, inputDim, hiddenDim, layers int, rng *rand.Rand) (*Stack, error) {
	if layers < 1 {
		return nil, errors.Errorf("recurrent stack needs at least one layer, got %d", layers)
	}
	s := &Stack{H0: nn.NewParam(name+".h0", layers, hiddenDim)}
	for l := 0; l < layers; l++ {
		in := inputDim
		if l > 0 {
			in = hiddenDim
		}
		cellName := fmt.Sprintf("%s.l%d", name, l)
		switch kind {
		case "gru", "":
			s.Cells = append(s.Cells, NewGRU(cellName, in, hiddenDim, rng))
		case "rnn":
			s.Cells = append(s.Cells, NewVanilla(cellName, in, hiddenDim, rng))
		default:
			return nil, errors.Errorf("unknown recurrent cell %q", kind)
		}
	}
	return s, nil
}

// Layers returns the number of stacked cells
func (s *Stack) Layers() int { return len(s.Cells) }

// Parameters implements nn.Parameterizer
func (s *Stack) Parameters() []*nn.Param {
	params := []*nn.Param{s.H0}
	for _, c := range s.Cells {
		params = append(params, c.Parameters()...)
	}
	return params
}

// Initial returns batch copies of the initial state for every layer
func (s *Stack) Initial(batch int) []*mat.Dense {
	h := make([]*mat.Dense, s.Layers())
	for l := range h {
		row := s.H0.Value.RawRowView(l)
		h[l] = mat.NewDense(batch, len(row), nil)
		for i := 0; i < batch; i++ {
			h[l].SetRow(i, row)
		}
	}
	return h
}

// InitialBackward accumulates the gradient of the batch copies into H0
func (s *Stack) InitialBackward(dh []*mat.Dense) {
	for l, d := range dh {
		if d == nil {
			continue
		}
		sum := nn.SumRows(d)
		row := s.H0.Grad.RawRowView(l)
		for j, v := range sum.RawRowView(0) {
			row[j] += v
		}
	}
}

// Step feeds x to the first layer and each layer's output to the next one
func (s *Stack) Step(x *mat.Dense, h []*mat.Dense) ([]*mat.Dense, StackBackward) {
	next := make([]*mat.Dense, s.Layers())
	backs := make([]CellBackward, s.Layers())
	in := x
	for l, c := range s.Cells {
		next[l], backs[l] = c.Step(in, h[l])
		in = next[l]
	}

	backward := func(dh []*mat.Dense) (*mat.Dense, []*mat.Dense) {
		dhPrev := make([]*mat.Dense, s.Layers())
		var dIn *mat.Dense
		for l := s.Layers() - 1; l >= 0; l-- {
			grad := dh[l]
			if dIn != nil {
				if grad == nil {
					grad = dIn
				} else {
					sum := mat.DenseCopyOf(grad)
					sum.Add(sum, dIn)
					grad = sum
				}
			}
			if grad == nil {
				r, c := next[l].Dims()
				grad = mat.NewDense(r, c, nil)
			}
			dIn, dhPrev[l] = backs[l](grad)
		}
		return dIn, dhPrev
	}
	return next, backward
}
