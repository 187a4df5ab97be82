package scores

import (
	"gonum.org/v1/gonum/mat"
)

// DistMult scores a triple as sum_i s_i * r_i * o_i
type DistMult struct{}

// Name returns "distmult"
func (DistMult) Name() string { return "distmult" }

// Score computes the DistMult scores under mode
func (d DistMult) Score(s, r, o *mat.Dense, mode Mode) (*mat.Dense, error) {
	l, err := checkShapes(s, r, o, mode)
	if err != nil {
		return nil, err
	}
	return score(distMultKernel{}, s, r, o, l), nil
}

// Backward computes the DistMult gradients for the upstream gradient dScore
func (d DistMult) Backward(s, r, o, dScore *mat.Dense, mode Mode) (*mat.Dense, *mat.Dense, *mat.Dense, error) {
	l, err := checkShapes(s, r, o, mode)
	if err != nil {
		return nil, nil, nil, err
	}
	return backward(distMultKernel{}, s, r, o, dScore, l)
}

type distMultKernel struct{}

func (distMultKernel) score(s, r, o []float64) float64 {
	sum := 0.0
	for i := range s {
		sum += s[i] * r[i] * o[i]
	}
	return sum
}

func (distMultKernel) grad(s, r, o []float64, g float64, ds, dr, do []float64) {
	for i := range s {
		ds[i] += g * r[i] * o[i]
		dr[i] += g * s[i] * o[i]
		do[i] += g * s[i] * r[i]
	}
}
