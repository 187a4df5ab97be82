// Package nntest provides helpers for testing hand-written backward passes
// against finite differences.
package nntest

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

// Epsilon is the step used for central differences
const Epsilon = 1e-6

// NumericGrad returns the central finite-difference gradient of loss with
// respect to every element of m. m is restored before returning.
func NumericGrad(m *mat.Dense, loss func() float64) *mat.Dense {
	r, c := m.Dims()
	grad := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			orig := m.At(i, j)
			m.Set(i, j, orig+Epsilon)
			plus := loss()
			m.Set(i, j, orig-Epsilon)
			minus := loss()
			m.Set(i, j, orig)
			grad.Set(i, j, (plus-minus)/(2*Epsilon))
		}
	}
	return grad
}

// CheckGrad asserts that analytic matches the numeric gradient element-wise,
// using tol as an absolute tolerance scaled by max(1, |numeric|)
func CheckGrad(t testing.TB, name string, analytic, numeric *mat.Dense, tol float64) {
	t.Helper()
	ar, ac := analytic.Dims()
	nr, nc := numeric.Dims()
	if !assert.Equal(t, []int{nr, nc}, []int{ar, ac}, "%s: gradient shape", name) {
		return
	}
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			want := numeric.At(i, j)
			got := analytic.At(i, j)
			delta := tol * math.Max(1, math.Abs(want))
			assert.InDelta(t, want, got, delta, "%s[%d,%d]", name, i, j)
		}
	}
}

// RandDense returns an r x c matrix with entries uniform in [-scale, scale]
func RandDense(rng *rand.Rand, r, c int, scale float64) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] = (rng.Float64()*2 - 1) * scale
		}
	}
	return m
}

// Weighted returns sum(w ⊙ m), used to turn a matrix output into a scalar
// loss whose gradient with respect to m is exactly w
func Weighted(m, w *mat.Dense) float64 {
	var prod mat.Dense
	prod.MulElem(m, w)
	return mat.Sum(&prod)
}
