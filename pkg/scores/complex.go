package scores

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ComplEx scores a triple as Re(<s, r, conj(o)>) where the first half of each
// embedding holds the real parts and the second half the imaginary parts
type ComplEx struct{}

// Name returns "complex"
func (ComplEx) Name() string { return "complex" }

// Score computes the ComplEx scores under mode
func (c ComplEx) Score(s, r, o *mat.Dense, mode Mode) (*mat.Dense, error) {
	l, err := checkComplex(s, r, o, mode)
	if err != nil {
		return nil, err
	}
	return score(complexKernel{half: l.d / 2}, s, r, o, l), nil
}

// Backward computes the ComplEx gradients for the upstream gradient dScore
func (c ComplEx) Backward(s, r, o, dScore *mat.Dense, mode Mode) (*mat.Dense, *mat.Dense, *mat.Dense, error) {
	l, err := checkComplex(s, r, o, mode)
	if err != nil {
		return nil, nil, nil, err
	}
	return backward(complexKernel{half: l.d / 2}, s, r, o, dScore, l)
}

func checkComplex(s, r, o *mat.Dense, mode Mode) (layout, error) {
	l, err := checkShapes(s, r, o, mode)
	if err != nil {
		return layout{}, err
	}
	if l.d%2 != 0 {
		return layout{}, errors.Wrapf(ErrOddDimension, "dimension %d", l.d)
	}
	return l, nil
}

type complexKernel struct {
	half int
}

func (k complexKernel) at(v []float64, i int) complex128 {
	return complex(v[i], v[k.half+i])
}

func (k complexKernel) score(s, r, o []float64) float64 {
	var sum complex128
	for i := 0; i < k.half; i++ {
		// Trilinear product: s * r * conj(o)
		sum += k.at(s, i) * k.at(r, i) * cmplxConj(k.at(o, i))
	}
	return real(sum)
}

// grad uses Re(a*b) = Re(a)Re(b) - Im(a)Im(b) so that
// d/dRe(a) = Re(b) and d/dIm(a) = -Im(b) for each factor a
func (k complexKernel) grad(s, r, o []float64, g float64, ds, dr, do []float64) {
	for i := 0; i < k.half; i++ {
		sv, rv, ov := k.at(s, i), k.at(r, i), k.at(o, i)

		gradS := rv * cmplxConj(ov)
		gradR := sv * cmplxConj(ov)
		gradO := sv * rv

		ds[i] += g * real(gradS)
		ds[k.half+i] -= g * imag(gradS)
		dr[i] += g * real(gradR)
		dr[k.half+i] -= g * imag(gradR)
		// conj(o) flips the sign of the imaginary derivative
		do[i] += g * real(gradO)
		do[k.half+i] += g * imag(gradO)
	}
}

// cmplxConj returns the complex conjugate
func cmplxConj(c complex128) complex128 {
	return complex(real(c), -imag(c))
}
