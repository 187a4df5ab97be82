// Package vae holds the Gaussian reparameterization and KL divergence used by
// the variational encoders.
package vae

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MinStd is the floor applied to standard deviations inside KL
const MinStd = 1e-6

// ErrShape is returned when the distributions do not line up
var ErrShape = errors.New("distribution shape mismatch")

// Reparametrize returns mean + noise*std with standard normal noise when
// stochastic is set. Otherwise it returns mean itself and a nil noise.
func Reparametrize(mean, std *mat.Dense, stochastic bool, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	if !stochastic {
		return mean, nil
	}
	r, c := mean.Dims()
	noise := mat.NewDense(r, c, nil)
	sample := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		m, s := mean.RawRowView(i), std.RawRowView(i)
		n, out := noise.RawRowView(i), sample.RawRowView(i)
		for j := range n {
			n[j] = rng.NormFloat64()
			out[j] = m[j] + n[j]*s[j]
		}
	}
	return sample, noise
}

// ReparametrizeBackward splits the gradient of a sample into the gradients of
// its mean and std. dStd is nil when the sample was deterministic.
func ReparametrizeBackward(noise, dSample *mat.Dense) (dMean, dStd *mat.Dense) {
	if noise == nil {
		return dSample, nil
	}
	r, c := noise.Dims()
	dStd = mat.NewDense(r, c, nil)
	dStd.MulElem(dSample, noise)
	return dSample, dStd
}

// clamp returns max(v, MinStd) and whether v was raised
func clamp(v float64) (float64, bool) {
	if v < MinStd {
		return MinStd, true
	}
	return v, false
}

// KL returns the closed-form divergence KL(q || p) between two diagonal
// Gaussians, summed over every element
func KL(qMean, qStd, pMean, pStd *mat.Dense) (float64, error) {
	if err := checkShapes(qMean, qStd, pMean, pStd); err != nil {
		return 0, err
	}
	r, c := qMean.Dims()
	sum := 0.0
	for i := 0; i < r; i++ {
		qm, qs := qMean.RawRowView(i), qStd.RawRowView(i)
		pm, ps := pMean.RawRowView(i), pStd.RawRowView(i)
		for j := 0; j < c; j++ {
			q, _ := clamp(qs[j])
			p, _ := clamp(ps[j])
			d := qm[j] - pm[j]
			sum += 2*math.Log(p) - 2*math.Log(q) + (q*q+d*d)/(p*p) - 1
		}
	}
	return 0.5 * sum, nil
}

// Grads holds the gradients of KL with respect to its four inputs
type Grads struct {
	QMean, QStd, PMean, PStd *mat.Dense
}

// KLBackward returns g times the gradient of KL. Clamped std entries receive
// no gradient.
func KLBackward(qMean, qStd, pMean, pStd *mat.Dense, g float64) (Grads, error) {
	if err := checkShapes(qMean, qStd, pMean, pStd); err != nil {
		return Grads{}, err
	}
	r, c := qMean.Dims()
	out := Grads{
		QMean: mat.NewDense(r, c, nil),
		QStd:  mat.NewDense(r, c, nil),
		PMean: mat.NewDense(r, c, nil),
		PStd:  mat.NewDense(r, c, nil),
	}
	for i := 0; i < r; i++ {
		qm, qs := qMean.RawRowView(i), qStd.RawRowView(i)
		pm, ps := pMean.RawRowView(i), pStd.RawRowView(i)
		dqm, dqs := out.QMean.RawRowView(i), out.QStd.RawRowView(i)
		dpm, dps := out.PMean.RawRowView(i), out.PStd.RawRowView(i)
		for j := 0; j < c; j++ {
			q, qClamped := clamp(qs[j])
			p, pClamped := clamp(ps[j])
			d := qm[j] - pm[j]
			p2 := p * p

			dqm[j] = g * d / p2
			dpm[j] = -dqm[j]
			if !qClamped {
				dqs[j] = g * (q/p2 - 1/q)
			}
			if !pClamped {
				dps[j] = g * (1/p - (q*q+d*d)/(p2*p))
			}
		}
	}
	return out, nil
}

// StandardNormal returns the mean and std matrices of N(0, I) shaped r x c
func StandardNormal(r, c int) (*mat.Dense, *mat.Dense) {
	std := mat.NewDense(r, c, nil)
	std.Apply(func(_, _ int, _ float64) float64 { return 1 }, std)
	return mat.NewDense(r, c, nil), std
}

func checkShapes(ms ...*mat.Dense) error {
	r, c := ms[0].Dims()
	for _, m := range ms[1:] {
		mr, mc := m.Dims()
		if mr != r || mc != c {
			return errors.Wrapf(ErrShape, "%dx%d vs %dx%d", r, c, mr, mc)
		}
	}
	return nil
}
