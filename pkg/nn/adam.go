package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam implements the Adam optimizer (Kingma & Ba, 2014) with optional
// decoupled weight decay
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64

	step int
	m    map[*Param]*mat.Dense
	v    map[*Param]*mat.Dense
}

// NewAdam creates an Adam optimizer with the usual defaults
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		m:            make(map[*Param]*mat.Dense),
		v:            make(map[*Param]*mat.Dense),
	}
}

// Steps returns the number of updates applied so far
func (a *Adam) Steps() int {
	return a.step
}

// Step applies one update to params using their accumulated gradients
func (a *Adam) Step(params []*Param) {
	a.step++
	correction1 := 1 - math.Pow(a.Beta1, float64(a.step))
	correction2 := 1 - math.Pow(a.Beta2, float64(a.step))
	stepSize := a.LearningRate * math.Sqrt(correction2) / correction1

	for _, p := range params {
		r, c := p.Value.Dims()
		m, ok := a.m[p]
		if !ok {
			m = mat.NewDense(r, c, nil)
			a.m[p] = m
			a.v[p] = mat.NewDense(r, c, nil)
		}
		v := a.v[p]

		for i := 0; i < r; i++ {
			value := p.Value.RawRowView(i)
			grad := p.Grad.RawRowView(i)
			mRow := m.RawRowView(i)
			vRow := v.RawRowView(i)
			for j := range value {
				g := grad[j]
				mRow[j] = a.Beta1*mRow[j] + (1-a.Beta1)*g
				vRow[j] = a.Beta2*vRow[j] + (1-a.Beta2)*g*g
				if a.WeightDecay > 0 {
					value[j] -= a.LearningRate * a.WeightDecay * value[j]
				}
				value[j] -= stepSize * mRow[j] / (math.Sqrt(vRow[j]) + a.Epsilon)
			}
		}
	}
}
