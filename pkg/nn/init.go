package nn

import (
	"math"
	"math/rand"
)

// ReLUGain is the xavier gain recommended for rectified activations
var ReLUGain = math.Sqrt2

// XavierUniform fills p with samples from U(-a, a), a = gain*sqrt(6/(fanIn+fanOut))
func XavierUniform(p *Param, gain float64, rng *rand.Rand) {
	rows, cols := p.Value.Dims()
	fanIn, fanOut := rows, cols
	if rows == 1 {
		fanIn = cols
	}
	bound := gain * math.Sqrt(6.0/float64(fanIn+fanOut))
	raw := p.Value.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := range row {
			row[j] = (rng.Float64()*2 - 1) * bound
		}
	}
}

// XavierUniformBlocks initializes a parameter that stores one fanIn x fanOut
// matrix per row (flattened), using the fan of a single block
func XavierUniformBlocks(p *Param, fanIn, fanOut int, gain float64, rng *rand.Rand) {
	bound := gain * math.Sqrt(6.0/float64(fanIn+fanOut))
	raw := p.Value.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := range row {
			row[j] = (rng.Float64()*2 - 1) * bound
		}
	}
}
