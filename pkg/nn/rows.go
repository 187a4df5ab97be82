package nn

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// GatherRows returns a new matrix whose i-th row is src[idx[i]]
func GatherRows(src *mat.Dense, idx []int) *mat.Dense {
	_, cols := src.Dims()
	out := mat.NewDense(len(idx), cols, nil)
	for i, k := range idx {
		copy(out.RawRowView(i), src.RawRowView(k))
	}
	return out
}

// GatherRows64 is GatherRows for int64 indices (global entity ids)
func GatherRows64(src *mat.Dense, idx []int64) *mat.Dense {
	_, cols := src.Dims()
	out := mat.NewDense(len(idx), cols, nil)
	for i, k := range idx {
		copy(out.RawRowView(i), src.RawRowView(int(k)))
	}
	return out
}

// ScatterAddRows adds src[i] into dst[idx[i]] for every i
func ScatterAddRows(dst *mat.Dense, idx []int, src *mat.Dense) {
	for i, k := range idx {
		floats.Add(dst.RawRowView(k), src.RawRowView(i))
	}
}

// ScatterAddRows64 is ScatterAddRows for int64 indices
func ScatterAddRows64(dst *mat.Dense, idx []int64, src *mat.Dense) {
	for i, k := range idx {
		floats.Add(dst.RawRowView(int(k)), src.RawRowView(i))
	}
}

// ConcatCols returns [a | b]; a and b must have the same number of rows
func ConcatCols(a, b *mat.Dense) *mat.Dense {
	rows, ca := a.Dims()
	_, cb := b.Dims()
	out := mat.NewDense(rows, ca+cb, nil)
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		copy(row[:ca], a.RawRowView(i))
		copy(row[ca:], b.RawRowView(i))
	}
	return out
}

// SplitCols is the inverse of ConcatCols: it returns the first k columns and
// the remaining columns as new matrices
func SplitCols(m *mat.Dense, k int) (*mat.Dense, *mat.Dense) {
	rows, cols := m.Dims()
	a := mat.NewDense(rows, k, nil)
	b := mat.NewDense(rows, cols-k, nil)
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		copy(a.RawRowView(i), row[:k])
		copy(b.RawRowView(i), row[k:])
	}
	return a, b
}

// SumRows returns the column-wise sum of m as a 1 x cols matrix
func SumRows(m *mat.Dense) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(1, cols, nil)
	acc := out.RawRowView(0)
	for i := 0; i < rows; i++ {
		floats.Add(acc, m.RawRowView(i))
	}
	return out
}

// AddRowVector adds the single-row matrix v to every row of m in place
func AddRowVector(m, v *mat.Dense) {
	rows, _ := m.Dims()
	bias := v.RawRowView(0)
	for i := 0; i < rows; i++ {
		floats.Add(m.RawRowView(i), bias)
	}
}
