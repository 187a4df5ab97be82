package scores_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/nn"
	"github.com/cnclabs/tkgvre/pkg/nn/nntest"
	"github.com/cnclabs/tkgvre/pkg/scores"
)

func TestDistMultSingle(t *testing.T) {
	s := mat.NewDense(1, 3, []float64{1, 2, 3})
	r := mat.NewDense(1, 3, []float64{1, 1, 1})
	o := mat.NewDense(1, 3, []float64{1, 0, 1})

	got, err := scores.DistMult{}.Score(s, r, o, scores.Single)
	require.NoError(t, err)
	assert.Equal(t, 4.0, got.At(0, 0))
}

func TestDistMultPermutationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := nntest.RandDense(rng, 3, 5, 1)
	r := nntest.RandDense(rng, 3, 5, 1)
	o := nntest.RandDense(rng, 3, 5, 1)

	want, err := scores.DistMult{}.Score(s, r, o, scores.Single)
	require.NoError(t, err)
	got, err := scores.DistMult{}.Score(o, s, r, scores.Single)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.RawMatrix().Data, got.RawMatrix().Data, 1e-12)
}

func TestTailModeMatchesSingle(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const m, k, d = 2, 3, 4
	s := nntest.RandDense(rng, m, d, 1)
	r := nntest.RandDense(rng, m, d, 1)
	o := nntest.RandDense(rng, m*k, d, 1)

	for _, sc := range []scores.Scorer{scores.DistMult{}, scores.ComplEx{}} {
		tail, err := sc.Score(s, r, o, scores.Tail)
		require.NoError(t, err)
		require.Equal(t, []int{m, k}, dims(tail))

		head, err := sc.Score(o, r, s, scores.Head)
		require.NoError(t, err)
		require.Equal(t, []int{m, k}, dims(head))

		for i := 0; i < m; i++ {
			for c := 0; c < k; c++ {
				cand := nn.GatherRows(o, []int{i*k + c})
				si := nn.GatherRows(s, []int{i})
				ri := nn.GatherRows(r, []int{i})

				single, err := sc.Score(si, ri, cand, scores.Single)
				require.NoError(t, err)
				assert.InDelta(t, single.At(0, 0), tail.At(i, c), 1e-12, sc.Name())

				single, err = sc.Score(cand, ri, si, scores.Single)
				require.NoError(t, err)
				assert.InDelta(t, single.At(0, 0), head.At(i, c), 1e-12, sc.Name())
			}
		}
	}
}

func TestShapeErrors(t *testing.T) {
	a := mat.NewDense(2, 4, nil)
	b := mat.NewDense(2, 3, nil)
	c := mat.NewDense(3, 4, nil)

	_, err := scores.DistMult{}.Score(a, b, a, scores.Single)
	assert.ErrorIs(t, err, scores.ErrShape)

	_, err = scores.DistMult{}.Score(a, a, c, scores.Single)
	assert.ErrorIs(t, err, scores.ErrShape)

	_, err = scores.DistMult{}.Score(a, a, c, scores.Tail)
	assert.ErrorIs(t, err, scores.ErrShape)

	_, err = scores.ComplEx{}.Score(b, b, b, scores.Single)
	assert.ErrorIs(t, err, scores.ErrOddDimension)

	_, err = scores.ByName("transe")
	assert.ErrorIs(t, err, scores.ErrUnknownScorer)
}

func TestComplExRealPartIsDistMult(t *testing.T) {
	// with zero imaginary parts ComplEx reduces to DistMult on the real half
	s := mat.NewDense(1, 4, []float64{1, 2, 0, 0})
	r := mat.NewDense(1, 4, []float64{3, -1, 0, 0})
	o := mat.NewDense(1, 4, []float64{2, 5, 0, 0})

	got, err := scores.ComplEx{}.Score(s, r, o, scores.Single)
	require.NoError(t, err)
	assert.InDelta(t, 1*3*2+2*-1*5, got.At(0, 0), 1e-12)

	// Re((1+i) * 1 * conj(i)) = Re((1+i) * -i) = 1
	s = mat.NewDense(1, 2, []float64{1, 1})
	r = mat.NewDense(1, 2, []float64{1, 0})
	o = mat.NewDense(1, 2, []float64{0, 1})
	got, err = scores.ComplEx{}.Score(s, r, o, scores.Single)
	require.NoError(t, err)
	assert.InDelta(t, 1, got.At(0, 0), 1e-12)
}

func TestBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const m, k, d = 2, 3, 4

	for _, sc := range []scores.Scorer{scores.DistMult{}, scores.ComplEx{}} {
		for _, mode := range []scores.Mode{scores.Single, scores.Tail, scores.Head} {
			sRows, oRows, cols := m, m, 1
			switch mode {
			case scores.Tail:
				oRows, cols = m*k, k
			case scores.Head:
				sRows, cols = m*k, k
			}
			s := nntest.RandDense(rng, sRows, d, 1)
			r := nntest.RandDense(rng, m, d, 1)
			o := nntest.RandDense(rng, oRows, d, 1)
			w := nntest.RandDense(rng, m, cols, 1)

			loss := func() float64 {
				out, err := sc.Score(s, r, o, mode)
				require.NoError(t, err)
				return nntest.Weighted(out, w)
			}
			ds, dr, do, err := sc.Backward(s, r, o, w, mode)
			require.NoError(t, err)

			name := sc.Name() + "/" + mode.String()
			nntest.CheckGrad(t, name+"/s", ds, nntest.NumericGrad(s, loss), 1e-6)
			nntest.CheckGrad(t, name+"/r", dr, nntest.NumericGrad(r, loss), 1e-6)
			nntest.CheckGrad(t, name+"/o", do, nntest.NumericGrad(o, loss), 1e-6)
		}
	}
}

func dims(m *mat.Dense) []int {
	r, c := m.Dims()
	return []int{r, c}
}
