package temporal

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrPartition is returned when node features do not match a batch partition
var ErrPartition = errors.New("node partition mismatch")

// Batch is the disjoint union of several graphs. Sizes[i] nodes starting at
// row Offsets[i] belong to the i-th merged graph, and so do EdgeSizes[i]
// edges starting at EdgeOffsets[i].
type Batch struct {
	Graph
	Sizes   []int
	Offsets []int

	EdgeSizes   []int
	EdgeOffsets []int
}

// Merge unions graphs in order, shifting node indices of later graphs
func Merge(graphs []*Graph) *Batch {
	b := &Batch{
		Sizes:       make([]int, len(graphs)),
		Offsets:     make([]int, len(graphs)),
		EdgeSizes:   make([]int, len(graphs)),
		EdgeOffsets: make([]int, len(graphs)),
	}
	offset := 0
	for i, g := range graphs {
		b.Sizes[i] = g.NumNodes()
		b.Offsets[i] = offset
		b.EdgeSizes[i] = g.NumEdges()
		b.EdgeOffsets[i] = len(b.Src)

		b.NodeIDs = append(b.NodeIDs, g.NodeIDs...)
		b.NodeNorm = append(b.NodeNorm, g.NodeNorm...)
		b.EdgeNorm = append(b.EdgeNorm, g.EdgeNorm...)
		b.Types = append(b.Types, g.Types...)
		for k := range g.Src {
			b.Src = append(b.Src, g.Src[k]+offset)
			b.Dst = append(b.Dst, g.Dst[k]+offset)
		}
		offset += g.NumNodes()
	}
	return b
}

// SampleEdgesPerGraph keeps floor(frac * edges) edges of every merged graph,
// drawn without replacement within that graph
func (b *Batch) SampleEdgesPerGraph(frac float64, rng *rand.Rand) *Graph {
	keep := make([]int, 0, b.NumEdges())
	for i, m := range b.EdgeSizes {
		n := int(frac * float64(m))
		for _, k := range rng.Perm(m)[:n] {
			keep = append(keep, b.EdgeOffsets[i]+k)
		}
	}
	sort.Ints(keep)
	return b.Graph.EdgeSubgraph(keep)
}

// Total returns the number of nodes the partition covers
func (b *Batch) Total() int {
	total := 0
	for _, s := range b.Sizes {
		total += s
	}
	return total
}

func (b *Batch) check(rows int) error {
	if total := b.Total(); rows != total {
		return errors.Wrapf(ErrPartition, "%d rows for a partition of %d nodes", rows, total)
	}
	return nil
}

// Split cuts x row-wise into one matrix per merged graph. Parts of size zero
// are returned as nil since gonum has no empty matrices.
func (b *Batch) Split(x *mat.Dense) ([]*mat.Dense, error) {
	rows, cols := x.Dims()
	if err := b.check(rows); err != nil {
		return nil, err
	}
	parts := make([]*mat.Dense, len(b.Sizes))
	for i, size := range b.Sizes {
		if size == 0 {
			continue
		}
		part := mat.NewDense(size, cols, nil)
		part.Copy(x.Slice(b.Offsets[i], b.Offsets[i]+size, 0, cols))
		parts[i] = part
	}
	return parts, nil
}

// Join is the inverse of Split. A nil part stands for zeros.
func (b *Batch) Join(parts []*mat.Dense, cols int) (*mat.Dense, error) {
	if len(parts) != len(b.Sizes) {
		return nil, errors.Wrapf(ErrPartition, "%d parts for %d graphs", len(parts), len(b.Sizes))
	}
	out := mat.NewDense(b.Total(), cols, nil)
	for i, part := range parts {
		if part == nil {
			continue
		}
		r, c := part.Dims()
		if r != b.Sizes[i] || c != cols {
			return nil, errors.Wrapf(ErrPartition, "part %d is %dx%d, want %dx%d", i, r, c, b.Sizes[i], cols)
		}
		out.Slice(b.Offsets[i], b.Offsets[i]+r, 0, cols).(*mat.Dense).Copy(part)
	}
	return out, nil
}
