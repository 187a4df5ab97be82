package temporal

import (
	"math/rand"

	"github.com/pkg/errors"
)

// LocalTriple is a fact expressed in snapshot node indices
type LocalTriple struct {
	Head     int
	Relation int
	Tail     int
}

// Samples are the positives and corrupted candidates of one snapshot.
// Row j of NegTails and NegHeads holds the candidates for Triples[j]; the true
// entity sits at position Labels[j] of both rows.
type Samples struct {
	Triples  []LocalTriple
	NegTails [][]int
	NegHeads [][]int
	Labels   []int
}

// Corrupter draws the training samples of a batch of snapshots
type Corrupter interface {
	Sample(snapshots []*Snapshot, rng *rand.Rand) ([]Samples, error)
}

// UniformCorrupter replaces heads and tails by nodes of the same snapshot
// drawn uniformly with replacement
type UniformCorrupter struct {
	NumNegatives int
}

// Sample implements Corrupter. Each candidate row has NumNegatives+1 entries.
func (c UniformCorrupter) Sample(snapshots []*Snapshot, rng *rand.Rand) ([]Samples, error) {
	if c.NumNegatives < 1 {
		return nil, errors.Errorf("number of negatives must be positive, got %d", c.NumNegatives)
	}
	out := make([]Samples, len(snapshots))
	for i, s := range snapshots {
		n := s.NumNodes()
		smp := Samples{
			Triples:  make([]LocalTriple, len(s.Triples)),
			NegTails: make([][]int, len(s.Triples)),
			NegHeads: make([][]int, len(s.Triples)),
			Labels:   make([]int, len(s.Triples)),
		}
		for j, tr := range s.Triples {
			head, okH := s.Local(tr.Head)
			tail, okT := s.Local(tr.Tail)
			if !okH || !okT {
				return nil, errors.Errorf("snapshot %d: triple %d references an entity outside the graph", s.Time, j)
			}
			smp.Triples[j] = LocalTriple{Head: head, Relation: int(tr.Relation), Tail: tail}
			label := rng.Intn(c.NumNegatives + 1)
			smp.Labels[j] = label
			smp.NegTails[j] = c.candidates(tail, label, n, rng)
			smp.NegHeads[j] = c.candidates(head, label, n, rng)
		}
		out[i] = smp
	}
	return out, nil
}

// candidates returns a row with truth at position label and random other
// nodes elsewhere
func (c UniformCorrupter) candidates(truth, label, n int, rng *rand.Rand) []int {
	row := make([]int, c.NumNegatives+1)
	for k := range row {
		if k == label {
			row[k] = truth
			continue
		}
		row[k] = negative(truth, n, rng)
	}
	return row
}

// negative draws a node other than truth; with a single node it returns truth
func negative(truth, n int, rng *rand.Rand) int {
	if n <= 1 {
		return truth
	}
	v := rng.Intn(n - 1)
	if v >= truth {
		v++
	}
	return v
}
