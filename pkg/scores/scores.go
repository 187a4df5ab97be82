// Package scores implements the bilinear decoders that score
// (subject, relation, object) embedding triples for link prediction.
package scores

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShape is returned when embedding batches cannot be scored together
	ErrShape = errors.New("embedding shape mismatch")
	// ErrOddDimension is returned by ComplEx for embeddings of odd size
	ErrOddDimension = errors.New("complex embeddings need an even dimension")
	// ErrUnknownScorer is returned by ByName for unsupported decoders
	ErrUnknownScorer = errors.New("unknown scoring function")
)

// Mode selects how subjects and objects are broadcast against each other
type Mode int

const (
	// Single scores row i of s, r and o together: [m x d] -> [m x 1]
	Single Mode = iota
	// Tail scores each (s_i, r_i) against k candidate objects stored in rows
	// i*k ... i*k+k-1 of o: [m x k]
	Tail
	// Head scores k candidate subjects (rows i*k ... of s) against (r_i, o_i)
	Head
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case Tail:
		return "tail"
	case Head:
		return "head"
	default:
		return "single"
	}
}

// Scorer is a triple scoring function with its hand-written gradient
type Scorer interface {
	// Name returns the decoder name used in configuration
	Name() string
	// Score returns the scores of s, r, o under mode
	Score(s, r, o *mat.Dense, mode Mode) (*mat.Dense, error)
	// Backward returns the gradients of sum(dScore ⊙ Score(s, r, o, mode))
	Backward(s, r, o, dScore *mat.Dense, mode Mode) (ds, dr, do *mat.Dense, err error)
}

// ByName returns the scorer registered under name
func ByName(name string) (Scorer, error) {
	switch name {
	case "distmult", "":
		return DistMult{}, nil
	case "complex":
		return ComplEx{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownScorer, "%q", name)
	}
}

// layout describes how the rows of s and o line up for a mode
type layout struct {
	m, k, d int
	mode    Mode
}

func (l layout) subject(i, c int) int {
	if l.mode == Head {
		return i*l.k + c
	}
	return i
}

func (l layout) object(i, c int) int {
	if l.mode == Tail {
		return i*l.k + c
	}
	return i
}

// checkShapes validates the operands before any computation happens
func checkShapes(s, r, o *mat.Dense, mode Mode) (layout, error) {
	sr, sc := s.Dims()
	rr, rc := r.Dims()
	or, oc := o.Dims()
	if sc != rc || rc != oc {
		return layout{}, errors.Wrapf(ErrShape, "dimensions s=%d r=%d o=%d", sc, rc, oc)
	}
	l := layout{m: rr, k: 1, d: rc, mode: mode}
	switch mode {
	case Single:
		if sr != rr || or != rr {
			return layout{}, errors.Wrapf(ErrShape, "rows s=%d r=%d o=%d", sr, rr, or)
		}
	case Tail:
		if sr != rr || or%rr != 0 {
			return layout{}, errors.Wrapf(ErrShape, "tail mode rows s=%d r=%d o=%d", sr, rr, or)
		}
		l.k = or / rr
	case Head:
		if or != rr || sr%rr != 0 {
			return layout{}, errors.Wrapf(ErrShape, "head mode rows s=%d r=%d o=%d", sr, rr, or)
		}
		l.k = sr / rr
	default:
		return layout{}, errors.Errorf("unknown score mode %d", mode)
	}
	if l.k == 0 {
		return layout{}, errors.Wrap(ErrShape, "no candidates to score")
	}
	return l, nil
}

// kernel scores one triple; grad accumulates g * d(score) into ds, dr, do
type kernel interface {
	score(s, r, o []float64) float64
	grad(s, r, o []float64, g float64, ds, dr, do []float64)
}

func score(k kernel, s, r, o *mat.Dense, l layout) *mat.Dense {
	out := mat.NewDense(l.m, l.k, nil)
	for i := 0; i < l.m; i++ {
		rel := r.RawRowView(i)
		row := out.RawRowView(i)
		for c := 0; c < l.k; c++ {
			row[c] = k.score(s.RawRowView(l.subject(i, c)), rel, o.RawRowView(l.object(i, c)))
		}
	}
	return out
}

func backward(k kernel, s, r, o, dScore *mat.Dense, l layout) (*mat.Dense, *mat.Dense, *mat.Dense, error) {
	gr, gc := dScore.Dims()
	if gr != l.m || gc != l.k {
		return nil, nil, nil, errors.Wrapf(ErrShape, "score gradient is %dx%d, want %dx%d", gr, gc, l.m, l.k)
	}
	sr, _ := s.Dims()
	or, _ := o.Dims()
	ds := mat.NewDense(sr, l.d, nil)
	dr := mat.NewDense(l.m, l.d, nil)
	do := mat.NewDense(or, l.d, nil)
	for i := 0; i < l.m; i++ {
		rel := r.RawRowView(i)
		dRel := dr.RawRowView(i)
		g := dScore.RawRowView(i)
		for c := 0; c < l.k; c++ {
			si, oi := l.subject(i, c), l.object(i, c)
			k.grad(s.RawRowView(si), rel, o.RawRowView(oi), g[c], ds.RawRowView(si), dRel, do.RawRowView(oi))
		}
	}
	return ds, dr, do, nil
}
