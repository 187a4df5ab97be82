package tkgvre

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/cnclabs/tkgvre/pkg/knowledge"
	"github.com/cnclabs/tkgvre/pkg/scores"
	"github.com/cnclabs/tkgvre/pkg/temporal"
)

// Metrics summarize the ranks of a set of link prediction queries
type Metrics struct {
	Queries int
	MRR     float64
	Hits    map[int]float64
}

// Result holds raw and time-aware filtered metrics
type Result struct {
	Raw      Metrics
	Filtered Metrics
}

// ranks are the 1-based ranks of the true entity, raw and filtered
type ranks struct {
	raw, filtered []float64
}

func (r *ranks) merge(o ranks) {
	r.raw = append(r.raw, o.raw...)
	r.filtered = append(r.filtered, o.filtered...)
}

func newMetrics(ranks []float64, hits []int) Metrics {
	m := Metrics{Queries: len(ranks), Hits: make(map[int]float64, len(hits))}
	if len(ranks) == 0 {
		return m
	}
	for _, rank := range ranks {
		m.MRR += 1 / rank
		for _, k := range hits {
			if rank <= float64(k) {
				m.Hits[k]++
			}
		}
	}
	n := float64(len(ranks))
	m.MRR /= n
	for k := range m.Hits {
		m.Hits[k] /= n
	}
	return m
}

// Evaluator ranks every entity for the head and tail of test facts
type Evaluator struct {
	Model *Model
	// History serves the training snapshots preceding each query time
	History *temporal.History
	// Filter holds every known fact per timestamp
	Filter  *knowledge.FilterIndex
	Hits    []int
	Workers int
}

// Evaluate ranks queries, one timestamp per task, on at most Workers
// goroutines
func (e *Evaluator) Evaluate(ctx context.Context, queries []knowledge.Quadruple) (*Result, error) {
	byTime := knowledge.GroupByTime(queries)
	times := make([]int64, 0, len(byTime))
	for t := range byTime {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	// each task owns one slot so that merging follows time order
	perTime := make([]ranks, len(times))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Workers)
	for i, t := range times {
		i, t := i, t
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := e.rankTime(t, byTime[t])
			if err != nil {
				return errors.Wrapf(err, "evaluating time %d", t)
			}
			perTime[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all ranks
	for _, r := range perTime {
		all.merge(r)
	}
	klog.V(1).Infof("evaluated %d queries over %d timestamps", len(queries), len(times))
	return &Result{
		Raw:      newMetrics(all.raw, e.Hits),
		Filtered: newMetrics(all.filtered, e.Hits),
	}, nil
}

// embeddingsAt returns the entity embeddings used to answer queries at t:
// the training snapshot at t (if any) encoded with the context of the
// preceding steps
func (e *Evaluator) embeddingsAt(t int64) (*mat.Dense, error) {
	seq := e.History.Sequence(t)
	var snap *temporal.Snapshot
	var past []*temporal.Snapshot
	if len(seq) > 0 {
		past, snap = seq[:len(seq)-1], seq[len(seq)-1]
	}
	hidden, err := e.Model.Context(past)
	if err != nil {
		return nil, err
	}
	return e.Model.encoder.AllEntityEmbeddings(snap, hidden, t)
}

func (e *Evaluator) rankTime(t int64, facts []knowledge.Triple) (ranks, error) {
	var out ranks
	emb, err := e.embeddingsAt(t)
	if err != nil {
		return out, err
	}
	rel := e.Model.Rel.Value
	_, embed := emb.Dims()
	for _, f := range facts {
		s := mat.NewDense(1, embed, nil)
		r := mat.NewDense(1, embed, nil)
		o := mat.NewDense(1, embed, nil)
		s.SetRow(0, emb.RawRowView(int(f.Head)))
		r.SetRow(0, rel.RawRowView(int(f.Relation)))
		o.SetRow(0, emb.RawRowView(int(f.Tail)))

		tails, err := e.Model.scorer.Score(s, r, emb, scores.Tail)
		if err != nil {
			return out, err
		}
		heads, err := e.Model.scorer.Score(emb, r, o, scores.Head)
		if err != nil {
			return out, err
		}

		raw, filtered := rank(tails.RawRowView(0), f.Tail, e.Filter.Tails(t, f.Head, f.Relation))
		out.raw = append(out.raw, raw)
		out.filtered = append(out.filtered, filtered)
		raw, filtered = rank(heads.RawRowView(0), f.Head, e.Filter.Heads(t, f.Relation, f.Tail))
		out.raw = append(out.raw, raw)
		out.filtered = append(out.filtered, filtered)
	}
	return out, nil
}

// rank places truth after every candidate scoring strictly above it and in
// the middle of the candidates tied with it. The filtered rank ignores the
// entities in known.
func rank(row []float64, truth int64, known map[int64]struct{}) (float64, float64) {
	target := row[truth]
	var above, tied, knownAbove, knownTied int
	for c, v := range row {
		if int64(c) == truth || v < target {
			continue
		}
		_, isKnown := known[int64(c)]
		if v > target {
			above++
			if isKnown {
				knownAbove++
			}
		} else {
			tied++
			if isKnown {
				knownTied++
			}
		}
	}
	raw := 1 + float64(above) + float64(tied)/2
	filtered := 1 + float64(above-knownAbove) + float64(tied-knownTied)/2
	return raw, filtered
}

// Print writes the metrics in the report format of the command line tool
func (r *Result) Print(w io.Writer, name string) {
	hits := make([]int, 0, len(r.Raw.Hits))
	for k := range r.Raw.Hits {
		hits = append(hits, k)
	}
	sort.Ints(hits)

	fmt.Fprintf(w, "%s Results (%d queries):\n", name, r.Raw.Queries)
	for _, row := range []struct {
		label string
		m     Metrics
	}{{"raw", r.Raw}, {"filtered", r.Filtered}} {
		fmt.Fprintf(w, "\t%s\tMRR: %.4f", row.label, row.m.MRR)
		for _, k := range hits {
			fmt.Fprintf(w, "\tHits@%d: %.4f", k, row.m.Hits[k])
		}
		fmt.Fprintln(w)
	}
}
