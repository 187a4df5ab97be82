package temporal

import (
	"sort"

	"github.com/cnclabs/tkgvre/pkg/knowledge"
)

// History serves fixed-length snapshot sequences along a timeline
type History struct {
	// Timeline is the sorted list of every timestamp a sequence may land on
	Timeline []int64
	// Snapshots holds the graph of each timestamp that has observed facts
	Snapshots map[int64]*Snapshot
	SeqLen    int

	position map[int64]int
}

// NewHistory builds one snapshot per timestamp of observed and places them on
// the timeline made of timeline plus the timestamps of observed
func NewHistory(observed []knowledge.Quadruple, timeline []int64, numRelations int64, seqLen int) *History {
	h := &History{
		Snapshots: make(map[int64]*Snapshot),
		SeqLen:    seqLen,
		position:  make(map[int64]int),
	}
	for t, triples := range knowledge.GroupByTime(observed) {
		h.Snapshots[t] = NewSnapshot(t, triples, numRelations)
	}

	seen := make(map[int64]bool)
	for _, t := range timeline {
		if !seen[t] {
			seen[t] = true
			h.Timeline = append(h.Timeline, t)
		}
	}
	for t := range h.Snapshots {
		if !seen[t] {
			seen[t] = true
			h.Timeline = append(h.Timeline, t)
		}
	}
	sort.Slice(h.Timeline, func(i, j int) bool { return h.Timeline[i] < h.Timeline[j] })
	for i, t := range h.Timeline {
		h.position[t] = i
	}
	return h
}

// Sequence returns the SeqLen timeline steps ending at t, oldest first.
// Steps before the start of the timeline and steps without observed facts
// are nil. It returns nil if t is not on the timeline.
func (h *History) Sequence(t int64) []*Snapshot {
	end, ok := h.position[t]
	if !ok {
		return nil
	}
	seq := make([]*Snapshot, h.SeqLen)
	for i := 0; i < h.SeqLen; i++ {
		idx := end - (h.SeqLen - 1 - i)
		if idx < 0 {
			continue
		}
		seq[i] = h.Snapshots[h.Timeline[idx]]
	}
	return seq
}

// Sequences returns Sequence(t) for every t in times
func (h *History) Sequences(times []int64) [][]*Snapshot {
	seqs := make([][]*Snapshot, len(times))
	for i, t := range times {
		seqs[i] = h.Sequence(t)
	}
	return seqs
}

// ObservedTimes returns the sorted timestamps that have a snapshot
func (h *History) ObservedTimes() []int64 {
	times := make([]int64, 0, len(h.Snapshots))
	for _, t := range h.Timeline {
		if _, ok := h.Snapshots[t]; ok {
			times = append(times, t)
		}
	}
	return times
}
