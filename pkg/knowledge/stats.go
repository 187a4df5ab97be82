package knowledge

import (
	"fmt"
	"io"
)

// SplitStats summarises one split of a temporal knowledge graph
type SplitStats struct {
	Quadruples      int
	Timestamps      int
	MinTime         int64
	MaxTime         int64
	MaxPerTimestamp int
	AvgPerTimestamp float64
}

func splitStats(quads []Quadruple) SplitStats {
	s := SplitStats{Quadruples: len(quads)}
	if len(quads) == 0 {
		return s
	}
	groups := GroupByTime(quads)
	times := Times(quads)
	s.Timestamps = len(times)
	s.MinTime = times[0]
	s.MaxTime = times[len(times)-1]
	for _, triples := range groups {
		if len(triples) > s.MaxPerTimestamp {
			s.MaxPerTimestamp = len(triples)
		}
	}
	s.AvgPerTimestamp = float64(len(quads)) / float64(len(times))
	return s
}

// Statistics returns per-split statistics keyed by split name
func (kg *TemporalKG) Statistics() map[string]SplitStats {
	return map[string]SplitStats{
		"train": splitStats(kg.Train),
		"valid": splitStats(kg.Valid),
		"test":  splitStats(kg.Test),
	}
}

// PrintStatistics writes a human readable summary of the dataset
func (kg *TemporalKG) PrintStatistics(w io.Writer) {
	stats := kg.Statistics()
	fmt.Fprintln(w, "Temporal Knowledge Graph Statistics:")
	fmt.Fprintf(w, "\tentities:\t\t%d\n", kg.NumEntities)
	fmt.Fprintf(w, "\trelations:\t\t%d\n", kg.NumRelations)
	for _, name := range []string{"train", "valid", "test"} {
		s := stats[name]
		if s.Quadruples == 0 {
			continue
		}
		fmt.Fprintf(w, "\t%s:\t\t\t%d quadruples over %d timestamps [%d, %d]\n",
			name, s.Quadruples, s.Timestamps, s.MinTime, s.MaxTime)
		fmt.Fprintf(w, "\t\t\t\tfacts per timestamp: avg %.2f, max %d\n", s.AvgPerTimestamp, s.MaxPerTimestamp)
	}
}
