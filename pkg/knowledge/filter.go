package knowledge

// queryKey identifies a (time, entity, relation) link prediction query
type queryKey struct {
	time     int64
	entity   int64
	relation int64
}

// FilterIndex records every known fact per timestamp so that time-aware
// filtered ranking can skip candidates that are also true at that time
type FilterIndex struct {
	tails map[queryKey]map[int64]struct{}
	heads map[queryKey]map[int64]struct{}
}

// NewFilterIndex indexes quads by (time, head, relation) and (time, tail, relation)
func NewFilterIndex(quads []Quadruple) *FilterIndex {
	f := &FilterIndex{
		tails: make(map[queryKey]map[int64]struct{}),
		heads: make(map[queryKey]map[int64]struct{}),
	}
	for _, q := range quads {
		add(f.tails, queryKey{q.Time, q.Head, q.Relation}, q.Tail)
		add(f.heads, queryKey{q.Time, q.Tail, q.Relation}, q.Head)
	}
	return f
}

func add(m map[queryKey]map[int64]struct{}, k queryKey, v int64) {
	set, ok := m[k]
	if !ok {
		set = make(map[int64]struct{})
		m[k] = set
	}
	set[v] = struct{}{}
}

// Tails returns the known tails of (head, relation) at time t
func (f *FilterIndex) Tails(t, head, relation int64) map[int64]struct{} {
	return f.tails[queryKey{t, head, relation}]
}

// Heads returns the known heads of (relation, tail) at time t
func (f *FilterIndex) Heads(t, relation, tail int64) map[int64]struct{} {
	return f.heads[queryKey{t, tail, relation}]
}
