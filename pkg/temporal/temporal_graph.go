package temporal

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/knowledge"
	"github.com/cnclabs/tkgvre/pkg/nn"
)

// Graph is a set of nodes with typed directed edges between them.
// Node i of the graph stands for global entity NodeIDs[i].
type Graph struct {
	NodeIDs []int64

	// Edges: Src[k] -> Dst[k] with relation type Types[k]
	Src   []int
	Dst   []int
	Types []int

	// NodeNorm is 1/in-degree (1 for nodes without incoming edges) and
	// EdgeNorm[k] is the norm of the destination of edge k
	NodeNorm []float64
	EdgeNorm []float64
}

// NewGraph builds a graph from an edge list and computes its normalisation
func NewGraph(nodeIDs []int64, src, dst, types []int) *Graph {
	g := &Graph{NodeIDs: nodeIDs, Src: src, Dst: dst, Types: types}
	g.normalize()
	return g
}

// NumNodes returns the number of nodes
func (g *Graph) NumNodes() int {
	return len(g.NodeIDs)
}

// NumEdges returns the number of edges
func (g *Graph) NumEdges() int {
	return len(g.Src)
}

// normalize recomputes the degree normalisation from the edge list
func (g *Graph) normalize() {
	inDegree := make([]int, g.NumNodes())
	for _, v := range g.Dst {
		inDegree[v]++
	}
	g.NodeNorm = make([]float64, g.NumNodes())
	for i, d := range inDegree {
		if d == 0 {
			g.NodeNorm[i] = 1
		} else {
			g.NodeNorm[i] = 1 / float64(d)
		}
	}
	g.EdgeNorm = make([]float64, g.NumEdges())
	for k, v := range g.Dst {
		g.EdgeNorm[k] = g.NodeNorm[v]
	}
}

// SumIncoming adds message row k into the row of its destination node.
// msgs has one row per edge; the result has one row per node.
func (g *Graph) SumIncoming(msgs *mat.Dense) *mat.Dense {
	_, cols := msgs.Dims()
	out := mat.NewDense(g.NumNodes(), cols, nil)
	nn.ScatterAddRows(out, g.Dst, msgs)
	return out
}

// EdgeSubgraph keeps every node and only the edges listed in keep, with the
// normalisation recomputed for the reduced edge set
func (g *Graph) EdgeSubgraph(keep []int) *Graph {
	sub := &Graph{
		NodeIDs: g.NodeIDs,
		Src:     make([]int, len(keep)),
		Dst:     make([]int, len(keep)),
		Types:   make([]int, len(keep)),
	}
	for i, k := range keep {
		sub.Src[i] = g.Src[k]
		sub.Dst[i] = g.Dst[k]
		sub.Types[i] = g.Types[k]
	}
	sub.normalize()
	return sub
}

// Snapshot is the graph of the facts observed at one timestamp
type Snapshot struct {
	Time int64
	Graph

	// IDs maps a global entity id to its node index in Graph
	IDs map[int64]int

	// Triples are the observed facts with global ids, original direction
	Triples []knowledge.Triple
}

// NewSnapshot builds the snapshot of triples at time t. Every triple adds the
// edge head -> tail with its relation and the inverse edge tail -> head with
// relation + numRelations. Nodes are sorted by global id.
func NewSnapshot(t int64, triples []knowledge.Triple, numRelations int64) *Snapshot {
	seen := make(map[int64]bool)
	nodes := make([]int64, 0)
	for _, tr := range triples {
		for _, e := range []int64{tr.Head, tr.Tail} {
			if !seen[e] {
				seen[e] = true
				nodes = append(nodes, e)
			}
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	s := &Snapshot{
		Time:    t,
		IDs:     make(map[int64]int, len(nodes)),
		Triples: triples,
	}
	s.NodeIDs = nodes
	for i, e := range nodes {
		s.IDs[e] = i
	}

	m := len(triples)
	s.Src = make([]int, 2*m)
	s.Dst = make([]int, 2*m)
	s.Types = make([]int, 2*m)
	for k, tr := range triples {
		h, o := s.IDs[tr.Head], s.IDs[tr.Tail]
		s.Src[k], s.Dst[k], s.Types[k] = h, o, int(tr.Relation)
		s.Src[m+k], s.Dst[m+k], s.Types[m+k] = o, h, int(tr.Relation+numRelations)
	}
	s.normalize()
	return s
}

// Local returns the node index of global entity id
func (s *Snapshot) Local(id int64) (int, bool) {
	i, ok := s.IDs[id]
	return i, ok
}

// Empty reports whether the snapshot carries no facts
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Triples) == 0
}
