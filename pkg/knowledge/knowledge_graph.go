package knowledge

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Triple represents a knowledge graph triple (head, relation, tail)
type Triple struct {
	Head     int64
	Relation int64
	Tail     int64
}

// Quadruple is a triple observed at a discrete timestamp
type Quadruple struct {
	Triple
	Time int64
}

// TemporalKG holds the train/valid/test splits of a temporal knowledge graph
// over one shared entity and relation vocabulary
type TemporalKG struct {
	// Entity and relation mappings
	EntityHash   map[string]int64
	RelationHash map[string]int64
	EntityKeys   []string
	RelationKeys []string

	Train []Quadruple
	Valid []Quadruple
	Test  []Quadruple

	// Statistics
	NumEntities  int64
	NumRelations int64
}

// NewTemporalKG creates an empty temporal knowledge graph
func NewTemporalKG() *TemporalKG {
	return &TemporalKG{
		EntityHash:   make(map[string]int64),
		RelationHash: make(map[string]int64),
		EntityKeys:   make([]string, 0),
		RelationKeys: make([]string, 0),
	}
}

// Load reads the three splits. valid and test may be empty paths.
func (kg *TemporalKG) Load(train, valid, test string) error {
	var err error
	if kg.Train, err = kg.LoadQuadruples(train); err != nil {
		return err
	}
	if valid != "" {
		if kg.Valid, err = kg.LoadQuadruples(valid); err != nil {
			return err
		}
	}
	if test != "" {
		if kg.Test, err = kg.LoadQuadruples(test); err != nil {
			return err
		}
	}
	if len(kg.Train) == 0 {
		return errors.Errorf("no training quadruples in %s", train)
	}
	return nil
}

// LoadQuadruples loads quadruples from a file, extending the vocabulary
// Format: head relation tail time [...]
// Example: "Barack_Obama Make_statement Japan 8016"
func (kg *TemporalKG) LoadQuadruples(filename string) ([]Quadruple, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open file %s", filename)
	}
	defer file.Close()

	klog.Infof("Loading quadruples from %s", filename)

	quads := make([]Quadruple, 0)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	skipped := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := splitFields(line)
		if len(parts) < 4 {
			skipped++
			klog.V(2).Infof("%s:%d: expected 4 fields, got %d", filename, lineNo, len(parts))
			continue
		}

		t, err := parseTime(parts[3])
		if err != nil {
			skipped++
			klog.V(2).Infof("%s:%d: %v", filename, lineNo, err)
			continue
		}

		quads = append(quads, Quadruple{
			Triple: Triple{
				Head:     kg.getOrCreateEntity(parts[0]),
				Relation: kg.getOrCreateRelation(parts[1]),
				Tail:     kg.getOrCreateEntity(parts[2]),
			},
			Time: t,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading %s", filename)
	}
	if skipped > 0 {
		klog.Warningf("Skipped %d malformed lines in %s", skipped, filename)
	}

	kg.NumEntities = int64(len(kg.EntityKeys))
	kg.NumRelations = int64(len(kg.RelationKeys))
	klog.V(1).Infof("\t%d quadruples, %d entities, %d relations so far", len(quads), kg.NumEntities, kg.NumRelations)

	return quads, nil
}

// splitFields splits on tabs when present so that names may contain spaces
func splitFields(line string) []string {
	if strings.Contains(line, "\t") {
		parts := strings.Split(line, "\t")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return strings.Fields(line)
}

func parseTime(s string) (int64, error) {
	if t, err := strconv.ParseInt(s, 10, 64); err == nil {
		return t, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Errorf("invalid timestamp %q", s)
	}
	return int64(f), nil
}

// getOrCreateEntity gets or creates an entity ID
func (kg *TemporalKG) getOrCreateEntity(name string) int64 {
	if id, exists := kg.EntityHash[name]; exists {
		return id
	}

	id := int64(len(kg.EntityKeys))
	kg.EntityHash[name] = id
	kg.EntityKeys = append(kg.EntityKeys, name)
	return id
}

// getOrCreateRelation gets or creates a relation ID
func (kg *TemporalKG) getOrCreateRelation(name string) int64 {
	if id, exists := kg.RelationHash[name]; exists {
		return id
	}

	id := int64(len(kg.RelationKeys))
	kg.RelationHash[name] = id
	kg.RelationKeys = append(kg.RelationKeys, name)
	return id
}

// GetEntityName returns the name of an entity by ID
func (kg *TemporalKG) GetEntityName(id int64) string {
	if id < 0 || id >= int64(len(kg.EntityKeys)) {
		return ""
	}
	return kg.EntityKeys[id]
}

// GetRelationName returns the name of a relation by ID. Inverse relations
// (id >= NumRelations) are reported with a "_inv" suffix.
func (kg *TemporalKG) GetRelationName(id int64) string {
	if id >= kg.NumRelations && id < 2*kg.NumRelations {
		return kg.RelationKeys[id-kg.NumRelations] + "_inv"
	}
	if id < 0 || id >= int64(len(kg.RelationKeys)) {
		return ""
	}
	return kg.RelationKeys[id]
}

// All returns the quadruples of every split
func (kg *TemporalKG) All() []Quadruple {
	all := make([]Quadruple, 0, len(kg.Train)+len(kg.Valid)+len(kg.Test))
	all = append(all, kg.Train...)
	all = append(all, kg.Valid...)
	return append(all, kg.Test...)
}

// Times returns the sorted distinct timestamps of quads
func Times(quads []Quadruple) []int64 {
	seen := make(map[int64]bool)
	times := make([]int64, 0)
	for _, q := range quads {
		if !seen[q.Time] {
			seen[q.Time] = true
			times = append(times, q.Time)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times
}

// GroupByTime buckets the triples of quads by timestamp, keeping file order
func GroupByTime(quads []Quadruple) map[int64][]Triple {
	groups := make(map[int64][]Triple)
	for _, q := range quads {
		groups[q.Time] = append(groups[q.Time], q.Triple)
	}
	return groups
}
