package knowledge_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnclabs/tkgvre/pkg/knowledge"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSharesVocabulary(t *testing.T) {
	dir := t.TempDir()
	train := writeFile(t, dir, "train.txt", "alice\tknows\tbob\t0\nbob knows carol 1\n\nbroken line\n")
	valid := writeFile(t, dir, "valid.txt", "carol likes alice 2\n")
	test := writeFile(t, dir, "test.txt", "alice likes dave 3.0\n")

	kg := knowledge.NewTemporalKG()
	require.NoError(t, kg.Load(train, valid, test))

	assert.Len(t, kg.Train, 2)
	assert.Len(t, kg.Valid, 1)
	assert.Len(t, kg.Test, 1)
	assert.EqualValues(t, 4, kg.NumEntities)
	assert.EqualValues(t, 2, kg.NumRelations)

	// alice keeps the same id across splits
	assert.Equal(t, kg.Train[0].Head, kg.Valid[0].Tail)
	assert.Equal(t, kg.Train[0].Head, kg.Test[0].Head)
	assert.EqualValues(t, 3, kg.Test[0].Time)

	assert.Equal(t, "likes", kg.GetRelationName(1))
	assert.Equal(t, "knows_inv", kg.GetRelationName(2))
	assert.Equal(t, "", kg.GetEntityName(99))
}

func TestLoadMissingFile(t *testing.T) {
	kg := knowledge.NewTemporalKG()
	err := kg.Load(filepath.Join(t.TempDir(), "nope.txt"), "", "")
	assert.Error(t, err)
}

func TestTimesAndGroups(t *testing.T) {
	quads := []knowledge.Quadruple{
		{Triple: knowledge.Triple{Head: 0, Relation: 0, Tail: 1}, Time: 5},
		{Triple: knowledge.Triple{Head: 1, Relation: 0, Tail: 2}, Time: 1},
		{Triple: knowledge.Triple{Head: 2, Relation: 0, Tail: 0}, Time: 5},
	}
	assert.Equal(t, []int64{1, 5}, knowledge.Times(quads))

	groups := knowledge.GroupByTime(quads)
	assert.Len(t, groups[5], 2)
	assert.EqualValues(t, 2, groups[5][1].Head)
}

func TestFilterIndex(t *testing.T) {
	quads := []knowledge.Quadruple{
		{Triple: knowledge.Triple{Head: 0, Relation: 0, Tail: 1}, Time: 0},
		{Triple: knowledge.Triple{Head: 0, Relation: 0, Tail: 2}, Time: 0},
		{Triple: knowledge.Triple{Head: 0, Relation: 0, Tail: 3}, Time: 1},
	}
	f := knowledge.NewFilterIndex(quads)

	assert.Len(t, f.Tails(0, 0, 0), 2)
	assert.Len(t, f.Tails(1, 0, 0), 1)
	assert.Contains(t, f.Heads(0, 0, 2), int64(0))
	assert.Empty(t, f.Heads(1, 0, 2))
}

func TestPrintStatistics(t *testing.T) {
	kg := knowledge.NewTemporalKG()
	dir := t.TempDir()
	train := writeFile(t, dir, "train.txt", "a r b 0\nb r c 0\nc r a 2\n")
	require.NoError(t, kg.Load(train, "", ""))

	stats := kg.Statistics()["train"]
	assert.Equal(t, 3, stats.Quadruples)
	assert.Equal(t, 2, stats.Timestamps)
	assert.Equal(t, 2, stats.MaxPerTimestamp)

	var buf bytes.Buffer
	kg.PrintStatistics(&buf)
	assert.Contains(t, buf.String(), "3 quadruples over 2 timestamps")
}
