package tkgvre

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/tkgvre/pkg/knowledge"
)

// SaveEmbeddings saves the entity table and every relation (inverses
// included) in the text format shared by the embedding tools
func (m *Model) SaveEmbeddings(kg *knowledge.TemporalKG, filename string) error {
	fmt.Println("Save Model:")

	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %s", filename)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := m.WriteEmbeddings(w, kg); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "failed to write %s", filename)
	}

	fmt.Printf("\tSave to <%s>\n", filename)
	return nil
}

// errWriter remembers the first write error and skips every later write
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err == nil {
		_, ew.err = fmt.Fprintf(ew.w, format, args...)
	}
}

// WriteEmbeddings writes the header, the entities and the relations to w
func (m *Model) WriteEmbeddings(w io.Writer, kg *knowledge.TemporalKG) error {
	ew := &errWriter{w: w}

	// Write header
	ew.printf("%d %d %d\n", m.cfg.NumEntities, 2*m.cfg.NumRelations, m.cfg.EmbedSize)

	ew.printf("# Entities\n")
	writeRows(ew, "E", m.Ent.Value, func(i int) string { return kg.GetEntityName(int64(i)) })

	ew.printf("# Relations\n")
	writeRows(ew, "R", m.Rel.Value, func(i int) string { return kg.GetRelationName(int64(i)) })

	return errors.Wrap(ew.err, "writing embeddings")
}

func writeRows(ew *errWriter, tag string, table *mat.Dense, name func(int) string) {
	rows, _ := table.Dims()
	for i := 0; i < rows && ew.err == nil; i++ {
		ew.printf("%s\t%s", tag, name(i))
		for _, v := range table.RawRowView(i) {
			ew.printf(" %.6f", v)
		}
		ew.printf("\n")
	}
}
