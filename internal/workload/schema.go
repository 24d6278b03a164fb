package workload

import (
	"fmt"
	"strings"

	"github.com/st3v3nmw/bootfuzz/internal/sut"
)

// Schema describes the single table the workload writes to: a bigint
// partition key, a bigint clustering key and Columns regular bigint columns.
type Schema struct {
	Keyspace string
	Table    string
	Columns  int
}

// QualifiedTable returns "keyspace.table".
func (s Schema) QualifiedTable() string {
	return s.Keyspace + "." + s.Table
}

// CreateKeyspace returns the keyspace DDL with SimpleStrategy replication.
func (s Schema) CreateKeyspace(rf int) sut.Statement {
	return sut.Statement{
		Kind:        sut.DDL,
		Keyspace:    s.Keyspace,
		Replication: rf,
		Query: fmt.Sprintf("CREATE KEYSPACE %s WITH replication = "+
			"{'class': 'SimpleStrategy', 'replication_factor' : %d};", s.Keyspace, rf),
	}
}

// CreateTable returns the table DDL.
func (s Schema) CreateTable() sut.Statement {
	cols := make([]string, 0, s.Columns+2)
	cols = append(cols, "pk bigint", "ck bigint")
	for i := range s.Columns {
		cols = append(cols, fmt.Sprintf("v%d bigint", i))
	}

	return sut.Statement{
		Kind:     sut.DDL,
		Keyspace: s.Keyspace,
		Table:    s.QualifiedTable(),
		Columns:  s.Columns,
		Query: fmt.Sprintf("CREATE TABLE %s (%s, PRIMARY KEY (pk, ck));",
			s.QualifiedTable(), strings.Join(cols, ", ")),
	}
}

// WriteStatement renders ops on partition pd as one batch.
func (s Schema) WriteStatement(pd uint64, ops []sut.Op) sut.Statement {
	var b strings.Builder
	b.WriteString("BEGIN UNLOGGED BATCH ")
	for _, op := range ops {
		switch op.Kind {
		case sut.DeleteRow:
			fmt.Fprintf(&b, "DELETE FROM %s USING TIMESTAMP %d WHERE pk = %d AND ck = %d; ",
				s.QualifiedTable(), op.Timestamp, int64(pd), op.CD)
		default:
			sets := make([]string, len(op.Columns))
			for i, c := range op.Columns {
				sets[i] = fmt.Sprintf("v%d = %d", c, op.Values[i])
			}
			fmt.Fprintf(&b, "UPDATE %s USING TIMESTAMP %d SET %s WHERE pk = %d AND ck = %d; ",
				s.QualifiedTable(), op.Timestamp, strings.Join(sets, ", "), int64(pd), op.CD)
		}
	}
	b.WriteString("APPLY BATCH;")

	return sut.Statement{
		Kind:    sut.Write,
		Query:   b.String(),
		Table:   s.QualifiedTable(),
		Columns: s.Columns,
		PD:      pd,
		Ops:     ops,
	}
}

// SelectPartition returns the read of every row in pd.
func (s Schema) SelectPartition(pd uint64, reverse bool) sut.Statement {
	order := "ASC"
	if reverse {
		order = "DESC"
	}

	return sut.Statement{
		Kind:    sut.Read,
		Query:   fmt.Sprintf("SELECT * FROM %s WHERE pk = %d ORDER BY ck %s;", s.QualifiedTable(), int64(pd), order),
		Table:   s.QualifiedTable(),
		Columns: s.Columns,
		PD:      pd,
		Reverse: reverse,
	}
}
