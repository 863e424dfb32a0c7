// Package eventbuild constructs the self-describing chunk.Value payload
// for each EventKind, shared by the snapshot copier's synthetic Schema
// event and the stream copier's Begin/Commit/Relation/row events so both
// components agree on field names and ordering.
package eventbuild

import (
	"time"

	"github.com/wcalenie/replicate-to-s3/internal/chunk"
	"github.com/wcalenie/replicate-to-s3/internal/relschema"
)

// ColumnDesc is one column entry in a Schema or Relation event's "columns"
// array. Nullable is omitted from the wire form when nil: a WAL Relation
// message carries no nullability information, only catalog-derived Schema
// events do.
type ColumnDesc struct {
	Name         string
	Identity     bool
	Nullable     *bool
	TypeID       uint32
	TypeModifier int32
}

// FromAttributes converts TableSchema attributes (catalog-derived, always
// nullable-aware) into ColumnDescs in column order.
func FromAttributes(attrs []relschema.Attribute) []ColumnDesc {
	cols := make([]ColumnDesc, len(attrs))
	for i, a := range attrs {
		nullable := a.Nullable
		cols[i] = ColumnDesc{
			Name:         a.Name,
			Identity:     a.Identity,
			Nullable:     &nullable,
			TypeID:       a.TypeOID,
			TypeModifier: a.TypeModifier,
		}
	}
	return cols
}

func columnValue(c ColumnDesc) chunk.Value {
	b := (&chunk.MapBuilder{}).
		Set("name", chunk.Text(c.Name)).
		Set("identity", chunk.Bool(c.Identity))
	if c.Nullable != nil {
		b = b.Set("nullable", chunk.Bool(*c.Nullable))
	}
	b = b.Set("type_id", chunk.Uint(uint64(c.TypeID))).
		Set("type_modifier", chunk.Int(int64(c.TypeModifier)))
	return b.Build()
}

// SchemaLike builds the {schema, table, columns} payload shared by the
// Schema and Relation event kinds.
func SchemaLike(schema, table string, cols []ColumnDesc) chunk.Value {
	colVals := make([]chunk.Value, len(cols))
	for i, c := range cols {
		colVals[i] = columnValue(c)
	}
	return (&chunk.MapBuilder{}).
		Set("schema", chunk.Text(schema)).
		Set("table", chunk.Text(table)).
		Set("columns", chunk.Array(colVals)).
		Build()
}

// Begin builds a Begin event's payload: {final_lsn, timestamp, xid}.
func Begin(finalLSN uint64, ts time.Time, xid uint32) chunk.Value {
	return (&chunk.MapBuilder{}).
		Set("final_lsn", chunk.Uint(finalLSN)).
		Set("timestamp", chunk.Int(ts.UTC().UnixNano())).
		Set("xid", chunk.Uint(uint64(xid))).
		Build()
}

// Commit builds a Commit event's payload: {commit_lsn, end_lsn, timestamp, flags}.
func Commit(commitLSN, endLSN uint64, ts time.Time, flags int32) chunk.Value {
	return (&chunk.MapBuilder{}).
		Set("commit_lsn", chunk.Uint(commitLSN)).
		Set("end_lsn", chunk.Uint(endLSN)).
		Set("timestamp", chunk.Int(ts.UTC().UnixNano())).
		Set("flags", chunk.Int(int64(flags))).
		Build()
}

// Row builds an Insert/Update/Delete event's payload: one entry per
// attribute, in schema column order, column_name -> scalar.
func Row(attrs []relschema.Attribute, values []chunk.Value) chunk.Value {
	b := &chunk.MapBuilder{}
	for i, a := range attrs {
		b.Set(a.Name, values[i])
	}
	return b.Build()
}
