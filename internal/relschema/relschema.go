// Package relschema holds the data model shared between the replication
// client, the snapshot copier, and the stream copier: the identity of a
// published table and the column metadata needed to decode its rows.
package relschema

// Table identifies a published table by schema and name. Both fields are
// required; there is no implicit "public" default at this layer.
type Table struct {
	Schema string
	Name   string
}

// QualifiedName returns "schema.name" unquoted, used as an S3 key component
// and in log and error messages.
func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// Attribute describes one column of a TableSchema, in source column order.
type Attribute struct {
	Name         string
	TypeOID      uint32
	TypeModifier int32
	Identity     bool
	Nullable     bool
}

// TableSchema is the column metadata for one published table, keyed by the
// relation_id the source assigns it. It is discovered once inside the
// snapshot transaction and then lives for the process lifetime.
type TableSchema struct {
	RelationID uint32
	Table      Table
	Attributes []Attribute
}
