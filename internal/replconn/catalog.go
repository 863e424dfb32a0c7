package replconn

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wcalenie/replicate-to-s3/internal/relschema"
)

// execRows runs sql via the simple query protocol and returns the text-format
// field values of the last result set. Used for catalog introspection, which
// never needs more than one statement's worth of rows at a time.
func execRows(ctx context.Context, conn *pgconn.PgConn, sql string) ([][][]byte, error) {
	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("replconn: exec %q: %w", sql, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	last := results[len(results)-1]
	if last.Err != nil {
		return nil, fmt.Errorf("replconn: exec %q: %w", sql, last.Err)
	}
	return last.Rows, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// publicationTables lists the (schema, name) of every table exposed by
// publication.
func publicationTables(ctx context.Context, conn *pgconn.PgConn, publication string) ([]relschema.Table, error) {
	sql := fmt.Sprintf(
		`SELECT schemaname, tablename FROM pg_publication_tables WHERE pubname = %s ORDER BY schemaname, tablename`,
		quoteLiteral(publication))
	rows, err := execRows(ctx, conn, sql)
	if err != nil {
		return nil, fmt.Errorf("list publication tables: %w", err)
	}
	tables := make([]relschema.Table, 0, len(rows))
	for _, row := range rows {
		tables = append(tables, relschema.Table{Schema: string(row[0]), Name: string(row[1])})
	}
	return tables, nil
}

// tableRelationID returns the pg_class oid (the WAL relation_id) for table.
func tableRelationID(ctx context.Context, conn *pgconn.PgConn, table relschema.Table) (uint32, error) {
	sql := fmt.Sprintf(
		`SELECT c.oid FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE n.nspname = %s AND c.relname = %s`,
		quoteLiteral(table.Schema), quoteLiteral(table.Name))
	rows, err := execRows(ctx, conn, sql)
	if err != nil {
		return 0, fmt.Errorf("relation id for %s: %w", table.QualifiedName(), err)
	}
	if len(rows) != 1 {
		return 0, fmt.Errorf("relation id for %s: table not found", table.QualifiedName())
	}
	oid, err := strconv.ParseUint(string(rows[0][0]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("relation id for %s: %w", table.QualifiedName(), err)
	}
	return uint32(oid), nil
}

// replicaIdentityColumns returns the column names that make up table's
// replica identity index: the index pg_index marks indisreplident, falling
// back to the primary key (REPLICA IDENTITY DEFAULT uses it implicitly).
func replicaIdentityColumns(ctx context.Context, conn *pgconn.PgConn, relID uint32) (map[string]bool, error) {
	sql := fmt.Sprintf(
		`SELECT a.attname FROM pg_index i
		 JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		 WHERE i.indrelid = %d AND (i.indisreplident OR (i.indisprimary AND NOT EXISTS (
		     SELECT 1 FROM pg_index r WHERE r.indrelid = i.indrelid AND r.indisreplident)))
		 ORDER BY i.indisreplident DESC`,
		relID)
	rows, err := execRows(ctx, conn, sql)
	if err != nil {
		return nil, fmt.Errorf("replica identity columns for relation %d: %w", relID, err)
	}
	cols := make(map[string]bool, len(rows))
	for _, row := range rows {
		cols[string(row[0])] = true
	}
	return cols, nil
}

// tableAttributes returns table's live, non-dropped columns in attnum order,
// the same order a plain "COPY table TO STDOUT" streams them in.
func tableAttributes(ctx context.Context, conn *pgconn.PgConn, relID uint32, identityCols map[string]bool) ([]relschema.Attribute, error) {
	sql := fmt.Sprintf(
		`SELECT a.attname, a.atttypid, a.atttypmod, a.attnotnull
		 FROM pg_attribute a
		 WHERE a.attrelid = %d AND a.attnum > 0 AND NOT a.attisdropped
		 ORDER BY a.attnum`, relID)
	rows, err := execRows(ctx, conn, sql)
	if err != nil {
		return nil, fmt.Errorf("attributes for relation %d: %w", relID, err)
	}

	attrs := make([]relschema.Attribute, 0, len(rows))
	for _, row := range rows {
		typeOID, err := strconv.ParseUint(string(row[1]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("attribute type oid: %w", err)
		}
		typeMod, err := strconv.ParseInt(string(row[2]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("attribute type modifier: %w", err)
		}
		name := string(row[0])
		attrs = append(attrs, relschema.Attribute{
			Name:         name,
			TypeOID:      uint32(typeOID),
			TypeModifier: int32(typeMod),
			Identity:     identityCols[name],
			Nullable:     string(row[3]) != "t",
		})
	}
	return attrs, nil
}

// quotedQualifiedName renders table as a double-quoted "schema"."name"
// identifier suitable for interpolation into DDL/DML statements sent over
// the simple query protocol.
func quotedQualifiedName(t relschema.Table) string {
	return quoteIdent(t.Schema) + "." + quoteIdent(t.Name)
}
