// Package snapshotcopy performs the initial table copy: for each published
// table, an idempotent copy to chunk objects under a per-table prefix,
// terminated by a done marker.
package snapshotcopy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wcalenie/replicate-to-s3/internal/chunk"
	"github.com/wcalenie/replicate-to-s3/internal/eventbuild"
	"github.com/wcalenie/replicate-to-s3/internal/pgtype"
	"github.com/wcalenie/replicate-to-s3/internal/relschema"
	"github.com/wcalenie/replicate-to-s3/internal/replconn"
	"github.com/wcalenie/replicate-to-s3/internal/sink"
)

// RowsPerChunk bounds how many events a chunk object holds.
const RowsPerChunk = 10

func donePath(t relschema.Table) string {
	return fmt.Sprintf("table_copies/%s/done", t.QualifiedName())
}

func prefixPath(t relschema.Table) string {
	return fmt.Sprintf("table_copies/%s", t.QualifiedName())
}

func chunkPath(t relschema.Table, n int) string {
	return fmt.Sprintf("table_copies/%s/%d", t.QualifiedName(), n)
}

// Replicator is the subset of the replication client the copier needs.
type Replicator interface {
	CopyTable(ctx context.Context, table relschema.Table) (replconn.RowSource, error)
}

// Copier writes the initial table contents to the sink.
type Copier struct {
	store  sink.Store
	repl   Replicator
	logger zerolog.Logger
}

// New creates a Copier.
func New(store sink.Store, repl Replicator, logger zerolog.Logger) *Copier {
	return &Copier{store: store, repl: repl, logger: logger.With().Str("component", "snapshotcopy").Logger()}
}

// CopyAll runs copyTable for every schema in order. Tables already marked
// done are skipped; a crashed partial snapshot is discarded wholesale and
// redone, since COPY row order is not stable across sessions.
func (c *Copier) CopyAll(ctx context.Context, schemas []relschema.TableSchema) error {
	for _, ts := range schemas {
		if err := c.copyTable(ctx, ts); err != nil {
			return fmt.Errorf("snapshotcopy: table %s: %w", ts.Table.QualifiedName(), err)
		}
	}
	return nil
}

func (c *Copier) copyTable(ctx context.Context, ts relschema.TableSchema) error {
	log := c.logger.With().Str("table", ts.Table.QualifiedName()).Logger()

	if _, err := c.store.Get(ctx, donePath(ts.Table)); err == nil {
		log.Info().Msg("snapshot already done, skipping")
		return nil
	} else if err != sink.ErrNotFound {
		return fmt.Errorf("check done marker: %w", err)
	}

	if err := c.discardPartial(ctx, ts.Table); err != nil {
		return fmt.Errorf("discard partial snapshot: %w", err)
	}

	rows, err := c.repl.CopyTable(ctx, ts.Table)
	if err != nil {
		return fmt.Errorf("copy_table: %w", err)
	}

	buf := newChunkBuffer()
	chunkCount := 0

	schemaEvent := chunk.Event{
		Kind:       chunk.EventSchema,
		Timestamp:  time.Now().UTC(),
		RelationID: &ts.RelationID,
		LastLSN:    0,
		Data:       eventbuild.SchemaLike(ts.Table.Schema, ts.Table.Name, eventbuild.FromAttributes(ts.Attributes)),
	}
	if err := buf.append(schemaEvent); err != nil {
		return fmt.Errorf("frame schema event: %w", err)
	}

	flush := func() error {
		chunkCount++
		if err := c.store.Put(ctx, chunkPath(ts.Table, chunkCount), buf.bytes()); err != nil {
			return err
		}
		buf.reset()
		return nil
	}

	for {
		fields, ok, err := rows.Next()
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}
		if !ok {
			break
		}

		values := make([]chunk.Value, len(ts.Attributes))
		for i, attr := range ts.Attributes {
			if fields[i] == nil {
				values[i] = chunk.Null()
				continue
			}
			v, err := pgtype.DecodeBinary(attr.TypeOID, fields[i])
			if err != nil {
				return fmt.Errorf("decode column %s: %w", attr.Name, err)
			}
			values[i] = v
		}

		ev := chunk.Event{
			Kind:       chunk.EventInsert,
			Timestamp:  time.Now().UTC(),
			RelationID: &ts.RelationID,
			LastLSN:    0,
			Data:       eventbuild.Row(ts.Attributes, values),
		}
		if err := buf.append(ev); err != nil {
			return fmt.Errorf("frame insert event: %w", err)
		}

		if buf.rowCount == RowsPerChunk {
			if err := flush(); err != nil {
				return fmt.Errorf("put chunk %d: %w", chunkCount+1, err)
			}
		}
	}

	if buf.rowCount > 0 {
		if err := flush(); err != nil {
			return fmt.Errorf("put final chunk %d: %w", chunkCount+1, err)
		}
	}

	if err := c.store.Put(ctx, donePath(ts.Table), nil); err != nil {
		return fmt.Errorf("put done marker: %w", err)
	}
	log.Info().Int("chunks", chunkCount).Msg("snapshot complete")
	return nil
}

func (c *Copier) discardPartial(ctx context.Context, t relschema.Table) error {
	keys, err := c.store.List(ctx, prefixPath(t)+"/")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.store.DeleteMany(ctx, keys)
}

// chunkBuffer accumulates framed events and the in-progress row count for
// the chunk currently being built.
type chunkBuffer struct {
	buf      []byte
	rowCount int
}

func newChunkBuffer() *chunkBuffer { return &chunkBuffer{} }

func (b *chunkBuffer) append(ev chunk.Event) error {
	framed, err := chunk.Frame(ev)
	if err != nil {
		return err
	}
	b.buf = append(b.buf, framed...)
	b.rowCount++
	return nil
}

func (b *chunkBuffer) bytes() []byte { return b.buf }

func (b *chunkBuffer) reset() {
	b.buf = nil
	b.rowCount = 0
}
