// Package streamcopy consumes the replication client's message sequence,
// frames each surviving event through the chunk codec, and writes
// fixed-size chunks under realtime_changes/, advancing the acknowledged
// LSN only after a chunk is durable.
package streamcopy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/wcalenie/replicate-to-s3/internal/chunk"
	"github.com/wcalenie/replicate-to-s3/internal/eventbuild"
	"github.com/wcalenie/replicate-to-s3/internal/pgtype"
	"github.com/wcalenie/replicate-to-s3/internal/relschema"
	"github.com/wcalenie/replicate-to-s3/internal/replconn"
	"github.com/wcalenie/replicate-to-s3/internal/sink"
	"github.com/wcalenie/replicate-to-s3/pkg/lsn"
)

// RowsPerChunk bounds how many events a chunk object holds, the same
// constant the snapshot copier uses.
const RowsPerChunk = 10

func chunkPath(n uint64) string {
	return fmt.Sprintf("realtime_changes/%d", n)
}

// Source is the subset of the replication client the stream copier drives:
// the message sequence, the resume filter, and the durability
// acknowledgement.
type Source interface {
	Next(ctx context.Context) (replconn.Message, error)
	ShouldSkip(l lsn.LSN) bool
	StopSkippingEvents()
	StandbyStatusUpdate(ctx context.Context, lastWritten, lastFlushed, lastApplied lsn.LSN, reply bool) error
}

// Copier writes the replication event stream to the sink. All of its
// progress state (the chunk counter, the in-progress buffer, the highest
// durably-persisted LSN) lives on the struct, never in process-wide
// singletons: one Copier is one stream.
type Copier struct {
	store   sink.Store
	src     Source
	schemas map[uint32]relschema.TableSchema
	logger  zerolog.Logger

	chunkCount uint64
	buf        []byte
	rowCount   int
	lastLSN    lsn.LSN
}

// New creates a Copier. startChunkCount is the resumption hint's
// last_file_name (0 if there was no prior stream chunk), so new chunk
// numbers never collide with existing keys.
func New(store sink.Store, src Source, schemas map[uint32]relschema.TableSchema, startChunkCount uint64, logger zerolog.Logger) *Copier {
	return &Copier{
		store:      store,
		src:        src,
		schemas:    schemas,
		chunkCount: startChunkCount,
		logger:     logger.With().Str("component", "streamcopy").Logger(),
	}
}

// LastLSN returns the highest LSN durably persisted in a stream chunk so
// far. Exposed for tests and for status reporting.
func (c *Copier) LastLSN() lsn.LSN { return c.lastLSN }

// Run drives the stream copier until ctx is cancelled or src.Next returns a
// fatal error. Cancellation is a normal exit; any other error is fatal and
// propagated to the driver.
func (c *Copier) Run(ctx context.Context) error {
	for {
		msg, err := c.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("streamcopy: %w", err)
		}

		if msg.IsKeepalive {
			if err := c.handleKeepalive(ctx, msg); err != nil {
				return fmt.Errorf("streamcopy: %w", err)
			}
			continue
		}

		if err := c.handleLogical(ctx, msg.WALEnd, msg.Logical); err != nil {
			return fmt.Errorf("streamcopy: %w", err)
		}
	}
}

func (c *Copier) handleKeepalive(ctx context.Context, msg replconn.Message) error {
	if !msg.ReplyRequested {
		return nil
	}
	if lag := lsn.Lag(c.lastLSN, msg.WALEnd); lag > 0 {
		c.logger.Debug().Str("lag", lsn.FormatLag(lag, 0)).Msg("keepalive reply")
	}
	return c.src.StandbyStatusUpdate(ctx, c.lastLSN, c.lastLSN, c.lastLSN, false)
}

// handleLogical dispatches one XLogData message by its pgoutput type.
func (c *Copier) handleLogical(ctx context.Context, walEnd lsn.LSN, logicalMsg pglogrepl.Message) error {
	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		if c.src.ShouldSkip(walEnd) {
			return nil
		}
		ev := chunk.Event{
			Kind:      chunk.EventBegin,
			Timestamp: time.Now().UTC(),
			LastLSN:   uint64(walEnd),
			Data:      eventbuild.Begin(uint64(msg.FinalLSN), msg.CommitTime, msg.Xid),
		}
		return c.append(ctx, ev, walEnd)

	case *pglogrepl.CommitMessage:
		if c.src.ShouldSkip(walEnd) {
			c.src.StopSkippingEvents()
			return nil
		}
		ev := chunk.Event{
			Kind:      chunk.EventCommit,
			Timestamp: time.Now().UTC(),
			LastLSN:   uint64(walEnd),
			Data:      eventbuild.Commit(uint64(msg.CommitLSN), uint64(msg.TransactionEndLSN), msg.CommitTime, int32(msg.Flags)),
		}
		return c.append(ctx, ev, walEnd)

	case *pglogrepl.RelationMessage:
		// The skip check runs before the unknown-relation-id check, so
		// resume stays robust across schema changes that happened entirely
		// within the skip window.
		if c.src.ShouldSkip(walEnd) {
			return nil
		}
		if _, ok := c.schemas[msg.RelationID]; !ok {
			return fmt.Errorf("streamcopy: relation message references unknown relation_id %d", msg.RelationID)
		}
		relID := msg.RelationID
		ev := chunk.Event{
			Kind:       chunk.EventRelation,
			Timestamp:  time.Now().UTC(),
			RelationID: &relID,
			LastLSN:    uint64(walEnd),
			Data:       eventbuild.SchemaLike(msg.Namespace, msg.RelationName, relationColumns(msg.Columns)),
		}
		return c.append(ctx, ev, walEnd)

	case *pglogrepl.InsertMessage:
		if c.src.ShouldSkip(walEnd) {
			return nil
		}
		ts, ok := c.schemas[msg.RelationID]
		if !ok {
			return fmt.Errorf("streamcopy: insert references unknown relation_id %d", msg.RelationID)
		}
		data, err := decodeRow(ts, msg.Tuple)
		if err != nil {
			return err
		}
		relID := msg.RelationID
		ev := chunk.Event{Kind: chunk.EventInsert, Timestamp: time.Now().UTC(), RelationID: &relID, LastLSN: uint64(walEnd), Data: data}
		return c.append(ctx, ev, walEnd)

	case *pglogrepl.UpdateMessage:
		if c.src.ShouldSkip(walEnd) {
			return nil
		}
		ts, ok := c.schemas[msg.RelationID]
		if !ok {
			return fmt.Errorf("streamcopy: update references unknown relation_id %d", msg.RelationID)
		}
		data, err := decodeRow(ts, msg.NewTuple)
		if err != nil {
			return err
		}
		relID := msg.RelationID
		ev := chunk.Event{Kind: chunk.EventUpdate, Timestamp: time.Now().UTC(), RelationID: &relID, LastLSN: uint64(walEnd), Data: data}
		return c.append(ctx, ev, walEnd)

	case *pglogrepl.DeleteMessage:
		if c.src.ShouldSkip(walEnd) {
			return nil
		}
		ts, ok := c.schemas[msg.RelationID]
		if !ok {
			return fmt.Errorf("streamcopy: delete references unknown relation_id %d", msg.RelationID)
		}
		if msg.OldTuple == nil {
			return errors.New("streamcopy: delete has neither key tuple nor old tuple")
		}
		data, err := decodeRow(ts, msg.OldTuple)
		if err != nil {
			return err
		}
		relID := msg.RelationID
		ev := chunk.Event{Kind: chunk.EventDelete, Timestamp: time.Now().UTC(), RelationID: &relID, LastLSN: uint64(walEnd), Data: data}
		return c.append(ctx, ev, walEnd)

	case *pglogrepl.OriginMessage, *pglogrepl.TypeMessage, *pglogrepl.TruncateMessage:
		return nil

	default:
		return fmt.Errorf("streamcopy: unsupported logical message %T", logicalMsg)
	}
}

func relationColumns(cols []*pglogrepl.RelationMessageColumn) []eventbuild.ColumnDesc {
	out := make([]eventbuild.ColumnDesc, len(cols))
	for i, c := range cols {
		out[i] = eventbuild.ColumnDesc{
			Name:         c.Name,
			Identity:     c.Flags&1 != 0,
			Nullable:     nil,
			TypeID:       c.DataType,
			TypeModifier: c.TypeModifier,
		}
	}
	return out
}

// decodeRow interprets tuple's columns in schema attribute order: a null
// column stays null, a text column is decoded per the attribute's logical
// type, and an unchanged-TOAST column is fatal (TOAST values are not
// handled).
func decodeRow(ts relschema.TableSchema, tuple *pglogrepl.TupleData) (chunk.Value, error) {
	if tuple == nil {
		return chunk.Value{}, fmt.Errorf("streamcopy: table %s: missing tuple data", ts.Table.QualifiedName())
	}
	values := make([]chunk.Value, len(ts.Attributes))
	for i, attr := range ts.Attributes {
		if i >= len(tuple.Columns) {
			return chunk.Value{}, fmt.Errorf("streamcopy: table %s: tuple has fewer columns than schema", ts.Table.QualifiedName())
		}
		col := tuple.Columns[i]
		switch col.DataType {
		case 'n':
			values[i] = chunk.Null()
		case 'u':
			return chunk.Value{}, fmt.Errorf("streamcopy: table %s column %s: unchanged TOAST value is out of scope", ts.Table.QualifiedName(), attr.Name)
		case 't':
			v, err := pgtype.DecodeText(attr.TypeOID, string(col.Data))
			if err != nil {
				return chunk.Value{}, fmt.Errorf("streamcopy: table %s column %s: %w", ts.Table.QualifiedName(), attr.Name, err)
			}
			values[i] = v
		default:
			return chunk.Value{}, fmt.Errorf("streamcopy: table %s column %s: unsupported tuple data type %q", ts.Table.QualifiedName(), attr.Name, col.DataType)
		}
	}
	return eventbuild.Row(ts.Attributes, values), nil
}

// append frames ev into the current chunk buffer and flushes it once
// RowsPerChunk is reached. lastLSN only advances after a successful flush,
// and only to the wal_end of the event that triggered it: acks upstream
// must never outrun durable writes downstream.
func (c *Copier) append(ctx context.Context, ev chunk.Event, walEnd lsn.LSN) error {
	framed, err := chunk.Frame(ev)
	if err != nil {
		return fmt.Errorf("frame event: %w", err)
	}
	c.buf = append(c.buf, framed...)
	c.rowCount++

	if c.rowCount < RowsPerChunk {
		return nil
	}

	c.chunkCount++
	if err := c.store.Put(ctx, chunkPath(c.chunkCount), c.buf); err != nil {
		c.chunkCount--
		return fmt.Errorf("put chunk %d: %w", c.chunkCount+1, err)
	}
	c.buf = nil
	c.rowCount = 0
	if walEnd != 0 {
		c.lastLSN = walEnd
	}
	return nil
}
