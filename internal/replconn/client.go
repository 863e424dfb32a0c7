// Package replconn owns one logical replication slot on the source
// database: it exposes the slot's consistent snapshot for the initial
// table copy, then streams the logical replication messages that follow
// it through a pull-based iterator.
package replconn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/wcalenie/replicate-to-s3/internal/pgtype"
	"github.com/wcalenie/replicate-to-s3/internal/relschema"
	"github.com/wcalenie/replicate-to-s3/pkg/lsn"
)

// Config holds the connection parameters for the source database.
type Config struct {
	Host     string
	Port     uint16
	Database string
	User     string
	Password string
	SlotName string
}

func (c Config) dsn(replication bool) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	if replication {
		u.RawQuery = "replication=database"
	}
	return u.String()
}

// ErrConnection marks a failure as a transport-level connection problem:
// the driver may reopen the slot and resume from sink state rather than
// treating the failure as fatal immediately. Protocol-level failures
// (schema mismatch, unsupported constructs, server-side rejections) never
// wrap this sentinel and are never retried.
var ErrConnection = errors.New("replconn: connection error")

// Client holds the replication slot and its exported snapshot. It is used
// by exactly one goroutine at a time; none of its methods are safe for
// concurrent use.
type Client struct {
	slotName string
	logger   zerolog.Logger

	replConn *pgconn.PgConn // holds the slot; used for streaming + status updates
	snapConn *pgconn.PgConn // holds the exported snapshot; nil once committed or never opened

	consistentPoint lsn.LSN

	resumeLSN      lsn.LSN
	skippingEvents bool
}

// Connect opens the replication connection, and, if hint is nil, creates
// the slot fresh with an exported snapshot and a second connection bound to
// it. If hint is non-nil the slot already exists from a prior run:
// resumption's skip window is seeded from the hint, and the snapshot
// connection holds a plain repeatable-read transaction instead of an
// exported snapshot, so tables whose done marker is missing can still be
// re-copied.
func Connect(ctx context.Context, cfg Config, hint *ResumptionHint, logger zerolog.Logger) (*Client, error) {
	slotName := strings.ReplaceAll(cfg.SlotName, "-", "_")

	replConn, err := pgconn.Connect(ctx, cfg.dsn(true))
	if err != nil {
		return nil, fmt.Errorf("replconn: connect replication: %w: %w", ErrConnection, err)
	}

	c := &Client{
		slotName: slotName,
		logger:   logger.With().Str("component", "replconn").Logger(),
		replConn: replConn,
	}

	if hint != nil {
		c.resumeLSN = lsn.LSN(hint.ResumeLSN)
		c.skippingEvents = hint.SkippingEvents
		c.consistentPoint = lsn.LSN(hint.ResumeLSN)

		// A resumed run may still have to re-snapshot a table whose done
		// marker is gone. The original exported snapshot no longer exists,
		// so CopyTable reads from a plain repeatable-read transaction on a
		// second connection.
		snapConn, err := pgconn.Connect(ctx, cfg.dsn(false))
		if err != nil {
			replConn.Close(ctx)
			return nil, fmt.Errorf("replconn: connect snapshot: %w: %w", ErrConnection, err)
		}
		if _, err := snapConn.Exec(ctx, "BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY").ReadAll(); err != nil {
			snapConn.Close(ctx)
			replConn.Close(ctx)
			return nil, fmt.Errorf("replconn: begin snapshot transaction: %w", err)
		}
		c.snapConn = snapConn
		return c, nil
	}

	result, err := pglogrepl.CreateReplicationSlot(ctx, replConn, slotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{SnapshotAction: "export"})
	if isDuplicateObjectErr(err) {
		// The slot survives from a run that crashed before writing any
		// stream chunk. With no sink state to resume from, the old slot's
		// position is useless; drop it and take a fresh snapshot.
		c.logger.Warn().Str("slot", slotName).Msg("slot exists with no sink state, recreating")
		if dropErr := pglogrepl.DropReplicationSlot(ctx, replConn, slotName,
			pglogrepl.DropReplicationSlotOptions{Wait: true}); dropErr != nil {
			replConn.Close(ctx)
			return nil, fmt.Errorf("replconn: drop stale replication slot: %w", dropErr)
		}
		result, err = pglogrepl.CreateReplicationSlot(ctx, replConn, slotName, "pgoutput",
			pglogrepl.CreateReplicationSlotOptions{SnapshotAction: "export"})
	}
	if err != nil {
		replConn.Close(ctx)
		return nil, fmt.Errorf("replconn: create replication slot: %w", err)
	}
	point, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		replConn.Close(ctx)
		return nil, fmt.Errorf("replconn: parse consistent point: %w", err)
	}
	c.consistentPoint = lsn.LSN(point)

	snapConn, err := pgconn.Connect(ctx, cfg.dsn(false))
	if err != nil {
		replConn.Close(ctx)
		return nil, fmt.Errorf("replconn: connect snapshot: %w: %w", ErrConnection, err)
	}
	if _, err := snapConn.Exec(ctx, "BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY").ReadAll(); err != nil {
		snapConn.Close(ctx)
		replConn.Close(ctx)
		return nil, fmt.Errorf("replconn: begin snapshot transaction: %w", err)
	}
	setSnapshotSQL := fmt.Sprintf("SET TRANSACTION SNAPSHOT %s", quoteLiteral(result.SnapshotName))
	if _, err := snapConn.Exec(ctx, setSnapshotSQL).ReadAll(); err != nil {
		snapConn.Close(ctx)
		replConn.Close(ctx)
		return nil, fmt.Errorf("replconn: set transaction snapshot: %w", err)
	}
	c.snapConn = snapConn

	c.logger.Info().Str("slot", slotName).Stringer("consistent_point", c.consistentPoint).
		Msg("created replication slot")
	return c, nil
}

func isDuplicateObjectErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}

// ConsistentPoint returns the snapshot LSN of the slot.
func (c *Client) ConsistentPoint() lsn.LSN {
	return c.consistentPoint
}

// GetSchemas discovers the tables exposed by publication and their column
// metadata. When a snapshot connection is open, it is used so the
// discovery is consistent with the rows CopyTable will later stream;
// otherwise the replication connection's ordinary query mode is used.
func (c *Client) GetSchemas(ctx context.Context, publication string) ([]relschema.TableSchema, error) {
	conn := c.snapConn
	if conn == nil {
		conn = c.replConn
	}

	tables, err := publicationTables(ctx, conn, publication)
	if err != nil {
		return nil, err
	}

	schemas := make([]relschema.TableSchema, 0, len(tables))
	for _, table := range tables {
		relID, err := tableRelationID(ctx, conn, table)
		if err != nil {
			return nil, err
		}
		identityCols, err := replicaIdentityColumns(ctx, conn, relID)
		if err != nil {
			return nil, err
		}
		attrs, err := tableAttributes(ctx, conn, relID, identityCols)
		if err != nil {
			return nil, err
		}
		for _, attr := range attrs {
			if !pgtype.Supported(attr.TypeOID) {
				return nil, fmt.Errorf("replconn: table %s column %s: unsupported column type OID %d",
					table.QualifiedName(), attr.Name, attr.TypeOID)
			}
		}
		schemas = append(schemas, relschema.TableSchema{
			RelationID: relID,
			Table:      table,
			Attributes: attrs,
		})
	}
	return schemas, nil
}

// CopyTable executes a binary COPY of table inside the snapshot transaction
// and returns a pull-based row iterator. The iterator must be fully drained
// (or closed) before CommitSnapshot is called.
func (c *Client) CopyTable(ctx context.Context, table relschema.Table) (RowSource, error) {
	if c.snapConn == nil {
		return nil, errors.New("replconn: copy_table called without an active snapshot")
	}
	sql := fmt.Sprintf("COPY %s TO STDOUT (FORMAT binary)", quotedQualifiedName(table))
	return newRowIter(ctx, c.snapConn, sql), nil
}

// CommitSnapshot ends the snapshot transaction and releases its
// connection. Required before StartReplication; a no-op if already
// committed.
func (c *Client) CommitSnapshot(ctx context.Context) error {
	if c.snapConn == nil {
		return nil
	}
	_, err := c.snapConn.Exec(ctx, "COMMIT").ReadAll()
	closeErr := c.snapConn.Close(ctx)
	c.snapConn = nil
	if err != nil {
		return fmt.Errorf("replconn: commit snapshot: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("replconn: close snapshot connection: %w", closeErr)
	}
	return nil
}

// StartReplication begins consuming WAL from the replication slot at the
// client's consistent point (or, on resume, the resumption hint's LSN).
// Must be called after CommitSnapshot; invalidates any still-open snapshot.
func (c *Client) StartReplication(ctx context.Context, publication string) error {
	err := pglogrepl.StartReplication(ctx, c.replConn, c.slotName, pglogrepl.LSN(c.consistentPoint),
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", publication),
			},
		})
	if err != nil {
		return fmt.Errorf("replconn: start replication: %w", err)
	}
	return nil
}

// Message is one item of the replication message sequence: either an
// XLogData record carrying a parsed logical message, or a keepalive from
// the upstream walsender.
type Message struct {
	IsKeepalive    bool
	WALEnd         lsn.LSN
	Logical        pglogrepl.Message // set when !IsKeepalive
	ReplyRequested bool              // set when IsKeepalive
}

// recvTimeout bounds each individual receive so the loop re-checks ctx
// periodically even when upstream is idle; a timeout by itself sends
// nothing upstream.
const recvTimeout = 2 * time.Second

// Next pulls the next replication message, blocking until one arrives.
// Anything other than CopyData/ErrorResponse on the wire is fatal.
func (c *Client) Next(ctx context.Context) (Message, error) {
	for {
		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		raw, err := c.replConn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return Message{}, fmt.Errorf("replconn: receive message: %w: %w", ErrConnection, err)
		}

		if errResp, ok := raw.(*pgproto3.ErrorResponse); ok {
			return Message{}, fmt.Errorf("replconn: server error: %s (SQLSTATE %s)", errResp.Message, errResp.Code)
		}

		copyData, ok := raw.(*pgproto3.CopyData)
		if !ok {
			return Message{}, fmt.Errorf("replconn: unsupported replication protocol message %T", raw)
		}
		if len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return Message{}, fmt.Errorf("replconn: parse keepalive: %w", err)
			}
			return Message{IsKeepalive: true, WALEnd: lsn.LSN(pkm.ServerWALEnd), ReplyRequested: pkm.ReplyRequested}, nil

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return Message{}, fmt.Errorf("replconn: parse xlogdata: %w", err)
			}
			logicalMsg, err := pglogrepl.Parse(xld.WALData)
			if err != nil {
				return Message{}, fmt.Errorf("replconn: parse logical message: %w", err)
			}
			return Message{WALEnd: lsn.LSN(xld.WALStart), Logical: logicalMsg}, nil

		default:
			return Message{}, fmt.Errorf("replconn: unsupported copy data message %q", copyData.Data[0])
		}
	}
}

// StandbyStatusUpdate acknowledges durability upstream: the source may
// release WAL it retained for this slot up to the given LSN. reply
// requests the server to send an immediate keepalive back.
func (c *Client) StandbyStatusUpdate(ctx context.Context, lastWritten, lastFlushed, lastApplied lsn.LSN, reply bool) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, c.replConn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pglogrepl.LSN(lastWritten),
		WALFlushPosition: pglogrepl.LSN(lastFlushed),
		WALApplyPosition: pglogrepl.LSN(lastApplied),
		ClientTime:       time.Now(),
		ReplyRequested:   reply,
	})
	if err != nil {
		return fmt.Errorf("replconn: standby status update: %w", err)
	}
	return nil
}

// ShouldSkip implements the resume filter: while skipping events, every
// event at or before the resume LSN is dropped.
func (c *Client) ShouldSkip(l lsn.LSN) bool {
	return c.skippingEvents && l <= c.resumeLSN
}

// StopSkippingEvents ends the skip window. Called on the first Commit at
// the resume LSN.
func (c *Client) StopSkippingEvents() {
	c.skippingEvents = false
}

// Close releases both underlying connections. Safe to call after a fatal
// error; the slot itself survives on the source for the next run.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.snapConn != nil {
		if err := c.snapConn.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.replConn != nil {
		if err := c.replConn.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
