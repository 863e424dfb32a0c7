// Package pipeline wires the sink store, the replication client,
// resumption, the snapshot copier, and the stream copier together:
// construct the clients, resume from sink state, snapshot every published
// table, commit the snapshot, then stream until the upstream connection
// closes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wcalenie/replicate-to-s3/internal/relschema"
	"github.com/wcalenie/replicate-to-s3/internal/replconn"
	"github.com/wcalenie/replicate-to-s3/internal/resume"
	"github.com/wcalenie/replicate-to-s3/internal/sink"
	"github.com/wcalenie/replicate-to-s3/internal/snapshotcopy"
	"github.com/wcalenie/replicate-to-s3/internal/streamcopy"
	"github.com/wcalenie/replicate-to-s3/pkg/lsn"
)

// maxReconnectAttempts bounds the reconnect-and-resume retry for the
// replication connection: since resumption is always derived from sink
// state, a reconnect is indistinguishable in outcome from a process
// restart, so a handful of attempts with backoff is tried before the
// failure is surfaced as fatal.
const maxReconnectAttempts = 5

const reconnectBackoff = 2 * time.Second

// Config holds everything needed to run one replication process: the sink
// to write chunks to, the source connection parameters, and the
// publication naming the table set. Store is already constructed by the
// caller (cmd/replicate-to-s3 builds an S3Store; tests pass an in-memory
// fake) so the pipeline itself never depends on a concrete backing object
// store.
type Config struct {
	Store sink.Store
	DB    replconn.Config
	Pub   string
}

// Run executes the pipeline end to end. It returns nil only when ctx is
// cancelled gracefully; any other error is fatal and identifies the
// failing subsystem. Connection-level failures (replconn.ErrConnection)
// are retried up to maxReconnectAttempts, each attempt rebuilding the
// resumption hint from current sink state before reopening the slot;
// every other error is fatal on the first occurrence.
func Run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	var lastErr error
	for attempt := 0; attempt <= maxReconnectAttempts; attempt++ {
		if attempt > 0 {
			logger.Warn().Int("attempt", attempt).Err(lastErr).
				Msg("reconnecting after a transient connection failure")
			select {
			case <-time.After(reconnectBackoff):
			case <-ctx.Done():
				return nil
			}
		}

		err := runOnce(ctx, cfg, logger)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, replconn.ErrConnection) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("pipeline: exhausted %d reconnect attempts: %w", maxReconnectAttempts, lastErr)
}

// runOnce performs one full connect-snapshot-stream pass. It is safe to
// call repeatedly: resumption is always recomputed from sink state, and
// both the snapshot copier's done markers and the replication client's
// resume filter make re-entry idempotent.
func runOnce(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	store := cfg.Store

	hint, err := resume.Build(ctx, store)
	if err != nil {
		return fmt.Errorf("pipeline: resumption: %w", err)
	}
	if hint != nil {
		logger.Info().
			Stringer("resume_lsn", lsn.LSN(hint.ResumeLSN)).
			Uint64("last_chunk", hint.LastFileName).
			Bool("skipping", hint.SkippingEvents).
			Msg("resuming from prior stream chunk")
	} else {
		logger.Info().Msg("no prior stream chunk found, starting fresh")
	}

	client, err := replconn.Connect(ctx, cfg.DB, hint, logger)
	if err != nil {
		return fmt.Errorf("pipeline: replication client: %w", err)
	}
	defer client.Close(ctx)

	schemas, err := client.GetSchemas(ctx, cfg.Pub)
	if err != nil {
		return fmt.Errorf("pipeline: get schemas: %w", err)
	}
	logger.Info().Int("tables", len(schemas)).Msg("discovered published tables")

	copier := snapshotcopy.New(store, client, logger)
	if err := copier.CopyAll(ctx, schemas); err != nil {
		return fmt.Errorf("pipeline: snapshot copy: %w", err)
	}

	if err := client.CommitSnapshot(ctx); err != nil {
		return fmt.Errorf("pipeline: commit snapshot: %w", err)
	}

	if err := client.StartReplication(ctx, cfg.Pub); err != nil {
		return fmt.Errorf("pipeline: start replication: %w", err)
	}

	schemaMap := make(map[uint32]relschema.TableSchema, len(schemas))
	for _, ts := range schemas {
		schemaMap[ts.RelationID] = ts
	}

	var startChunkCount uint64
	if hint != nil {
		startChunkCount = hint.LastFileName
	}

	stream := streamcopy.New(store, client, schemaMap, startChunkCount, logger)
	logger.Info().Msg("streaming replication events")
	if err := stream.Run(ctx); err != nil {
		return fmt.Errorf("pipeline: stream copy: %w", err)
	}
	return nil
}
