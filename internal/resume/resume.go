// Package resume reconstructs, before the replication slot is opened, the
// last-written LSN and event kind from the sink so the replication client
// and stream copier can skip events already delivered in a prior run. The
// resumption object is the largest-numbered stream chunk; it is read once
// at startup and never modified.
package resume

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wcalenie/replicate-to-s3/internal/chunk"
	"github.com/wcalenie/replicate-to-s3/internal/replconn"
	"github.com/wcalenie/replicate-to-s3/internal/sink"
)

const streamPrefix = "realtime_changes/"

// Build lists realtime_changes/, finds the largest-numbered chunk, and
// derives a ResumptionHint from its last complete event. A nil hint with a
// nil error means no prior stream chunk exists: the slot is created fresh.
func Build(ctx context.Context, store sink.Store) (*replconn.ResumptionHint, error) {
	keys, err := store.List(ctx, streamPrefix)
	if err != nil {
		return nil, fmt.Errorf("resume: list %s: %w", streamPrefix, err)
	}

	var maxN uint64
	found := false
	for _, key := range keys {
		suffix := strings.TrimPrefix(key, streamPrefix)
		n, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			// Not a numbered stream chunk (e.g. a stray object); ignore it
			// rather than treating an unrelated key as corruption.
			continue
		}
		if !found || n > maxN {
			maxN = n
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	body, err := store.Get(ctx, streamPrefix+strconv.FormatUint(maxN, 10))
	if err != nil {
		return nil, fmt.Errorf("resume: get chunk %d: %w", maxN, err)
	}

	ev, err := chunk.ParseLast(body)
	if err != nil {
		// A largest stream chunk with zero complete records means resume
		// state cannot be trusted, fatal regardless of cause.
		return nil, fmt.Errorf("resume: chunk %d has no complete record: %w", maxN, err)
	}

	return &replconn.ResumptionHint{
		ResumeLSN:      ev.LastLSN,
		LastKind:       ev.Kind,
		LastFileName:   maxN,
		SkippingEvents: !ev.Kind.IsCommit(),
	}, nil
}
