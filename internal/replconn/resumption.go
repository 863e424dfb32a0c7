package replconn

import "github.com/wcalenie/replicate-to-s3/internal/chunk"

// ResumptionHint parameterises a fresh Client so it re-opens an existing
// slot at the right position instead of creating a new one. It is produced
// by the resume package from the sink's durable state and is opaque to
// everything except Connect and ShouldSkip.
type ResumptionHint struct {
	ResumeLSN      uint64
	LastKind       chunk.EventKind
	LastFileName   uint64
	SkippingEvents bool
}
