// Package pgtype decodes the minimal set of PostgreSQL column types this
// system understands into chunk.Value scalars. Any other OID is a fatal
// error: the system has no general-purpose type system, only the
// primitives a downstream consumer needs to reconstruct rows.
package pgtype

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wcalenie/replicate-to-s3/internal/chunk"
)

// OIDs this system understands. Consumers depend on these exact values to
// interpret type_id fields in Schema and Relation events, so widening the
// set must keep them stable.
const (
	OIDInt4      uint32 = 23
	OIDVarchar   uint32 = 1043
	OIDTimestamp uint32 = 1114
)

// timestampLayout is the format replication messages use for TIMESTAMP
// text values: "YYYY-MM-DD HH:MM:SS[.fffffffff]".
const timestampLayout = "2006-01-02 15:04:05.999999999"

// DecodeText interprets the UTF-8 text form of a replication-message tuple
// column (as produced by pgoutput) according to its OID, returning the
// scalar chunk.Value for the event payload. This is the text-format decode
// path used by the stream copier.
func DecodeText(oid uint32, text string) (chunk.Value, error) {
	switch oid {
	case OIDInt4:
		v, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return chunk.Value{}, fmt.Errorf("pgtype: invalid int4 %q: %w", text, err)
		}
		return chunk.Int(v), nil
	case OIDVarchar:
		return chunk.Text(text), nil
	case OIDTimestamp:
		ns, err := parseTimestampNanos(text)
		if err != nil {
			return chunk.Value{}, err
		}
		return chunk.Int(ns), nil
	default:
		return chunk.Value{}, fmt.Errorf("pgtype: unsupported column type OID %d", oid)
	}
}

func parseTimestampNanos(text string) (int64, error) {
	t, err := time.Parse(timestampLayout, strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("pgtype: invalid timestamp %q: %w", text, err)
	}
	return t.UTC().UnixNano(), nil
}

// DecodeBinary interprets the raw binary-COPY representation of a column
// according to its OID. Used by the snapshot copier when streaming rows
// from a binary COPY.
func DecodeBinary(oid uint32, raw []byte) (chunk.Value, error) {
	switch oid {
	case OIDInt4:
		if len(raw) != 4 {
			return chunk.Value{}, fmt.Errorf("pgtype: int4 binary value has %d bytes, want 4", len(raw))
		}
		v := int32(uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3]))
		return chunk.Int(int64(v)), nil
	case OIDVarchar:
		return chunk.Text(string(raw)), nil
	case OIDTimestamp:
		if len(raw) != 8 {
			return chunk.Value{}, fmt.Errorf("pgtype: timestamp binary value has %d bytes, want 8", len(raw))
		}
		micros := int64(uint64(raw[0])<<56 | uint64(raw[1])<<48 | uint64(raw[2])<<40 | uint64(raw[3])<<32 |
			uint64(raw[4])<<24 | uint64(raw[5])<<16 | uint64(raw[6])<<8 | uint64(raw[7]))
		return chunk.Int(micros*1000 + pgEpochOffsetNanos), nil
	default:
		return chunk.Value{}, fmt.Errorf("pgtype: unsupported column type OID %d", oid)
	}
}

// pgEpochOffsetNanos is the nanosecond offset between the PostgreSQL epoch
// (2000-01-01) and the Unix epoch (1970-01-01): 946,684,800 seconds.
const pgEpochOffsetNanos = int64(946_684_800) * 1_000_000_000

// Supported reports whether oid is one of the primitive types this system
// can decode. Used by schema discovery to fail fast on an unsupported
// column rather than only failing once a row using it streams through.
func Supported(oid uint32) bool {
	switch oid {
	case OIDInt4, OIDVarchar, OIDTimestamp:
		return true
	default:
		return false
	}
}
