// Package lsn models the 64-bit log sequence number used throughout the
// replication pipeline to identify a position in the upstream write-ahead
// log. Zero is the sentinel "unknown" value; comparisons are unsigned.
package lsn

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LSN is a monotonically non-decreasing position in the source database's
// write-ahead log. The zero value means "unknown".
type LSN uint64

// String renders an LSN in Postgres's canonical hex form, high and low 32
// bits without zero padding (e.g. "16/B374D848", "0/0").
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// Parse parses a Postgres LSN string such as "16/B374D848" into an LSN.
func Parse(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("invalid LSN %q: missing '/'", s)
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	return LSN(hiVal<<32 | loVal), nil
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
