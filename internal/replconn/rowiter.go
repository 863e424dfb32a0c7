package replconn

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgconn"
)

// RowSource is the pull-based lazy sequence of binary-COPY rows CopyTable
// returns. Each row is the raw per-column field bytes in schema attribute
// order; ok is false at normal end of stream.
type RowSource interface {
	Next() (fields [][]byte, ok bool, err error)
}

// RowIter adapts a binary COPY — a push-only network stream — into the
// pull-based sequence CopyTable returns: a goroutine drains the stream
// into a pipe that Next reads from one tuple at a time. The goroutine
// exists purely to turn a push API into a pull one; it hands data to the
// caller only through the pipe and reports its result on copyCh.
type RowIter struct {
	copy   *binaryCopyReader
	pw     *io.PipeWriter
	copyCh chan error
}

func newRowIter(ctx context.Context, conn *pgconn.PgConn, sql string) *RowIter {
	pr, pw := io.Pipe()
	it := &RowIter{
		copy:   newBinaryCopyReader(pr),
		pw:     pw,
		copyCh: make(chan error, 1),
	}
	go func() {
		_, err := conn.CopyTo(ctx, pw, sql)
		pw.CloseWithError(err)
		it.copyCh <- err
	}()
	return it
}

// Next returns the raw field bytes of the next row, or (nil, false, nil) at
// end of stream. A non-nil error is fatal.
func (it *RowIter) Next() ([][]byte, bool, error) {
	fields, err := it.copy.Next()
	if err == io.EOF {
		// Drain the CopyTo goroutine's result so a late server-side error
		// (e.g. connection dropped mid-stream) surfaces instead of being
		// silently lost after we believed the stream ended cleanly.
		if copyErr := <-it.copyCh; copyErr != nil {
			return nil, false, fmt.Errorf("replconn: copy table: %w", copyErr)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

// Close abandons the iterator before it reaches end of stream, unblocking
// the background CopyTo goroutine.
func (it *RowIter) Close() {
	it.pw.CloseWithError(io.ErrClosedPipe)
	<-it.copyCh
}
