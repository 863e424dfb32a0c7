package replconn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// copyBinarySignature is the fixed 11-byte header PostgreSQL's binary COPY
// format begins every stream with (COPY ... TO STDOUT (FORMAT binary)).
var copyBinarySignature = [11]byte{'P', 'G', 'C', 'O', 'P', 'Y', '\n', 0xff, '\r', '\n', 0}

// binaryCopyReader parses the tuple stream of a binary COPY TO STDOUT,
// documented in the PostgreSQL manual under "COPY Binary Format": an
// 11-byte signature, a flags field, a header extension area, then a
// sequence of tuples each prefixed by an int16 field count (-1 marks the
// end of the stream), with each field itself an int32 length (-1 = NULL)
// followed by that many bytes of data.
type binaryCopyReader struct {
	r            *bufio.Reader
	headerParsed bool
	done         bool
}

func newBinaryCopyReader(r io.Reader) *binaryCopyReader {
	return &binaryCopyReader{r: bufio.NewReader(r)}
}

func (b *binaryCopyReader) parseHeader() error {
	var sig [11]byte
	if _, err := io.ReadFull(b.r, sig[:]); err != nil {
		return fmt.Errorf("replconn: read copy signature: %w", err)
	}
	if sig != copyBinarySignature {
		return errors.New("replconn: not a binary COPY stream (bad signature)")
	}

	flags, err := readInt32(b.r)
	if err != nil {
		return fmt.Errorf("replconn: read copy flags: %w", err)
	}
	_ = flags

	extLen, err := readInt32(b.r)
	if err != nil {
		return fmt.Errorf("replconn: read copy header extension length: %w", err)
	}
	if extLen > 0 {
		if _, err := io.CopyN(io.Discard, b.r, int64(extLen)); err != nil {
			return fmt.Errorf("replconn: discard copy header extension: %w", err)
		}
	}
	b.headerParsed = true
	return nil
}

// Next returns the raw field values of the next tuple, or (nil, io.EOF) once
// the trailer (-1 field count) has been read.
func (b *binaryCopyReader) Next() ([][]byte, error) {
	if b.done {
		return nil, io.EOF
	}
	if !b.headerParsed {
		if err := b.parseHeader(); err != nil {
			return nil, err
		}
	}

	fieldCount, err := readInt16(b.r)
	if err != nil {
		return nil, fmt.Errorf("replconn: read tuple field count: %w", err)
	}
	if fieldCount == -1 {
		b.done = true
		return nil, io.EOF
	}
	if fieldCount < 0 {
		return nil, fmt.Errorf("replconn: invalid tuple field count %d", fieldCount)
	}

	fields := make([][]byte, fieldCount)
	for i := range fields {
		length, err := readInt32(b.r)
		if err != nil {
			return nil, fmt.Errorf("replconn: read field %d length: %w", i, err)
		}
		if length == -1 {
			fields[i] = nil
			continue
		}
		if length < 0 {
			return nil, fmt.Errorf("replconn: invalid field %d length %d", i, length)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(b.r, data); err != nil {
			return nil, fmt.Errorf("replconn: read field %d data: %w", i, err)
		}
		fields[i] = data
	}
	return fields, nil
}

func readInt16(r io.Reader) (int16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int16(uint16(buf[0])<<8 | uint16(buf[1])), nil
}

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])), nil
}
