package replconn

import (
	"bytes"
	"io"
	"testing"
)

func buildCopyStream(rows [][][]byte) []byte {
	var buf bytes.Buffer
	buf.Write(copyBinarySignature[:])
	buf.Write([]byte{0, 0, 0, 0}) // flags
	buf.Write([]byte{0, 0, 0, 0}) // header extension length

	for _, row := range rows {
		fc := len(row)
		buf.Write([]byte{byte(fc >> 8), byte(fc)})
		for _, field := range row {
			if field == nil {
				buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
				continue
			}
			n := len(field)
			buf.Write([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
			buf.Write(field)
		}
	}
	buf.Write([]byte{0xff, 0xff}) // trailer: field count -1
	return buf.Bytes()
}

func TestBinaryCopyReaderRoundTrip(t *testing.T) {
	rows := [][][]byte{
		{[]byte{0, 0, 0, 1}, []byte("a")},
		{[]byte{0, 0, 0, 2}, nil},
	}
	data := buildCopyStream(rows)

	r := newBinaryCopyReader(bytes.NewReader(data))

	row1, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(row1) != 2 || string(row1[1]) != "a" {
		t.Errorf("row1 = %v, want [00000001 a]", row1)
	}

	row2, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if row2[1] != nil {
		t.Errorf("row2[1] = %v, want nil", row2[1])
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next at end = %v, want io.EOF", err)
	}
}

func TestBinaryCopyReaderBadSignature(t *testing.T) {
	r := newBinaryCopyReader(bytes.NewReader([]byte("not a copy stream..")))
	if _, err := r.Next(); err == nil {
		t.Fatal("expected error for bad signature")
	}
}

func TestBinaryCopyReaderEmpty(t *testing.T) {
	data := buildCopyStream(nil)
	r := newBinaryCopyReader(bytes.NewReader(data))
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next on empty stream = %v, want io.EOF", err)
	}
}
