// Package chunk implements the wire format for one record in a chunk
// object: a big-endian u64 length prefix followed by a self-describing,
// key-order-preserving encoding of an Event. The encoding is built on
// github.com/vmihailenco/msgpack/v5, driven through its low-level
// Encoder/Decoder primitives (EncodeMapLen/EncodeString/... and their
// Decode counterparts) rather than through reflection-based
// Marshal/Unmarshal of a Go struct: every Value case is handled by an
// explicit switch arm below, never by reflecting over struct tags.
package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// lengthPrefixSize is the width of the big-endian record length prefix.
const lengthPrefixSize = 8

// ErrNoCompleteRecord is returned by ParseLast when a buffer contains no
// fully-framed record, which makes the buffer useless as resume state.
var ErrNoCompleteRecord = errors.New("chunk: no complete record in buffer")

// Frame serialises ev and prepends its big-endian u64 length, ready to be
// appended to a chunk buffer.
func Frame(ev Event) ([]byte, error) {
	body, err := encodeEvent(ev)
	if err != nil {
		return nil, fmt.Errorf("chunk: encode event: %w", err)
	}
	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint64(out[:lengthPrefixSize], uint64(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out, nil
}

// ParseLast scans length-prefixed records in buf front-to-back and returns
// the last complete record. A trailing length prefix that promises more
// bytes than buf actually holds is treated as a torn write in progress, not
// corruption, and is silently ignored. A record whose declared length fits
// within buf but fails to decode is a fatal corruption error, since only
// the very last record in a correctly-written chunk can ever be torn.
func ParseLast(buf []byte) (Event, error) {
	var (
		last  Event
		found bool
		pos   uint64
		total = uint64(len(buf))
	)

	for pos+lengthPrefixSize <= total {
		length := binary.BigEndian.Uint64(buf[pos : pos+lengthPrefixSize])
		recordStart := pos + lengthPrefixSize
		recordEnd := recordStart + length
		if recordEnd > total {
			// Torn tail: the length prefix promises more bytes than are
			// present. This is the write that had not finished yet.
			break
		}

		ev, err := decodeEvent(buf[recordStart:recordEnd])
		if err != nil {
			return Event{}, fmt.Errorf("chunk: corrupt record at offset %d: %w", pos, err)
		}
		last = ev
		found = true
		pos = recordEnd
	}

	if !found {
		return Event{}, ErrNoCompleteRecord
	}
	return last, nil
}

func encodeEvent(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	fieldCount := 4
	if ev.RelationID != nil {
		fieldCount++
	}
	if err := enc.EncodeMapLen(fieldCount); err != nil {
		return nil, err
	}

	if err := encodeField(enc, "event_type", Int(int64(ev.Kind))); err != nil {
		return nil, err
	}
	if err := encodeField(enc, "timestamp", Int(ev.Timestamp.UTC().UnixNano())); err != nil {
		return nil, err
	}
	if ev.RelationID != nil {
		if err := encodeField(enc, "relation_id", Uint(uint64(*ev.RelationID))); err != nil {
			return nil, err
		}
	}
	if err := encodeField(enc, "last_lsn", Uint(ev.LastLSN)); err != nil {
		return nil, err
	}
	if err := encodeField(enc, "data", ev.Data); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeField(enc *msgpack.Encoder, key string, v Value) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return encodeValue(enc, v)
}

func encodeValue(enc *msgpack.Encoder, v Value) error {
	switch v.Kind {
	case KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.Bool)
	case KindInt:
		return enc.EncodeInt64(v.Int)
	case KindUint:
		return enc.EncodeUint64(v.Uint)
	case KindText:
		return enc.EncodeString(v.Text)
	case KindArray:
		if err := enc.EncodeArrayLen(len(v.Array)); err != nil {
			return err
		}
		for _, elem := range v.Array {
			if err := encodeValue(enc, elem); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		if err := enc.EncodeMapLen(len(v.Map)); err != nil {
			return err
		}
		for _, pair := range v.Map {
			if err := enc.EncodeString(pair.Key); err != nil {
				return err
			}
			if err := encodeValue(enc, pair.Value); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("chunk: unknown value kind %d", v.Kind)
	}
}

func decodeEvent(body []byte) (Event, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(body))

	n, err := dec.DecodeMapLen()
	if err != nil {
		return Event{}, fmt.Errorf("decode event map: %w", err)
	}

	var ev Event
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return Event{}, fmt.Errorf("decode event field name: %w", err)
		}
		switch key {
		case "event_type":
			v, err := decodeValue(dec)
			if err != nil {
				return Event{}, fmt.Errorf("decode event_type: %w", err)
			}
			ev.Kind = EventKind(v.Int)
		case "timestamp":
			v, err := decodeValue(dec)
			if err != nil {
				return Event{}, fmt.Errorf("decode timestamp: %w", err)
			}
			ev.Timestamp = time.Unix(0, v.Int).UTC()
		case "relation_id":
			v, err := decodeValue(dec)
			if err != nil {
				return Event{}, fmt.Errorf("decode relation_id: %w", err)
			}
			rid := uint32(v.Uint)
			ev.RelationID = &rid
		case "last_lsn":
			v, err := decodeValue(dec)
			if err != nil {
				return Event{}, fmt.Errorf("decode last_lsn: %w", err)
			}
			ev.LastLSN = v.Uint
		case "data":
			v, err := decodeValue(dec)
			if err != nil {
				return Event{}, fmt.Errorf("decode data: %w", err)
			}
			ev.Data = v
		default:
			if err := skipValue(dec); err != nil {
				return Event{}, fmt.Errorf("skip unknown field %q: %w", key, err)
			}
		}
	}
	return ev, nil
}

// decodeValue reads one self-describing value by inspecting its leading
// msgpack type code. This is the decode-side enumeration counterpart to
// encodeValue: every branch is an explicit wire-format case, not a
// reflection-driven dispatch.
func decodeValue(dec *msgpack.Decoder) (Value, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return Value{}, err
	}

	switch {
	case code == 0xc0: // nil
		if err := dec.DecodeNil(); err != nil {
			return Value{}, err
		}
		return Null(), nil

	case code == 0xc2 || code == 0xc3: // false, true
		b, err := dec.DecodeBool()
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil

	case code == 0xcf: // uint64, the only code that can exceed int64 range
		u, err := dec.DecodeUint64()
		if err != nil {
			return Value{}, err
		}
		return Uint(u), nil

	case isStrCode(code):
		s, err := dec.DecodeString()
		if err != nil {
			return Value{}, err
		}
		return Text(s), nil

	case isArrayCode(code):
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return Value{}, err
		}
		elems := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			elem, err := decodeValue(dec)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, elem)
		}
		return Array(elems), nil

	case isMapCode(code):
		n, err := dec.DecodeMapLen()
		if err != nil {
			return Value{}, err
		}
		pairs := make([]Pair, 0, n)
		for i := 0; i < n; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				return Value{}, err
			}
			val, err := decodeValue(dec)
			if err != nil {
				return Value{}, err
			}
			pairs = append(pairs, Pair{Key: key, Value: val})
		}
		return Map(pairs), nil

	default:
		// Every other code is a signed-range numeric: positive/negative
		// fixint, int8/16/32/64, or uint8/16/32 (all of which fit in int64).
		i, err := dec.DecodeInt64()
		if err != nil {
			return Value{}, err
		}
		return Int(i), nil
	}
}

// skipValue discards one value of unknown shape, used when an older/newer
// writer included a field this decoder does not recognise.
func skipValue(dec *msgpack.Decoder) error {
	_, err := decodeValue(dec)
	return err
}

func isStrCode(c byte) bool {
	return (c >= 0xa0 && c <= 0xbf) || c == 0xd9 || c == 0xda || c == 0xdb
}

func isArrayCode(c byte) bool {
	return (c >= 0x90 && c <= 0x9f) || c == 0xdc || c == 0xdd
}

func isMapCode(c byte) bool {
	return (c >= 0x80 && c <= 0x8f) || c == 0xde || c == 0xdf
}
