package chunk

// Value is a hand-rolled, self-describing sum type for the payload carried
// by an Event. It is deliberately not a Go struct encoded by reflection:
// every case the wire format supports (null, bool, signed/unsigned
// integers, text, ordered maps, arrays) is an explicit constructor below,
// and the codec in codec.go switches on Kind rather than reflecting over
// struct tags.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindText
	KindArray
	KindMap
)

// Pair is one key/value entry in an ordered Map value. Order is
// insertion order, not sorted or hashed: the wire format preserves exactly
// the order the caller built the Map in.
type Pair struct {
	Key   string
	Value Value
}

// Value is the dynamically-typed payload of an Event. Exactly one of the
// fields below is meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Uint  uint64
	Text  string
	Array []Value
	Map   []Pair
}

// Null is the absence of a value (SQL NULL).
func Null() Value { return Value{Kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Int wraps a signed integer (used for the event kind, nanosecond
// timestamps, commit flags, type modifiers and INT4 column values; LSNs,
// xids, relation ids and type ids use Uint).
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Uint wraps an unsigned integer.
func Uint(u uint64) Value { return Value{Kind: KindUint, Uint: u} }

// Text wraps a UTF-8 string.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// Array wraps an ordered sequence of values.
func Array(vs []Value) Value { return Value{Kind: KindArray, Array: vs} }

// Map wraps an ordered sequence of key/value pairs.
func Map(pairs []Pair) Value { return Value{Kind: KindMap, Map: pairs} }

// MapBuilder accumulates key/value pairs in insertion order and produces a
// Map value. It exists so call sites building the Begin/Commit/Relation/Row
// payloads read as a flat sequence of Set calls instead of slice literals.
type MapBuilder struct {
	pairs []Pair
}

// Set appends a key/value pair, preserving the order Set was called in.
func (b *MapBuilder) Set(key string, v Value) *MapBuilder {
	b.pairs = append(b.pairs, Pair{Key: key, Value: v})
	return b
}

// Build returns the accumulated pairs as a Map value.
func (b *MapBuilder) Build() Value {
	return Map(b.pairs)
}
