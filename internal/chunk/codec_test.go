package chunk

import (
	"testing"
	"time"
)

func sampleInsert(lsn uint64, relID uint32) Event {
	data := (&MapBuilder{}).
		Set("id", Int(1)).
		Set("name", Text("a")).
		Build()
	return Event{
		Kind:       EventInsert,
		Timestamp:  time.Unix(0, 1700000000000000000).UTC(),
		RelationID: &relID,
		LastLSN:    lsn,
		Data:       data,
	}
}

func TestFrameParseRoundTrip(t *testing.T) {
	ev := sampleInsert(42, 7)
	framed, err := Frame(ev)
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}

	got, err := ParseLast(framed)
	if err != nil {
		t.Fatalf("ParseLast: %v", err)
	}

	if got.Kind != ev.Kind {
		t.Errorf("Kind = %v, want %v", got.Kind, ev.Kind)
	}
	if got.LastLSN != ev.LastLSN {
		t.Errorf("LastLSN = %d, want %d", got.LastLSN, ev.LastLSN)
	}
	if got.RelationID == nil || *got.RelationID != *ev.RelationID {
		t.Errorf("RelationID = %v, want %v", got.RelationID, ev.RelationID)
	}
	if !got.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ev.Timestamp)
	}
	if len(got.Data.Map) != 2 || got.Data.Map[0].Key != "id" || got.Data.Map[1].Key != "name" {
		t.Errorf("Data.Map = %+v, want ordered [id name]", got.Data.Map)
	}
}

func TestParseLastReturnsLastOfMultipleRecords(t *testing.T) {
	var buf []byte
	for i := uint64(1); i <= 3; i++ {
		framed, err := Frame(sampleInsert(i*10, 1))
		if err != nil {
			t.Fatalf("Frame: %v", err)
		}
		buf = append(buf, framed...)
	}

	got, err := ParseLast(buf)
	if err != nil {
		t.Fatalf("ParseLast: %v", err)
	}
	if got.LastLSN != 30 {
		t.Errorf("LastLSN = %d, want 30 (the last record)", got.LastLSN)
	}
}

func TestParseLastTornTailIgnored(t *testing.T) {
	complete, err := Frame(sampleInsert(10, 1))
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	torn, err := Frame(sampleInsert(20, 1))
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	// Truncate the second record mid-write, simulating a crash.
	buf := append(append([]byte{}, complete...), torn[:len(torn)-3]...)

	got, err := ParseLast(buf)
	if err != nil {
		t.Fatalf("ParseLast should tolerate a torn tail, got error: %v", err)
	}
	if got.LastLSN != 10 {
		t.Errorf("LastLSN = %d, want 10 (the last complete record)", got.LastLSN)
	}
}

func TestParseLastNoCompleteRecord(t *testing.T) {
	framed, err := Frame(sampleInsert(10, 1))
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	truncated := framed[:4] // not even a full length prefix

	_, err = ParseLast(truncated)
	if err != ErrNoCompleteRecord {
		t.Errorf("ParseLast error = %v, want ErrNoCompleteRecord", err)
	}
}

func TestParseLastCorruptEarlierRecordIsFatal(t *testing.T) {
	complete, err := Frame(sampleInsert(10, 1))
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	// Corrupt the body of the first record while leaving its length prefix
	// intact and pointing at enough bytes, then follow it with an intact
	// record: the earlier corruption must surface as a hard decode error,
	// not be tolerated as a torn tail.
	corrupt := append([]byte{}, complete...)
	for i := lengthPrefixSize; i < len(corrupt); i++ {
		corrupt[i] = 0xff
	}
	corrupt = append(corrupt, complete...)

	_, err = ParseLast(corrupt)
	if err == nil {
		t.Fatal("expected a corruption error, got nil")
	}
	if err == ErrNoCompleteRecord {
		t.Errorf("corruption should not be reported as ErrNoCompleteRecord")
	}
}

func TestEventKindRoundTrips(t *testing.T) {
	for _, k := range []EventKind{EventSchema, EventBegin, EventCommit, EventInsert, EventUpdate, EventDelete, EventRelation} {
		ev := Event{Kind: k, Timestamp: time.Now().UTC(), LastLSN: 1, Data: Null()}
		framed, err := Frame(ev)
		if err != nil {
			t.Fatalf("Frame(%v): %v", k, err)
		}
		got, err := ParseLast(framed)
		if err != nil {
			t.Fatalf("ParseLast(%v): %v", k, err)
		}
		if got.Kind != k {
			t.Errorf("Kind = %v, want %v", got.Kind, k)
		}
	}
}
