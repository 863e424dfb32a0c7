package eventbuild

import (
	"testing"
	"time"

	"github.com/wcalenie/replicate-to-s3/internal/chunk"
	"github.com/wcalenie/replicate-to-s3/internal/relschema"
)

func TestSchemaLikeOmitsNullableWhenNil(t *testing.T) {
	cols := []ColumnDesc{{Name: "id", Identity: true, TypeID: 23, TypeModifier: -1}}
	v := SchemaLike("public", "t", cols)

	colArr := v.Map[2].Value
	if colArr.Kind != chunk.KindArray || len(colArr.Array) != 1 {
		t.Fatalf("unexpected columns value: %+v", colArr)
	}
	colMap := colArr.Array[0]
	for _, p := range colMap.Map {
		if p.Key == "nullable" {
			t.Error("expected no nullable key when ColumnDesc.Nullable is nil")
		}
	}
}

func TestFromAttributesIncludesNullable(t *testing.T) {
	attrs := []relschema.Attribute{{Name: "name", TypeOID: 1043, Nullable: true}}
	cols := FromAttributes(attrs)
	v := SchemaLike("public", "t", cols)

	colMap := v.Map[2].Value.Array[0]
	found := false
	for _, p := range colMap.Map {
		if p.Key == "nullable" {
			found = true
			if !p.Value.Bool {
				t.Error("nullable = false, want true")
			}
		}
	}
	if !found {
		t.Error("expected nullable key to be present")
	}
}

func TestRowOrdersByAttribute(t *testing.T) {
	attrs := []relschema.Attribute{{Name: "id"}, {Name: "name"}}
	vals := []chunk.Value{chunk.Int(1), chunk.Text("a")}
	row := Row(attrs, vals)

	if row.Map[0].Key != "id" || row.Map[1].Key != "name" {
		t.Errorf("Row order = %+v, want id, name", row.Map)
	}
}

func TestBeginAndCommitShapes(t *testing.T) {
	ts := time.Unix(0, 0)
	b := Begin(10, ts, 7)
	if b.Map[0].Key != "final_lsn" || b.Map[2].Key != "xid" {
		t.Errorf("Begin shape = %+v", b.Map)
	}
	c := Commit(10, 20, ts, 0)
	if c.Map[0].Key != "commit_lsn" || c.Map[1].Key != "end_lsn" {
		t.Errorf("Commit shape = %+v", c.Map)
	}
}
