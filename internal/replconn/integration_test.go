//go:build integration

package replconn_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/wcalenie/replicate-to-s3/internal/chunk"
	"github.com/wcalenie/replicate-to-s3/internal/relschema"
	"github.com/wcalenie/replicate-to-s3/internal/replconn"
	"github.com/wcalenie/replicate-to-s3/internal/testutil"
)

// These tests need the source database from docker-compose.test.yml:
//
//	go test -tags integration ./internal/replconn/
//
// testutil.StartContainers skips them when no container runtime is
// available.

const (
	itSlot = "replicate_to_s3_it"
	itPub  = "replicate_to_s3_it_pub"
)

// itConfig matches testutil.DefaultSourceDSN and the compose file.
func itConfig() replconn.Config {
	return replconn.Config{
		Host:     "localhost",
		Port:     55432,
		Database: "source",
		User:     "postgres",
		Password: "source",
		SlotName: itSlot,
	}
}

func drainRows(t *testing.T, rows replconn.RowSource, wantFields int) int {
	t.Helper()
	count := 0
	for {
		fields, ok, err := rows.Next()
		if err != nil {
			t.Fatalf("copy row: %v", err)
		}
		if !ok {
			return count
		}
		if len(fields) != wantFields {
			t.Fatalf("row has %d fields, want %d", len(fields), wantFields)
		}
		count++
	}
}

func TestConnectSnapshotAndStream(t *testing.T) {
	testutil.StartContainers(t)
	pool := testutil.MustConnectPool(t, testutil.SourceDSN())

	testutil.CleanupReplication(t, pool, itSlot, itPub)
	testutil.CreateTestTable(t, pool, "public", "widgets", 3)
	t.Cleanup(func() {
		testutil.CleanupReplication(t, pool, itSlot, itPub)
		testutil.DropTestTable(t, pool, "public", "widgets")
	})
	testutil.CreatePublication(t, pool, itPub)
	if !testutil.TableExists(t, pool, "public", "widgets") {
		t.Fatal("test table was not created")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := replconn.Connect(ctx, itConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close(context.Background())

	if client.ConsistentPoint() == 0 {
		t.Error("expected a nonzero consistent point for a fresh slot")
	}

	schemas, err := client.GetSchemas(ctx, itPub)
	if err != nil {
		t.Fatalf("GetSchemas: %v", err)
	}
	var ts relschema.TableSchema
	found := false
	for _, s := range schemas {
		if s.Table == (relschema.Table{Schema: "public", Name: "widgets"}) {
			ts = s
			found = true
		}
	}
	if !found {
		t.Fatalf("widgets not among published schemas: %+v", schemas)
	}
	if len(ts.Attributes) != 3 {
		t.Fatalf("widgets has %d attributes, want 3", len(ts.Attributes))
	}
	if got := testutil.TableRowCount(t, pool, "public", "widgets"); got != 3 {
		t.Fatalf("seeded %d rows, want 3", got)
	}

	rows, err := client.CopyTable(ctx, ts.Table)
	if err != nil {
		t.Fatalf("CopyTable: %v", err)
	}
	if count := drainRows(t, rows, len(ts.Attributes)); count != 3 {
		t.Errorf("copied %d rows, want 3", count)
	}

	if err := client.CommitSnapshot(ctx); err != nil {
		t.Fatalf("CommitSnapshot: %v", err)
	}
	if err := client.StartReplication(ctx, itPub); err != nil {
		t.Fatalf("StartReplication: %v", err)
	}

	if _, err := pool.Exec(ctx, `INSERT INTO "widgets" (name, value) VALUES ('streamed', 99)`); err != nil {
		t.Fatalf("insert after snapshot: %v", err)
	}

	sawInsert := false
	for !sawInsert {
		msg, err := client.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if msg.IsKeepalive {
			continue
		}
		if _, ok := msg.Logical.(*pglogrepl.InsertMessage); ok {
			sawInsert = true
			if err := client.StandbyStatusUpdate(ctx, msg.WALEnd, msg.WALEnd, msg.WALEnd, false); err != nil {
				t.Fatalf("StandbyStatusUpdate: %v", err)
			}
		}
	}
}

func TestConnectWithHintStillCopiesTables(t *testing.T) {
	testutil.StartContainers(t)
	pool := testutil.MustConnectPool(t, testutil.SourceDSN())

	testutil.CreateTestTable(t, pool, "public", "gadgets", 2)
	t.Cleanup(func() {
		testutil.DropTestTable(t, pool, "public", "gadgets")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A resumed run (the sink already holds stream chunks) must still be
	// able to re-copy a table whose done marker was removed.
	hint := &replconn.ResumptionHint{
		ResumeLSN:      1,
		LastKind:       chunk.EventCommit,
		LastFileName:   1,
		SkippingEvents: false,
	}
	client, err := replconn.Connect(ctx, itConfig(), hint, zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect with hint: %v", err)
	}
	defer client.Close(context.Background())

	rows, err := client.CopyTable(ctx, relschema.Table{Schema: "public", Name: "gadgets"})
	if err != nil {
		t.Fatalf("CopyTable on a resumed client: %v", err)
	}
	if count := drainRows(t, rows, 3); count != 2 {
		t.Errorf("copied %d rows, want 2", count)
	}
	if err := client.CommitSnapshot(ctx); err != nil {
		t.Fatalf("CommitSnapshot: %v", err)
	}
}
