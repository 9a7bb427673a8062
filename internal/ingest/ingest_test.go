package ingest

import (
	"os"
	"testing"

	"github.com/timondb/timon/internal/catalog"
	"github.com/timondb/timon/internal/errors"
	"github.com/timondb/timon/internal/parquet"
	"github.com/timondb/timon/internal/schema"
	"github.com/timondb/timon/pkg/types"
)

func newTestIngestor(t *testing.T) (*Ingestor, *catalog.Catalog) {
	t.Helper()
	c, err := catalog.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CreateDatabase("db"); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateTable("db", "t"); err != nil {
		t.Fatal(err)
	}
	return NewIngestor(c, schema.NewRegistry(c), ""), c
}

func TestInsert_Basic(t *testing.T) {
	in, c := newTestIngestor(t)

	count, err := in.Insert("db", "t", `[
		{"timestamp": "2024-01-01T10:00:00Z", "host": "a", "cpu": 0.5},
		{"timestamp": "2024-01-01T11:00:00Z", "host": "b", "cpu": 0.7}
	]`)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	days, err := c.ListPartitions("db", "t")
	if err != nil {
		t.Fatal(err)
	}
	if len(days) != 1 || days[0].String() != "2024-01-01" {
		t.Fatalf("partitions = %v", days)
	}

	sch, err := c.LoadSchema("db", "t")
	if err != nil {
		t.Fatal(err)
	}
	if typ, _ := sch.FieldType("cpu"); typ != types.TypeFloat {
		t.Errorf("cpu = %s, want float", typ)
	}
	if typ, _ := sch.FieldType("timestamp"); typ != types.TypeTimestamp {
		t.Errorf("timestamp = %s, want timestamp", typ)
	}
}

func TestInsert_GroupsByUTCDay(t *testing.T) {
	in, c := newTestIngestor(t)

	count, err := in.Insert("db", "t", `[
		{"timestamp": "2024-01-01T23:59:59Z", "x": 1},
		{"timestamp": "2024-01-02T00:00:00Z", "x": 2},
		{"timestamp": "2024-01-02T12:00:00Z", "x": 3}
	]`)
	if err != nil || count != 3 {
		t.Fatalf("insert: count=%d err=%v", count, err)
	}

	days, _ := c.ListPartitions("db", "t")
	if len(days) != 2 {
		t.Fatalf("partitions = %v, want two days", days)
	}

	day2, _ := types.ParseDate("2024-01-02")
	_, rows, err := parquet.ReadFile(c.PartitionPath("db", "t", day2))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Errorf("day 2 has %d rows, want 2", len(rows))
	}
}

func TestInsert_MergesExistingPartition(t *testing.T) {
	in, c := newTestIngestor(t)

	if _, err := in.Insert("db", "t", `[{"timestamp": "2024-01-01T10:00:00Z", "x": 1}]`); err != nil {
		t.Fatal(err)
	}
	if _, err := in.Insert("db", "t", `[{"timestamp": "2024-01-01T05:00:00Z", "x": 2}]`); err != nil {
		t.Fatal(err)
	}

	day, _ := types.ParseDate("2024-01-01")
	_, rows, err := parquet.ReadFile(c.PartitionPath("db", "t", day))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	// Rewritten file is sorted by timestamp, so the later insert comes first.
	if rows[0].Values["x"] != int64(2) || rows[1].Values["x"] != int64(1) {
		t.Errorf("rows out of order: %v, %v", rows[0].Values, rows[1].Values)
	}
}

func TestInsert_WideningUpgradesExistingRows(t *testing.T) {
	in, c := newTestIngestor(t)

	if _, err := in.Insert("db", "t", `[{"timestamp": "2024-01-01T10:00:00Z", "x": 1}]`); err != nil {
		t.Fatal(err)
	}
	if _, err := in.Insert("db", "t", `[{"timestamp": "2024-01-01T11:00:00Z", "x": 2.5}]`); err != nil {
		t.Fatal(err)
	}

	sch, _ := c.LoadSchema("db", "t")
	if typ, _ := sch.FieldType("x"); typ != types.TypeFloat {
		t.Fatalf("x = %s, want float after widening", typ)
	}

	day, _ := types.ParseDate("2024-01-01")
	_, rows, err := parquet.ReadFile(c.PartitionPath("db", "t", day))
	if err != nil {
		t.Fatal(err)
	}
	for i, row := range rows {
		if _, ok := row.Values["x"].(float64); !ok {
			t.Errorf("row %d: x = %v (%T), want float64", i, row.Values["x"], row.Values["x"])
		}
	}
}

func TestInsert_SchemaConflictLeavesTableUntouched(t *testing.T) {
	in, c := newTestIngestor(t)

	if _, err := in.Insert("db", "t", `[{"timestamp": "2024-01-01T10:00:00Z", "x": 1}]`); err != nil {
		t.Fatal(err)
	}

	_, err := in.Insert("db", "t", `[{"timestamp": "2024-01-01T11:00:00Z", "x": "oops"}]`)
	if !errors.HasCode(err, errors.CodeSchemaConflict) {
		t.Fatalf("got %v, want SCHEMA_CONFLICT", err)
	}

	sch, _ := c.LoadSchema("db", "t")
	if typ, _ := sch.FieldType("x"); typ != types.TypeInt {
		t.Errorf("x = %s, schema must be unchanged after conflict", typ)
	}
	day, _ := types.ParseDate("2024-01-01")
	_, rows, _ := parquet.ReadFile(c.PartitionPath("db", "t", day))
	if len(rows) != 1 {
		t.Errorf("partition has %d rows, want 1", len(rows))
	}
}

func TestInsert_MultiDayBatchCommitsAtomically(t *testing.T) {
	in, c := newTestIngestor(t)

	// Block the second day's partition path with a directory so its
	// rename fails mid-batch.
	day1, _ := types.ParseDate("2024-01-01")
	day2, _ := types.ParseDate("2024-01-02")
	blocker := c.PartitionPath("db", "t", day2)
	if err := os.Mkdir(blocker, 0755); err != nil {
		t.Fatal(err)
	}

	batch := `[
		{"timestamp": "2024-01-01T10:00:00Z", "x": 1},
		{"timestamp": "2024-01-02T10:00:00Z", "x": 2}
	]`
	if _, err := in.Insert("db", "t", batch); err == nil {
		t.Fatal("insert should fail when a day's write fails")
	}

	// The failed batch must leave no day behind.
	if _, err := os.Stat(c.PartitionPath("db", "t", day1)); !os.IsNotExist(err) {
		t.Fatal("first day was committed despite the failed batch")
	}

	// Retrying the same batch after the fault clears must not duplicate
	// the first day's rows.
	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	count, err := in.Insert("db", "t", batch)
	if err != nil || count != 2 {
		t.Fatalf("retry: count=%d err=%v", count, err)
	}
	for _, day := range []types.Date{day1, day2} {
		_, rows, err := parquet.ReadFile(c.PartitionPath("db", "t", day))
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 1 {
			t.Errorf("%s has %d rows after retry, want 1", day, len(rows))
		}
	}
}

func TestInsert_FailedBatchRestoresExistingPartition(t *testing.T) {
	in, c := newTestIngestor(t)

	if _, err := in.Insert("db", "t", `[{"timestamp": "2024-01-01T08:00:00Z", "x": 1}]`); err != nil {
		t.Fatal(err)
	}

	day1, _ := types.ParseDate("2024-01-01")
	day2, _ := types.ParseDate("2024-01-02")
	if err := os.Mkdir(c.PartitionPath("db", "t", day2), 0755); err != nil {
		t.Fatal(err)
	}

	_, err := in.Insert("db", "t", `[
		{"timestamp": "2024-01-01T10:00:00Z", "x": 2},
		{"timestamp": "2024-01-02T10:00:00Z", "x": 3}
	]`)
	if err == nil {
		t.Fatal("insert should fail when a day's write fails")
	}

	// The first day rolls back to its pre-batch content.
	_, rows, err := parquet.ReadFile(c.PartitionPath("db", "t", day1))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Values["x"] != int64(1) {
		t.Errorf("day 1 after rollback = %v, want the original single row", rows)
	}
}

func TestRollback_RestoresCommittedDays(t *testing.T) {
	in, c := newTestIngestor(t)

	if _, err := in.Insert("db", "t", `[{"timestamp": "2024-01-01T08:00:00Z", "x": 1}]`); err != nil {
		t.Fatal(err)
	}
	day1, _ := types.ParseDate("2024-01-01")
	day2, _ := types.ParseDate("2024-01-02")
	prior, err := os.ReadFile(c.PartitionPath("db", "t", day1))
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a batch that rewrote day 1 and created day 2 before a
	// later day's commit failed.
	if err := c.AtomicWritePartition("db", "t", day1, []byte("overwritten")); err != nil {
		t.Fatal(err)
	}
	if err := c.AtomicWritePartition("db", "t", day2, []byte("new day")); err != nil {
		t.Fatal(err)
	}

	in.rollback("db", "t", []stagedPartition{
		{day: day1, original: prior},
		{day: day2, original: nil},
	})

	restored, err := os.ReadFile(c.PartitionPath("db", "t", day1))
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != string(prior) {
		t.Error("day 1 content not restored to its pre-batch bytes")
	}
	if _, err := os.Stat(c.PartitionPath("db", "t", day2)); !os.IsNotExist(err) {
		t.Error("day 2 should be removed, it did not exist before the batch")
	}
}

func TestInsert_MissingTimestampRejectsWholeBatch(t *testing.T) {
	in, c := newTestIngestor(t)

	_, err := in.Insert("db", "t", `[
		{"timestamp": "2024-01-01T10:00:00Z", "x": 1},
		{"x": 2}
	]`)
	if !errors.HasCode(err, errors.CodeMissingTimestamp) {
		t.Fatalf("got %v, want MISSING_TIMESTAMP", err)
	}

	days, _ := c.ListPartitions("db", "t")
	if len(days) != 0 {
		t.Errorf("partitions = %v, want none after rejected batch", days)
	}
}

func TestInsert_InvalidPayload(t *testing.T) {
	in, _ := newTestIngestor(t)

	if _, err := in.Insert("db", "t", `{"not": "an array"}`); !errors.HasCode(err, errors.CodeInvalidPayload) {
		t.Errorf("object payload: got %v, want INVALID_PAYLOAD", err)
	}
	if _, err := in.Insert("db", "t", `[1, 2]`); !errors.HasCode(err, errors.CodeInvalidPayload) {
		t.Errorf("scalar elements: got %v, want INVALID_PAYLOAD", err)
	}
}

func TestInsert_EmptyBatch(t *testing.T) {
	in, c := newTestIngestor(t)

	count, err := in.Insert("db", "t", `[]`)
	if err != nil || count != 0 {
		t.Fatalf("empty batch: count=%d err=%v", count, err)
	}
	days, _ := c.ListPartitions("db", "t")
	if len(days) != 0 {
		t.Error("empty batch must not create partitions")
	}
}

func TestInsert_UnknownTable(t *testing.T) {
	in, _ := newTestIngestor(t)
	_, err := in.Insert("db", "ghost", `[]`)
	if !errors.HasCode(err, errors.CodeNotFound) {
		t.Errorf("got %v, want NOT_FOUND", err)
	}
}

func TestInsert_TimestampAlias(t *testing.T) {
	in, c := newTestIngestor(t)

	count, err := in.Insert("db", "t", `[{"ts": "2024-01-01T00:00:00Z", "x": 1}]`)
	if err != nil || count != 1 {
		t.Fatalf("alias insert: count=%d err=%v", count, err)
	}
	sch, _ := c.LoadSchema("db", "t")
	if typ, _ := sch.FieldType("ts"); typ != types.TypeTimestamp {
		t.Errorf("ts = %s, want timestamp", typ)
	}
}

func TestParseTimestamp_Formats(t *testing.T) {
	want := int64(1704103200000) // 2024-01-01T10:00:00Z
	tests := []struct {
		name string
		in   interface{}
		want int64
	}{
		{"rfc3339", "2024-01-01T10:00:00Z", want},
		{"rfc3339 nano", "2024-01-01T10:00:00.000Z", want},
		{"space separated", "2024-01-01 10:00:00", want},
		{"bare date", "2024-01-01", 1704067200000},
		{"epoch seconds", int64(1704103200), want},
		{"epoch millis", int64(1704103200000), want},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if err != nil || got != tt.want {
				t.Errorf("ParseTimestamp(%v) = (%d, %v), want %d", tt.in, got, err, tt.want)
			}
		})
	}

	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Error("garbage timestamp should fail")
	}
	if _, err := ParseTimestamp(true); err == nil {
		t.Error("bool timestamp should fail")
	}
}

func TestBuildRows(t *testing.T) {
	sch, rows, err := BuildRows(`[
		{"ts": "2024-01-01T00:00:00Z", "x": 1},
		{"ts": "2024-01-01T01:00:00Z", "x": 2.5}
	]`, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if typ, _ := sch.FieldType("x"); typ != types.TypeFloat {
		t.Errorf("x = %s, want float (widened within batch)", typ)
	}
	if v, ok := rows[0].Values["x"].(float64); !ok || v != 1 {
		t.Errorf("row 0 x = %v (%T), want 1.0", rows[0].Values["x"], rows[0].Values["x"])
	}
}
