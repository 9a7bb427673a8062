package parquet

import (
	"path/filepath"
	"testing"

	"github.com/timondb/timon/pkg/types"
)

func testSchema() types.Schema {
	return types.Schema{
		Version: 1,
		Fields: []types.Field{
			{Name: "timestamp", Type: types.TypeTimestamp},
			{Name: "host", Type: types.TypeString},
			{Name: "cpu", Type: types.TypeFloat},
			{Name: "count", Type: types.TypeInt},
			{Name: "healthy", Type: types.TypeBool},
			{Name: "tags", Type: types.TypeJSON},
		},
	}
}

func testRows(n int) []types.Row {
	rows := make([]types.Row, n)
	for i := range rows {
		ts := int64(1704067200000 + i*1000)
		rows[i] = types.Row{
			Ts: ts,
			Values: map[string]interface{}{
				"timestamp": ts,
				"host":      "node-a",
				"cpu":       0.5 + float64(i),
				"count":     int64(i),
				"healthy":   i%2 == 0,
				"tags":      `{"dc":"eu"}`,
			},
		}
	}
	return rows
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	sch := testSchema()
	rows := testRows(25)

	data, meta, err := Encode(sch, rows, "timestamp")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if meta.NumRows != 25 {
		t.Errorf("num_rows = %d, want 25", meta.NumRows)
	}
	if meta.MinTimestamp != 1704067200000 || meta.MaxTimestamp != 1704067224000 {
		t.Errorf("timestamp bounds = [%d, %d]", meta.MinTimestamp, meta.MaxTimestamp)
	}

	decodedMeta, decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != len(rows) {
		t.Fatalf("decoded %d rows, want %d", len(decoded), len(rows))
	}
	if len(decodedMeta.Schema) != len(sch.Fields) {
		t.Fatalf("decoded schema has %d fields, want %d", len(decodedMeta.Schema), len(sch.Fields))
	}

	for i, row := range decoded {
		want := rows[i]
		if row.Ts != want.Ts {
			t.Fatalf("row %d: ts = %d, want %d", i, row.Ts, want.Ts)
		}
		for name, v := range want.Values {
			if got := row.Values[name]; got != v {
				t.Errorf("row %d field %q: got %v (%T), want %v (%T)", i, name, got, got, v, v)
			}
		}
	}
}

func TestEncode_SortsByTimestamp(t *testing.T) {
	sch := types.Schema{Fields: []types.Field{{Name: "timestamp", Type: types.TypeTimestamp}}}
	rows := []types.Row{
		{Ts: 3000, Values: map[string]interface{}{"timestamp": int64(3000)}},
		{Ts: 1000, Values: map[string]interface{}{"timestamp": int64(1000)}},
		{Ts: 2000, Values: map[string]interface{}{"timestamp": int64(2000)}},
	}

	data, meta, err := Encode(sch, rows, "timestamp")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if meta.MinTimestamp != 1000 || meta.MaxTimestamp != 3000 {
		t.Errorf("bounds = [%d, %d], want [1000, 3000]", meta.MinTimestamp, meta.MaxTimestamp)
	}

	_, decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for i := 1; i < len(decoded); i++ {
		if decoded[i-1].Ts > decoded[i].Ts {
			t.Fatalf("rows not sorted: %d before %d", decoded[i-1].Ts, decoded[i].Ts)
		}
	}

	// Input order must survive the sort copy.
	if rows[0].Ts != 3000 {
		t.Error("encode mutated the input slice")
	}
}

func TestEncodeDecode_Nulls(t *testing.T) {
	sch := types.Schema{Fields: []types.Field{
		{Name: "timestamp", Type: types.TypeTimestamp},
		{Name: "value", Type: types.TypeFloat},
	}}
	rows := []types.Row{
		{Ts: 1000, Values: map[string]interface{}{"timestamp": int64(1000), "value": 1.5}},
		{Ts: 2000, Values: map[string]interface{}{"timestamp": int64(2000)}},
		{Ts: 3000, Values: map[string]interface{}{"timestamp": int64(3000), "value": 3.5}},
	}

	data, _, err := Encode(sch, rows, "timestamp")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	_, decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if _, ok := decoded[1].Values["value"]; ok {
		t.Error("null field should be absent after decode")
	}
	if v := decoded[2].Values["value"]; v != 3.5 {
		t.Errorf("row 2 value = %v, want 3.5", v)
	}
}

func TestEncodeDecode_MultipleRowGroups(t *testing.T) {
	sch := types.Schema{Fields: []types.Field{
		{Name: "timestamp", Type: types.TypeTimestamp},
		{Name: "n", Type: types.TypeInt},
	}}
	rows := make([]types.Row, rowGroupSize+500)
	for i := range rows {
		ts := int64(i + 1)
		rows[i] = types.Row{Ts: ts, Values: map[string]interface{}{
			"timestamp": ts, "n": int64(i),
		}}
	}

	data, meta, err := Encode(sch, rows, "timestamp")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if meta.NumRowGroups != 2 {
		t.Fatalf("num_row_groups = %d, want 2", meta.NumRowGroups)
	}

	_, decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != len(rows) {
		t.Fatalf("decoded %d rows, want %d", len(decoded), len(rows))
	}
	if decoded[rowGroupSize].Values["n"] != int64(rowGroupSize) {
		t.Errorf("row group boundary value = %v", decoded[rowGroupSize].Values["n"])
	}
}

func TestDecode_RejectsCorruptInput(t *testing.T) {
	if _, _, err := Decode([]byte("notaparquetfile")); err == nil {
		t.Error("bad magic should fail")
	}
	if _, _, err := Decode([]byte("PA")); err == nil {
		t.Error("truncated file should fail")
	}
}

func TestWriteReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2024-01-01.parquet")
	sch := testSchema()
	rows := testRows(3)

	if _, err := WriteFile(path, sch, rows, "timestamp"); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	meta, decoded, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if meta.NumRows != 3 || len(decoded) != 3 {
		t.Fatalf("read back %d rows (meta %d), want 3", len(decoded), meta.NumRows)
	}

	footer, err := ReadMetadata(path)
	if err != nil {
		t.Fatalf("metadata read failed: %v", err)
	}
	if footer.TimestampField != "timestamp" {
		t.Errorf("timestamp_field = %q", footer.TimestampField)
	}
}
