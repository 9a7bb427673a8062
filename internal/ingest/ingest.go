// Package ingest converts JSON batches into typed columnar day partitions.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/timondb/timon/internal/catalog"
	"github.com/timondb/timon/internal/errors"
	"github.com/timondb/timon/internal/parquet"
	"github.com/timondb/timon/internal/schema"
	"github.com/timondb/timon/pkg/types"
)

// Ingestor routes JSON batches into day partitions of catalog tables.
type Ingestor struct {
	catalog  *catalog.Catalog
	registry *schema.Registry
	tsField  string
}

// NewIngestor creates an ingestor. tsField overrides the designated
// timestamp field name; empty selects the default.
func NewIngestor(c *catalog.Catalog, r *schema.Registry, tsField string) *Ingestor {
	if tsField == "" {
		tsField = types.TimestampField
	}
	return &Ingestor{catalog: c, registry: r, tsField: tsField}
}

// Record is one parsed batch element before schema coercion.
type Record struct {
	Ts     int64
	TsName string
	Fields map[string]interface{}
	Types  map[string]types.FieldType
}

// Insert parses a JSON array of objects and appends its records to the
// table's day partitions. The batch applies fully or not at all: parse
// and schema failures reject the call before a byte is written, and a
// write failure on a multi-day batch rolls back the days already
// committed, so a caller can retry the same batch without duplicating
// rows.
func (in *Ingestor) Insert(db, table, jsonData string) (int, error) {
	if err := in.catalog.RequireTable(db, table); err != nil {
		return 0, err
	}

	records, obs, err := ParseBatch(jsonData, in.tsField)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	sch, err := in.registry.ReconcileAndSave(db, table, obs)
	if err != nil {
		return 0, err
	}

	byDay := make(map[types.Date][]types.Row)
	for _, rec := range records {
		row := coerceRecord(rec, sch)
		byDay[row.Day()] = append(byDay[row.Day()], row)
	}

	state, err := in.catalog.LoadSyncState(db, table)
	if err != nil {
		return 0, err
	}

	// Merge and encode every day before touching any partition file.
	staged := make([]stagedPartition, 0, len(byDay))
	for day, rows := range byDay {
		sp, err := in.preparePartition(db, table, day, sch, rows)
		if err != nil {
			return 0, err
		}
		staged = append(staged, sp)
	}
	sort.Slice(staged, func(i, j int) bool { return staged[i].day.Before(staged[j].day) })

	for i, sp := range staged {
		if err := in.catalog.AtomicWritePartition(db, table, sp.day, sp.data); err != nil {
			in.rollback(db, table, staged[:i])
			return 0, err
		}
	}

	for _, sp := range staged {
		if state.Record(sp.day).Status == catalog.SyncStatusSynced {
			state.MarkUnsynced(sp.day)
			if err := in.catalog.SaveSyncState(db, table, state); err != nil {
				return 0, err
			}
		}
	}

	log.Printf("ingest: wrote %d rows to %s.%s across %d partitions", len(records), db, table, len(staged))
	return len(records), nil
}

// stagedPartition is one day's rewritten partition, encoded but not yet
// committed. original holds the file's previous bytes for rollback; nil
// means the day had no partition before this batch.
type stagedPartition struct {
	day      types.Date
	data     []byte
	original []byte
}

// preparePartition merges rows into the day's existing partition in
// memory and returns the encoded replacement plus the prior content.
func (in *Ingestor) preparePartition(db, table string, day types.Date, sch types.Schema, rows []types.Row) (stagedPartition, error) {
	sp := stagedPartition{day: day}
	path := in.catalog.PartitionPath(db, table, day)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		meta, existing, err := parquet.Decode(raw)
		if err != nil {
			return sp, errors.Wrap(errors.CodeIoFailure, err, "failed to read partition %s of %q.%q", day, db, table)
		}
		upgraded := upgradeRows(types.Schema{Fields: meta.Schema}, sch, existing)
		restoreTimestamps(sch, upgraded)
		rows = append(upgraded, rows...)
		sp.original = raw
	case !os.IsNotExist(err):
		return sp, errors.Wrap(errors.CodeIoFailure, err, "failed to read partition %s of %q.%q", day, db, table)
	}

	data, _, err := parquet.Encode(sch, rows, timestampFieldOf(sch, in.tsField))
	if err != nil {
		return sp, errors.Wrap(errors.CodeIoFailure, err, "failed to encode partition %s of %q.%q", day, db, table)
	}
	sp.data = data
	return sp, nil
}

// rollback restores the partitions a failed batch already committed:
// days that existed before get their prior bytes back, new days are
// removed. Best effort; a failed restore is logged, not returned, since
// the caller already has the write error.
func (in *Ingestor) rollback(db, table string, committed []stagedPartition) {
	for _, sp := range committed {
		if sp.original == nil {
			if err := os.Remove(in.catalog.PartitionPath(db, table, sp.day)); err != nil {
				log.Printf("ingest: rollback of %s.%s %s failed: %v", db, table, sp.day, err)
			}
			continue
		}
		if err := in.catalog.AtomicWritePartition(db, table, sp.day, sp.original); err != nil {
			log.Printf("ingest: rollback of %s.%s %s failed: %v", db, table, sp.day, err)
		}
	}
}

// ParseBatch decodes a JSON array of objects, resolves each record's
// designated timestamp, and accumulates the batch's type observation.
func ParseBatch(jsonData, tsField string) ([]Record, schema.Observation, error) {
	if tsField == "" {
		tsField = types.TimestampField
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(jsonData)))
	dec.UseNumber()

	var raw []interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, nil, errors.Wrap(errors.CodeInvalidPayload, err, "payload is not a JSON array")
	}

	obs := make(schema.Observation)
	records := make([]Record, 0, len(raw))

	for i, elem := range raw {
		obj, ok := elem.(map[string]interface{})
		if !ok {
			return nil, nil, errors.New(errors.CodeInvalidPayload, "element %d is not a JSON object", i)
		}

		rec := Record{
			Fields: make(map[string]interface{}, len(obj)),
			Types:  make(map[string]types.FieldType, len(obj)),
		}

		tsName, tsRaw := resolveTimestamp(obj, tsField)
		if tsName == "" {
			return nil, nil, errors.New(errors.CodeMissingTimestamp,
				"record %d has no %q field", i, tsField)
		}
		ts, err := ParseTimestamp(tsRaw)
		if err != nil {
			return nil, nil, errors.Wrap(errors.CodeMissingTimestamp, err,
				"record %d has an unparsable %q field", i, tsName)
		}
		rec.Ts = ts
		rec.TsName = tsName
		rec.Fields[tsName] = ts
		rec.Types[tsName] = types.TypeTimestamp
		if err := obs.Observe(tsName, types.TypeTimestamp); err != nil {
			return nil, nil, err
		}

		for name, value := range obj {
			if name == tsName {
				continue
			}
			t, normalized, present := schema.InferValue(value)
			if !present {
				// JSON null: the field stays absent and reads back as NULL.
				continue
			}
			rec.Fields[name] = normalized
			rec.Types[name] = t
			if err := obs.Observe(name, t); err != nil {
				return nil, nil, err
			}
		}

		records = append(records, rec)
	}

	return records, obs, nil
}

// resolveTimestamp picks the record's designated timestamp field: the
// configured name first, then the short alias.
func resolveTimestamp(obj map[string]interface{}, tsField string) (string, interface{}) {
	if v, ok := obj[tsField]; ok {
		return tsField, v
	}
	if v, ok := obj[types.TimestampAlias]; ok {
		return types.TimestampAlias, v
	}
	return "", nil
}

// ParseTimestamp accepts RFC3339 (with or without sub-second precision),
// "2006-01-02 15:04:05", bare dates, and numeric epochs. Numeric values
// of 1e12 and above are taken as milliseconds, smaller ones as seconds.
func ParseTimestamp(v interface{}) (int64, error) {
	switch x := v.(type) {
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if t, err := time.ParseInLocation(layout, x, time.UTC); err == nil {
				return t.UTC().UnixMilli(), nil
			}
		}
		return 0, fmt.Errorf("unrecognized timestamp %q", x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return epochToMillis(float64(i)), nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("unrecognized timestamp %q", x.String())
		}
		return epochToMillis(f), nil
	case int64:
		return epochToMillis(float64(x)), nil
	case float64:
		return epochToMillis(x), nil
	default:
		return 0, fmt.Errorf("timestamp must be a string or number, got %T", v)
	}
}

func epochToMillis(n float64) int64 {
	if n >= 1e12 {
		return int64(n)
	}
	return int64(n * 1000)
}

// coerceRecord converts a parsed record into a row whose values match the
// reconciled schema types.
func coerceRecord(rec Record, sch types.Schema) types.Row {
	row := types.Row{Ts: rec.Ts, Values: make(map[string]interface{}, len(rec.Fields))}
	for name, value := range rec.Fields {
		target, ok := sch.FieldType(name)
		if !ok {
			continue
		}
		row.Values[name] = types.CoerceValue(value, rec.Types[name], target)
	}
	return row
}

// timestampFieldOf resolves the name the file footer records as the
// timestamp field. Batches may carry the alias instead of the configured
// name, so the schema's timestamp-typed field wins.
func timestampFieldOf(sch types.Schema, configured string) string {
	for _, f := range sch.Fields {
		if f.Type == types.TypeTimestamp {
			return f.Name
		}
	}
	return configured
}

// restoreTimestamps re-derives Row.Ts for rows decoded from a file whose
// footer named a different timestamp field than the one the row carries.
func restoreTimestamps(sch types.Schema, rows []types.Row) {
	for i := range rows {
		if rows[i].Ts != 0 {
			continue
		}
		for _, f := range sch.Fields {
			if f.Type != types.TypeTimestamp {
				continue
			}
			if ts, ok := rows[i].Values[f.Name].(int64); ok {
				rows[i].Ts = ts
				break
			}
		}
	}
}

// upgradeRows lifts rows decoded under an older file schema to the
// current table schema, converting values where the field type widened.
func upgradeRows(fileSchema, current types.Schema, rows []types.Row) []types.Row {
	conversions := make(map[string][2]types.FieldType)
	for _, f := range fileSchema.Fields {
		if target, ok := current.FieldType(f.Name); ok && target != f.Type {
			conversions[f.Name] = [2]types.FieldType{f.Type, target}
		}
	}
	if len(conversions) == 0 {
		return rows
	}
	for i := range rows {
		for name, pair := range conversions {
			if v, ok := rows[i].Values[name]; ok {
				rows[i].Values[name] = types.CoerceValue(v, pair[0], pair[1])
			}
		}
	}
	return rows
}

// BuildRows parses a bare JSON batch without a catalog table, returning
// the inferred schema and coerced rows. The CLI converter uses this to
// turn a JSON file into a partition file directly.
func BuildRows(jsonData, tsField string) (types.Schema, []types.Row, error) {
	records, obs, err := ParseBatch(jsonData, tsField)
	if err != nil {
		return types.Schema{}, nil, err
	}
	sch, err := schema.Reconcile(types.Schema{}, obs)
	if err != nil {
		return types.Schema{}, nil, err
	}
	rows := make([]types.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, coerceRecord(rec, sch))
	}
	return sch, rows, nil
}
