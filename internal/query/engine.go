// Package query executes SQL over day partitions by loading the pruned
// rows into an in-memory SQLite database.
//
// Every query sees one logical table named "timon" regardless of the
// physical table queried, so statements stay portable across tables and
// across local and remote execution.
package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/timondb/timon/internal/catalog"
	"github.com/timondb/timon/internal/errors"
	"github.com/timondb/timon/internal/parquet"
	"github.com/timondb/timon/internal/schema"
	"github.com/timondb/timon/pkg/types"
)

// LogicalTable is the table name every SQL statement addresses.
const LogicalTable = "timon"

// Engine runs SQL queries against catalog tables.
type Engine struct {
	catalog     *catalog.Catalog
	registry    *schema.Registry
	concurrency int
}

// NewEngine creates a query engine. concurrency bounds how many partition
// files are decoded in parallel.
func NewEngine(c *catalog.Catalog, r *schema.Registry, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{catalog: c, registry: r, concurrency: concurrency}
}

// ParseRange parses inclusive start and end date strings. Bare dates and
// RFC3339 timestamps are both accepted; timestamps are truncated to their
// UTC day.
func ParseRange(start, end string) (types.DateRange, error) {
	s, err := parseDay(start)
	if err != nil {
		return types.DateRange{}, errors.Wrap(errors.CodeInvalidRange, err, "invalid start date %q", start)
	}
	e, err := parseDay(end)
	if err != nil {
		return types.DateRange{}, errors.Wrap(errors.CodeInvalidRange, err, "invalid end date %q", end)
	}
	rng := types.DateRange{Start: s, End: e}
	if !rng.Valid() {
		return types.DateRange{}, errors.New(errors.CodeInvalidRange,
			"start date %s is after end date %s", s, e)
	}
	return rng, nil
}

func parseDay(s string) (types.Date, error) {
	if d, err := types.ParseDate(s); err == nil {
		return d, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return types.DateOf(t), nil
		}
	}
	return types.Date{}, fmt.Errorf("unrecognized date %q", s)
}

// Query prunes the table's partitions to the range, decodes the surviving
// files, and runs sqlText over them. The result is a JSON array string
// with one object per result row, columns in result order.
func (e *Engine) Query(ctx context.Context, db, table string, rng types.DateRange, sqlText string) (string, error) {
	if err := e.catalog.RequireTable(db, table); err != nil {
		return "", err
	}
	if !rng.Valid() {
		return "", errors.New(errors.CodeInvalidRange,
			"start date %s is after end date %s", rng.Start, rng.End)
	}

	sch, err := e.registry.Load(db, table)
	if err != nil {
		return "", err
	}

	days, err := e.catalog.ListPartitions(db, table)
	if err != nil {
		return "", err
	}
	var pruned []types.Date
	for _, day := range days {
		if rng.Contains(day) {
			pruned = append(pruned, day)
		}
	}
	if len(sch.Fields) == 0 {
		return "[]", nil
	}

	// An empty overlap still executes the SQL against an empty logical
	// table, so aggregates and syntax errors behave the same as on a
	// populated range.
	rows, err := e.decodePartitions(ctx, db, table, pruned)
	if err != nil {
		return "", err
	}

	return ExecuteOnRows(ctx, sch, rows, sqlText)
}

// decodePartitions reads the given day files with bounded parallelism,
// returning their rows concatenated in day order.
func (e *Engine) decodePartitions(ctx context.Context, db, table string, days []types.Date) ([]types.Row, error) {
	perDay := make([][]types.Row, len(days))
	sem := make(chan struct{}, e.concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, day := range days {
		wg.Add(1)
		go func(i int, day types.Date) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			_, rows, err := parquet.ReadFile(e.catalog.PartitionPath(db, table, day))
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = errors.Wrap(errors.CodeIoFailure, err,
						"failed to read partition %s of %q.%q", day, db, table)
				}
				mu.Unlock()
				return
			}
			perDay[i] = rows
		}(i, day)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeQueryError, err, "query cancelled")
	}

	var out []types.Row
	for _, rows := range perDay {
		out = append(out, rows...)
	}
	return out, nil
}

// ExecuteOnRows loads rows into a fresh in-memory SQLite table named
// "timon" and executes sqlText against it. Fields absent from a row read
// back as SQL NULL. SQL failures surface as QUERY_ERROR with the driver's
// message intact.
func ExecuteOnRows(ctx context.Context, sch types.Schema, rows []types.Row, sqlText string) (string, error) {
	if len(sch.Fields) == 0 {
		return "[]", nil
	}

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return "", errors.Wrap(errors.CodeQueryError, err, "failed to open query workspace")
	}
	defer conn.Close()

	if err := createTable(ctx, conn, sch); err != nil {
		return "", err
	}
	if err := loadRows(ctx, conn, sch, rows); err != nil {
		return "", err
	}

	result, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return "", errors.Wrap(errors.CodeQueryError, err, "query failed")
	}
	defer result.Close()

	return serializeResult(result, sch)
}

func createTable(ctx context.Context, conn *sql.DB, sch types.Schema) error {
	cols := make([]string, 0, len(sch.Fields))
	for _, f := range sch.Fields {
		cols = append(cols, quoteIdent(f.Name)+" "+sqliteType(f.Type))
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", LogicalTable, strings.Join(cols, ", "))
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(errors.CodeQueryError, err, "failed to stage query table")
	}
	return nil
}

func loadRows(ctx context.Context, conn *sql.DB, sch types.Schema, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.CodeQueryError, err, "failed to begin load")
	}
	defer tx.Rollback()

	names := make([]string, 0, len(sch.Fields))
	marks := make([]string, 0, len(sch.Fields))
	for _, f := range sch.Fields {
		names = append(names, quoteIdent(f.Name))
		marks = append(marks, "?")
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		LogicalTable, strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return errors.Wrap(errors.CodeQueryError, err, "failed to prepare load")
	}
	defer stmt.Close()

	args := make([]interface{}, len(sch.Fields))
	for _, row := range rows {
		for i, f := range sch.Fields {
			v, ok := row.Values[f.Name]
			if !ok {
				args[i] = nil
				continue
			}
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return errors.Wrap(errors.CodeQueryError, err, "failed to load row")
		}
	}
	return tx.Commit()
}

// serializeResult renders the result set as a JSON array of objects,
// preserving the statement's column order. SQLite has no boolean storage
// class, so columns that are bool fields in the schema are rendered back
// as JSON true/false.
func serializeResult(result *sql.Rows, sch types.Schema) (string, error) {
	cols, err := result.Columns()
	if err != nil {
		return "", errors.Wrap(errors.CodeQueryError, err, "failed to read result columns")
	}

	boolCols := make(map[string]bool, len(cols))
	for _, f := range sch.Fields {
		if f.Type == types.TypeBool {
			boolCols[f.Name] = true
		}
	}

	var buf bytes.Buffer
	buf.WriteByte('[')

	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	first := true
	for result.Next() {
		if err := result.Scan(ptrs...); err != nil {
			return "", errors.Wrap(errors.CodeQueryError, err, "failed to scan result row")
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		buf.WriteByte('{')
		for i, col := range cols {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, _ := json.Marshal(col)
			buf.Write(key)
			buf.WriteByte(':')
			writeValue(&buf, values[i], boolCols[col])
		}
		buf.WriteByte('}')
	}
	if err := result.Err(); err != nil {
		return "", errors.Wrap(errors.CodeQueryError, err, "failed to iterate result")
	}

	buf.WriteByte(']')
	return buf.String(), nil
}

func writeValue(buf *bytes.Buffer, v interface{}, isBool bool) {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case []byte:
		raw, _ := json.Marshal(string(x))
		buf.Write(raw)
	case int64:
		if isBool {
			if x != 0 {
				buf.WriteString("true")
			} else {
				buf.WriteString("false")
			}
			return
		}
		fmt.Fprintf(buf, "%d", x)
	case float64:
		raw, _ := json.Marshal(x)
		buf.Write(raw)
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		raw, _ := json.Marshal(x)
		buf.Write(raw)
	case time.Time:
		raw, _ := json.Marshal(x.UTC().Format(time.RFC3339))
		buf.Write(raw)
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			buf.WriteString("null")
			return
		}
		buf.Write(raw)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqliteType(t types.FieldType) string {
	switch t {
	case types.TypeInt, types.TypeTimestamp, types.TypeBool:
		return "INTEGER"
	case types.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}
