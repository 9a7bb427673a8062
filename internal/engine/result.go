package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/timondb/timon/internal/errors"
	"github.com/timondb/timon/internal/query"
)

// Result is the JSON envelope returned at the string boundary. Status
// follows the engine's error-to-status mapping; Data carries the
// operation's payload when it has one.
type Result struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JSON renders the envelope. Rendering cannot realistically fail since
// Data is already valid JSON, but a fallback envelope is returned anyway.
func (r Result) JSON() string {
	out, err := json.Marshal(r)
	if err != nil {
		return `{"status":500,"message":"failed to encode result"}`
	}
	return string(out)
}

func success(message string, data interface{}) Result {
	r := Result{Status: 200, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			r.Data = raw
		}
	}
	return r
}

// successRaw wraps data that is already serialized JSON.
func successRaw(message, data string) Result {
	return Result{Status: 200, Message: message, Data: json.RawMessage(data)}
}

func failure(err error) Result {
	return Result{Status: errors.Status(err), Message: err.Error()}
}

// CreateDatabaseResult is the envelope form of CreateDatabase.
func (e *Engine) CreateDatabaseResult(name string) Result {
	if err := e.CreateDatabase(name); err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("database %q created", name), nil)
}

// CreateTableResult is the envelope form of CreateTable.
func (e *Engine) CreateTableResult(db, table string) Result {
	if err := e.CreateTable(db, table); err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("table %q created in database %q", table, db), nil)
}

// ListDatabasesResult is the envelope form of ListDatabases.
func (e *Engine) ListDatabasesResult() Result {
	names, err := e.ListDatabases()
	if err != nil {
		return failure(err)
	}
	if names == nil {
		names = []string{}
	}
	return success("databases listed", names)
}

// ListTablesResult is the envelope form of ListTables.
func (e *Engine) ListTablesResult(db string) Result {
	names, err := e.ListTables(db)
	if err != nil {
		return failure(err)
	}
	if names == nil {
		names = []string{}
	}
	return success(fmt.Sprintf("tables of database %q listed", db), names)
}

// DeleteDatabaseResult is the envelope form of DeleteDatabase.
func (e *Engine) DeleteDatabaseResult(name string) Result {
	if err := e.DeleteDatabase(name); err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("database %q deleted", name), nil)
}

// DeleteTableResult is the envelope form of DeleteTable.
func (e *Engine) DeleteTableResult(db, table string) Result {
	if err := e.DeleteTable(db, table); err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("table %q deleted from database %q", table, db), nil)
}

// InsertResult is the envelope form of Insert; Data carries the count of
// ingested rows.
func (e *Engine) InsertResult(db, table, jsonData string) Result {
	count, err := e.Insert(db, table, jsonData)
	if err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("inserted %d rows into %q.%q", count, db, table),
		map[string]int{"rows": count})
}

// QueryResult is the envelope form of Query; Data is the JSON result set.
func (e *Engine) QueryResult(ctx context.Context, db, table, start, end, sqlText string) Result {
	rng, err := query.ParseRange(start, end)
	if err != nil {
		return failure(err)
	}
	data, err := e.Query(ctx, db, table, rng, sqlText)
	if err != nil {
		return failure(err)
	}
	return successRaw("query executed", data)
}

// InitBucketResult is the envelope form of InitBucket.
func (e *Engine) InitBucketResult(ctx context.Context, endpoint, name, region, accessKey, secretKey string) Result {
	cfg := e.cfg.Bucket
	cfg.Endpoint = endpoint
	cfg.Name = name
	if region != "" {
		cfg.Region = region
	}
	cfg.AccessKey = accessKey
	cfg.SecretKey = secretKey
	if err := e.InitBucket(ctx, cfg); err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("bucket %q initialized", name), nil)
}

// SinkDailyParquetResult is the envelope form of SinkDailyParquet; Data
// carries the uploaded object keys.
func (e *Engine) SinkDailyParquetResult(ctx context.Context, db, table string) Result {
	keys, err := e.SinkDailyParquet(ctx, db, table)
	if err != nil {
		return failure(err)
	}
	if keys == nil {
		keys = []string{}
	}
	return success(fmt.Sprintf("sank %d partitions of %q.%q", len(keys), db, table), keys)
}

// QueryBucketResult is the envelope form of QueryBucket.
func (e *Engine) QueryBucketResult(ctx context.Context, db, table, start, end, sqlText string) Result {
	rng, err := query.ParseRange(start, end)
	if err != nil {
		return failure(err)
	}
	data, err := e.QueryBucket(ctx, db, table, rng, sqlText)
	if err != nil {
		return failure(err)
	}
	return successRaw("bucket query executed", data)
}
