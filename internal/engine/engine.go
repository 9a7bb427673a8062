// Package engine wires the catalog, ingestion, query, and cloud sync
// components behind one facade and serializes access to shared state.
package engine

import (
	"context"
	"log"
	"sync"

	"github.com/timondb/timon/internal/catalog"
	"github.com/timondb/timon/internal/cloudsync"
	"github.com/timondb/timon/internal/config"
	"github.com/timondb/timon/internal/ingest"
	"github.com/timondb/timon/internal/query"
	"github.com/timondb/timon/internal/schema"
	"github.com/timondb/timon/pkg/types"
)

// Engine is the single entry point to the storage engine.
type Engine struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	registry *schema.Registry
	ingestor *ingest.Ingestor
	queries  *query.Engine
	remote   *cloudsync.Remote
	locks    *lockManager
}

// New initializes the engine: validates the configuration, creates the
// storage root, and builds the component graph. This is the initStorage
// step; every other operation requires it.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	cat, err := catalog.New(cfg.StorageRoot)
	if err != nil {
		return nil, err
	}
	reg := schema.NewRegistry(cat)

	e := &Engine{
		cfg:      cfg,
		catalog:  cat,
		registry: reg,
		ingestor: ingest.NewIngestor(cat, reg, cfg.TimestampField),
		queries:  query.NewEngine(cat, reg, cfg.Query.Concurrency),
		remote:   cloudsync.New(cat),
		locks:    newLockManager(),
	}
	log.Printf("engine: storage initialized at %s", cfg.StorageRoot)
	return e, nil
}

// Remote exposes the cloud tier for test wiring.
func (e *Engine) Remote() *cloudsync.Remote {
	return e.remote
}

// CreateDatabase creates a database.
func (e *Engine) CreateDatabase(name string) error {
	e.locks.catalogLock.Lock()
	defer e.locks.catalogLock.Unlock()
	return e.catalog.CreateDatabase(name)
}

// CreateTable creates a table inside an existing database.
func (e *Engine) CreateTable(db, table string) error {
	e.locks.catalogLock.Lock()
	defer e.locks.catalogLock.Unlock()
	return e.catalog.CreateTable(db, table)
}

// ListDatabases returns the database names in sorted order.
func (e *Engine) ListDatabases() ([]string, error) {
	e.locks.catalogLock.RLock()
	defer e.locks.catalogLock.RUnlock()
	return e.catalog.ListDatabases()
}

// ListTables returns a database's table names in sorted order.
func (e *Engine) ListTables(db string) ([]string, error) {
	e.locks.catalogLock.RLock()
	defer e.locks.catalogLock.RUnlock()
	return e.catalog.ListTables(db)
}

// DeleteDatabase removes a database and all its tables.
func (e *Engine) DeleteDatabase(name string) error {
	e.locks.catalogLock.Lock()
	defer e.locks.catalogLock.Unlock()
	return e.catalog.DeleteDatabase(name)
}

// DeleteTable removes a table with its partitions and schema.
func (e *Engine) DeleteTable(db, table string) error {
	e.locks.catalogLock.Lock()
	defer e.locks.catalogLock.Unlock()
	return e.catalog.DeleteTable(db, table)
}

// Insert appends a JSON batch to a table and returns the row count.
func (e *Engine) Insert(db, table, jsonData string) (int, error) {
	e.locks.catalogLock.RLock()
	defer e.locks.catalogLock.RUnlock()
	lock := e.locks.table(db, table)
	lock.Lock()
	defer lock.Unlock()
	return e.ingestor.Insert(db, table, jsonData)
}

// Query runs SQL over the table's local partitions within the range.
func (e *Engine) Query(ctx context.Context, db, table string, rng types.DateRange, sqlText string) (string, error) {
	e.locks.catalogLock.RLock()
	defer e.locks.catalogLock.RUnlock()
	lock := e.locks.table(db, table)
	lock.RLock()
	defer lock.RUnlock()
	return e.queries.Query(ctx, db, table, rng, sqlText)
}

// InitBucket connects the engine to its remote bucket.
func (e *Engine) InitBucket(ctx context.Context, cfg config.BucketConfig) error {
	return e.remote.InitBucket(ctx, cfg)
}

// SinkDailyParquet uploads the table's finalized day partitions and
// returns the uploaded object keys.
func (e *Engine) SinkDailyParquet(ctx context.Context, db, table string) ([]string, error) {
	e.locks.catalogLock.RLock()
	defer e.locks.catalogLock.RUnlock()
	lock := e.locks.table(db, table)
	lock.Lock()
	defer lock.Unlock()
	return e.remote.SinkDailyParquet(ctx, db, table)
}

// QueryBucket runs SQL over the table's tiered partitions in the bucket.
func (e *Engine) QueryBucket(ctx context.Context, db, table string, rng types.DateRange, sqlText string) (string, error) {
	return e.remote.QueryBucket(ctx, db, table, rng, sqlText)
}

// lockManager pairs a catalog-wide lock with per-table locks. Catalog
// mutations take the outer write lock; data-path operations take the
// outer read lock plus their table's lock, so an insert never races a
// table deletion.
type lockManager struct {
	catalogLock sync.RWMutex

	mu     sync.Mutex
	tables map[string]*sync.RWMutex
}

func newLockManager() *lockManager {
	return &lockManager{tables: make(map[string]*sync.RWMutex)}
}

func (m *lockManager) table(db, table string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := db + "/" + table
	lock, ok := m.tables[key]
	if !ok {
		lock = &sync.RWMutex{}
		m.tables[key] = lock
	}
	return lock
}
