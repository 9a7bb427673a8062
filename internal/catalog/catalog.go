// Package catalog maps databases and tables to their on-disk layout and
// owns the files that describe them.
//
// Layout under the storage root:
//
//	{root}/{db}/{table}/schema.json
//	{root}/{db}/{table}/{YYYY-MM-DD}.parquet
//	{root}/{db}/{table}/.sync
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/timondb/timon/internal/errors"
	"github.com/timondb/timon/pkg/types"
)

const (
	schemaFileName = "schema.json"
	syncFileName   = ".sync"
)

// namePattern is the safe character set shared by filesystem paths and
// object keys, so a table path doubles as a remote key prefix.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// partitionPattern matches day-partition file names.
var partitionPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.parquet$`)

// Catalog resolves and mutates the on-disk database/table layout.
type Catalog struct {
	root string
}

// New creates a catalog rooted at the given directory, creating it if
// needed.
func New(root string) (*Catalog, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(errors.CodeIoFailure, err, "failed to create storage root %q", root)
	}
	return &Catalog{root: root}, nil
}

// Root returns the storage root directory.
func (c *Catalog) Root() string {
	return c.root
}

// ValidateName rejects names outside the safe character set.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return errors.New(errors.CodeInvalidName,
			"invalid name %q: only letters, digits, '_' and '-' are allowed", name)
	}
	return nil
}

// DatabasePath returns the directory of a database.
func (c *Catalog) DatabasePath(db string) string {
	return filepath.Join(c.root, db)
}

// TablePath returns the directory of a table.
func (c *Catalog) TablePath(db, table string) string {
	return filepath.Join(c.root, db, table)
}

// PartitionPath returns the file path of a day partition.
func (c *Catalog) PartitionPath(db, table string, day types.Date) string {
	return filepath.Join(c.TablePath(db, table), day.String()+".parquet")
}

// SchemaPath returns the path of a table's persisted schema.
func (c *Catalog) SchemaPath(db, table string) string {
	return filepath.Join(c.TablePath(db, table), schemaFileName)
}

// SyncPath returns the path of a table's sync-state record.
func (c *Catalog) SyncPath(db, table string) string {
	return filepath.Join(c.TablePath(db, table), syncFileName)
}

// CreateDatabase creates a new database directory. A second call for the
// same name fails with ALREADY_EXISTS.
func (c *Catalog) CreateDatabase(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := c.DatabasePath(name)
	if _, err := os.Stat(path); err == nil {
		return errors.New(errors.CodeAlreadyExists, "database %q already exists", name)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		return errors.Wrap(errors.CodeIoFailure, err, "failed to create database %q", name)
	}
	return nil
}

// CreateTable creates a table directory with an empty schema and sync
// record inside an existing database.
func (c *Catalog) CreateTable(db, table string) error {
	if err := ValidateName(db); err != nil {
		return err
	}
	if err := ValidateName(table); err != nil {
		return err
	}
	if !c.databaseExists(db) {
		return errors.New(errors.CodeNotFound, "database %q not found", db)
	}
	path := c.TablePath(db, table)
	if _, err := os.Stat(path); err == nil {
		return errors.New(errors.CodeAlreadyExists, "table %q already exists in database %q", table, db)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		return errors.Wrap(errors.CodeIoFailure, err, "failed to create table %q.%q", db, table)
	}
	if err := c.SaveSchema(db, table, types.Schema{Version: 0}); err != nil {
		return err
	}
	return c.SaveSyncState(db, table, NewSyncState())
}

// ListDatabases returns the database names in sorted order.
func (c *Catalog) ListDatabases() ([]string, error) {
	return listDirs(c.root)
}

// ListTables returns the table names of a database in sorted order.
func (c *Catalog) ListTables(db string) ([]string, error) {
	if err := ValidateName(db); err != nil {
		return nil, err
	}
	if !c.databaseExists(db) {
		return nil, errors.New(errors.CodeNotFound, "database %q not found", db)
	}
	return listDirs(c.DatabasePath(db))
}

// DeleteDatabase removes a database and everything inside it.
func (c *Catalog) DeleteDatabase(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := c.DatabasePath(name)
	if !c.databaseExists(name) {
		return errors.New(errors.CodeNotFound, "database %q not found", name)
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrap(errors.CodeIoFailure, err, "failed to delete database %q", name)
	}
	return nil
}

// DeleteTable removes a table, its partitions, schema, and sync state.
func (c *Catalog) DeleteTable(db, table string) error {
	if err := c.RequireTable(db, table); err != nil {
		return err
	}
	if err := os.RemoveAll(c.TablePath(db, table)); err != nil {
		return errors.Wrap(errors.CodeIoFailure, err, "failed to delete table %q.%q", db, table)
	}
	return nil
}

// RequireTable fails with NOT_FOUND unless the table exists.
func (c *Catalog) RequireTable(db, table string) error {
	if err := ValidateName(db); err != nil {
		return err
	}
	if err := ValidateName(table); err != nil {
		return err
	}
	if !c.databaseExists(db) {
		return errors.New(errors.CodeNotFound, "database %q not found", db)
	}
	if info, err := os.Stat(c.TablePath(db, table)); err != nil || !info.IsDir() {
		return errors.New(errors.CodeNotFound, "table %q not found in database %q", table, db)
	}
	return nil
}

// ListPartitions returns the days that have a partition file, sorted
// ascending.
func (c *Catalog) ListPartitions(db, table string) ([]types.Date, error) {
	if err := c.RequireTable(db, table); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.TablePath(db, table))
	if err != nil {
		return nil, errors.Wrap(errors.CodeIoFailure, err, "failed to read table directory %q.%q", db, table)
	}
	var days []types.Date
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := partitionPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		day, err := types.ParseDate(m[1])
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// LoadSchema reads a table's persisted schema.
func (c *Catalog) LoadSchema(db, table string) (types.Schema, error) {
	data, err := os.ReadFile(c.SchemaPath(db, table))
	if err != nil {
		if os.IsNotExist(err) {
			return types.Schema{}, errors.New(errors.CodeNotFound, "table %q not found in database %q", table, db)
		}
		return types.Schema{}, errors.Wrap(errors.CodeIoFailure, err, "failed to read schema of %q.%q", db, table)
	}
	var sch types.Schema
	if err := json.Unmarshal(data, &sch); err != nil {
		return types.Schema{}, errors.Wrap(errors.CodeIoFailure, err, "corrupt schema of %q.%q", db, table)
	}
	return sch, nil
}

// SaveSchema atomically replaces a table's persisted schema. A crash
// mid-save leaves either the old or the new file, never a partial one.
func (c *Catalog) SaveSchema(db, table string, sch types.Schema) error {
	data, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return errors.Wrap(errors.CodeIoFailure, err, "failed to encode schema of %q.%q", db, table)
	}
	return c.atomicWrite(c.SchemaPath(db, table), data)
}

// atomicWrite writes data to a uniquely named sibling and renames it into
// place.
func (c *Catalog) atomicWrite(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%s", path, uuid.New().String()[:8])
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(errors.CodeIoFailure, err, "failed to write %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.CodeIoFailure, err, "failed to replace %q", path)
	}
	return nil
}

// AtomicWritePartition writes encoded partition bytes for the given day
// via temp file plus rename so readers never observe a torn file.
func (c *Catalog) AtomicWritePartition(db, table string, day types.Date, data []byte) error {
	return c.atomicWrite(c.PartitionPath(db, table, day), data)
}

func (c *Catalog) databaseExists(db string) bool {
	info, err := os.Stat(c.DatabasePath(db))
	return err == nil && info.IsDir()
}

func listDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeIoFailure, err, "failed to read directory %q", path)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
