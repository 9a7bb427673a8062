package catalog

import (
	"encoding/json"
	"os"
	"time"

	"github.com/timondb/timon/internal/errors"
	"github.com/timondb/timon/pkg/types"
)

// SyncStatus is the state of one day partition relative to remote storage.
type SyncStatus string

const (
	SyncStatusUnsynced SyncStatus = "unsynced"
	SyncStatusSynced   SyncStatus = "synced"
)

// SyncRecord tracks one partition's remote standing. Fingerprint is the
// content hash the partition had when it was last uploaded; a differing
// hash means the partition was reopened by a later insert and needs
// re-uploading.
type SyncRecord struct {
	Status      SyncStatus `json:"status"`
	RemoteKey   string     `json:"remote_key,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	SyncedAt    time.Time  `json:"synced_at,omitempty"`
}

// SyncState is the per-table map from day to sync record, persisted as
// the table's .sync file.
type SyncState struct {
	Partitions map[string]SyncRecord `json:"partitions"`
}

// NewSyncState returns an empty sync state.
func NewSyncState() SyncState {
	return SyncState{Partitions: make(map[string]SyncRecord)}
}

// Record returns the record for a day, defaulting to unsynced.
func (s SyncState) Record(day types.Date) SyncRecord {
	if rec, ok := s.Partitions[day.String()]; ok {
		return rec
	}
	return SyncRecord{Status: SyncStatusUnsynced}
}

// MarkSynced records a completed upload.
func (s SyncState) MarkSynced(day types.Date, remoteKey, fingerprint string) {
	s.Partitions[day.String()] = SyncRecord{
		Status:      SyncStatusSynced,
		RemoteKey:   remoteKey,
		Fingerprint: fingerprint,
		SyncedAt:    time.Now().UTC(),
	}
}

// MarkUnsynced reopens a partition after its content changed.
func (s SyncState) MarkUnsynced(day types.Date) {
	s.Partitions[day.String()] = SyncRecord{Status: SyncStatusUnsynced}
}

// LoadSyncState reads a table's sync state. A missing file yields an
// empty state so tables created by older layouts keep working.
func (c *Catalog) LoadSyncState(db, table string) (SyncState, error) {
	data, err := os.ReadFile(c.SyncPath(db, table))
	if err != nil {
		if os.IsNotExist(err) {
			return NewSyncState(), nil
		}
		return SyncState{}, errors.Wrap(errors.CodeIoFailure, err, "failed to read sync state of %q.%q", db, table)
	}
	var state SyncState
	if err := json.Unmarshal(data, &state); err != nil {
		return SyncState{}, errors.Wrap(errors.CodeIoFailure, err, "corrupt sync state of %q.%q", db, table)
	}
	if state.Partitions == nil {
		state.Partitions = make(map[string]SyncRecord)
	}
	return state, nil
}

// SaveSyncState atomically replaces a table's sync state.
func (c *Catalog) SaveSyncState(db, table string, state SyncState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(errors.CodeIoFailure, err, "failed to encode sync state of %q.%q", db, table)
	}
	return c.atomicWrite(c.SyncPath(db, table), data)
}
