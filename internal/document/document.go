// Package document holds the in-memory record store a room operates on. The
// record payloads are opaque to the server; only identity, type and asset
// ownership metadata are interpreted.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SchemaVersion is the snapshot epoch. Snapshots carrying a different
// version are rejected rather than migrated.
const SchemaVersion = 2

// RecordTypeAsset marks records that reference an uploaded blob.
const RecordTypeAsset = "asset"

var (
	// ErrInvalidSnapshot indicates a snapshot payload that cannot be decoded.
	ErrInvalidSnapshot = errors.New("document: invalid snapshot")
	// ErrSchemaMismatch indicates a snapshot from a different schema epoch.
	ErrSchemaMismatch = errors.New("document: snapshot schema mismatch")
	// ErrInvalidRecord indicates a record missing its identifier.
	ErrInvalidRecord = errors.New("document: invalid record")
)

// Record is one stored element of a document.
type Record struct {
	ID     string          `json:"id"`
	TypeID string          `json:"typeId"`
	FileID string          `json:"fileId,omitempty"`
	Src    string          `json:"src,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Snapshot is the durable wire form of a document.
type Snapshot struct {
	SchemaVersion int      `json:"schemaVersion"`
	Clock         int64    `json:"clock"`
	Records       []Record `json:"records"`
}

// Store is the mutable in-memory document state. All mutations increment the
// clock, and every mutation path goes through the same guarded entry points
// so administrative rewrites and client edits serialize against each other.
type Store struct {
	mu      sync.RWMutex
	clock   int64
	records map[string]Record
}

// NewEmptyStore synthesizes a brand-new empty document.
func NewEmptyStore() *Store {
	return &Store{records: make(map[string]Record)}
}

// NewStoreFromSnapshot decodes snapshot bytes into a live store.
func NewStoreFromSnapshot(data []byte) (*Store, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if snapshot.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrSchemaMismatch, snapshot.SchemaVersion, SchemaVersion)
	}
	store := &Store{
		clock:   snapshot.Clock,
		records: make(map[string]Record, len(snapshot.Records)),
	}
	for _, record := range snapshot.Records {
		if strings.TrimSpace(record.ID) == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidRecord)
		}
		store.records[record.ID] = record
	}
	return store, nil
}

// Clock returns the current document clock.
func (s *Store) Clock() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock
}

// PutRecords inserts or replaces records and advances the clock once.
func (s *Store) PutRecords(records []Record) (int64, error) {
	if len(records) == 0 {
		return s.Clock(), nil
	}
	for _, record := range records {
		if strings.TrimSpace(record.ID) == "" {
			return 0, fmt.Errorf("%w: empty id", ErrInvalidRecord)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		s.records[record.ID] = record
	}
	s.clock++
	return s.clock, nil
}

// RemoveRecords deletes records by id and advances the clock once. Unknown
// ids are ignored.
func (s *Store) RemoveRecords(ids []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		return s.clock
	}
	for _, id := range ids {
		delete(s.records, id)
	}
	s.clock++
	return s.clock
}

// Record returns the record with the given id.
func (s *Store) Record(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	return record, ok
}

// RecordsOfType returns all records with the given type, in id order.
func (s *Store) RecordsOfType(typeID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, record := range s.records {
		if record.TypeID == typeID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Serialize encodes the current state as snapshot bytes.
func (s *Store) Serialize() ([]byte, error) {
	s.mu.RLock()
	snapshot := Snapshot{
		SchemaVersion: SchemaVersion,
		Clock:         s.clock,
		Records:       make([]Record, 0, len(s.records)),
	}
	for _, record := range s.records {
		snapshot.Records = append(snapshot.Records, record)
	}
	s.mu.RUnlock()
	sort.Slice(snapshot.Records, func(i, j int) bool { return snapshot.Records[i].ID < snapshot.Records[j].ID })
	return json.Marshal(snapshot)
}

// Replace swaps the entire contents for those of another store and advances
// the clock, so a restore is observed as a single mutation.
func (s *Store) Replace(other *Store) int64 {
	other.mu.RLock()
	replacement := make(map[string]Record, len(other.records))
	for id, record := range other.records {
		replacement[id] = record
	}
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = replacement
	s.clock++
	return s.clock
}
