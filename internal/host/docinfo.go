package host

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// DocumentInfoVersion is the schema epoch for stored DocumentInfo records.
// A stored record from a different epoch is discarded on load, not migrated.
const DocumentInfoVersion = 1

const documentInfoKey = "documentInfo"

// DocumentInfo is the small durably-stored identity record for one document.
type DocumentInfo struct {
	Version int    `json:"version"`
	Slug    string `json:"slug"`
	IsApp   bool   `json:"isApp"`
	Deleted bool   `json:"deleted"`
}

// InfoStore is the per-document durable key/value store holding DocumentInfo.
type InfoStore interface {
	// Load returns the stored info and whether anything (valid) was stored.
	Load() (DocumentInfo, bool, error)
	Save(info DocumentInfo) error
	// Wipe removes everything this document ever stored.
	Wipe() error
}

var documentInfoBucket = []byte("document_info")

// BoltInfoStore keeps DocumentInfo records for all documents in one bbolt
// database, namespaced by document id.
type BoltInfoStore struct {
	db *bolt.DB
}

// NewBoltInfoStore prepares the info bucket on the shared database.
func NewBoltInfoStore(db *bolt.DB) (*BoltInfoStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(documentInfoBucket)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("host: create info bucket: %w", err)
	}
	return &BoltInfoStore{db: db}, nil
}

// For returns the per-document view of the store.
func (s *BoltInfoStore) For(documentID string) InfoStore {
	return &boltDocumentInfo{db: s.db, documentID: documentID}
}

type boltDocumentInfo struct {
	db         *bolt.DB
	documentID string
}

func (s *boltDocumentInfo) key() []byte {
	return []byte(s.documentID + "/" + documentInfoKey)
}

func (s *boltDocumentInfo) Load() (DocumentInfo, bool, error) {
	var info DocumentInfo
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(documentInfoBucket).Get(s.key())
		if stored == nil {
			return nil
		}
		if err := json.Unmarshal(stored, &info); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return DocumentInfo{}, false, err
	}
	if found && info.Version != DocumentInfoVersion {
		// Epoch guard: a record from another version is treated as absent.
		return DocumentInfo{}, false, nil
	}
	return info, found, nil
}

func (s *boltDocumentInfo) Save(info DocumentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentInfoBucket).Put(s.key(), data)
	})
}

func (s *boltDocumentInfo) Wipe() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentInfoBucket).Delete(s.key())
	})
}

// MemoryInfoStore is an in-memory InfoStore for tests.
type MemoryInfoStore struct {
	mu    sync.Mutex
	info  DocumentInfo
	saved bool
}

// NewMemoryInfoStore constructs an empty in-memory info store.
func NewMemoryInfoStore() *MemoryInfoStore {
	return &MemoryInfoStore{}
}

// Load returns the stored info, honoring the same epoch guard as the
// durable implementation.
func (s *MemoryInfoStore) Load() (DocumentInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.saved || s.info.Version != DocumentInfoVersion {
		return DocumentInfo{}, false, nil
	}
	return s.info, true, nil
}

// Save stores the info.
func (s *MemoryInfoStore) Save(info DocumentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	s.saved = true
	return nil
}

// Wipe clears the store.
func (s *MemoryInfoStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = DocumentInfo{}
	s.saved = false
	return nil
}
