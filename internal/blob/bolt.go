package blob

import (
	"bytes"
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var blobBucket = []byte("blobs")

// BoltStore persists blobs in a single-file bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bolt-backed blob store at path.
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("blob: path is required")
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(blobBucket)
		return createErr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("blob: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// DB exposes the underlying handle so other small stores can share the file.
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// Get returns the value stored at key.
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(blobBucket).Get([]byte(key))
		if stored == nil {
			return ErrKeyNotFound
		}
		value = append([]byte(nil), stored...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value at key, replacing any previous value.
func (s *BoltStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Put([]byte(key), value)
	})
}

// Delete removes the value stored at key. Deleting an absent key is not an error.
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Delete([]byte(key))
	})
}

// List enumerates keys under prefix after cursor, bounded by limit.
func (s *BoltStore) List(ctx context.Context, prefix string, cursor string, limit int) ([]string, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 1000
	}
	var keys []string
	nextCursor := ""
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(blobBucket).Cursor()
		prefixBytes := []byte(prefix)
		start := prefixBytes
		if cursor != "" {
			start = append([]byte(cursor), 0)
		}
		for k, _ := c.Seek(start); k != nil && bytes.HasPrefix(k, prefixBytes); k, _ = c.Next() {
			if len(keys) == limit {
				nextCursor = keys[len(keys)-1]
				return nil
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return keys, nextCursor, nil
}

// Close releases the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
