package blob

import (
	"context"
	"errors"
)

// ErrKeyNotFound indicates the requested key has no stored value.
var ErrKeyNotFound = errors.New("blob: key not found")

// Store is an object store holding document snapshots and version history.
// Listing is lexicographic, so timestamped history keys enumerate in
// chronological order.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns up to limit keys beginning with prefix, strictly after
	// cursor. An empty cursor starts from the beginning of the prefix. The
	// returned cursor is empty once the prefix is exhausted.
	List(ctx context.Context, prefix string, cursor string, limit int) (keys []string, nextCursor string, err error)
	Close() error
}
