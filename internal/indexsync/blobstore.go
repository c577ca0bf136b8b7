package indexsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// ErrBlobNotFound is returned when an externalized payload is missing.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore holds payloads too large to keep inline in a store item.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

const blobKeyPrefix = "blob/"

// PebbleBlobStore keeps blobs in a local Pebble database.
type PebbleBlobStore struct {
	db        *pebble.DB
	writeSync bool
}

// PebbleOptions configures OpenPebbleBlobStore.
type PebbleOptions struct {
	// Dir is the path to the Pebble database directory.
	Dir string
	// Sync forces a WAL fsync on every Put.
	Sync bool
	// Pebble allows advanced tuning. If nil, defaults are used.
	Pebble *pebble.Options
}

// OpenPebbleBlobStore creates or opens the blob database.
func OpenPebbleBlobStore(opts PebbleOptions) (*PebbleBlobStore, error) {
	if opts.Dir == "" {
		return nil, errors.New("pebble: PebbleOptions.Dir is required")
	}
	po := opts.Pebble
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &PebbleBlobStore{db: db, writeSync: opts.Sync}, nil
}

// Close closes the Pebble database.
func (s *PebbleBlobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get copies the blob stored under key.
func (s *PebbleBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, closer, err := s.db.Get([]byte(blobKeyPrefix + key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Put stores data under key, replacing any previous blob.
func (s *PebbleBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mode := pebble.NoSync
	if s.writeSync {
		mode = pebble.Sync
	}
	if err := s.db.Set([]byte(blobKeyPrefix+key), data, mode); err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	return nil
}
