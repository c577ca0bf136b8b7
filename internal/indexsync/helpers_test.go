package indexsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestStore(t *testing.T, tables map[string]string) *Store {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	tm, err := NewTableMap(tables)
	require.NoError(t, err)
	store := NewStore(db, tm)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

// attr builders for typed stream images.
func attrS(s string) map[string]any { return map[string]any{"S": s} }

func attrN(n string) map[string]any { return map[string]any{"N": n} }

func attrM(m map[string]any) map[string]any { return map[string]any{"M": m} }

// streamRecord renders a stream record. data holds the typed fields of the
// data map attribute; nil leaves the attribute out.
func streamRecord(t *testing.T, eventID string, kind ChangeKind, pk, sk, index string, data map[string]any) RawStreamRecord {
	t.Helper()
	image := map[string]any{
		"PK":    attrS(pk),
		"SK":    attrS(sk),
		"index": attrS(index),
	}
	if data != nil {
		image["data"] = attrM(data)
	}
	stream := map[string]any{
		"Keys": map[string]any{"PK": attrS(pk), "SK": attrS(sk)},
	}
	if kind == ChangeRemove {
		stream["OldImage"] = image
	} else {
		stream["NewImage"] = image
	}
	raw, err := json.Marshal(map[string]any{
		"eventID":   eventID,
		"eventName": string(kind),
		"dynamodb":  stream,
	})
	require.NoError(t, err)
	return raw
}

// recordingEngine applies chunks to an in-memory index.
type recordingEngine struct {
	mu     sync.Mutex
	calls  int
	chunks []*BulkChunk
	index  map[OperationKey]Document
	// fail decides whether call n (1-based) fails as a whole.
	fail func(call int) error
	// reject maps keys to the status reported as an item failure.
	reject map[OperationKey]int
	// onCall runs before every call.
	onCall func()
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{index: make(map[OperationKey]Document)}
}

func (r *recordingEngine) Bulk(ctx context.Context, chunk *BulkChunk) (*BulkResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.onCall != nil {
		r.onCall()
	}
	if r.fail != nil {
		if err := r.fail(r.calls); err != nil {
			return nil, err
		}
	}
	r.chunks = append(r.chunks, chunk)

	resp := &BulkResponse{}
	for _, item := range chunk.Items {
		key := item.Key()
		if status, ok := r.reject[key]; ok {
			resp.Items = append(resp.Items, BulkItemResult{Key: key, Status: status, Err: fmt.Errorf("rejected with status %d", status)})
			continue
		}
		switch item.Kind {
		case OpUpsert:
			r.index[key] = item.Data
		case OpDelete:
			delete(r.index, key)
		}
		resp.Items = append(resp.Items, BulkItemResult{Key: key, Status: 200})
	}
	return resp, nil
}

func (r *recordingEngine) snapshot() map[OperationKey]Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[OperationKey]Document, len(r.index))
	for k, v := range r.index {
		out[k] = v
	}
	return out
}

func (r *recordingEngine) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var errConnectionReset = errors.New("connection reset by peer")

func failAlways(int) error { return errConnectionReset }

// memBlobStore is a map-backed BlobStore.
type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (m *memBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return b, nil
}

func (m *memBlobStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return nil
}

func fastExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

// blockingBlobStore never answers a Get before its context ends.
type blockingBlobStore struct{}

func (blockingBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingBlobStore) Put(ctx context.Context, key string, data []byte) error {
	return nil
}

// brokenBlobStore fails every call with err.
type brokenBlobStore struct{ err error }

func (b brokenBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, b.err
}

func (b brokenBlobStore) Put(ctx context.Context, key string, data []byte) error {
	return b.err
}

func blobImage(key string) map[string]any {
	return map[string]any{
		"compression": attrS("gzip"),
		"blobKey":     attrS(key),
	}
}
