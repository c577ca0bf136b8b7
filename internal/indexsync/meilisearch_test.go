package indexsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	index  string
	kind   string
	status string
	err    string
}

// fakeMeili serves the subset of the Meilisearch API the engine uses. Document
// tasks on failIndex fail; with stuck set they never leave processing.
type fakeMeili struct {
	mu        sync.Mutex
	nextTask  int64
	tasks     map[int64]*fakeTask
	indexes   map[string]bool
	docs      map[string]map[string]Document
	created   []string
	failIndex string
	stuck     bool
}

func newFakeMeili(t *testing.T, indexes ...string) (*fakeMeili, *httptest.Server) {
	t.Helper()
	f := &fakeMeili{
		tasks:   make(map[int64]*fakeTask),
		indexes: make(map[string]bool),
		docs:    make(map[string]map[string]Document),
	}
	for _, name := range indexes {
		f.indexes[name] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "available"})
	})
	mux.HandleFunc("GET /indexes/{uid}", func(w http.ResponseWriter, r *http.Request) {
		uid := r.PathValue("uid")
		f.mu.Lock()
		ok := f.indexes[uid]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"message": fmt.Sprintf("Index `%s` not found.", uid),
				"code":    "index_not_found",
				"type":    "invalid_request",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"uid": uid, "primaryKey": meiliPrimaryKey})
	})
	mux.HandleFunc("POST /indexes", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UID string `json:"uid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.indexes[req.UID] = true
		f.created = append(f.created, req.UID)
		uid := f.enqueue(req.UID, "indexCreation", "succeeded", "")
		f.mu.Unlock()
		writeTaskInfo(w, uid, req.UID)
	})
	mux.HandleFunc("POST /indexes/{uid}/documents", func(w http.ResponseWriter, r *http.Request) {
		index := r.PathValue("uid")
		var docs []Document
		if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		uid := f.documentTask(index, "documentAdditionOrUpdate", func(stored map[string]Document) {
			for _, doc := range docs {
				stored[doc[meiliPrimaryKey].(string)] = doc
			}
		})
		f.mu.Unlock()
		writeTaskInfo(w, uid, index)
	})
	mux.HandleFunc("POST /indexes/{uid}/documents/delete-batch", func(w http.ResponseWriter, r *http.Request) {
		index := r.PathValue("uid")
		var ids []string
		if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		uid := f.documentTask(index, "documentDeletion", func(stored map[string]Document) {
			for _, id := range ids {
				delete(stored, id)
			}
		})
		f.mu.Unlock()
		writeTaskInfo(w, uid, index)
	})
	mux.HandleFunc("GET /tasks/{uid}", func(w http.ResponseWriter, r *http.Request) {
		uid, _ := strconv.ParseInt(r.PathValue("uid"), 10, 64)
		f.mu.Lock()
		task, ok := f.tasks[uid]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "task not found", "code": "task_not_found"})
			return
		}
		body := map[string]any{"uid": uid, "indexUid": task.index, "status": task.status, "type": task.kind}
		if task.err != "" {
			body["error"] = map[string]any{"message": task.err, "code": "invalid_document_fields", "type": "invalid_request"}
		}
		writeJSON(w, http.StatusOK, body)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeMeili) enqueue(index, kind, status, errMsg string) int64 {
	f.nextTask++
	f.tasks[f.nextTask] = &fakeTask{index: index, kind: kind, status: status, err: errMsg}
	return f.nextTask
}

func (f *fakeMeili) documentTask(index, kind string, apply func(map[string]Document)) int64 {
	switch {
	case f.stuck:
		return f.enqueue(index, kind, "processing", "")
	case index == f.failIndex:
		return f.enqueue(index, kind, "failed", "rejected by "+index)
	}
	if f.docs[index] == nil {
		f.docs[index] = make(map[string]Document)
	}
	apply(f.docs[index])
	return f.enqueue(index, kind, "succeeded", "")
}

func (f *fakeMeili) documents(index string) map[string]Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Document, len(f.docs[index]))
	for k, v := range f.docs[index] {
		out[k] = v
	}
	return out
}

func (f *fakeMeili) createdIndexes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeTaskInfo(w http.ResponseWriter, uid int64, index string) {
	writeJSON(w, http.StatusAccepted, map[string]any{"taskUid": uid, "indexUid": index, "status": "enqueued"})
}

func newTestMeilisearch(t *testing.T, url string) *meilisearchEngine {
	t.Helper()
	engine, err := newMeilisearchEngine(MeilisearchConfig{Host: url}, discardLogger())
	require.NoError(t, err)
	return engine
}

func fileUpsert(n int) OperationItem {
	return OperationItem{
		Kind:       OpUpsert,
		DocumentID: fmt.Sprintf("F#%03d:L", n),
		IndexName:  "files",
		Data:       Document{"name": fmt.Sprintf("file %d", n)},
	}
}

func TestMeilisearchBulkCreatesIndexAndAppliesOperations(t *testing.T) {
	fake, srv := newFakeMeili(t)
	engine := newTestMeilisearch(t, srv.URL)

	chunks, _ := ChunkOperations([]OperationItem{pageUpsert(1), pageUpsert(2)}, 0)
	resp, err := engine.Bulk(context.Background(), chunks[0])
	require.NoError(t, err)
	require.Len(t, resp.Items, 2)
	for _, item := range resp.Items {
		assert.NoError(t, item.Err)
	}
	assert.Equal(t, []string{"pages"}, fake.createdIndexes())

	docs := fake.documents("pages")
	require.Len(t, docs, 2)
	stored := docs[meiliDocumentID(pageUpsert(1).DocumentID)]
	assert.Equal(t, pageUpsert(1).DocumentID, stored["document_id"])

	chunks, _ = ChunkOperations([]OperationItem{{Kind: OpDelete, DocumentID: pageUpsert(1).DocumentID, IndexName: "pages"}}, 0)
	resp, err = engine.Bulk(context.Background(), chunks[0])
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.NoError(t, resp.Items[0].Err)

	assert.Len(t, fake.documents("pages"), 1)
	assert.Equal(t, []string{"pages"}, fake.createdIndexes(), "known indexes are not created again")
}

func TestMeilisearchFailedTaskMarksOnlyItsIndexGroup(t *testing.T) {
	fake, srv := newFakeMeili(t, "pages", "files")
	fake.mu.Lock()
	fake.failIndex = "files"
	fake.mu.Unlock()
	engine := newTestMeilisearch(t, srv.URL)

	chunks, _ := ChunkOperations([]OperationItem{pageUpsert(1), fileUpsert(1), pageUpsert(2), fileUpsert(2)}, 0)
	resp, err := engine.Bulk(context.Background(), chunks[0])
	require.NoError(t, err)
	require.Len(t, resp.Items, 4)

	for _, item := range resp.Items {
		if item.Key.IndexName == "files" {
			var failed *taskFailedError
			require.True(t, errors.As(item.Err, &failed))
			assert.Contains(t, item.Err.Error(), "rejected by files")
			continue
		}
		assert.NoError(t, item.Err)
	}
	assert.Empty(t, fake.createdIndexes())
	assert.Len(t, fake.documents("pages"), 2)
}

func TestMeilisearchUnfinishedTaskFailsChunk(t *testing.T) {
	fake, srv := newFakeMeili(t, "pages")
	fake.mu.Lock()
	fake.stuck = true
	fake.mu.Unlock()
	engine := newTestMeilisearch(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	chunks, _ := ChunkOperations([]OperationItem{pageUpsert(1)}, 0)
	_, err := engine.Bulk(ctx, chunks[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMeilisearchUnfinishedTaskLeavesOperationsUnresolved(t *testing.T) {
	fake, srv := newFakeMeili(t, "pages")
	fake.mu.Lock()
	fake.stuck = true
	fake.mu.Unlock()
	engine := newTestMeilisearch(t, srv.URL)

	opts := fastExecutorOptions()
	opts.MaxAttempts = 2
	opts.RequestTimeout = 100 * time.Millisecond
	summary := NewBulkExecutor(engine, opts, discardLogger(), nil).Execute(context.Background(), "b1", setOf(pageUpsert(1)), Budget{})

	assert.Zero(t, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, summary.Failures)
	assert.Equal(t, []OperationKey{pageUpsert(1).Key()}, summary.Unresolved)
	assert.True(t, summary.Retry)
}

func TestMeiliDocumentIDIsReversible(t *testing.T) {
	id := "T#root#L#en-US#CMS#CME#post-1:REV#0001"
	encoded := meiliDocumentID(id)
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, encoded)

	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	assert.NoError(t, err)
	assert.Equal(t, id, string(decoded))
}

func TestMakeMeiliDocuments(t *testing.T) {
	items := []OperationItem{{
		Kind:       OpUpsert,
		DocumentID: "P#1:L",
		IndexName:  "pages",
		Data:       Document{"title": "Hello"},
	}}

	docs := makeMeiliDocuments(items)
	assert.Len(t, docs, 1)
	assert.Equal(t, "Hello", docs[0]["title"])
	assert.Equal(t, "P#1:L", docs[0]["document_id"])
	assert.Equal(t, meiliDocumentID("P#1:L"), docs[0][meiliPrimaryKey])
	assert.NotContains(t, items[0].Data, meiliPrimaryKey, "source data is not modified")
}

func TestItemResultsSharesTaskOutcome(t *testing.T) {
	items := []OperationItem{pageUpsert(1), pageUpsert(2)}
	failed := errors.New("task failed")

	for _, r := range itemResults(items, failed) {
		assert.ErrorIs(t, r.Err, failed)
	}
	for _, r := range itemResults(items, nil) {
		assert.NoError(t, r.Err)
	}
}
