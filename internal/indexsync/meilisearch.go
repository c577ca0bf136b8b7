package indexsync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/meilisearch/meilisearch-go"
)

const (
	meiliPrimaryKey       = "id"
	meiliTaskPollInterval = 50 * time.Millisecond
)

type meilisearchEngine struct {
	client *meilisearch.Client
	logger *slog.Logger

	mu    sync.Mutex
	ready map[string]struct{}
}

func newMeilisearchEngine(cfg MeilisearchConfig, logger *slog.Logger) (*meilisearchEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "http://localhost:7700"
	}

	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:   host,
		APIKey: strings.TrimSpace(cfg.APIKey),
	})
	if _, err := client.Health(); err != nil {
		logger.Warn("Meilisearch health check failed", "host", host, "error", err)
	}
	return &meilisearchEngine{client: client, logger: logger, ready: make(map[string]struct{})}, nil
}

func (m *meilisearchEngine) ensureIndex(ctx context.Context, indexName string) error {
	m.mu.Lock()
	_, ok := m.ready[indexName]
	m.mu.Unlock()
	if ok {
		return nil
	}

	_, err := m.client.GetIndex(indexName)
	if err != nil {
		var meiliErr *meilisearch.Error
		if errors.As(err, &meiliErr) && meiliErr.MeilisearchApiError.Code == "index_not_found" {
			task, createErr := m.client.CreateIndex(&meilisearch.IndexConfig{Uid: indexName, PrimaryKey: meiliPrimaryKey})
			if createErr != nil {
				return createErr
			}
			if err := m.waitForTask(ctx, task); err != nil {
				return err
			}
			m.logger.Info("Created Meilisearch index", "index", indexName)
		} else {
			return err
		}
	}

	m.mu.Lock()
	m.ready[indexName] = struct{}{}
	m.mu.Unlock()
	return nil
}

// taskFailedError is a Meilisearch task that finished with status failed.
type taskFailedError struct {
	uid     int64
	code    string
	message string
}

func (e *taskFailedError) Error() string {
	return fmt.Sprintf("meilisearch task %d failed: %s (%s)", e.uid, e.message, e.code)
}

// waitForTask polls task until it finishes. A task that fails yields a
// *taskFailedError; any other error means its outcome is unknown.
func (m *meilisearchEngine) waitForTask(ctx context.Context, task *meilisearch.TaskInfo) error {
	if task == nil || task.TaskUID == 0 {
		return nil
	}
	result, err := m.client.WaitForTask(task.TaskUID, meilisearch.WaitParams{Context: ctx, Interval: meiliTaskPollInterval})
	if err != nil {
		return fmt.Errorf("wait for task %d: %w", task.TaskUID, err)
	}
	if result != nil && result.Status == meilisearch.TaskStatusFailed {
		return &taskFailedError{uid: task.TaskUID, code: result.Error.Code, message: result.Error.Message}
	}
	return nil
}

// taskResults waits for task and reports its outcome for items. Only a task
// that failed is an item-level failure; an unknown outcome fails the chunk.
func (m *meilisearchEngine) taskResults(ctx context.Context, items []OperationItem, task *meilisearch.TaskInfo) ([]BulkItemResult, error) {
	err := m.waitForTask(ctx, task)
	var failed *taskFailedError
	if err != nil && !errors.As(err, &failed) {
		return nil, err
	}
	return itemResults(items, err), nil
}

type meiliGroup struct {
	upserts []OperationItem
	deletes []OperationItem
}

// Bulk applies a chunk index by index. A request that cannot be enqueued, or a
// task whose outcome is unknown when the wait ends, fails the whole chunk; a
// task that fails marks its own items as failed.
func (m *meilisearchEngine) Bulk(ctx context.Context, chunk *BulkChunk) (*BulkResponse, error) {
	groups := make(map[string]*meiliGroup)
	var order []string
	for _, item := range chunk.Items {
		g, ok := groups[item.IndexName]
		if !ok {
			g = &meiliGroup{}
			groups[item.IndexName] = g
			order = append(order, item.IndexName)
		}
		if item.Kind == OpDelete {
			g.deletes = append(g.deletes, item)
		} else {
			g.upserts = append(g.upserts, item)
		}
	}

	resp := &BulkResponse{Items: make([]BulkItemResult, 0, len(chunk.Items))}
	for _, indexName := range order {
		if err := m.ensureIndex(ctx, indexName); err != nil {
			return nil, fmt.Errorf("ensure index %s: %w", indexName, err)
		}
		index := m.client.Index(indexName)
		g := groups[indexName]

		if len(g.upserts) > 0 {
			task, err := index.AddDocuments(makeMeiliDocuments(g.upserts), meiliPrimaryKey)
			if err != nil {
				return nil, fmt.Errorf("add documents to %s: %w", indexName, err)
			}
			results, err := m.taskResults(ctx, g.upserts, task)
			if err != nil {
				return nil, fmt.Errorf("add documents to %s: %w", indexName, err)
			}
			resp.Items = append(resp.Items, results...)
		}

		if len(g.deletes) > 0 {
			ids := make([]string, 0, len(g.deletes))
			for _, item := range g.deletes {
				ids = append(ids, meiliDocumentID(item.DocumentID))
			}
			task, err := index.DeleteDocuments(ids)
			if err != nil {
				return nil, fmt.Errorf("delete documents from %s: %w", indexName, err)
			}
			results, err := m.taskResults(ctx, g.deletes, task)
			if err != nil {
				return nil, fmt.Errorf("delete documents from %s: %w", indexName, err)
			}
			resp.Items = append(resp.Items, results...)
		}
	}
	return resp, nil
}

func itemResults(items []OperationItem, err error) []BulkItemResult {
	out := make([]BulkItemResult, 0, len(items))
	for _, item := range items {
		out = append(out, BulkItemResult{Key: item.Key(), Err: err})
	}
	return out
}

func makeMeiliDocuments(items []OperationItem) []Document {
	docs := make([]Document, 0, len(items))
	for _, item := range items {
		doc := make(Document, len(item.Data)+2)
		for k, v := range item.Data {
			doc[k] = v
		}
		doc[meiliPrimaryKey] = meiliDocumentID(item.DocumentID)
		doc["document_id"] = item.DocumentID
		docs = append(docs, doc)
	}
	return docs
}

// meiliDocumentID maps a document id onto the characters Meilisearch accepts
// in primary keys.
func meiliDocumentID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}
