package indexsync

import (
	"context"
	"fmt"
	"log/slog"
)

// Supported engine kinds.
const (
	EngineElasticsearch = "elasticsearch"
	EngineMeilisearch   = "meilisearch"
	EngineCommand       = "command"
)

// SearchEngine executes one bulk chunk. A returned error means the chunk was
// not applied as a whole and may be retried. A response reports the outcome
// of individual items.
type SearchEngine interface {
	Bulk(ctx context.Context, chunk *BulkChunk) (*BulkResponse, error)
}

// BulkResponse carries per-item outcomes of a delivered chunk.
type BulkResponse struct {
	Items []BulkItemResult
}

// BulkItemResult is the outcome of one operation. Err is nil on success.
type BulkItemResult struct {
	Key    OperationKey
	Status int
	Err    error
}

// NewEngine builds the search engine selected by cfg.
func NewEngine(cfg EngineConfig, logger *slog.Logger) (SearchEngine, error) {
	switch cfg.Kind {
	case EngineElasticsearch:
		return newElasticsearchEngine(cfg.Elasticsearch, logger)
	case EngineMeilisearch:
		return newMeilisearchEngine(cfg.Meilisearch, logger)
	case EngineCommand:
		return newCommandEngine(cfg.Command)
	default:
		return nil, fmt.Errorf("%w: unknown engine kind %q", ErrInvalidConfig, cfg.Kind)
	}
}
