package indexsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

type elasticsearchEngine struct {
	client *elasticsearch.Client
	logger *slog.Logger
}

func newElasticsearchEngine(cfg ElasticsearchConfig, logger *slog.Logger) (*elasticsearchEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addresses := make([]string, 0, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		if addr = strings.TrimSpace(addr); addr != "" {
			addresses = append(addresses, addr)
		}
	}
	if len(addresses) == 0 {
		addresses = []string{"http://localhost:9200"}
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  strings.TrimSpace(cfg.Username),
		Password:  cfg.Password,
		APIKey:    strings.TrimSpace(cfg.APIKey),
		// The executor owns retries.
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &elasticsearchEngine{client: client, logger: logger}, nil
}

// TransportError is a bulk request the engine rejected as a whole.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bulk request rejected with status %d: %s", e.Status, e.Body)
}

type esBulkResponse struct {
	Errors bool                           `json:"errors"`
	Items  []map[string]esBulkItemOutcome `json:"items"`
}

type esBulkItemOutcome struct {
	Index  string         `json:"_index"`
	ID     string         `json:"_id"`
	Status int            `json:"status"`
	Result string         `json:"result"`
	Error  *esBulkItemErr `json:"error,omitempty"`
}

type esBulkItemErr struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Bulk sends the gzip-compressed chunk body to the _bulk endpoint.
func (e *elasticsearchEngine) Bulk(ctx context.Context, chunk *BulkChunk) (*BulkResponse, error) {
	if err := chunk.compress(); err != nil {
		return nil, err
	}
	req := esapi.BulkRequest{
		Body: bytes.NewReader(chunk.Compressed),
		Header: http.Header{
			"Content-Encoding": []string{"gzip"},
			"Content-Type":     []string{"application/x-ndjson"},
		},
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &TransportError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload esBulkResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	if len(payload.Items) != len(chunk.Items) {
		return nil, fmt.Errorf("bulk response has %d items, expected %d", len(payload.Items), len(chunk.Items))
	}

	out := &BulkResponse{Items: make([]BulkItemResult, 0, len(chunk.Items))}
	for i, item := range chunk.Items {
		result := BulkItemResult{Key: item.Key()}
		for action, outcome := range payload.Items[i] {
			result.Status = outcome.Status
			switch {
			case outcome.Error != nil:
				result.Err = fmt.Errorf("%s %s: %s: %s", action, item.Key(), outcome.Error.Type, outcome.Error.Reason)
			case action == "delete" && outcome.Status == http.StatusNotFound:
				// Deleting an absent document converges to the same state.
			case outcome.Status >= 300:
				result.Err = fmt.Errorf("%s %s: status %d", action, item.Key(), outcome.Status)
			}
		}
		out.Items = append(out.Items, result)
	}
	if payload.Errors {
		e.logger.Debug("Bulk response reported item errors", "chunk", chunk.Seq)
	}
	return out, nil
}
