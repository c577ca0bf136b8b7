package indexsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
)

// DefaultScanLimit is the page size used when ScanParams.Limit is zero.
const DefaultScanLimit = defaultScanLimit

// ScanParams selects one page of a store table.
type ScanParams struct {
	Table string
	// StartKey is exclusive; nil starts from the beginning of the table.
	StartKey *ItemKey
	Limit    int
}

// ScanResult is one page. LastKey is set when the page is full and more
// items may follow; pass it as the next StartKey.
type ScanResult struct {
	Items   []StoredItem
	LastKey *ItemKey
}

// Scan reads one page of a registered table in primary key order.
func (s *Store) Scan(ctx context.Context, params ScanParams) (ScanResult, error) {
	if err := s.checkTable(params.Table); err != nil {
		return ScanResult{}, err
	}
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultScanLimit
	}

	query := fmt.Sprintf(`SELECT pk, sk, index_name, entity_type, data FROM %s`, params.Table)
	args := []any{}
	if params.StartKey != nil {
		query += ` WHERE (pk, sk) > (?, ?)`
		args = append(args, params.StartKey.PK, params.StartKey.SK)
	}
	query += ` ORDER BY pk, sk LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ScanResult{}, fmt.Errorf("scan %s: %w", params.Table, err)
	}
	defer rows.Close()

	var result ScanResult
	for rows.Next() {
		var (
			item StoredItem
			data string
		)
		if err := rows.Scan(&item.Key.PK, &item.Key.SK, &item.Index, &item.EntityType, &data); err != nil {
			return ScanResult{}, fmt.Errorf("scan item: %w", err)
		}
		item.Data, err = decodeStoredData(data)
		if err != nil {
			return ScanResult{}, fmt.Errorf("decode item %s: %w", item.Key.DocumentID(), err)
		}
		result.Items = append(result.Items, item)
	}
	if err := rows.Err(); err != nil {
		return ScanResult{}, fmt.Errorf("iterate %s: %w", params.Table, err)
	}

	if len(result.Items) == limit {
		last := result.Items[len(result.Items)-1].Key
		result.LastKey = &last
	}
	return result, nil
}

// Pages returns a lazy sequence of non-empty pages starting at
// params.StartKey. The sequence stops after the last page or the first
// error; it can be resumed by scanning again from the last LastKey seen.
func (s *Store) Pages(ctx context.Context, params ScanParams) iter.Seq2[ScanResult, error] {
	return func(yield func(ScanResult, error) bool) {
		cursor := params
		for {
			page, err := s.Scan(ctx, cursor)
			if err != nil {
				yield(ScanResult{}, err)
				return
			}
			if len(page.Items) == 0 {
				return
			}
			if !yield(page, nil) {
				return
			}
			if page.LastKey == nil {
				return
			}
			cursor.StartKey = page.LastKey
		}
	}
}

func decodeStoredData(data string) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// itemEvents converts scanned items into insert events for the aggregator.
func itemEvents(items []StoredItem) []ChangeEvent {
	events := make([]ChangeEvent, 0, len(items))
	for _, item := range items {
		events = append(events, ChangeEvent{
			EventID:    "backfill:" + item.Key.DocumentID(),
			Kind:       ChangeInsert,
			DocumentID: item.Key.DocumentID(),
			IndexName:  item.Index,
			Image:      item.Data,
		})
	}
	return events
}
