package indexsync

import (
	"context"
	"errors"
	"fmt"
)

// PutDocument writes item to a store table, replacing its data with a
// compression envelope when it exceeds the configured thresholds. The search
// index is updated by the stream batch the write produces, not here.
func (s *Syncer) PutDocument(ctx context.Context, table string, item StoredItem) error {
	if s.store == nil {
		return errors.New("put requires a document store")
	}
	data, err := s.compressor().Compress(ctx, item.Data)
	if err != nil {
		return fmt.Errorf("compress %s: %w", item.Key.DocumentID(), err)
	}
	compressed := IsCompressed(data)
	item.Data = data
	if err := s.store.PutItem(ctx, table, item); err != nil {
		return err
	}
	s.loggerOrDefault().Info("Stored document", "table", table, "document_id", item.Key.DocumentID(), "index", item.Index, "compressed", compressed)
	return nil
}

// DeleteDocument removes an item from a store table and reports whether it
// existed.
func (s *Syncer) DeleteDocument(ctx context.Context, table string, key ItemKey) (bool, error) {
	if s.store == nil {
		return false, errors.New("delete requires a document store")
	}
	existed, err := s.store.DeleteItem(ctx, table, key)
	if err != nil {
		return false, err
	}
	s.loggerOrDefault().Info("Deleted document", "table", table, "document_id", key.DocumentID(), "existed", existed)
	return existed, nil
}
