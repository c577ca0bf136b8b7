package indexsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ItemKey is the primary key of a stored item.
type ItemKey struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

// DocumentID returns the search document id derived from the key.
func (k ItemKey) DocumentID() string {
	return k.PK + ":" + k.SK
}

// StoredItem is one row of a document store table.
type StoredItem struct {
	Key        ItemKey
	Index      string
	EntityType string
	Data       Document
}

// Store is the SQLite-backed document store acting as system of record.
type Store struct {
	db     *sql.DB
	tables TableMap
}

// OpenDatabase opens or creates a SQLite database at the provided path and
// ensures a table exists for every registered document kind.
func OpenDatabase(ctx context.Context, path string, tables TableMap) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewStore(db, tables)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// NewStore wraps an existing connection. Callers must run EnsureSchema.
func NewStore(db *sql.DB, tables TableMap) *Store {
	return &Store{db: db, tables: tables}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tables returns the table registry the store was opened with.
func (s *Store) Tables() TableMap {
	return s.tables
}

// EnsureSchema creates the registered tables if they do not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, table := range s.tables.Tables() {
		schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    pk TEXT NOT NULL,
    sk TEXT NOT NULL,
    index_name TEXT NOT NULL,
    entity_type TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (pk, sk)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_index_name ON %[1]s(index_name);
`, table)
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("ensure schema for %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) checkTable(table string) error {
	if _, ok := s.tables.Kind(table); !ok {
		return fmt.Errorf("table %q is not registered", table)
	}
	return nil
}

// PutItem inserts or replaces an item. Data is stored exactly as given, so a
// compressed envelope produced by a Compressor is persisted as is.
func (s *Store) PutItem(ctx context.Context, table string, item StoredItem) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	data, err := json.Marshal(item.Data)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.Key.DocumentID(), err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (pk, sk, index_name, entity_type, data)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (pk, sk) DO UPDATE SET
    index_name = excluded.index_name,
    entity_type = excluded.entity_type,
    data = excluded.data,
    updated_at = CURRENT_TIMESTAMP
`, table)
	if _, err := s.db.ExecContext(ctx, query, item.Key.PK, item.Key.SK, item.Index, item.EntityType, string(data)); err != nil {
		return fmt.Errorf("put item %s: %w", item.Key.DocumentID(), err)
	}
	return nil
}

// DeleteItem removes an item and reports whether it existed.
func (s *Store) DeleteItem(ctx context.Context, table string, key ItemKey) (bool, error) {
	if err := s.checkTable(table); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE pk = ? AND sk = ?`, table), key.PK, key.SK)
	if err != nil {
		return false, fmt.Errorf("delete item %s: %w", key.DocumentID(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for %s: %w", key.DocumentID(), err)
	}
	return affected > 0, nil
}
