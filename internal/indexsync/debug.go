package indexsync

import (
	"context"
	"database/sql"
	"fmt"
)

// TableSummary describes one store table for debugging.
type TableSummary struct {
	Table     string
	Kind      DocumentKind
	Items     int
	Indexes   int
	UpdatedAt string
}

// IndexSummary counts the items of a table destined for one search index.
type IndexSummary struct {
	IndexName string
	Items     int
}

// TableSummaries returns item counts for every registered table.
func (s *Store) TableSummaries(ctx context.Context) ([]TableSummary, error) {
	var summaries []TableSummary
	for _, table := range s.tables.Tables() {
		kind, _ := s.tables.Kind(table)
		summary := TableSummary{Table: table, Kind: kind}
		var updated sql.NullString
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT COUNT(*), COUNT(DISTINCT index_name), MAX(updated_at)
FROM %s
`, table)).Scan(&summary.Items, &summary.Indexes, &updated)
		if err != nil {
			return nil, fmt.Errorf("summarize %s: %w", table, err)
		}
		summary.UpdatedAt = updated.String
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// IndexSummaries returns per-index item counts for a table ordered by index name.
func (s *Store) IndexSummaries(ctx context.Context, table string) ([]IndexSummary, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT index_name, COUNT(*)
FROM %s
GROUP BY index_name
ORDER BY index_name
`, table))
	if err != nil {
		return nil, fmt.Errorf("query index summaries: %w", err)
	}
	defer rows.Close()

	var out []IndexSummary
	for rows.Next() {
		var summary IndexSummary
		if err := rows.Scan(&summary.IndexName, &summary.Items); err != nil {
			return nil, fmt.Errorf("scan index summary: %w", err)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index summaries: %w", err)
	}

	return out, nil
}
