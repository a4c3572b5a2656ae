package store

import (
	"context"
)

// ExportAll returns the latest version of every live key, optionally limited
// to a key prefix.
func (s *SQLiteStore) ExportAll(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.key, e.kind, e.value, e.version, e.supersedes, e.created_at
		FROM entries e
		INNER JOIN (
			SELECT key, MAX(version) AS max_ver
			FROM entries WHERE deleted_at IS NULL
			GROUP BY key
		) latest ON e.key = latest.key AND e.version = latest.max_ver
		WHERE e.deleted_at IS NULL AND (? = '' OR instr(e.key, ?) = 1)
		ORDER BY e.key`, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Import stores exported entries as new versions of their keys.
func (s *SQLiteStore) Import(ctx context.Context, entries []Entry) (int, error) {
	imported := 0
	for _, e := range entries {
		if _, err := s.Put(ctx, e.Key, []byte(e.Value)); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
