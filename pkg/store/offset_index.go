package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// OffsetRef locates one log line that carries a given field value
type OffsetRef struct {
	Key          string
	Date         string
	SourceFile   string
	SourceOffset int64
}

// IndexEntry is one row of the offset index
type IndexEntry struct {
	Field        string
	Key          string
	Date         string
	SourceFile   string
	SourceOffset int64
}

const insertIndexEntrySQL = `INSERT OR IGNORE INTO offset_index
    (field, key, date, source_file, source_offset)
    VALUES (?, ?, ?, ?, ?)`

// InsertIndexEntries records offset index entries inside tx
func InsertIndexEntries(ctx context.Context, tx *sql.Tx, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, insertIndexEntrySQL)
	if err != nil {
		return fmt.Errorf("preparing offset index insert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Field, e.Key, e.Date, e.SourceFile, e.SourceOffset); err != nil {
			return fmt.Errorf("inserting offset index entry: %w", err)
		}
	}
	return nil
}

// LookupOffsets returns every indexed line whose field matches one of
// keys, ordered by source file and offset.
func (s *Store) LookupOffsets(ctx context.Context, field string, keys []string) ([]OffsetRef, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	query := fmt.Sprintf(`SELECT key, date, source_file, source_offset
        FROM offset_index
        WHERE field = ? AND key IN (%s)
        ORDER BY source_file, source_offset`, placeholders)

	args := make([]any, 0, len(keys)+1)
	args = append(args, field)
	for _, k := range keys {
		args = append(args, k)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("looking up offsets for %s: %w", field, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var refs []OffsetRef
	for rows.Next() {
		var ref OffsetRef
		if err := rows.Scan(&ref.Key, &ref.Date, &ref.SourceFile, &ref.SourceOffset); err != nil {
			return nil, fmt.Errorf("scanning offset ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
