package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Entry is a registry key/value pair
type Entry struct {
	Key   string
	Value string
}

// FirstValue returns the oldest value stored under key. ok is false when
// the key is absent.
func (s *Store) FirstValue(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM registry WHERE key = ? ORDER BY id LIMIT 1`, key)

	err = row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading registry key %s: %w", key, err)
	}
	return value, true, nil
}

// SearchByPrefix returns entries whose key starts with prefix, ordered by key
func (s *Store) SearchByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM registry
        WHERE substr(key, 1, ?) = ?
        ORDER BY key, id`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("searching registry prefix %s: %w", prefix, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scanning registry entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddEntry stores a value under key
func (s *Store) AddEntry(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("registry key cannot be empty")
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO registry (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("adding registry key %s: %w", key, err)
	}
	return nil
}

// RemoveEntry deletes every value stored under key
func (s *Store) RemoveEntry(ctx context.Context, key string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM registry WHERE key = ?`, key)
	if err != nil {
		return 0, fmt.Errorf("removing registry key %s: %w", key, err)
	}
	return result.RowsAffected()
}
