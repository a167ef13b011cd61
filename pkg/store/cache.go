package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// CacheTablePrefix starts the name of every materialized cache table
const CacheTablePrefix = "cache_"

var cacheKeyRegexp = regexp.MustCompile(`^[0-9a-f]{8,64}$`)

// CacheInfo describes a materialized cache table
type CacheInfo struct {
	Key     string
	Table   string
	Query   string
	BuiltAt time.Time
}

// CacheTableName returns the table name for a cache key
func CacheTableName(key string) string {
	return CacheTablePrefix + key
}

// BuildCache materializes the result of selectSQL into the cache table for
// key, replacing any previous table of that name.
func (s *Store) BuildCache(ctx context.Context, key, queryText, selectSQL string, args ...any) (string, error) {
	if !cacheKeyRegexp.MatchString(key) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	table := CacheTableName(key)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("dropping cache table %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", table, selectSQL), args...); err != nil {
			return fmt.Errorf("creating cache table %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO materialized_cache (key, query, built_at)
            VALUES (?, ?, ?)`, key, queryText, time.Now().Unix()); err != nil {
			return fmt.Errorf("recording cache table %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("cache table built", "cacheTable", table)
	return table, nil
}

// CacheTables lists the existing cache tables
func (s *Store) CacheTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master
        WHERE type = 'table' AND substr(name, 1, ?) = ?
        ORDER BY name`, len(CacheTablePrefix), CacheTablePrefix)
	if err != nil {
		return nil, fmt.Errorf("listing cache tables: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// DropCaches drops every cache table and returns how many were dropped
func (s *Store) DropCaches(ctx context.Context) (int, error) {
	tables, err := s.CacheTables(ctx)
	if err != nil {
		return 0, err
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", table)); err != nil {
				return fmt.Errorf("dropping cache table %s: %w", table, err)
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM materialized_cache`)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(tables), nil
}

// LookupCache returns the cache table for key when it exists
func (s *Store) LookupCache(ctx context.Context, key string) (CacheInfo, bool, error) {
	table := CacheTableName(key)

	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheInfo{}, false, nil
	}
	if err != nil {
		return CacheInfo{}, false, fmt.Errorf("looking up cache table %s: %w", table, err)
	}

	info := CacheInfo{Key: key, Table: table}
	var builtAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT query, built_at FROM materialized_cache WHERE key = ?`, key).Scan(&info.Query, &builtAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return CacheInfo{}, false, fmt.Errorf("reading cache metadata for %s: %w", table, err)
	}
	if builtAt > 0 {
		info.BuiltAt = time.Unix(builtAt, 0)
	}
	return info, true, nil
}
