package logindex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// VisitDays summarizes the activity of one address
type VisitDays struct {
	// Days is the number of distinct UTC days with at least one line
	Days  int
	First time.Time
	Last  time.Time
}

// CountVisitDays reports on how many days an address was seen, and when
// it was first and last seen.
func (e *Engine) CountVisitDays(ctx context.Context, ip string) (VisitDays, error) {
	var (
		days        int
		first, last sql.NullInt64
	)
	err := e.store.QueryRow(ctx,
		`SELECT COUNT(DISTINCT substr(datestamp, 1, 10)), MIN(unix_timestamp), MAX(unix_timestamp)
        FROM logs WHERE ip = ?`, ip).Scan(&days, &first, &last)
	if err != nil {
		return VisitDays{}, fmt.Errorf("failed to count visit days of %s: %w", ip, err)
	}

	result := VisitDays{Days: days}
	if first.Valid {
		result.First = time.Unix(first.Int64, 0).UTC()
	}
	if last.Valid {
		result.Last = time.Unix(last.Int64, 0).UTC()
	}
	return result, nil
}

// ReverseDomains returns the reverse domain of each resolved address.
// Addresses without one are left out.
func (e *Engine) ReverseDomains(ctx context.Context, ips ...string) (map[string]string, error) {
	result := make(map[string]string, len(ips))
	if len(ips) == 0 {
		return result, nil
	}

	args := make([]any, len(ips))
	for i, ip := range ips {
		args[i] = ip
	}

	rows, err := e.store.Query(ctx,
		`SELECT ip, reverse_domain FROM reverse_ip
        WHERE reverse_domain IS NOT NULL AND ip IN (?`+strings.Repeat(", ?", len(ips)-1)+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select reverse domains: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var ip, domain string
		if err := rows.Scan(&ip, &domain); err != nil {
			return nil, fmt.Errorf("failed to scan reverse domain: %w", err)
		}
		result[ip] = domain
	}
	return result, rows.Err()
}

// CountLines returns the number of lines ingested from a source
func (e *Engine) CountLines(ctx context.Context, source string) (int, error) {
	return e.count(ctx, `SELECT COUNT(*) FROM logs WHERE source_file = ?`, source)
}
