package logindex

import (
	"database/sql"
	"fmt"
	"strings"
)

// Row is one parsed log record as returned by searches
type Row struct {
	ID             int64    `json:"id"`
	UnixTimestamp  int64    `json:"unix_timestamp"`
	Datestamp      string   `json:"datestamp"`
	SourceFile     string   `json:"source_file"`
	SourceOffset   int64    `json:"source_offset"`
	IP             string   `json:"ip"`
	Host           string   `json:"host,omitempty"`
	URI            string   `json:"uri,omitempty"`
	Query          string   `json:"query,omitempty"`
	StatusCode     *int     `json:"status_code,omitempty"`
	Method         string   `json:"method,omitempty"`
	Agent          string   `json:"agent,omitempty"`
	AgentDomain    string   `json:"agent_domain,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Country        string   `json:"country,omitempty"`
	Region         string   `json:"region,omitempty"`
	City           string   `json:"city,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	Cookie         string   `json:"cookie,omitempty"`
	Referrer       string   `json:"referrer,omitempty"`
	ReferrerDomain string   `json:"referrer_domain,omitempty"`
	Logline        string   `json:"logline"`
}

// rowColumns are the columns of search results and cache tables, in scan order
var rowColumns = []string{
	"id", "unix_timestamp", "datestamp", "source_file", "source_offset",
	"ip", "host", "uri", "query", "statusCode", "method", "agent", "agent_domain",
	"classification", "country", "region", "city", "latitude", "longitude",
	"cookie", "referrer", "referrer_domain", "logline",
}

const rowOrder = "ORDER BY unix_timestamp DESC, id DESC"

// selectLogs returns the query selecting the parsed rows matching where
func selectLogs(where string) string {
	columns := make([]string, len(rowColumns))
	for i, c := range rowColumns {
		columns[i] = fmt.Sprintf("logs.%s AS %s", c, c)
	}
	return "SELECT " + strings.Join(columns, ", ") +
		" FROM logs WHERE logs.ip IS NOT NULL AND (" + where + ") " + rowOrder
}

// countLogs returns the query counting the parsed rows matching where
func countLogs(where string) string {
	return "SELECT COUNT(*) FROM logs WHERE logs.ip IS NOT NULL AND (" + where + ")"
}

// selectCache returns the query reading a cache table
func selectCache(table string) string {
	return "SELECT " + strings.Join(rowColumns, ", ") + " FROM " + table + " " + rowOrder
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer func() {
		_ = rows.Close()
	}()

	var result []Row
	for rows.Next() {
		var (
			r                                             Row
			host, uri, query, method, agent, agentDomain  sql.NullString
			classification, country, region, city, cookie sql.NullString
			referrer, referrerDomain                      sql.NullString
			status                                        sql.NullInt64
			latitude, longitude                           sql.NullFloat64
		)
		err := rows.Scan(
			&r.ID, &r.UnixTimestamp, &r.Datestamp, &r.SourceFile, &r.SourceOffset,
			&r.IP, &host, &uri, &query, &status, &method, &agent, &agentDomain,
			&classification, &country, &region, &city, &latitude, &longitude,
			&cookie, &referrer, &referrerDomain, &r.Logline,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.Host, r.URI, r.Query = host.String, uri.String, query.String
		r.Method, r.Agent, r.AgentDomain = method.String, agent.String, agentDomain.String
		r.Classification, r.Country, r.Region, r.City = classification.String, country.String, region.String, city.String
		r.Cookie, r.Referrer, r.ReferrerDomain = cookie.String, referrer.String, referrerDomain.String
		if status.Valid {
			code := int(status.Int64)
			r.StatusCode = &code
		}
		if latitude.Valid && longitude.Valid {
			lat, long := latitude.Float64, longitude.Float64
			r.Latitude, r.Longitude = &lat, &long
		}

		result = append(result, r)
	}
	return result, rows.Err()
}
