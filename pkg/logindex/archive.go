package logindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scality/log-index/pkg/clickhouse"
)

// Rows are archived in id order up to the first row still waiting to be
// parsed, so a row is never skipped by an offset committed past it.
const selectArchivableSQL = `SELECT id, unix_timestamp, datestamp, source_file, source_offset,
    ip, host, uri, query, statusCode, method, agent, agent_domain, classification,
    country, region, city, latitude, longitude, referrer, referrer_domain, logline
    FROM logs
    WHERE id > ? AND ip IS NOT NULL
      AND id < COALESCE((SELECT MIN(id) FROM logs WHERE ip IS NULL AND parse_error IS NULL), 9223372036854775807)
    ORDER BY id
    LIMIT ?`

// Archive copies one batch of parsed rows past the archive offset to the
// archive sink, then commits the new offset. It is a no-op without a sink.
func (e *Engine) Archive(ctx context.Context) (StageResult, error) {
	if e.archive == nil {
		return StageResult{}, nil
	}

	start := time.Now()
	result, err := e.archiveBatch(ctx)
	e.observe(stageArchive, start, err)
	return result, err
}

func (e *Engine) archiveBatch(ctx context.Context) (StageResult, error) {
	var lastID int64
	err := e.retry.retryWithBackoff(ctx, func() error {
		var err error
		lastID, err = e.archive.LastArchivedID(ctx)
		return err
	}, "read archive offset", e.logger)
	if err != nil {
		return StageResult{}, err
	}

	records, err := e.archivableRecords(ctx, lastID)
	if err != nil {
		return StageResult{}, err
	}
	if len(records) == 0 {
		return StageResult{}, nil
	}

	err = e.retry.retryWithBackoff(ctx, func() error {
		return e.archive.Write(ctx, records)
	}, "archive write", e.logger)
	if err != nil {
		return StageResult{}, err
	}

	newLastID := records[len(records)-1].ID
	err = e.retry.retryWithBackoff(ctx, func() error {
		return e.archive.CommitOffset(ctx, newLastID)
	}, "archive offset commit", e.logger)
	if err != nil {
		return StageResult{}, err
	}

	e.metrics.Archive.RecordsArchived.Add(float64(len(records)))
	e.logger.Info("archive pass completed",
		"nRecords", len(records),
		"lastArchivedID", newLastID)

	return StageResult{
		Processed: len(records),
		More:      len(records) == e.archiveBatchSize,
	}, nil
}

func (e *Engine) archivableRecords(ctx context.Context, lastID int64) ([]clickhouse.Record, error) {
	rows, err := e.store.Query(ctx, selectArchivableSQL, lastID, e.archiveBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select rows to archive: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []clickhouse.Record
	for rows.Next() {
		var (
			r                                            clickhouse.Record
			unixTimestamp                                int64
			host, uri, query, method, agent, agentDomain sql.NullString
			classification, country, region, city        sql.NullString
			referrer, referrerDomain                     sql.NullString
			status                                       sql.NullInt32
			latitude, longitude                          sql.NullFloat64
		)
		err := rows.Scan(
			&r.ID, &unixTimestamp, &r.Datestamp, &r.SourceFile, &r.SourceOffset,
			&r.IP, &host, &uri, &query, &status, &method, &agent, &agentDomain, &classification,
			&country, &region, &city, &latitude, &longitude, &referrer, &referrerDomain, &r.Logline,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row to archive: %w", err)
		}

		r.Timestamp = time.Unix(unixTimestamp, 0).UTC()
		r.Host, r.URI, r.Query = host.String, uri.String, query.String
		r.Method, r.Agent, r.AgentDomain = method.String, agent.String, agentDomain.String
		r.Classification, r.Country, r.Region, r.City = classification.String, country.String, region.String, city.String
		r.Referrer, r.ReferrerDomain = referrer.String, referrerDomain.String
		if status.Valid {
			code := status.Int32
			r.StatusCode = &code
		}
		if latitude.Valid && longitude.Valid {
			lat, long := latitude.Float64, longitude.Float64
			r.Latitude, r.Longitude = &lat, &long
		}

		records = append(records, r)
	}
	return records, rows.Err()
}
