package clickhouse

import (
	"context"
	"fmt"
	"time"
)

// Consistency Guarantees
//
// Records are appended to access_logs before the offset is committed, so a
// failure between the two re-archives the same records on the next pass
// (at-least-once). Offsets live in a ReplacingMergeTree ordered by instance;
// LastArchivedID reads max(lastArchivedId) so unmerged parts are harmless.

// Record is one parsed log record as archived
//
//nolint:govet // fieldalignment: columns follow the table order
type Record struct {
	ID             int64
	Timestamp      time.Time
	Datestamp      string
	SourceFile     string
	SourceOffset   int64
	IP             string
	Host           string
	URI            string
	Query          string
	StatusCode     *int32
	Method         string
	Agent          string
	AgentDomain    string
	Classification string
	Country        string
	Region         string
	City           string
	Latitude       *float64
	Longitude      *float64
	Referrer       string
	ReferrerDomain string
	Logline        string
}

// Sink writes records and archive offsets for one log index instance
type Sink struct {
	client   *Client
	instance string
}

// NewSink creates a sink; instance distinguishes log indexes sharing a database
func NewSink(client *Client, instance string) *Sink {
	return &Sink{client: client, instance: instance}
}

// EnsureSchema creates the archive database and tables when missing
func (s *Sink) EnsureSchema(ctx context.Context) error {
	db := s.client.Database()

	statements := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", db),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s
		(
			instance         LowCardinality(String),
			id               Int64,
			timestamp        DateTime,
			datestamp        String,
			sourceFile       LowCardinality(String),
			sourceOffset     Int64,
			ip               String,
			host             String,
			uri              String,
			query            String,
			statusCode       Nullable(Int32),
			method           LowCardinality(String),
			agent            String,
			agentDomain      String,
			classification   LowCardinality(String),
			country          LowCardinality(String),
			region           LowCardinality(String),
			city             String,
			latitude         Nullable(Float64),
			longitude        Nullable(Float64),
			referrer         String,
			referrerDomain   String,
			logline          String,
			archivedAt       DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (instance, timestamp, id)
		`, db, TableAccessLogs),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s
		(
			instance         String,
			lastArchivedId   Int64,
			committedAt      DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = ReplacingMergeTree(committedAt)
		ORDER BY instance
		`, db, TableOffsets),
	}

	for _, stmt := range statements {
		if err := s.client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create archive schema: %w", err)
		}
	}
	return nil
}

// DropSchema removes the archive tables
func (s *Sink) DropSchema(ctx context.Context) error {
	for _, table := range []string{TableAccessLogs, TableOffsets} {
		if err := s.client.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", s.client.Database(), table)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return nil
}

// LastArchivedID returns the highest committed record id, 0 when none
func (s *Sink) LastArchivedID(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT max(lastArchivedId) FROM %s.%s WHERE instance = ?`,
		s.client.Database(), TableOffsets)

	var id int64
	if err := s.client.QueryRow(ctx, query, s.instance).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read archive offset for %s: %w", s.instance, err)
	}
	return id, nil
}

// Write appends records in a single batch insert
func (s *Sink) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.client.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s.%s (
			instance, id, timestamp, datestamp, sourceFile, sourceOffset, ip, host, uri, query,
			statusCode, method, agent, agentDomain, classification, country, region, city,
			latitude, longitude, referrer, referrerDomain, logline
		)`, s.client.Database(), TableAccessLogs))
	if err != nil {
		return fmt.Errorf("failed to prepare archive batch: %w", err)
	}

	for _, r := range records {
		if err := batch.Append(
			s.instance, r.ID, r.Timestamp, r.Datestamp, r.SourceFile, r.SourceOffset, r.IP, r.Host, r.URI, r.Query,
			r.StatusCode, r.Method, r.Agent, r.AgentDomain, r.Classification, r.Country, r.Region, r.City,
			r.Latitude, r.Longitude, r.Referrer, r.ReferrerDomain, r.Logline,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append record %d: %w", r.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send archive batch of %d records: %w", len(records), err)
	}
	return nil
}

// CommitOffset records lastID as archived
func (s *Sink) CommitOffset(ctx context.Context, lastID int64) error {
	if lastID <= 0 {
		return fmt.Errorf("archive offset must be positive, got %d", lastID)
	}

	query := fmt.Sprintf(`INSERT INTO %s.%s (instance, lastArchivedId) VALUES (?, ?)`,
		s.client.Database(), TableOffsets)
	if err := s.client.Exec(ctx, query, s.instance, lastID); err != nil {
		return fmt.Errorf("failed to commit archive offset %d for %s: %w", lastID, s.instance, err)
	}
	return nil
}
