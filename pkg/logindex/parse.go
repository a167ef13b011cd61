package logindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scality/log-index/pkg/combined"
	"github.com/scality/log-index/pkg/ipintel"
	"github.com/scality/log-index/pkg/query"
	"github.com/scality/log-index/pkg/store"
)

const updateParsedSQL = `UPDATE logs SET
    unix_timestamp = ?, datestamp = ?, ip = ?, host = ?, uri = ?, query = ?,
    statusCode = ?, method = ?, agent = ?, agent_domain = ?, classification = ?,
    browser = ?, os = ?, device = ?, country = ?, region = ?, city = ?,
    latitude = ?, longitude = ?, cookie = ?, referrer = ?, referrer_domain = ?
    WHERE id = ? AND ip IS NULL`

const markUnparseableSQL = `UPDATE logs SET parse_error = ? WHERE id = ? AND ip IS NULL`

const insertReversePlaceholderSQL = `INSERT OR IGNORE INTO reverse_ip (ip) VALUES (?)`

// rawRow is a row waiting to be parsed
type rawRow struct {
	id           int64
	sourceFile   string
	sourceOffset int64
	logline      string
}

// parsedRow is the outcome of parsing one raw row
type parsedRow struct {
	raw    rawRow
	fields combined.Fields
	agent  combined.Agent
	geo    ipintel.Geo
	err    error
}

// Parse normalizes one batch of unparsed rows.
//
// Rows whose line does not follow the combined grammar are marked with
// the reason in parse_error and never revisited. Every parsed row gets an
// offset index entry for its address and a pending reverse record.
func (e *Engine) Parse(ctx context.Context) (StageResult, error) {
	start := time.Now()
	result, err := e.parse(ctx)
	e.observe(stageParse, start, err)
	return result, err
}

func (e *Engine) parse(ctx context.Context) (StageResult, error) {
	backlog, err := e.count(ctx, `SELECT COUNT(*) FROM logs WHERE ip IS NULL AND parse_error IS NULL`)
	if err != nil {
		return StageResult{}, err
	}
	e.metrics.Parse.Backlog.Set(float64(backlog))

	if backlog == 0 {
		return StageResult{}, nil
	}

	rows, err := e.pendingRows(ctx)
	if err != nil {
		return StageResult{}, err
	}

	parsed := e.parseRows(ctx, rows)

	var (
		result StageResult
		minID  int64
		maxID  int64
	)
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		result = StageResult{}
		minID, maxID = 0, 0

		var (
			entries []store.IndexEntry
			ips     = map[string]bool{}
		)
		for _, p := range parsed {
			if p.err != nil {
				if _, err := tx.ExecContext(ctx, markUnparseableSQL, p.err.Error(), p.raw.id); err != nil {
					return fmt.Errorf("failed to mark row %d unparseable: %w", p.raw.id, err)
				}
				result.Unparseable++
				continue
			}

			if _, err := tx.ExecContext(ctx, updateParsedSQL, parsedValues(p)...); err != nil {
				return fmt.Errorf("failed to update row %d: %w", p.raw.id, err)
			}
			result.Processed++
			if minID == 0 {
				minID = p.raw.id
			}
			maxID = p.raw.id

			entries = append(entries, store.IndexEntry{
				Field:        query.IndexedField,
				Key:          p.fields.IP,
				Date:         p.fields.Datestamp,
				SourceFile:   p.raw.sourceFile,
				SourceOffset: p.raw.sourceOffset,
			})
			ips[p.fields.IP] = true
		}

		if err := store.InsertIndexEntries(ctx, tx, entries); err != nil {
			return err
		}

		for ip := range ips {
			if _, err := tx.ExecContext(ctx, insertReversePlaceholderSQL, ip); err != nil {
				return fmt.Errorf("failed to insert reverse record for %s: %w", ip, err)
			}
		}
		return nil
	})
	if err != nil {
		return StageResult{}, err
	}

	e.metrics.Parse.RowsParsed.Add(float64(result.Processed))
	e.metrics.Parse.RowsUnparseable.Add(float64(result.Unparseable))

	result.Backlog = max(backlog-result.Processed-result.Unparseable, 0)
	result.More = true
	e.metrics.Parse.Backlog.Set(float64(result.Backlog))

	if maxID > 0 {
		e.schedule(0, TaskAlert, minID, maxID)
	}

	e.logger.Info("parse pass completed",
		"nRows", result.Processed,
		"nUnparseable", result.Unparseable,
		"backlog", result.Backlog)

	return result, nil
}

func (e *Engine) pendingRows(ctx context.Context) ([]rawRow, error) {
	rows, err := e.store.Query(ctx,
		`SELECT id, source_file, source_offset, logline FROM logs
        WHERE ip IS NULL AND parse_error IS NULL
        ORDER BY id
        LIMIT ?`, e.parseBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select unparsed rows: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []rawRow
	for rows.Next() {
		var r rawRow
		if err := rows.Scan(&r.id, &r.sourceFile, &r.sourceOffset, &r.logline); err != nil {
			return nil, fmt.Errorf("failed to scan unparsed row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// parseRows parses a batch, looking up each distinct address and agent once
func (e *Engine) parseRows(ctx context.Context, rows []rawRow) []parsedRow {
	var (
		geoCache   = map[string]ipintel.Geo{}
		agentCache = map[string]combined.Agent{}
		result     = make([]parsedRow, 0, len(rows))
	)

	for _, r := range rows {
		p := parsedRow{raw: r}
		p.fields, p.err = combined.Parse(r.logline)
		if p.err != nil {
			e.logger.Debug("unparseable line", "id", r.id, "error", p.err)
			result = append(result, p)
			continue
		}

		agent, ok := agentCache[p.fields.Agent]
		if !ok {
			agent = combined.ClassifyAgent(p.fields.Agent)
			agentCache[p.fields.Agent] = agent
		}
		p.agent = agent

		geo, ok := geoCache[p.fields.IP]
		if !ok {
			geo = e.lookupGeo(ctx, p.fields.IP)
			geoCache[p.fields.IP] = geo
		}
		p.geo = geo

		result = append(result, p)
	}
	return result
}

func (e *Engine) lookupGeo(ctx context.Context, ip string) ipintel.Geo {
	if e.ipIntel == nil {
		return ipintel.Geo{}
	}
	facts, err := e.ipIntel.Facts(ctx, ip)
	if err != nil {
		e.logger.Warn("facts lookup failed", "ip", ip, "error", err)
		return ipintel.Geo{}
	}
	return facts.Geo
}

// parsedValues returns the arguments of updateParsedSQL. Geo values found
// in the line take precedence over the address facts.
func parsedValues(p parsedRow) []any {
	f := p.fields

	country := firstNonEmpty(f.Country, p.geo.CountryCode)
	region := firstNonEmpty(f.Region, p.geo.RegionCode)
	city := firstNonEmpty(f.City, p.geo.City)
	latitude, longitude := f.Latitude, f.Longitude
	if latitude == nil || longitude == nil {
		latitude, longitude = p.geo.Latitude, p.geo.Longitude
	}

	return []any{
		f.Timestamp.Unix(), f.Datestamp, f.IP, nullString(f.Host), nullString(f.URI), nullString(f.Query),
		f.StatusCode, nullString(f.Method), nullString(f.Agent), nullString(p.agent.Domain), nullString(p.agent.Classification),
		nullString(p.agent.Browser), nullString(p.agent.OS), nullString(p.agent.Device),
		nullString(country), nullString(region), nullString(city),
		latitude, longitude, nullString(f.Cookie), nullString(f.Referrer), nullString(f.ReferrerDomain),
		p.raw.id,
	}
}

func (e *Engine) count(ctx context.Context, q string, args ...any) (int, error) {
	var n int
	if err := e.store.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
