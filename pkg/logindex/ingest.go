package logindex

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/scality/log-index/pkg/combined"
	"github.com/scality/log-index/pkg/source"
)

const insertLineSQL = `INSERT OR IGNORE INTO logs (source_file, source_offset, hash, logline)
    VALUES (?, ?, ?, ?)`

// IngestSummary reports one run of the ingestion queue
type IngestSummary struct {
	Periods int
	Files   int
	Skipped int
	Lines   int
}

// pendingLine is a line read from a source, not yet inserted
type pendingLine struct {
	offset int64
	hash   string
	text   string
}

// Enqueue queues the days of start through end for ingestion and schedules
// the queue to be processed. It returns false when the same period is
// already queued, and ErrNotConfigured when there is no log root.
func (e *Engine) Enqueue(ctx context.Context, start, end time.Time) (bool, error) {
	if _, err := e.Root(ctx); err != nil {
		return false, err
	}

	period, err := NewPeriod(start, end)
	if err != nil {
		return false, err
	}

	if !e.queue.Add(period) {
		e.logger.Info("period already queued", "period", period.String())
		return false, nil
	}
	e.metrics.Ingest.QueuedPeriods.Set(float64(e.queue.Len()))
	e.logger.Info("period queued", "period", period.String())

	e.schedule(e.queueDelay, TaskProcessQueue)
	return true, nil
}

// Cancel removes a queued period
func (e *Engine) Cancel(start, end time.Time) bool {
	period, err := NewPeriod(start, end)
	if err != nil {
		return false
	}
	cancelled := e.queue.Cancel(period)
	if cancelled {
		e.metrics.Ingest.QueuedPeriods.Set(float64(e.queue.Len()))
		e.logger.Info("period cancelled", "period", period.String())
	}
	return cancelled
}

// Queued returns the periods waiting for ingestion
func (e *Engine) Queued() []Period {
	return e.queue.Snapshot()
}

// ProcessQueue ingests every queued period, oldest first. Days without a
// log file are skipped; a failing file is logged and does not stop the
// rest of its period.
func (e *Engine) ProcessQueue(ctx context.Context) (IngestSummary, error) {
	start := time.Now()
	var summary IngestSummary

	root, err := e.Root(ctx)
	if err != nil {
		e.observe(stageIngest, start, err)
		return summary, err
	}

	src, err := e.sources(ctx, root)
	if err != nil {
		e.observe(stageIngest, start, err)
		return summary, fmt.Errorf("failed to open log root %s: %w", root, err)
	}

	var errs []error
	for {
		entry, ok := e.queue.Peek()
		if !ok {
			break
		}
		period := entry.Period
		summary.Periods++

		for _, day := range period.Days() {
			if err := ctx.Err(); err != nil {
				e.observe(stageIngest, start, err)
				return summary, err
			}
			if !e.queue.Holds(entry.ID) {
				e.logger.Info("stopping cancelled period", "period", period.String())
				break
			}

			name, err := src.Locate(ctx, day)
			if errors.Is(err, source.ErrNotFound) {
				summary.Skipped++
				e.metrics.Ingest.FilesSkipped.Inc()
				e.logger.Info("no log file for day", "day", day.Format(dayLayout))
				continue
			}
			if err != nil {
				errs = append(errs, err)
				e.logger.Error("failed to locate log file", "day", day.Format(dayLayout), "error", err)
				continue
			}

			n, err := e.IngestFile(ctx, src, name)
			if err != nil {
				errs = append(errs, err)
				e.logger.Error("failed to ingest log file", "source", name, "error", err)
				continue
			}
			summary.Files++
			summary.Lines += n
		}

		e.queue.Done(entry.ID)
		e.metrics.Ingest.QueuedPeriods.Set(float64(e.queue.Len()))
	}

	err = errors.Join(errs...)
	e.observe(stageIngest, start, err)

	e.logger.Info("ingestion queue processed",
		"nPeriods", summary.Periods,
		"nFiles", summary.Files,
		"nSkipped", summary.Skipped,
		"nLines", summary.Lines)

	return summary, err
}

// IngestFile appends the lines of a log file that are not yet in the
// store and returns how many were appended.
//
// Reading resumes at the highest offset recorded for the file's source
// name, skipping the line found there. Only newline-terminated lines are
// read; a trailing fragment is left for the next run. JSON request-log
// records are normalized to combined format before they are stored.
func (e *Engine) IngestFile(ctx context.Context, src source.Source, file string) (int, error) {
	name := source.Name(file)

	resume, found, err := e.lastOffset(ctx, name)
	if err != nil {
		return 0, err
	}

	r, err := src.Open(ctx, file, resume)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = r.Close()
	}()

	reader := bufio.NewReaderSize(r, 64*1024)
	offset := resume

	if found {
		skipped, err := reader.ReadString('\n')
		if err != nil {
			// nothing complete after the last recorded line
			return 0, nil
		}
		offset += int64(len(skipped))
	}

	var (
		batch    []pendingLine
		inserted int
		read     int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := e.insertLines(ctx, name, batch)
		if err != nil {
			return err
		}
		inserted += n
		e.metrics.Ingest.LinesIngested.Add(float64(n))
		e.metrics.Ingest.DuplicateLines.Add(float64(len(batch) - n))
		batch = batch[:0]
		return nil
	}

	for {
		raw, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return inserted, fmt.Errorf("failed to read %s at offset %d: %w", file, offset, err)
		}

		lineOffset := offset
		offset += int64(len(raw))

		text := strings.TrimRight(raw, "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		read++

		batch = append(batch, pendingLine{
			offset: lineOffset,
			hash:   lineHash(name, lineOffset, text),
			text:   e.normalizeLine(text),
		})

		if len(batch) >= e.ingestBatchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}

	if err := flush(); err != nil {
		return inserted, err
	}

	e.logger.Info("ingested log file",
		"source", name,
		"resumeOffset", resume,
		"nLines", read,
		"nRows", inserted)

	return inserted, nil
}

// lastOffset returns the highest offset recorded for a source name
func (e *Engine) lastOffset(ctx context.Context, name string) (int64, bool, error) {
	var offset sql.NullInt64
	err := e.store.QueryRow(ctx,
		`SELECT MAX(source_offset) FROM logs WHERE source_file = ?`, name).Scan(&offset)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read resume offset of %s: %w", name, err)
	}
	return offset.Int64, offset.Valid, nil
}

func (e *Engine) insertLines(ctx context.Context, name string, lines []pendingLine) (int, error) {
	inserted := 0
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertLineSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare line insert: %w", err)
		}
		defer func() {
			_ = stmt.Close()
		}()

		for _, line := range lines {
			result, err := stmt.ExecContext(ctx, name, line.offset, line.hash, line.text)
			if err != nil {
				return fmt.Errorf("failed to insert line at offset %d: %w", line.offset, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// normalizeLine converts JSON request-log records to combined format.
// Records that cannot be converted are kept as they are and will be
// flagged by the parse stage.
func (e *Engine) normalizeLine(text string) string {
	if !strings.HasPrefix(text, "{") {
		return text
	}
	line, err := combined.Normalize([]byte(text))
	if err != nil {
		e.logger.Debug("failed to normalize structured record", "error", err)
		return text
	}
	return line
}

// lineHash identifies a line by source name, offset and raw content
func lineHash(name string, offset int64, text string) string {
	h := xxh3.New()
	_, _ = h.WriteString(name)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(strconv.FormatInt(offset, 10))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(text)
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:])
}
