package logindex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Alert reports the rows of a parse pass matched by a saved alert query
type Alert struct {
	Name  string
	Query string
	Rows  []Row
}

// Alerter delivers alerts
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// LogAlerter writes alerts to a logger
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates an alerter logging at warn level
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert logs the alert and the addresses it matched
func (a *LogAlerter) Alert(_ context.Context, alert Alert) error {
	ips := make([]string, 0, len(alert.Rows))
	seen := map[string]bool{}
	for _, r := range alert.Rows {
		if !seen[r.IP] {
			seen[r.IP] = true
			ips = append(ips, r.IP)
		}
	}
	a.logger.Warn("alert raised",
		"alert", alert.Name,
		"nRows", len(alert.Rows),
		"ips", ips)
	return nil
}

// CheckAlerts evaluates every saved alert query against the rows with ids
// fromID through toID and raises an alert for each query with matches.
// It returns the number of alerts raised.
func (e *Engine) CheckAlerts(ctx context.Context, fromID, toID int64) (int, error) {
	start := time.Now()
	raised, err := e.checkAlerts(ctx, fromID, toID)
	e.observe(stageAlert, start, err)
	return raised, err
}

func (e *Engine) checkAlerts(ctx context.Context, fromID, toID int64) (int, error) {
	entries, err := e.registry.SearchByPrefix(ctx, AlertPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list alert queries: %w", err)
	}

	raised := 0
	for _, entry := range entries {
		compiled, err := e.compiler.Compile(ctx, entry.Value)
		if err != nil {
			e.logger.Warn("failed to compile alert query", "key", entry.Key, "error", err)
			continue
		}

		where := "(" + compiled.Where + ") AND logs.id BETWEEN ? AND ?"
		params := append(append([]any{}, compiled.Params...), fromID, toID)

		rows, err := e.store.Query(ctx, selectLogs(where), params...)
		if err != nil {
			return raised, fmt.Errorf("failed to run alert query %s: %w", entry.Key, err)
		}
		matched, err := scanRows(rows)
		if err != nil {
			return raised, err
		}
		if len(matched) == 0 {
			continue
		}

		alert := Alert{
			Name:  strings.TrimPrefix(entry.Key, AlertPrefix),
			Query: entry.Value,
			Rows:  matched,
		}
		if err := e.alerter.Alert(ctx, alert); err != nil {
			e.logger.Warn("failed to deliver alert", "alert", alert.Name, "error", err)
			continue
		}
		e.metrics.General.AlertsRaised.Inc()
		raised++
	}

	return raised, nil
}
