package logindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scality/log-index/pkg/ipintel"
)

// The update is keyed by address and guarded by updated IS NULL so that a
// concurrent pass never overwrites a resolution written in between.
const updateReverseSQL = `UPDATE reverse_ip
    SET reverse_host = ?, reverse_domain = ?, organization = ?
    WHERE ip = ? AND updated IS NULL`

// Reverse resolves one batch of addresses without a reverse record.
//
// A failed lookup is stored as an empty resolution so the address leaves
// the backlog; each address is looked up once regardless of how many
// lines reference it.
func (e *Engine) Reverse(ctx context.Context) (StageResult, error) {
	start := time.Now()
	result, err := e.reverse(ctx)
	e.observe(stageReverse, start, err)
	return result, err
}

func (e *Engine) reverse(ctx context.Context) (StageResult, error) {
	backlog, err := e.count(ctx, `SELECT COUNT(*) FROM reverse_ip WHERE updated IS NULL`)
	if err != nil {
		return StageResult{}, err
	}
	e.metrics.Reverse.Backlog.Set(float64(backlog))

	if backlog == 0 {
		return StageResult{}, nil
	}

	ips, err := e.unresolvedIPs(ctx)
	if err != nil {
		return StageResult{}, err
	}

	resolutions := make(map[string]ipintel.Reverse, len(ips))
	for _, ip := range ips {
		if err := ctx.Err(); err != nil {
			return StageResult{}, err
		}
		resolutions[ip] = e.lookupReverse(ctx, ip)
	}

	var result StageResult
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		result = StageResult{}
		for _, ip := range ips {
			rev := resolutions[ip]
			res, err := tx.ExecContext(ctx, updateReverseSQL,
				nullString(rev.Host), nullString(rev.Domain), nullString(rev.Organization), ip)
			if err != nil {
				return fmt.Errorf("failed to store reverse record for %s: %w", ip, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.Processed++
			}
		}
		return nil
	})
	if err != nil {
		return StageResult{}, err
	}

	result.Backlog = max(backlog-len(ips), 0)
	result.More = true
	e.metrics.Reverse.Backlog.Set(float64(result.Backlog))

	e.logger.Info("reversal pass completed",
		"nAddresses", result.Processed,
		"backlog", result.Backlog)

	return result, nil
}

func (e *Engine) unresolvedIPs(ctx context.Context) ([]string, error) {
	rows, err := e.store.Query(ctx,
		`SELECT ip FROM reverse_ip WHERE updated IS NULL ORDER BY id LIMIT ?`, e.reverseBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select unresolved addresses: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("failed to scan unresolved address: %w", err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

func (e *Engine) lookupReverse(ctx context.Context, ip string) ipintel.Reverse {
	if e.ipIntel == nil {
		e.metrics.Reverse.Lookups.WithLabelValues("empty").Inc()
		return ipintel.Reverse{}
	}

	rev, err := e.ipIntel.Reverse(ctx, ip)
	switch {
	case err != nil:
		e.metrics.Reverse.Lookups.WithLabelValues("failed").Inc()
		e.logger.Warn("reverse lookup failed", "ip", ip, "error", err)
		return ipintel.Reverse{}
	case rev.Host == "":
		e.metrics.Reverse.Lookups.WithLabelValues("empty").Inc()
	default:
		e.metrics.Reverse.Lookups.WithLabelValues("resolved").Inc()
	}
	return rev
}
