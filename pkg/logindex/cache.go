package logindex

import (
	"context"
	"fmt"
	"time"

	"github.com/scality/log-index/pkg/query"
)

// SearchResult is the answer to a search
type SearchResult struct {
	// Rows holds at most the configured search limit of matching rows,
	// newest first
	Rows []Row `json:"rows"`
	// Total is the number of matching rows
	Total int `json:"total"`
	// Plan is the query plan of the executed statement
	Plan []string `json:"plan"`
	// CacheTable names the cache table the rows were read from, if any
	CacheTable string `json:"cache_table,omitempty"`
}

// RunQuery compiles and executes a query over the parsed rows. With
// forPrecache set the result is materialized into the cache table named
// by the compiled query's key and no rows are returned.
func (e *Engine) RunQuery(ctx context.Context, text string, forPrecache bool) ([]Row, error) {
	compiled, err := e.compiler.Compile(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to compile query: %w", err)
	}

	if forPrecache {
		table, err := e.store.BuildCache(ctx, compiled.Key, text, selectLogs(compiled.Where), compiled.Params...)
		if err != nil {
			return nil, err
		}
		e.metrics.Cache.TablesBuilt.Inc()
		e.logger.Debug("query materialized", "cacheTable", table)
		return nil, nil
	}

	rows, err := e.store.Query(ctx, selectLogs(compiled.Where), compiled.Params...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	return scanRows(rows)
}

// WarmAll drops every cache table, then materializes each saved query.
// A saved query that fails to build is logged and skipped. It returns
// the number of cache tables built.
func (e *Engine) WarmAll(ctx context.Context) (int, error) {
	start := time.Now()
	built, err := e.warmAll(ctx)
	e.observe(stagePrecache, start, err)
	return built, err
}

func (e *Engine) warmAll(ctx context.Context) (int, error) {
	saved, err := e.registry.SearchByPrefix(ctx, e.savedQueryPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list saved queries: %w", err)
	}

	dropped, err := e.store.DropCaches(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to drop cache tables: %w", err)
	}

	built := 0
	for _, entry := range saved {
		if err := ctx.Err(); err != nil {
			return built, err
		}
		if _, err := e.RunQuery(ctx, entry.Value, true); err != nil {
			e.logger.Warn("failed to materialize saved query", "key", entry.Key, "error", err)
			continue
		}
		built++
	}

	e.logger.Info("precache pass completed",
		"nDropped", dropped,
		"nBuilt", built,
		"nSaved", len(saved))

	return built, nil
}

// Search answers a query, reading from the query's cache table when one
// exists and from the parsed rows otherwise.
func (e *Engine) Search(ctx context.Context, text string) (SearchResult, error) {
	compiled, err := e.compiler.Compile(ctx, text)
	if err != nil {
		return SearchResult{}, fmt.Errorf("failed to compile query: %w", err)
	}

	info, cached, err := e.store.LookupCache(ctx, compiled.Key)
	if err != nil {
		return SearchResult{}, err
	}
	if cached {
		e.metrics.Cache.Searches.WithLabelValues("cache").Inc()
		result, err := e.search(ctx,
			selectCache(info.Table),
			"SELECT COUNT(*) FROM "+info.Table)
		result.CacheTable = info.Table
		return result, err
	}

	e.metrics.Cache.Searches.WithLabelValues("live").Inc()
	return e.search(ctx, selectLogs(compiled.Where), countLogs(compiled.Where), compiled.Params...)
}

func (e *Engine) search(ctx context.Context, selectSQL, countSQL string, args ...any) (SearchResult, error) {
	var result SearchResult

	total, err := e.count(ctx, countSQL, args...)
	if err != nil {
		return SearchResult{}, err
	}
	result.Total = total

	limited := selectSQL + " LIMIT ?"
	limitedArgs := append(append([]any{}, args...), e.searchLimit)

	rows, err := e.store.Query(ctx, limited, limitedArgs...)
	if err != nil {
		return SearchResult{}, fmt.Errorf("failed to run search: %w", err)
	}
	if result.Rows, err = scanRows(rows); err != nil {
		return SearchResult{}, err
	}

	if result.Plan, err = e.store.Explain(ctx, limited, limitedArgs...); err != nil {
		return SearchResult{}, err
	}
	return result, nil
}

// Compile exposes the compiled form of a query
func (e *Engine) Compile(ctx context.Context, text string) (query.Compiled, error) {
	return e.compiler.Compile(ctx, text)
}
