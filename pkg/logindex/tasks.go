package logindex

import (
	"context"
	"fmt"

	"github.com/scality/log-index/pkg/scheduler"
)

// Task names
const (
	TaskProcessQueue = "logindex:process_queue"
	TaskParse        = "logindex:parse"
	TaskReversal     = "logindex:reversal"
	TaskPrecache     = "logindex:precache"
	TaskArchive      = "logindex:archive"
	TaskAlert        = "logindex:alert"
)

// TaskRegistrar binds task names to handlers
type TaskRegistrar interface {
	Register(name string, handler scheduler.Handler)
}

// RegisterTasks registers the pipeline tasks. Each stage hands over to the
// next one once its backlog is empty: process_queue, parse, reversal,
// precache, then archive when an archive sink is configured.
func (e *Engine) RegisterTasks(r TaskRegistrar) {
	r.Register(TaskProcessQueue, e.processQueueTask)
	r.Register(TaskParse, e.parseTask)
	r.Register(TaskReversal, e.reversalTask)
	r.Register(TaskPrecache, e.precacheTask)
	r.Register(TaskArchive, e.archiveTask)
	r.Register(TaskAlert, e.alertTask)
}

func (e *Engine) processQueueTask(ctx context.Context, _ ...any) error {
	_, err := e.ProcessQueue(ctx)
	// rows from the files that did succeed still need parsing
	e.schedule(0, TaskParse)
	return err
}

func (e *Engine) parseTask(ctx context.Context, _ ...any) error {
	result, err := e.Parse(ctx)
	if err != nil {
		return err
	}
	if result.More {
		e.schedule(e.parseDelay, TaskParse)
		return nil
	}
	e.schedule(0, TaskReversal)
	return nil
}

func (e *Engine) reversalTask(ctx context.Context, _ ...any) error {
	result, err := e.Reverse(ctx)
	if err != nil {
		return err
	}
	if result.More {
		e.schedule(e.reverseDelay, TaskReversal)
		return nil
	}
	e.schedule(0, TaskPrecache)
	return nil
}

func (e *Engine) precacheTask(ctx context.Context, _ ...any) error {
	if _, err := e.WarmAll(ctx); err != nil {
		return err
	}
	if e.archive != nil {
		e.schedule(0, TaskArchive)
	}
	return nil
}

func (e *Engine) archiveTask(ctx context.Context, _ ...any) error {
	result, err := e.Archive(ctx)
	if err != nil {
		return err
	}
	if result.More {
		e.schedule(0, TaskArchive)
	}
	return nil
}

func (e *Engine) alertTask(ctx context.Context, args ...any) error {
	if len(args) != 2 {
		return fmt.Errorf("alert task expects 2 arguments, got %d", len(args))
	}
	fromID, ok1 := args[0].(int64)
	toID, ok2 := args[1].(int64)
	if !ok1 || !ok2 {
		return fmt.Errorf("alert task expects id bounds, got %v", args)
	}
	_, err := e.CheckAlerts(ctx, fromID, toID)
	return err
}
