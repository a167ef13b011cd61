// Package scheduler runs named tasks after a delay, one at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Handler performs one delivery of a task
type Handler func(ctx context.Context, args ...any) error

// Task is a pending delivery
type Task struct {
	Due  time.Time
	Name string
	Args []any
}

func (t Task) key() string {
	return t.Name + "\x00" + fmt.Sprint(t.Args...)
}

// Scheduler holds registered handlers and pending tasks.
//
// A task scheduled while an identical one (same name and arguments) is
// still pending is coalesced into the pending one. Handlers execute
// sequentially on the goroutine calling Run.
type Scheduler struct {
	mu       sync.Mutex
	handlers map[string]Handler
	pending  []Task
	wake     chan struct{}
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a handler to a task name, replacing any previous one
func (s *Scheduler) Register(name string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = handler
}

// ScheduleAfter requests a delivery of name after delay. It returns false
// when the task is unknown or an identical delivery is already pending.
func (s *Scheduler) ScheduleAfter(delay time.Duration, name string, args ...any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[name]; !ok {
		s.logger.Warn("scheduling unknown task", "task", name)
		return false
	}

	task := Task{Due: s.now().Add(delay), Name: name, Args: args}
	key := task.key()
	for _, p := range s.pending {
		if p.key() == key {
			s.logger.Debug("task already pending", "task", name)
			return false
		}
	}

	idx, _ := slices.BinarySearchFunc(s.pending, task, func(a, b Task) int {
		if a.Due.After(b.Due) {
			return 1
		}
		return -1
	})
	s.pending = slices.Insert(s.pending, idx, task)

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return true
}

// Pending returns a snapshot of the pending tasks ordered by due time
func (s *Scheduler) Pending() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// RunDue executes every due task, including the ones the deliveries
// themselves schedule with no delay, and returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	count := 0
	for ctx.Err() == nil {
		task, ok := s.popDue()
		if !ok {
			return count
		}
		s.execute(ctx, task)
		count++
	}
	return count
}

// Run delivers tasks as they fall due until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting")

	for {
		s.RunDue(ctx)

		wait := s.nextWait()
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping", "pending", len(s.Pending()))
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) popDue() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 || s.pending[0].Due.After(s.now()) {
		return Task{}, false
	}
	task := s.pending[0]
	s.pending = s.pending[1:]
	return task, true
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return time.Hour
	}
	return max(s.pending[0].Due.Sub(s.now()), 0)
}

func (s *Scheduler) execute(ctx context.Context, task Task) {
	s.mu.Lock()
	handler := s.handlers[task.Name]
	s.mu.Unlock()

	start := time.Now()
	err := handler(ctx, task.Args...)
	if err != nil {
		s.logger.Error("task failed",
			"task", task.Name,
			"durationSeconds", time.Since(start).Seconds(),
			"error", err)
		return
	}
	s.logger.Debug("task completed",
		"task", task.Name,
		"durationSeconds", time.Since(start).Seconds())
}
