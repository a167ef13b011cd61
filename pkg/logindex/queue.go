package logindex

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// Period is an inclusive range of calendar days (UTC)
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod returns the period covering the days of start through end
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: truncateDay(start), End: truncateDay(end)}
	if p.End.Before(p.Start) {
		return Period{}, fmt.Errorf("period end %s is before its start %s",
			p.End.Format(dayLayout), p.Start.Format(dayLayout))
	}
	return p, nil
}

// Days lists the days of the period in order
func (p Period) Days() []time.Time {
	var days []time.Time
	for d := p.Start; !d.After(p.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (p Period) String() string {
	return p.Start.Format(dayLayout) + ".." + p.End.Format(dayLayout)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// QueueEntry is one queued request for a period. Each Add creates a new
// entry with its own ID, so a period cancelled and queued again while it
// is being ingested is a different entry.
type QueueEntry struct {
	Period Period
	ID     uint64
}

// Queue is the in-memory, ordered list of periods awaiting ingestion.
// An entry stays queued while it is being ingested and is removed once
// done or cancelled.
type Queue struct {
	entries []QueueEntry
	nextID  uint64
	mu      sync.Mutex
}

// Add appends p unless it is already queued
func (q *Queue) Add(p Period) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexOf(p) >= 0 {
		return false
	}
	q.nextID++
	q.entries = append(q.entries, QueueEntry{Period: p, ID: q.nextID})
	return true
}

// Cancel removes p from the queue. Ingestion of a cancelled period in
// progress stops before its next day.
func (q *Queue) Cancel(p Period) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(p)
	if idx < 0 {
		return false
	}
	q.entries = slices.Delete(q.entries, idx, idx+1)
	return true
}

// Done removes the entry with the given ID, if still queued
func (q *Queue) Done(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := slices.IndexFunc(q.entries, func(e QueueEntry) bool { return e.ID == id })
	if idx < 0 {
		return false
	}
	q.entries = slices.Delete(q.entries, idx, idx+1)
	return true
}

// Holds reports whether the entry with the given ID is still queued
func (q *Queue) Holds(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.ContainsFunc(q.entries, func(e QueueEntry) bool { return e.ID == id })
}

// Contains reports whether p is queued
func (q *Queue) Contains(p Period) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOf(p) >= 0
}

// Peek returns the oldest queued entry
func (q *Queue) Peek() (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return QueueEntry{}, false
	}
	return q.entries[0], true
}

// Snapshot returns the queued periods in order
func (q *Queue) Snapshot() []Period {
	q.mu.Lock()
	defer q.mu.Unlock()

	periods := make([]Period, len(q.entries))
	for i, e := range q.entries {
		periods[i] = e.Period
	}
	return periods
}

// Len returns the number of queued periods
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) indexOf(p Period) int {
	return slices.IndexFunc(q.entries, func(e QueueEntry) bool { return e.Period == p })
}
