package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/scality/log-index/pkg/clickhouse"
	"github.com/scality/log-index/pkg/ipintel"
	"github.com/scality/log-index/pkg/logindex"
)

// ScheduledTask is one call recorded by RecordingScheduler
type ScheduledTask struct {
	Delay time.Duration
	Name  string
	Args  []any
}

// RecordingScheduler records ScheduleAfter calls without delivering them
type RecordingScheduler struct {
	mu    sync.Mutex
	tasks []ScheduledTask
}

// ScheduleAfter records the call and accepts it
func (s *RecordingScheduler) ScheduleAfter(delay time.Duration, name string, args ...any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, ScheduledTask{Delay: delay, Name: name, Args: args})
	return true
}

// Tasks returns the recorded calls in order
func (s *RecordingScheduler) Tasks() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks)
}

// Names returns the names of the recorded calls in order
func (s *RecordingScheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}

// Reset forgets the recorded calls
func (s *RecordingScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = nil
}

// StaticIPIntel answers lookups from fixed tables and counts the calls
type StaticIPIntel struct {
	// Facts by address
	FactsByIP map[string]ipintel.Facts
	// Reverses by address; missing addresses resolve to nothing
	ReverseByIP map[string]ipintel.Reverse
	// FailReverse makes every reverse lookup fail
	FailReverse bool

	mu           sync.Mutex
	factsCalls   map[string]int
	reverseCalls map[string]int
}

// Facts returns the facts of ip
func (s *StaticIPIntel) Facts(_ context.Context, ip string) (ipintel.Facts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.factsCalls == nil {
		s.factsCalls = map[string]int{}
	}
	s.factsCalls[ip]++
	return s.FactsByIP[ip], nil
}

// Reverse returns the reverse record of ip
func (s *StaticIPIntel) Reverse(_ context.Context, ip string) (ipintel.Reverse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reverseCalls == nil {
		s.reverseCalls = map[string]int{}
	}
	s.reverseCalls[ip]++
	if s.FailReverse {
		return ipintel.Reverse{}, fmt.Errorf("reverse lookup of %s failed", ip)
	}
	return s.ReverseByIP[ip], nil
}

// FactsCalls returns how many times Facts was called for ip
func (s *StaticIPIntel) FactsCalls(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factsCalls[ip]
}

// ReverseCalls returns how many times Reverse was called for ip
func (s *StaticIPIntel) ReverseCalls(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reverseCalls[ip]
}

// CompetingIPIntel is a StaticIPIntel whose reverse lookups first let
// Compete record another resolution of the address, the way a concurrent
// reversal pass finishing first would.
type CompetingIPIntel struct {
	StaticIPIntel

	// Compete runs before each reverse lookup; an error fails the lookup
	Compete func(ctx context.Context, ip string) error
}

// Reverse runs Compete, then answers from the static tables
func (c *CompetingIPIntel) Reverse(ctx context.Context, ip string) (ipintel.Reverse, error) {
	if c.Compete != nil {
		if err := c.Compete(ctx, ip); err != nil {
			return ipintel.Reverse{}, err
		}
	}
	return c.StaticIPIntel.Reverse(ctx, ip)
}

// MemoryArchive is an archive sink keeping records in memory
type MemoryArchive struct {
	// FailWrites is the number of Write calls that fail before one succeeds
	FailWrites int

	mu      sync.Mutex
	records []clickhouse.Record
	lastID  int64
	writes  int
}

// LastArchivedID returns the committed offset
func (m *MemoryArchive) LastArchivedID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID, nil
}

// Write appends records
func (m *MemoryArchive) Write(_ context.Context, records []clickhouse.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.FailWrites > 0 {
		m.FailWrites--
		return fmt.Errorf("archive unavailable")
	}
	m.records = append(m.records, records...)
	return nil
}

// CommitOffset stores the offset
func (m *MemoryArchive) CommitOffset(_ context.Context, lastID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID = lastID
	return nil
}

// Records returns the archived records
func (m *MemoryArchive) Records() []clickhouse.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// Writes returns how many times Write was called
func (m *MemoryArchive) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// RecordingAlerter records the alerts it receives
type RecordingAlerter struct {
	mu     sync.Mutex
	alerts []logindex.Alert
}

// Alert records alert
func (a *RecordingAlerter) Alert(_ context.Context, alert logindex.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

// Alerts returns the recorded alerts
func (a *RecordingAlerter) Alerts() []logindex.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.alerts)
}
