package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/abac"
)

// MemoryAuditStore keeps audit rows, archives, alerts, metrics and health
// checks in memory for testing/demo. It mirrors SQLAuditStore.
type MemoryAuditStore struct {
	mu       sync.RWMutex
	events   []*abac.AuditEvent
	archives []*abac.AuditArchive
	alerts   []*abac.SecurityAlert
	metrics  []*abac.SystemMetric
	checks   []*abac.HealthCheck
	nextID   int64

	failures  int
	failErr   error
	insertsOK int
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// FailNextInserts makes the next n InsertEvents calls return err
func (s *MemoryAuditStore) FailNextInserts(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

func (s *MemoryAuditStore) InsertEvents(ctx context.Context, events []*abac.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.failErr
	}
	for _, e := range events {
		s.nextID++
		e.ID = s.nextID
		cp := *e
		s.events = append(s.events, &cp)
	}
	s.insertsOK++
	return nil
}

// Batches returns how many InsertEvents calls succeeded
func (s *MemoryAuditStore) Batches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insertsOK
}

func (s *MemoryAuditStore) QueryEvents(ctx context.Context, filter abac.AuditFilter) ([]*abac.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.AuditEvent, 0)
	for _, e := range s.events {
		if filter.SubjectID != "" && e.SubjectID != filter.SubjectID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Result != "" && e.Result != filter.Result {
			continue
		}
		if !filter.StartTime.IsZero() && e.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && e.Timestamp.After(filter.EndTime) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryAuditStore) ArchivableDays(ctx context.Context, cutoff time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[time.Time]bool)
	days := make([]time.Time, 0)
	for _, e := range s.events {
		if !e.Timestamp.Before(cutoff) {
			continue
		}
		ts := e.Timestamp.UTC()
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func (s *MemoryAuditStore) EventsBetween(ctx context.Context, from, to time.Time) ([]*abac.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.AuditEvent, 0)
	for _, e := range s.events {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryAuditStore) ArchiveDay(ctx context.Context, a *abac.AuditArchive, from, to time.Time, maxID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, e := range s.events {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) && e.ID <= maxID {
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	a.ID = int64(len(s.archives) + 1)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	s.archives = append(s.archives, &cp)
	return nil
}

func (s *MemoryAuditStore) ListArchives(ctx context.Context) ([]*abac.AuditArchive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.AuditArchive, len(s.archives))
	copy(out, s.archives)
	return out, nil
}

func (s *MemoryAuditStore) InsertAlert(ctx context.Context, a *abac.SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == "" {
		a.Status = "open"
	}
	a.ID = int64(len(s.alerts) + 1)
	cp := *a
	s.alerts = append(s.alerts, &cp)
	return nil
}

func (s *MemoryAuditStore) ListAlerts(ctx context.Context, status string) ([]*abac.SecurityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.SecurityAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryAuditStore) InsertMetric(ctx context.Context, m *abac.SystemMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = int64(len(s.metrics) + 1)
	cp := *m
	s.metrics = append(s.metrics, &cp)
	return nil
}

func (s *MemoryAuditStore) Metrics() []*abac.SystemMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.SystemMetric, len(s.metrics))
	copy(out, s.metrics)
	return out
}

func (s *MemoryAuditStore) InsertHealthCheck(ctx context.Context, h *abac.HealthCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.ID = int64(len(s.checks) + 1)
	cp := *h
	s.checks = append(s.checks, &cp)
	return nil
}

func (s *MemoryAuditStore) HealthChecks() []*abac.HealthCheck {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.HealthCheck, len(s.checks))
	copy(out, s.checks)
	return out
}

func (s *MemoryAuditStore) Ping(ctx context.Context) error { return ctx.Err() }
