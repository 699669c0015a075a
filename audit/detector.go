package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
)

const DefaultDetectionWindow = time.Hour

// Counter counts occurrences of a key inside a sliding window
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// MemoryCounter is an in-process Counter
type MemoryCounter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{hits: make(map[string][]time.Time), now: now}
}

func (c *MemoryCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	kept := c.hits[key][:0]
	for _, t := range c.hits[key] {
		if window <= 0 || now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.hits[key] = kept
	return int64(len(kept)), nil
}

// Pattern matches events by type and optionally result and severity.
// Threshold occurrences per subject inside Window raise one alert.
type Pattern struct {
	Name      string
	EventType abac.EventType
	Result    string
	Severity  abac.Severity
	Threshold int64
	Window    time.Duration
}

func (p Pattern) matches(e *abac.AuditEvent) bool {
	if e.EventType != p.EventType {
		return false
	}
	if p.Result != "" && e.Result != p.Result {
		return false
	}
	return p.Severity == "" || e.Severity == p.Severity
}

func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "authentication_failure", EventType: abac.EventAuthentication, Result: "failure", Threshold: 5, Window: DefaultDetectionWindow},
		{Name: "authorization_denial", EventType: abac.EventAuthorization, Result: "deny", Threshold: 3, Window: DefaultDetectionWindow},
		{Name: "critical_security_event", EventType: abac.EventSecurity, Severity: abac.SeverityCritical, Threshold: 1, Window: DefaultDetectionWindow},
	}
}

// AlertStore persists security alerts
type AlertStore interface {
	InsertAlert(ctx context.Context, a *abac.SecurityAlert) error
}

// AlertNotifier is called for every persisted alert
type AlertNotifier interface {
	Notify(ctx context.Context, a *abac.SecurityAlert) error
}

type AlertNotifierFunc func(ctx context.Context, a *abac.SecurityAlert) error

func (f AlertNotifierFunc) Notify(ctx context.Context, a *abac.SecurityAlert) error { return f(ctx, a) }

// Detector flags suspicious activity and owns the alert queue
type Detector struct {
	counter   Counter
	store     AlertStore
	patterns  []Pattern
	alerts    chan *abac.SecurityAlert
	notifiers []AlertNotifier
	mu        sync.RWMutex
	logger    logger.Logger
	now       func() time.Time
	retryWait time.Duration
}

type DetectorOption func(*Detector)

func WithPatterns(patterns ...Pattern) DetectorOption {
	return func(d *Detector) { d.patterns = patterns }
}

func WithAlertQueueSize(n int) DetectorOption {
	return func(d *Detector) {
		if n > 0 {
			d.alerts = make(chan *abac.SecurityAlert, n)
		}
	}
}

func WithDetectorLogger(l logger.Logger) DetectorOption {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDetector(counter Counter, store AlertStore, opts ...DetectorOption) (*Detector, error) {
	if counter == nil {
		return nil, errors.New("detector: counter is required")
	}
	if store == nil {
		return nil, errors.New("detector: alert store is required")
	}
	d := &Detector{
		counter:   counter,
		store:     store,
		patterns:  DefaultPatterns(),
		alerts:    make(chan *abac.SecurityAlert, 1000),
		logger:    logger.NewNullLogger(),
		now:       time.Now,
		retryWait: time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Detector) AddNotifier(n AlertNotifier) {
	if n == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers = append(d.notifiers, n)
}

// Observe counts e against every matching pattern and queues an alert when a
// pattern reaches its threshold. Counter failures are logged and ignored.
func (d *Detector) Observe(ctx context.Context, e *abac.AuditEvent) {
	for _, p := range d.patterns {
		if !p.matches(e) {
			continue
		}
		key := fmt.Sprintf("suspicious:%s:%s", p.Name, e.SubjectID)
		n, err := d.counter.Incr(ctx, key, p.Window)
		if err != nil {
			d.logger.Warn("suspicious activity counter failed", "key", key, "error", err)
			continue
		}
		if n != p.Threshold {
			continue
		}
		d.Raise(ctx, &abac.SecurityAlert{
			Timestamp:   d.now().UTC(),
			AlertType:   "suspicious_activity",
			Pattern:     p.Name,
			Severity:    e.Severity,
			SubjectID:   e.SubjectID,
			Description: fmt.Sprintf("Suspicious activity detected: %s", e.Action),
			Details: map[string]any{
				"event_id":      e.EventID,
				"event_type":    string(e.EventType),
				"action":        e.Action,
				"resource_type": e.ResourceType,
				"resource_id":   e.ResourceID,
				"result":        e.Result,
				"count":         n,
			},
		})
	}
}

// Raise queues an alert for the alert worker. A full queue drops the alert.
func (d *Detector) Raise(ctx context.Context, a *abac.SecurityAlert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = d.now().UTC()
	}
	if a.Status == "" {
		a.Status = "open"
	}
	select {
	case d.alerts <- a:
	default:
		d.logger.Error("alert queue full, alert dropped", "alert_type", a.AlertType, "subject_id", a.SubjectID)
	}
}

// Rejected raises a tamper alert for events that failed hash verification
func (d *Detector) Rejected(ctx context.Context, e *abac.AuditEvent, err error) {
	d.Raise(ctx, &abac.SecurityAlert{
		AlertType:   "audit_tamper",
		Severity:    abac.SeverityCritical,
		SubjectID:   e.SubjectID,
		Description: fmt.Sprintf("Audit event %s failed hash verification", e.EventID),
		Details:     map[string]any{"event_id": e.EventID, "error": err.Error()},
	})
}

// Run persists queued alerts and notifies listeners until ctx ends. Alerts
// still queued at shutdown are persisted before returning.
func (d *Detector) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case a := <-d.alerts:
			d.handle(ctx, writeCtx, a)
		case <-ctx.Done():
			for {
				select {
				case a := <-d.alerts:
					d.handle(ctx, writeCtx, a)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Detector) handle(ctx, writeCtx context.Context, a *abac.SecurityAlert) {
	if err := d.store.InsertAlert(writeCtx, a); err != nil {
		d.logger.Error("persist security alert failed", "alert_type", a.AlertType, "error", err)
		if ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-time.After(d.retryWait):
			}
		}
		return
	}
	d.logger.Warn("security alert raised", "alert_type", a.AlertType, "pattern", a.Pattern, "subject_id", a.SubjectID)
	d.mu.RLock()
	notifiers := append([]AlertNotifier(nil), d.notifiers...)
	d.mu.RUnlock()
	for _, n := range notifiers {
		if err := n.Notify(writeCtx, a); err != nil {
			d.logger.Error("alert notifier failed", "alert_type", a.AlertType, "error", err)
		}
	}
}
