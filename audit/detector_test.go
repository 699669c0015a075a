package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/stores"
)

type failingCounter struct{}

func (failingCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func drainAlerts(t *testing.T, d *Detector) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
}

func securityEvent(eventType abac.EventType, severity abac.Severity, result string) *abac.AuditEvent {
	return &abac.AuditEvent{EventID: "e", EventType: eventType, Severity: severity, SubjectID: "user-z", Action: "login", Result: result}
}

func TestDetectorThresholds(t *testing.T) {
	tests := []struct {
		name    string
		event   *abac.AuditEvent
		count   int
		alerts  int
		pattern string
	}{
		{"authentication below threshold", securityEvent(abac.EventAuthentication, abac.SeveritySecurity, "failure"), 4, 0, ""},
		{"authentication at threshold", securityEvent(abac.EventAuthentication, abac.SeveritySecurity, "failure"), 5, 1, "authentication_failure"},
		{"authorization denial", securityEvent(abac.EventAuthorization, abac.SeveritySecurity, "deny"), 3, 1, "authorization_denial"},
		{"alert once per window", securityEvent(abac.EventAuthorization, abac.SeveritySecurity, "deny"), 6, 1, "authorization_denial"},
		{"critical security event", securityEvent(abac.EventSecurity, abac.SeverityCritical, "blocked"), 1, 1, "critical_security_event"},
		{"security event not critical", securityEvent(abac.EventSecurity, abac.SeveritySecurity, "blocked"), 3, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := stores.NewMemoryAuditStore()
			d, err := NewDetector(NewMemoryCounter(nil), store)
			require.NoError(t, err)
			for i := 0; i < tt.count; i++ {
				d.Observe(context.Background(), tt.event)
			}
			drainAlerts(t, d)
			alerts, err := store.ListAlerts(context.Background(), "open")
			require.NoError(t, err)
			require.Len(t, alerts, tt.alerts)
			if tt.alerts > 0 {
				assert.Equal(t, tt.pattern, alerts[0].Pattern)
				assert.Equal(t, "suspicious_activity", alerts[0].AlertType)
				assert.Equal(t, "user-z", alerts[0].SubjectID)
			}
		})
	}
}

func TestDetectorCounterFailureIsIgnored(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	d, err := NewDetector(failingCounter{}, store)
	require.NoError(t, err)
	d.Observe(context.Background(), securityEvent(abac.EventSecurity, abac.SeverityCritical, "blocked"))
	drainAlerts(t, d)
	alerts, err := store.ListAlerts(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDetectorNotifiesAndRaisesTamperAlerts(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	d, err := NewDetector(NewMemoryCounter(nil), store)
	require.NoError(t, err)
	var mu sync.Mutex
	var notified []string
	d.AddNotifier(AlertNotifierFunc(func(ctx context.Context, a *abac.SecurityAlert) error {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, a.AlertType)
		return nil
	}))
	d.AddNotifier(nil)

	e := &abac.AuditEvent{EventID: "evt-9", SubjectID: "user-q"}
	d.Rejected(context.Background(), e, &abac.TamperDetectedError{EventID: "evt-9"})
	drainAlerts(t, d)

	alerts, err := store.ListAlerts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "audit_tamper", alerts[0].AlertType)
	assert.Equal(t, abac.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, []string{"audit_tamper"}, notified)
}

func TestMemoryCounterWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCounter(func() time.Time { return now })
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		n, err := c.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	now = now.Add(time.Minute)
	n, err := c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
