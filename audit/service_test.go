package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/stores"
)

func TestServiceLifecycle(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	cfg := abac.DefaultConfig().Audit
	cfg.HMACKey = "service-secret"
	cfg.FlushInterval = 10
	cfg.DeadLetterPath = filepath.Join(t.TempDir(), "dead.jsonl")
	cfg.ArchiveDir = t.TempDir()

	svc, err := NewService(store, cfg, ServiceOptions{})
	require.NoError(t, err)
	require.NotNil(t, svc.Rotator)
	svc.Start(context.Background())

	var logger abac.AuditLogger = svc
	for i := 0; i < 3; i++ {
		e := newEvent("user-y", "deny")
		e.Severity = abac.SeveritySecurity
		require.NoError(t, logger.LogEvent(context.Background(), e))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.ErrorIs(t, svc.LogEvent(context.Background(), newEvent("user-y", "allow")), abac.ErrPipelineClosed)

	events, err := store.QueryEvents(context.Background(), abac.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 3)
	alerts, err := store.ListAlerts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "authorization_denial", alerts[0].Pattern)
}

func TestServiceRequiresKey(t *testing.T) {
	_, err := NewService(stores.NewMemoryAuditStore(), abac.DefaultConfig().Audit, ServiceOptions{})
	assert.Error(t, err)
}
