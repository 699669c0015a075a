package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/stores"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher([]byte("test-secret"))
	require.NoError(t, err)
	return h
}

func sampleEvent() *abac.AuditEvent {
	pid := int64(1)
	return &abac.AuditEvent{
		EventID:      "evt-1",
		Timestamp:    time.Date(2024, 5, 1, 10, 30, 0, 250, time.UTC),
		EventType:    abac.EventAuthorization,
		Severity:     abac.SeveritySecurity,
		SubjectID:    "user-y",
		Action:       "read",
		ResourceType: "document",
		ResourceID:   "doc2",
		Result:       "deny",
		PolicyID:     &pid,
		Details: map[string]any{
			"evaluation_result": map[string]any{"decision": false, "cache_hit": false, "matched_policy_id": 1},
			"attempts":          3,
		},
		IPAddress: "10.0.0.1",
	}
}

func TestHasherRoundTrip(t *testing.T) {
	h := newTestHasher(t)
	e := sampleEvent()
	require.NoError(t, h.Sign(e))
	assert.Len(t, e.Hash, 64)
	assert.True(t, h.Verify(e))

	e.ID = 99
	assert.True(t, h.Verify(e), "row id must not take part in the hash")

	e.Result = "allow"
	err := h.Check(e)
	require.Error(t, err)
	var tamper *abac.TamperDetectedError
	require.True(t, errors.As(err, &tamper))
	assert.Equal(t, "evt-1", tamper.EventID)
	assert.ErrorIs(t, err, abac.ErrTamperDetected)
}

func TestHasherCanonicalForm(t *testing.T) {
	h := newTestHasher(t)
	a := sampleEvent()
	b := sampleEvent()
	b.Timestamp = a.Timestamp.In(time.FixedZone("UTC+5", 5*3600))
	sa, err := h.Compute(a)
	require.NoError(t, err)
	sb, err := h.Compute(b)
	require.NoError(t, err)
	assert.Equal(t, sa, sb)

	other, err := NewHasher([]byte("another-secret"))
	require.NoError(t, err)
	so, err := other.Compute(a)
	require.NoError(t, err)
	assert.NotEqual(t, sa, so)

	_, err = NewHasher(nil)
	assert.Error(t, err)
}

func TestHasherSurvivesSQLRoundTrip(t *testing.T) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()
	db := squealx.NewDb(sqlDB, "sqlite", "hashdb")
	require.NoError(t, stores.Migrate(db))
	store, err := stores.NewSQLAuditStore(db)
	require.NoError(t, err)

	h := newTestHasher(t)
	e := sampleEvent()
	require.NoError(t, h.Sign(e))
	require.NoError(t, store.InsertEvents(context.Background(), []*abac.AuditEvent{e}))

	got, err := store.QueryEvents(context.Background(), abac.AuditFilter{SubjectID: "user-y"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, h.Verify(got[0]))
}
