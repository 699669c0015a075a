package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/stores"
)

func seedEvents(t *testing.T, store *stores.MemoryAuditStore, h *Hasher, times ...time.Time) {
	t.Helper()
	events := make([]*abac.AuditEvent, 0, len(times))
	for i, ts := range times {
		e := newEvent("user-a", "allow")
		e.EventID = "evt-" + ts.Format("20060102150405") + "-" + string(rune('a'+i))
		e.Timestamp = ts
		require.NoError(t, h.Sign(e))
		events = append(events, e)
	}
	require.NoError(t, store.InsertEvents(context.Background(), events))
}

func TestRotatorArchivesOldDays(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	h := newTestHasher(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	old1 := now.AddDate(0, 0, -100)
	old2 := old1.Add(24 * time.Hour)
	seedEvents(t, store, h, old1, old1.Add(time.Hour), old2, now.Add(-time.Hour))

	dir := t.TempDir()
	r, err := NewRotator(store, dir, WithRetention(90*24*time.Hour))
	require.NoError(t, err)

	archives, err := r.RunOnce(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, 2, archives[0].RecordCount)
	assert.Equal(t, 1, archives[1].RecordCount)
	assert.Equal(t, filepath.Join(dir, "audit_logs_"+old1.Format("20060102")+"_1.jsonl"), archives[0].FilePath)

	for _, a := range archives {
		require.NoError(t, VerifyArchive(a.FilePath, a.Hash))
		info, err := os.Stat(a.FilePath)
		require.NoError(t, err)
		assert.Equal(t, info.Size(), a.FileSize)
	}
	archived, err := ReadArchive(archives[0].FilePath)
	require.NoError(t, err)
	require.Len(t, archived, 2)
	assert.Equal(t, int64(1), archived[0].ID)
	for _, e := range archived {
		assert.True(t, h.Verify(e))
	}

	remaining, err := store.QueryEvents(context.Background(), abac.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)

	again, err := r.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, again)
	recorded, err := store.ListArchives(context.Background())
	require.NoError(t, err)
	assert.Len(t, recorded, 2)
}

func TestVerifyArchiveDetectsModification(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	h := newTestHasher(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seedEvents(t, store, h, now.AddDate(0, 0, -120))

	r, err := NewRotator(store, t.TempDir())
	require.NoError(t, err)
	archives, err := r.RunOnce(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, archives, 1)

	f, err := os.OpenFile(archives[0].FilePath, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.ErrorIs(t, VerifyArchive(archives[0].FilePath, archives[0].Hash), abac.ErrTamperDetected)
}

type failingArchiveStore struct {
	*stores.MemoryAuditStore
}

func (failingArchiveStore) ArchiveDay(ctx context.Context, a *abac.AuditArchive, from, to time.Time, maxID int64) error {
	return errors.New("constraint failed")
}

func TestRotatorRemovesFileWhenArchiveFails(t *testing.T) {
	mem := stores.NewMemoryAuditStore()
	h := newTestHasher(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seedEvents(t, mem, h, now.AddDate(0, 0, -95))

	dir := t.TempDir()
	r, err := NewRotator(failingArchiveStore{mem}, dir)
	require.NoError(t, err)
	_, err = r.RunOnce(context.Background(), now)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	remaining, err := mem.QueryEvents(context.Background(), abac.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
