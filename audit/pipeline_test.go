package audit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/stores"
)

func newEvent(subject, result string) *abac.AuditEvent {
	return &abac.AuditEvent{
		EventType:    abac.EventAuthorization,
		Severity:     abac.SeverityInfo,
		SubjectID:    subject,
		Action:       "read",
		ResourceType: "document",
		ResourceID:   "doc1",
		Result:       result,
	}
}

// runToCompletion closes the pipeline and lets Run drain whatever is queued
func runToCompletion(t *testing.T, p *Pipeline) {
	t.Helper()
	p.Close()
	require.NoError(t, p.Run(context.Background()))
}

func TestPipelinePersistsInOrder(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	p, err := NewPipeline(store, newTestHasher(t), WithBatchSize(2))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, p.LogEvent(ctx, newEvent(fmt.Sprintf("user-%d", i), "allow")))
	}
	runToCompletion(t, p)

	events, err := store.QueryEvents(ctx, abac.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, fmt.Sprintf("user-%d", i), e.SubjectID)
		assert.NotEmpty(t, e.EventID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, 3, store.Batches())
	stats := p.Stats()
	assert.Equal(t, int64(5), stats.Queued)
	assert.Equal(t, int64(5), stats.Persisted)
}

func TestPipelineRejectsTamperedEvents(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	var mu sync.Mutex
	var rejected []string
	sink := TamperSinkFunc(func(ctx context.Context, e *abac.AuditEvent, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.ErrorIs(t, err, abac.ErrTamperDetected)
		rejected = append(rejected, e.EventID)
	})
	p, err := NewPipeline(store, newTestHasher(t), WithTamperSink(sink))
	require.NoError(t, err)

	ctx := context.Background()
	good := newEvent("user-a", "allow")
	bad := newEvent("user-b", "deny")
	require.NoError(t, p.LogEvent(ctx, good))
	require.NoError(t, p.LogEvent(ctx, bad))
	bad.Result = "allow"
	runToCompletion(t, p)

	events, err := store.QueryEvents(ctx, abac.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, good.EventID, events[0].EventID)
	assert.Equal(t, []string{bad.EventID}, rejected)
	assert.Equal(t, int64(1), p.Stats().Rejected)
}

func TestPipelineRetriesThenPersists(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	store.FailNextInserts(2, errors.New("database is locked"))
	p, err := NewPipeline(store, newTestHasher(t), WithRetry(5, time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, p.LogEvent(context.Background(), newEvent("user-a", "allow")))
	runToCompletion(t, p)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.Persisted)
	assert.Zero(t, stats.DeadLettered)
}

func TestPipelineDeadLettersAfterRetries(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	store.FailNextInserts(100, errors.New("disk full"))
	path := filepath.Join(t.TempDir(), "dead", "audit.jsonl")
	dl, err := NewFileDeadLetter(path)
	require.NoError(t, err)
	hasher := newTestHasher(t)
	p, err := NewPipeline(store, hasher, WithRetry(2, time.Millisecond, time.Millisecond), WithDeadLetter(dl))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.LogEvent(ctx, newEvent("user-a", "allow")))
	require.NoError(t, p.LogEvent(ctx, newEvent("user-b", "deny")))
	runToCompletion(t, p)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.DeadLettered)
	assert.Equal(t, int64(2), stats.Retried)
	assert.Zero(t, stats.Persisted)

	records, err := ReadDeadLetters(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "disk full", records[0].Error)
	assert.Equal(t, "user-a", records[0].Event.SubjectID)
	assert.True(t, hasher.Verify(records[1].Event), "dead-lettered events keep a valid hash")
}

func TestPipelineBackpressure(t *testing.T) {
	p, err := NewPipeline(stores.NewMemoryAuditStore(), newTestHasher(t), WithQueueSize(1))
	require.NoError(t, err)

	require.NoError(t, p.LogEvent(context.Background(), newEvent("user-a", "allow")))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.LogEvent(ctx, newEvent("user-b", "allow"))
	assert.ErrorIs(t, err, abac.ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Dropped)
	assert.Equal(t, 1, p.Pending())
}

func TestPipelineClosed(t *testing.T) {
	p, err := NewPipeline(stores.NewMemoryAuditStore(), newTestHasher(t))
	require.NoError(t, err)
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.LogEvent(context.Background(), newEvent("user-a", "allow")), abac.ErrPipelineClosed)
}

func TestPipelineLogKeywordForm(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	hasher := newTestHasher(t)
	p, err := NewPipeline(store, hasher, WithClock(func() time.Time { return fixed }), WithIDFunc(func() string { return "fixed-id" }))
	require.NoError(t, err)

	id, err := p.Log(context.Background(), EventInput{
		EventType: abac.EventAuthentication,
		SubjectID: "user-a",
		Action:    "login",
		Result:    "success",
		Request:   abac.RequestContext{IPAddress: "192.168.1.5", SessionID: "s-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)
	runToCompletion(t, p)

	events, err := store.QueryEvents(context.Background(), abac.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, abac.SeverityInfo, events[0].Severity)
	assert.Equal(t, "192.168.1.5", events[0].IPAddress)
	assert.True(t, events[0].Timestamp.Equal(fixed))
	assert.True(t, hasher.Verify(events[0]))
}

func TestPipelineFeedsDetector(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	detector, err := NewDetector(NewMemoryCounter(nil), store)
	require.NoError(t, err)
	p, err := NewPipeline(store, newTestHasher(t), WithDetector(detector))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e := newEvent("user-y", "deny")
		e.Severity = abac.SeveritySecurity
		require.NoError(t, p.LogEvent(ctx, e))
	}
	// info severity does not reach the detector
	require.NoError(t, p.LogEvent(ctx, newEvent("user-y", "deny")))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, detector.Run(cctx))
	alerts, err := store.ListAlerts(ctx, "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "authorization_denial", alerts[0].Pattern)
	assert.Equal(t, "user-y", alerts[0].SubjectID)
}

func TestPipelineCopiesCallerMaps(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	p, err := NewPipeline(store, newTestHasher(t))
	require.NoError(t, err)

	loc := map[string]any{"city": "Paris"}
	env := map[string]any{"shift": "day"}
	e := newEvent("user-a", "allow")
	e.Location = loc
	e.Details = map[string]any{"evaluation_context": map[string]any{"environment": env}}
	require.NoError(t, p.LogEvent(context.Background(), e))

	loc["city"] = "Berlin"
	env["shift"] = "night"
	runToCompletion(t, p)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Persisted)
	assert.Zero(t, stats.Rejected)
	events, err := store.QueryEvents(context.Background(), abac.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Paris", events[0].Location["city"])
	stored := events[0].Details["evaluation_context"].(map[string]any)["environment"].(map[string]any)
	assert.Equal(t, "day", stored["shift"])
}

func TestPipelineKeepsEventsWithUnencodableValues(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	hasher := newTestHasher(t)
	p, err := NewPipeline(store, hasher)
	require.NoError(t, err)

	e := newEvent("user-a", "allow")
	e.Details = map[string]any{
		"score":  math.NaN(),
		"limit":  math.Inf(1),
		"hook":   func() {},
		"nested": map[string]any{"ch": make(chan int), "ok": 1},
	}
	require.NoError(t, p.LogEvent(context.Background(), e))
	runToCompletion(t, p)

	events, err := store.QueryEvents(context.Background(), abac.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	d := events[0].Details
	assert.Equal(t, "NaN", d["score"])
	assert.Equal(t, "+Inf", d["limit"])
	assert.Equal(t, "unserializable func()", d["hook"])
	nested := d["nested"].(map[string]any)
	assert.Equal(t, "unserializable chan int", nested["ch"])
	assert.Equal(t, 1, nested["ok"])
	assert.True(t, hasher.Verify(events[0]))
}

func TestPipelineRetryBackoffEndsWithContext(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	store.FailNextInserts(100, errors.New("database is locked"))
	p, err := NewPipeline(store, newTestHasher(t), WithRetry(5, time.Hour, time.Hour))
	require.NoError(t, err)
	require.NoError(t, p.LogEvent(context.Background(), newEvent("user-a", "allow")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept backing off after its context ended")
	}

	stats := p.Stats()
	assert.Zero(t, stats.Persisted)
	assert.Zero(t, stats.Retried)
	assert.Equal(t, int64(1), stats.DeadLettered)
}

func TestPipelineCloseDuringLogging(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	p, err := NewPipeline(store, newTestHasher(t), WithQueueSize(4), WithBatchSize(8))
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(context.Background()) }()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := p.LogEvent(context.Background(), newEvent(fmt.Sprintf("user-%d-%d", g, i), "allow"))
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
					continue
				}
				assert.ErrorIs(t, err, abac.ErrPipelineClosed)
			}
		}(g)
	}
	time.Sleep(time.Millisecond)
	p.Close()
	wg.Wait()
	require.NoError(t, <-runDone)

	events, err := store.QueryEvents(context.Background(), abac.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, events, accepted)
	assert.Equal(t, int64(accepted), p.Stats().Persisted)
}
