package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
)

const (
	DefaultQueueSize     = 10000
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	DefaultMaxRetries    = 5
	DefaultRetryBase     = 100 * time.Millisecond
	DefaultRetryMax      = 5 * time.Second
)

// EventStore persists one batch atomically, in slice order
type EventStore interface {
	InsertEvents(ctx context.Context, events []*abac.AuditEvent) error
}

// TamperSink is told about every event rejected by hash re-verification
type TamperSink interface {
	Rejected(ctx context.Context, e *abac.AuditEvent, err error)
}

type TamperSinkFunc func(ctx context.Context, e *abac.AuditEvent, err error)

func (f TamperSinkFunc) Rejected(ctx context.Context, e *abac.AuditEvent, err error) { f(ctx, e, err) }

// Stats counts events per terminal state
type Stats struct {
	Queued       int64 `json:"queued"`
	Persisted    int64 `json:"persisted"`
	Rejected     int64 `json:"rejected"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Dropped      int64 `json:"dropped"`
}

// Pipeline hashes, queues and persists audit events in batches
type Pipeline struct {
	store  EventStore
	hasher *Hasher

	queue         chan *abac.AuditEvent
	done          chan struct{}
	closeOnce     sync.Once
	mu            sync.RWMutex
	closed        bool
	inflight      sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	retryBase     time.Duration
	retryMax      time.Duration

	deadLetter DeadLetterSink
	tamper     TamperSink
	detector   *Detector
	logger     logger.Logger
	now        func() time.Time
	newID      func() string

	queued       atomic.Int64
	persisted    atomic.Int64
	rejected     atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	dropped      atomic.Int64
}

type Option func(*Pipeline)

func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queue = make(chan *abac.AuditEvent, n)
		}
	}
}

func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

// WithRetry sets the retry budget and the exponential backoff bounds
func WithRetry(maxRetries int, base, max time.Duration) Option {
	return func(p *Pipeline) {
		if maxRetries >= 0 {
			p.maxRetries = maxRetries
		}
		if base > 0 {
			p.retryBase = base
		}
		if max > 0 {
			p.retryMax = max
		}
	}
}

func WithDeadLetter(sink DeadLetterSink) Option {
	return func(p *Pipeline) { p.deadLetter = sink }
}

func WithTamperSink(sink TamperSink) Option {
	return func(p *Pipeline) { p.tamper = sink }
}

func WithDetector(d *Detector) Option {
	return func(p *Pipeline) { p.detector = d }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func WithIDFunc(f func() string) Option {
	return func(p *Pipeline) {
		if f != nil {
			p.newID = f
		}
	}
}

func NewPipeline(store EventStore, hasher *Hasher, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("audit pipeline: event store is required")
	}
	if hasher == nil {
		return nil, errors.New("audit pipeline: hasher is required")
	}
	p := &Pipeline{
		store:         store,
		hasher:        hasher,
		queue:         make(chan *abac.AuditEvent, DefaultQueueSize),
		done:          make(chan struct{}),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		maxRetries:    DefaultMaxRetries,
		retryBase:     DefaultRetryBase,
		retryMax:      DefaultRetryMax,
		logger:        logger.NewNullLogger(),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retryMax < p.retryBase {
		p.retryMax = p.retryBase
	}
	return p, nil
}

// LogEvent assigns an id and timestamp when missing, copies the event's maps,
// signs the event and queues it. It blocks while the queue is full;
// ErrQueueFull is returned only if ctx ends while waiting.
func (p *Pipeline) LogEvent(ctx context.Context, e *abac.AuditEvent) error {
	if e == nil {
		return errors.New("audit pipeline: nil event")
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return abac.ErrPipelineClosed
	}
	// Run drains until every sender admitted here has finished
	p.inflight.Add(1)
	p.mu.RUnlock()
	defer p.inflight.Done()

	takeOwnership(e)
	if e.EventID == "" {
		e.EventID = p.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Severity == "" {
		e.Severity = abac.SeverityInfo
	}
	if err := p.hasher.Sign(e); err != nil {
		return err
	}
	select {
	case p.queue <- e:
	case <-ctx.Done():
		p.dropped.Add(1)
		p.logger.Warn("audit queue full, event dropped", "event_id", e.EventID, "error", ctx.Err())
		return fmt.Errorf("%w: %w", abac.ErrQueueFull, ctx.Err())
	}
	p.queued.Add(1)
	if p.detector != nil && e.Severity.SecuritySignificant() {
		p.detector.Observe(ctx, e)
	}
	return nil
}

// EventInput is the keyword form of an audit event
type EventInput struct {
	EventType    abac.EventType
	Severity     abac.Severity
	SubjectID    string
	Action       string
	ResourceType string
	ResourceID   string
	Result       string
	PolicyID     *int64
	Details      map[string]any
	Request      abac.RequestContext
	Metadata     map[string]any
}

// Log builds an event from in and queues it, returning the event id
func (p *Pipeline) Log(ctx context.Context, in EventInput) (string, error) {
	e := &abac.AuditEvent{
		EventType:     in.EventType,
		Severity:      in.Severity,
		SubjectID:     in.SubjectID,
		Action:        in.Action,
		ResourceType:  in.ResourceType,
		ResourceID:    in.ResourceID,
		Result:        in.Result,
		PolicyID:      in.PolicyID,
		Details:       in.Details,
		IPAddress:     in.Request.IPAddress,
		UserAgent:     in.Request.UserAgent,
		Location:      in.Request.Location,
		DeviceInfo:    in.Request.DeviceInfo,
		SessionID:     in.Request.SessionID,
		CorrelationID: in.Request.CorrelationID,
		RequestID:     in.Request.RequestID,
		Metadata:      in.Metadata,
	}
	if err := p.LogEvent(ctx, e); err != nil {
		return "", err
	}
	return e.EventID, nil
}

// Close stops accepting events. Run drains what is already queued.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.done)
		p.mu.Unlock()
	})
}

// Pending is the number of queued events not yet taken by the consumer
func (p *Pipeline) Pending() int { return len(p.queue) }

func (p *Pipeline) Stats() Stats {
	return Stats{
		Queued:       p.queued.Load(),
		Persisted:    p.persisted.Load(),
		Rejected:     p.rejected.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		Dropped:      p.dropped.Load(),
	}
}

// Run consumes the queue until ctx ends or the pipeline is closed, then
// closes the pipeline and flushes everything still queued. Retry backoff is
// cut short once ctx ends.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	writeCtx := context.WithoutCancel(ctx)
	batch := make([]*abac.AuditEvent, 0, p.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flush(writeCtx, ctx.Done(), batch)
		batch = make([]*abac.AuditEvent, 0, p.batchSize)
	}
	add := func(e *abac.AuditEvent) {
		batch = append(batch, e)
		if len(batch) >= p.batchSize {
			flush()
		}
	}
	drain := func() error {
		p.Close()
		senders := make(chan struct{})
		go func() {
			p.inflight.Wait()
			close(senders)
		}()
		for {
			select {
			case e := <-p.queue:
				add(e)
			case <-senders:
				for {
					select {
					case e := <-p.queue:
						add(e)
					default:
						flush()
						return nil
					}
				}
			}
		}
	}
	for {
		select {
		case e := <-p.queue:
			add(e)
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			return drain()
		case <-p.done:
			return drain()
		}
	}
}

func (p *Pipeline) flush(ctx context.Context, stop <-chan struct{}, batch []*abac.AuditEvent) {
	valid := make([]*abac.AuditEvent, 0, len(batch))
	for _, e := range batch {
		if err := p.hasher.Check(e); err != nil {
			p.rejected.Add(1)
			p.logger.Error("audit event rejected", "event_id", e.EventID, "error", err)
			if p.tamper != nil {
				p.tamper.Rejected(ctx, e, err)
			}
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		return
	}
	delay := p.retryBase
	var err error
	for attempt := 0; ; attempt++ {
		if err = p.store.InsertEvents(ctx, valid); err == nil {
			p.persisted.Add(int64(len(valid)))
			p.logger.Debug("audit batch persisted", "count", len(valid))
			return
		}
		if attempt >= p.maxRetries {
			break
		}
		p.logger.Warn("audit batch insert failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if !wait(stop, delay) {
			p.logger.Warn("audit batch retry abandoned on shutdown", "attempt", attempt+1)
			break
		}
		p.retried.Add(1)
		delay *= 2
		if delay > p.retryMax {
			delay = p.retryMax
		}
	}
	p.deadLettered.Add(int64(len(valid)))
	p.logger.Error("audit batch dead-lettered", "count", len(valid), "error", err)
	if p.deadLetter == nil {
		return
	}
	if dlErr := p.deadLetter.Write(ctx, valid, err); dlErr != nil {
		p.logger.Error("dead letter write failed", "count", len(valid), "error", dlErr)
	}
}

// wait sleeps for d and reports false when stop closes first
func wait(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
