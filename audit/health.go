package audit

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
)

const (
	DefaultHealthInterval = time.Minute
	DefaultCheckTimeout   = 5 * time.Second
)

// MetricStore persists sampled metrics and health check results
type MetricStore interface {
	InsertMetric(ctx context.Context, m *abac.SystemMetric) error
	InsertHealthCheck(ctx context.Context, h *abac.HealthCheck) error
}

// Checker probes one component
type Checker interface {
	Name() string
	Check(ctx context.Context) (abac.HealthStatus, map[string]any, error)
}

// Pinger is anything with a round-trip probe: SQL stores, Redis clients
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports unhealthy when Ping fails and degraded when it is slow
type PingChecker struct {
	Component string
	Target    Pinger
	Slow      time.Duration
}

func (c PingChecker) Name() string { return c.Component }

func (c PingChecker) Check(ctx context.Context) (abac.HealthStatus, map[string]any, error) {
	start := time.Now()
	if err := c.Target.Ping(ctx); err != nil {
		return abac.HealthUnhealthy, map[string]any{"error": err.Error()}, err
	}
	elapsed := time.Since(start)
	if c.Slow > 0 && elapsed > c.Slow {
		return abac.HealthDegraded, map[string]any{"latency_ms": float64(elapsed) / float64(time.Millisecond)}, nil
	}
	return abac.HealthHealthy, nil, nil
}

// RuntimeChecker samples the Go runtime. Zero limits never degrade.
type RuntimeChecker struct {
	MaxGoroutines int
	MaxHeapBytes  uint64
}

func (RuntimeChecker) Name() string { return "application" }

func (c RuntimeChecker) Check(ctx context.Context) (abac.HealthStatus, map[string]any, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	goroutines := runtime.NumGoroutine()
	details := map[string]any{
		"goroutines":  goroutines,
		"heap_alloc":  ms.HeapAlloc,
		"sys":         ms.Sys,
		"num_gc":      ms.NumGC,
		"pause_total": ms.PauseTotalNs,
	}
	status := abac.HealthHealthy
	if c.MaxGoroutines > 0 && goroutines > c.MaxGoroutines {
		status = abac.HealthDegraded
	}
	if c.MaxHeapBytes > 0 && ms.HeapAlloc > c.MaxHeapBytes {
		status = abac.HealthDegraded
	}
	return status, details, nil
}

type healthRecord struct {
	metric *abac.SystemMetric
	check  *abac.HealthCheck
}

// HealthMonitor runs checkers periodically and persists their results
// through a metric queue
type HealthMonitor struct {
	store    MetricStore
	checkers []Checker
	detector *Detector
	interval time.Duration
	timeout  time.Duration
	queue    chan healthRecord
	now      func() time.Time
	logger   logger.Logger

	mu   sync.RWMutex
	last map[string]*abac.HealthCheck
}

type HealthOption func(*HealthMonitor)

func WithHealthInterval(d time.Duration) HealthOption {
	return func(h *HealthMonitor) {
		if d > 0 {
			h.interval = d
		}
	}
}

func WithCheckTimeout(d time.Duration) HealthOption {
	return func(h *HealthMonitor) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithAlerts raises component_unhealthy alerts through d
func WithAlerts(d *Detector) HealthOption {
	return func(h *HealthMonitor) { h.detector = d }
}

func WithHealthLogger(l logger.Logger) HealthOption {
	return func(h *HealthMonitor) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthMonitor) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHealthMonitor(store MetricStore, checkers []Checker, opts ...HealthOption) (*HealthMonitor, error) {
	if store == nil {
		return nil, errors.New("health monitor: metric store is required")
	}
	h := &HealthMonitor{
		store:    store,
		checkers: checkers,
		interval: DefaultHealthInterval,
		timeout:  DefaultCheckTimeout,
		queue:    make(chan healthRecord, 1000),
		now:      time.Now,
		logger:   logger.NewNullLogger(),
		last:     make(map[string]*abac.HealthCheck),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// CheckOnce runs every checker concurrently and queues a metric and a health
// check per component
func (h *HealthMonitor) CheckOnce(ctx context.Context) []*abac.HealthCheck {
	results := make([]*abac.HealthCheck, len(h.checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range h.checkers {
		g.Go(func() error {
			results[i] = h.probe(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	for _, hc := range results {
		h.mu.Lock()
		h.last[hc.Component] = hc
		h.mu.Unlock()
		value := map[string]any{
			"status":           string(hc.Status),
			"response_time_ms": float64(hc.ResponseTime) / float64(time.Millisecond),
		}
		for k, v := range hc.Details {
			value[k] = v
		}
		h.enqueue(healthRecord{
			metric: &abac.SystemMetric{
				Timestamp:  hc.Timestamp,
				MetricType: hc.Component + "_health",
				Value:      value,
				Tags:       map[string]string{"component": hc.Component},
			},
			check: hc,
		})
		if hc.Status == abac.HealthUnhealthy && h.detector != nil {
			h.detector.Raise(ctx, &abac.SecurityAlert{
				AlertType:   "component_unhealthy",
				Severity:    abac.SeverityError,
				Description: fmt.Sprintf("Component %s is unhealthy", hc.Component),
				Details:     map[string]any{"component": hc.Component, "details": hc.Details},
			})
		}
	}
	return results
}

func (h *HealthMonitor) probe(ctx context.Context, c Checker) (hc *abac.HealthCheck) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	hc = &abac.HealthCheck{Timestamp: h.now().UTC(), Component: c.Name()}
	defer func() {
		if r := recover(); r != nil {
			hc.Status = abac.HealthUnhealthy
			hc.Details = map[string]any{"error": fmt.Sprintf("panic: %v", r)}
			hc.ResponseTime = time.Since(start)
		}
	}()
	status, details, err := c.Check(ctx)
	hc.ResponseTime = time.Since(start)
	hc.Status = status
	hc.Details = details
	if err != nil {
		hc.Status = abac.HealthUnhealthy
		if hc.Details == nil {
			hc.Details = map[string]any{}
		}
		hc.Details["error"] = err.Error()
		h.logger.Warn("health check failed", "component", hc.Component, "error", err)
	}
	return hc
}

func (h *HealthMonitor) enqueue(r healthRecord) {
	select {
	case h.queue <- r:
	default:
		h.logger.Warn("metric queue full, sample dropped", "component", r.check.Component)
	}
}

// Last returns the most recent result per component
func (h *HealthMonitor) Last() map[string]*abac.HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*abac.HealthCheck, len(h.last))
	for k, v := range h.last {
		out[k] = v
	}
	return out
}

// Run checks every interval until ctx ends
func (h *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.CheckOnce(ctx)
		}
	}
}

// Consume persists queued samples until ctx ends, then drains the queue
func (h *HealthMonitor) Consume(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case r := <-h.queue:
			h.persist(writeCtx, r)
		case <-ctx.Done():
			for {
				select {
				case r := <-h.queue:
					h.persist(writeCtx, r)
				default:
					return nil
				}
			}
		}
	}
}

func (h *HealthMonitor) persist(ctx context.Context, r healthRecord) {
	if err := h.store.InsertMetric(ctx, r.metric); err != nil {
		h.logger.Error("persist metric failed", "metric_type", r.metric.MetricType, "error", err)
	}
	if err := h.store.InsertHealthCheck(ctx, r.check); err != nil {
		h.logger.Error("persist health check failed", "component", r.check.Component, "error", err)
	}
}
