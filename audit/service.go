package audit

import (
	"context"
	"errors"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
)

// Store is everything the audit workers persist to
type Store interface {
	EventStore
	AlertStore
	MetricStore
	ArchiveStore
}

// ServiceOptions carries the collaborators that do not come from config
type ServiceOptions struct {
	Counter  Counter
	Checkers []Checker
	Logger   logger.Logger
	Clock    func() time.Time
}

// Service wires the pipeline and its background workers under one supervisor
type Service struct {
	Pipeline   *Pipeline
	Detector   *Detector
	Rotator    *Rotator
	Health     *HealthMonitor
	Supervisor *Supervisor
	grace      time.Duration
}

func NewService(store Store, cfg abac.AuditConfig, o ServiceOptions) (*Service, error) {
	if store == nil {
		return nil, errors.New("audit service: store is required")
	}
	if cfg.HMACKey == "" {
		return nil, errors.New("audit service: hmac key is required")
	}
	hasher, err := NewHasher([]byte(cfg.HMACKey))
	if err != nil {
		return nil, err
	}
	l := o.Logger
	if l == nil {
		l = logger.NewNullLogger()
	}
	clock := o.Clock
	if clock == nil {
		clock = time.Now
	}
	counter := o.Counter
	if counter == nil {
		counter = NewMemoryCounter(clock)
	}

	detector, err := NewDetector(counter, store,
		WithDetectorLogger(logger.With(l, "component", "detector")),
		WithDetectorClock(clock))
	if err != nil {
		return nil, err
	}

	popts := []Option{
		WithQueueSize(cfg.QueueSize),
		WithBatchSize(cfg.BatchSize),
		WithFlushInterval(cfg.FlushIntervalDuration()),
		WithRetry(cfg.MaxRetries, cfg.RetryBaseDuration(), cfg.RetryMaxDuration()),
		WithDetector(detector),
		WithTamperSink(detector),
		WithLogger(logger.With(l, "component", "audit_pipeline")),
		WithClock(clock),
	}
	if cfg.DeadLetterPath != "" {
		dl, err := NewFileDeadLetter(cfg.DeadLetterPath)
		if err != nil {
			return nil, err
		}
		popts = append(popts, WithDeadLetter(dl))
	}
	pipeline, err := NewPipeline(store, hasher, popts...)
	if err != nil {
		return nil, err
	}

	checkers := make([]Checker, 0, len(o.Checkers)+2)
	if p, ok := store.(Pinger); ok {
		checkers = append(checkers, PingChecker{Component: "database", Target: p, Slow: time.Second})
	}
	checkers = append(checkers, o.Checkers...)
	checkers = append(checkers, RuntimeChecker{})
	health, err := NewHealthMonitor(store, checkers,
		WithHealthInterval(cfg.HealthIntervalDuration()),
		WithAlerts(detector),
		WithHealthLogger(logger.With(l, "component", "health")),
		WithHealthClock(clock))
	if err != nil {
		return nil, err
	}

	sup := NewSupervisor(WithMaxRestarts(cfg.MaxRestarts), WithSupervisorLogger(logger.With(l, "component", "supervisor")))
	sup.Add("audit_consumer", pipeline.Run)
	sup.Add("alert_consumer", detector.Run)
	sup.Add("metric_consumer", health.Consume)
	sup.Add("health_monitor", health.Run)

	svc := &Service{
		Pipeline:   pipeline,
		Detector:   detector,
		Health:     health,
		Supervisor: sup,
		grace:      cfg.ShutdownGraceDuration(),
	}
	if cfg.ArchiveDir != "" {
		rot, err := NewRotator(store, cfg.ArchiveDir,
			WithRetention(cfg.Retention()),
			WithRotationInterval(cfg.RotationIntervalDuration()),
			WithRotatorLogger(logger.With(l, "component", "rotator")),
			WithRotatorClock(clock))
		if err != nil {
			return nil, err
		}
		svc.Rotator = rot
		sup.Add("rotation_scanner", rot.Run)
	}
	if svc.grace <= 0 {
		svc.grace = 10 * time.Second
	}
	return svc, nil
}

func (s *Service) Start(ctx context.Context) { s.Supervisor.Start(ctx) }

// LogEvent makes the service usable as the engine's abac.AuditLogger
func (s *Service) LogEvent(ctx context.Context, e *abac.AuditEvent) error {
	return s.Pipeline.LogEvent(ctx, e)
}

// Stop rejects new events, then gives the workers the grace period to drain
func (s *Service) Stop(ctx context.Context) error {
	s.Pipeline.Close()
	ctx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()
	return s.Supervisor.Stop(ctx)
}
