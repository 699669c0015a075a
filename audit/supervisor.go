package audit

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oarkflow/abac/logger"
)

const (
	DefaultMaxRestarts    = 5
	DefaultRestartBackoff = time.Second
	DefaultRestartMax     = 30 * time.Second
)

// WorkerFunc is a long-lived background loop. It returns nil when ctx ends.
type WorkerFunc func(ctx context.Context) error

type worker struct {
	name string
	run  WorkerFunc
}

// Supervisor runs workers and restarts the ones that fail or panic
type Supervisor struct {
	workers     []worker
	maxRestarts int
	backoff     time.Duration
	backoffMax  time.Duration
	logger      logger.Logger

	mu      sync.Mutex
	crashes map[string]int
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

type SupervisorOption func(*Supervisor)

func WithMaxRestarts(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n >= 0 {
			s.maxRestarts = n
		}
	}
}

func WithRestartBackoff(base, max time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if base > 0 {
			s.backoff = base
		}
		if max > 0 {
			s.backoffMax = max
		}
	}
}

func WithSupervisorLogger(l logger.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		maxRestarts: DefaultMaxRestarts,
		backoff:     DefaultRestartBackoff,
		backoffMax:  DefaultRestartMax,
		logger:      logger.NewNullLogger(),
		crashes:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a worker. Workers added after Start are ignored.
func (s *Supervisor) Add(name string, run WorkerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || run == nil {
		return
	}
	s.workers = append(s.workers, worker{name: name, run: run})
}

func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	workers := append([]worker(nil), s.workers...)
	s.mu.Unlock()

	for _, w := range workers {
		s.wg.Add(1)
		go s.supervise(ctx, w)
	}
}

// Stop cancels every worker and waits for them until ctx ends
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("supervisor stop: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Crashes returns how many times the named worker failed
func (s *Supervisor) Crashes(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashes[name]
}

func (s *Supervisor) supervise(ctx context.Context, w worker) {
	defer s.wg.Done()
	delay := s.backoff
	for {
		err := s.runSafe(ctx, w)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.logger.Info("worker finished", "worker", w.name)
			return
		}
		s.mu.Lock()
		s.crashes[w.name]++
		n := s.crashes[w.name]
		s.mu.Unlock()
		if n > s.maxRestarts {
			s.logger.Error("worker exceeded restart limit, giving up", "worker", w.name, "crashes", n, "error", err)
			return
		}
		s.logger.Warn("worker crashed, restarting", "worker", w.name, "crashes", n, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.backoffMax {
			delay = s.backoffMax
		}
	}
}

var errWorkerPanic = errors.New("worker panicked")

func (s *Supervisor) runSafe(ctx context.Context, w worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panic", "worker", w.name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", errWorkerPanic, r)
		}
	}()
	return w.run(ctx)
}
