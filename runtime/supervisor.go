package runtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Supervisor starts and stops a set of named Workers together, giving
// the engine's process entry point a single start/stop call instead of
// one per worker (in cmd/sagad: the Outbox Relay's several tickers; the
// Dispatcher is started and stopped on its own). Grounded on the teacher's
// Dispatcher worker-lifecycle manager.
type Supervisor struct {
	logger *zap.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	workers  []Worker
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewSupervisor creates a Supervisor managing the given workers.
func NewSupervisor(logger *zap.Logger, workers ...Worker) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		logger:   logger,
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

// Start runs all workers and blocks until ctx is cancelled or Stop is
// called, then waits for every worker to finish shutting down.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("supervisor already started")
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("starting supervisor", zap.Int("worker_count", len(s.workers)))

	for _, w := range s.workers {
		s.wg.Add(1)
		go func(worker Worker) {
			defer s.wg.Done()
			s.logger.Info("starting worker", zap.String("worker_name", worker.Name()))
			worker.Start(ctx)
			s.logger.Info("worker stopped", zap.String("worker_name", worker.Name()))
		}(w)
	}

	select {
	case <-ctx.Done():
		s.Stop()
	case <-s.stopChan:
	}

	s.wg.Wait()
	s.logger.Info("all workers stopped, supervisor shutdown complete")

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// Stop gracefully shuts down the supervisor and all its workers. Safe to
// call multiple times.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if !s.started {
			return
		}
		close(s.stopChan)
		for _, w := range s.workers {
			w.Stop()
		}
	})
}

// IsStarted reports whether the supervisor is currently running.
func (s *Supervisor) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
