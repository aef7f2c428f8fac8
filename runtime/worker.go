// Package runtime hosts the process-lifetime scaffolding shared by the
// engine's background components: a ticker-driven worker and a
// supervisor that starts/stops a set of them together. Grounded on the
// teacher's BaseWorker/Dispatcher worker-lifecycle pair, renamed here to
// avoid colliding with the spec's own Dispatcher (the pub/sub bus in
// package dispatcher).
package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker is a named, independently start/stoppable background task.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

// TickerWorker runs workFunc on a fixed interval until stopped.
type TickerWorker struct {
	name     string
	interval time.Duration
	logger   *zap.Logger
	workFunc func(ctx context.Context) error

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewTickerWorker creates a worker that invokes workFunc every interval.
func NewTickerWorker(name string, interval time.Duration, logger *zap.Logger, workFunc func(ctx context.Context) error) *TickerWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TickerWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		workFunc: workFunc,
		stopChan: make(chan struct{}),
	}
}

// Start runs the ticker loop until ctx is cancelled or Stop is called.
func (w *TickerWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("worker already started", zap.String("name", w.name))
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("worker finished", zap.String("name", w.name))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			select {
			case <-w.stopChan:
				return
			default:
			}
			w.executeWorkFunc(ctx)
		}
	}
}

func (w *TickerWorker) executeWorkFunc(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	select {
	case <-ctx.Done():
		return
	default:
	}

	if err := w.workFunc(ctx); err != nil {
		w.logger.Error("worker function failed", zap.String("name", w.name), zap.Error(err))
	}
}

// Stop gracefully shuts the worker down, waiting for any in-flight
// workFunc invocation to finish. Safe to call multiple times.
func (w *TickerWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if !w.started {
			return
		}
		close(w.stopChan)
		w.wg.Wait()
	})
}

// Name returns the worker's name.
func (w *TickerWorker) Name() string {
	return w.name
}
