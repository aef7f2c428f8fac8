// Package dispatcher implements the engine's in-process publish/subscribe
// bus: handlers register against an event type, and publishers fan events
// out to them asynchronously. Delivery preserves per-correlation-ID
// ordering for a single publisher/handler pair without serializing
// delivery across distinct correlation IDs.
package dispatcher

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// Event is anything routable on the bus. CorrelationID groups events that
// must be delivered in publish order to a given handler; Type selects
// which handlers receive it.
type Event interface {
	EventType() string
	CorrelationID() string
}

// Handler processes one event. A non-nil error is logged by the
// Dispatcher but never retried here — retry is the producer's concern
// (spec.md §4.2).
type Handler func(ctx context.Context, event Event) error

const defaultShardCount = 16
const defaultShardQueueSize = 256

// Dispatcher is a sharded, in-memory pub/sub bus. Each correlation ID
// hashes onto one shard's single-goroutine queue, so events for the same
// correlation ID are always delivered in the order they were published,
// while different correlation IDs are processed concurrently across
// shards.
type Dispatcher struct {
	logger     *zap.Logger
	shardCount int
	queueSize  int

	handlers map[string][]Handler
	shards   []chan job

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

type job struct {
	ctx   context.Context
	event Event
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithShardCount overrides the number of delivery shards (default 16).
func WithShardCount(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.shardCount = n
		}
	}
}

// WithShardQueueSize overrides each shard's buffered queue depth.
func WithShardQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// New creates a Dispatcher. Register handlers with Subscribe, call Start
// to begin delivering published events, and Stop to drain in flight
// events on shutdown.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:     zap.NewNop(),
		shardCount: defaultShardCount,
		queueSize:  defaultShardQueueSize,
		handlers:   make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.shards = make([]chan job, d.shardCount)
	for i := range d.shards {
		d.shards[i] = make(chan job, d.queueSize)
	}
	d.stopChan = make(chan struct{})
	d.done = make(chan struct{})
	return d
}

// Subscribe registers handler to be invoked for every event of the given
// type. Subscriptions must be made before Start; the handler map is not
// safe for concurrent mutation while shards are draining it.
func (d *Dispatcher) Subscribe(eventType string, handler Handler) {
	d.handlers[eventType] = append(d.handlers[eventType], handler)
	d.logger.Debug("handler subscribed", zap.String("event_type", eventType))
}

// Start launches one goroutine per shard, each delivering its queued
// events to subscribed handlers in arrival order. It blocks until ctx is
// cancelled or Stop is called, then drains remaining queued events before
// returning.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.logger.Warn("dispatcher already started")
		return
	}
	d.started = true
	d.mu.Unlock()

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shardDone := make(chan struct{}, d.shardCount)
	for i := 0; i < d.shardCount; i++ {
		go d.runShard(workerCtx, d.shards[i], shardDone)
	}

	select {
	case <-ctx.Done():
	case <-d.stopChan:
	}
	cancel()

	for i := 0; i < d.shardCount; i++ {
		<-shardDone
	}
	close(d.done)
}

func (d *Dispatcher) runShard(ctx context.Context, queue chan job, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case j, ok := <-queue:
			if !ok {
				return
			}
			d.deliver(j.ctx, j.event)
		case <-ctx.Done():
			// Drain whatever is already queued before exiting, honoring
			// at-least-once delivery for events accepted before shutdown.
			for {
				select {
				case j, ok := <-queue:
					if !ok {
						return
					}
					d.deliver(j.ctx, j.event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	handlers := d.handlers[event.EventType()]
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			d.logger.Error("handler failed",
				zap.String("event_type", event.EventType()),
				zap.String("correlation_id", event.CorrelationID()),
				zap.Error(err))
		}
	}
}

// Publish enqueues event for asynchronous delivery to every handler
// subscribed to its type. It blocks only long enough to enqueue onto the
// target shard (or until ctx is cancelled).
func (d *Dispatcher) Publish(ctx context.Context, event Event) error {
	shard := d.shardFor(event.CorrelationID())
	select {
	case d.shards[shard] <- job{ctx: ctx, event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals all shards to drain and exit, then waits for them. Safe to
// call multiple times; a no-op if Start was never called.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return
	}
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	<-d.done
}

func (d *Dispatcher) shardFor(correlationID string) int {
	if correlationID == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(correlationID))
	return int(h.Sum32()) % d.shardCount
}
