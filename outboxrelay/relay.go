// Package outboxrelay drains the transactional outbox into the
// Dispatcher with exponential backoff and dead-lettering, as specified
// in spec.md §4.4. Grounded on the teacher's EventProcessorImpl,
// retargeted from a Kafka publisher to the engine's in-process
// dispatcher.Dispatcher, and on the teacher's stuck-event and cleanup
// services for the two supplementary housekeeping workers.
package outboxrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/riftsaga/sagaflow/dispatcher"
	"github.com/riftsaga/sagaflow/store"
)

// EventPublisher is the narrow slice of dispatcher.Dispatcher the relay
// depends on. Kept as an interface so tests can substitute a fake.
type EventPublisher interface {
	Publish(ctx context.Context, event dispatcher.Event) error
}

// EventDecoder turns an outbox row's (event_type, payload) pair into a
// dispatcher.Event ready to publish. Callers register one decoder per
// declared event type; an unrecognized type is a DeserializationError
// per spec.md §7.
type EventDecoder func(row store.OutboxRow) (dispatcher.Event, error)

// Relay drains due outbox rows into the Dispatcher.
type Relay struct {
	store     store.Store
	publisher EventPublisher
	decode    EventDecoder
	logger    *zap.Logger
	cfg       config
}

// New creates a Relay. decode must be able to turn every event_type the
// engine enqueues into a dispatcher.Event.
func New(st store.Store, publisher EventPublisher, decode EventDecoder, logger *zap.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Relay{store: st, publisher: publisher, decode: decode, logger: logger, cfg: cfg}
}

// PollInterval returns the configured polling interval, for wiring a
// runtime.TickerWorker around ProcessBatch.
func (r *Relay) PollInterval() time.Duration { return r.cfg.pollInterval }

// StuckTimeout returns the configured stuck-row timeout.
func (r *Relay) StuckTimeout() time.Duration { return r.cfg.stuckTimeout }

// ProcessBatch claims one batch of due outbox rows and publishes them,
// applying backoff/dead-letter policy to failures. It is the work
// function driven by the relay's TickerWorker.
func (r *Relay) ProcessBatch(ctx context.Context) error {
	start := time.Now()
	defer func() { r.cfg.metrics.RecordDuration("outbox_relay.batch_duration", time.Since(start), nil) }()

	rows, err := r.store.ClaimDueOutbox(ctx, time.Now(), r.cfg.batchSize)
	if err != nil {
		return fmt.Errorf("outboxrelay: claim due outbox: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	r.logger.Info("claimed outbox rows for delivery", zap.Int("count", len(rows)))
	r.cfg.metrics.RecordGauge("outbox_relay.batch_size", float64(len(rows)), nil)

	for _, row := range rows {
		select {
		case <-ctx.Done():
			r.logger.Warn("context cancelled mid-batch, remaining rows stay claimed for stuck recovery", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
		}
		r.processOne(ctx, row)
	}
	return nil
}

func (r *Relay) processOne(ctx context.Context, row store.OutboxRow) {
	fields := []zap.Field{
		zap.Int64("outbox_id", row.ID),
		zap.String("event_type", row.EventType),
	}

	event, err := r.decode(row)
	if err != nil {
		r.logger.Error("failed to deserialize outbox row", append(fields, zap.Error(err))...)
		r.reschedule(ctx, row, fmt.Errorf("deserialize: %w", err))
		return
	}

	if err := r.publisher.Publish(ctx, event); err != nil {
		r.cfg.metrics.IncrementCounter("outbox_relay.publish_failed", map[string]string{"event_type": row.EventType})
		r.logger.Error("failed to publish outbox row", append(fields, zap.Error(err))...)
		r.reschedule(ctx, row, err)
		return
	}

	if err := r.store.MarkProcessed(ctx, row.ID); err != nil {
		r.cfg.metrics.IncrementCounter("outbox_relay.mark_processed_failed", map[string]string{"event_type": row.EventType})
		r.logger.Error("published but failed to mark processed; RecoverStuck or a redelivery will settle it",
			append(fields, zap.Error(err))...)
		return
	}

	r.cfg.metrics.IncrementCounter("outbox_relay.publish_success", map[string]string{"event_type": row.EventType})
	r.logger.Debug("outbox row delivered", fields...)
}

func (r *Relay) reschedule(ctx context.Context, row store.OutboxRow, cause error) {
	nextRetry := row.RetryCount + 1
	if nextRetry >= r.cfg.maxAttempts {
		r.logger.Error("outbox row exhausted retry budget, dead-lettering",
			zap.Int64("outbox_id", row.ID), zap.Int("retry_count", nextRetry), zap.Error(cause))
		if err := r.store.MarkFailed(ctx, row.ID, cause.Error(), time.Now(), nextRetry, true); err != nil {
			r.logger.Error("failed to dead-letter outbox row", zap.Int64("outbox_id", row.ID), zap.Error(err))
		}
		r.cfg.metrics.IncrementCounter("outbox_relay.dead_lettered", map[string]string{"event_type": row.EventType})
		return
	}

	delay := r.cfg.backoff.NextDelay(nextRetry)
	nextScheduledFor := time.Now().Add(delay)
	r.logger.Info("scheduling outbox row for retry",
		zap.Int64("outbox_id", row.ID), zap.Int("retry_count", nextRetry), zap.Duration("delay", delay), zap.Error(cause))
	if err := r.store.MarkFailed(ctx, row.ID, cause.Error(), nextScheduledFor, nextRetry, false); err != nil {
		r.logger.Error("failed to reschedule outbox row", zap.Int64("outbox_id", row.ID), zap.Error(err))
	}
}

// RecoverStuck reclaims rows claimed by a prior batch that never reached
// MarkProcessed/MarkFailed (a crashed relay instance). It is the work
// function for a dedicated TickerWorker.
func (r *Relay) RecoverStuck(ctx context.Context) error {
	start := time.Now()
	defer func() { r.cfg.metrics.RecordDuration("outbox_relay.recover_stuck_duration", time.Since(start), nil) }()

	n, err := r.store.RecoverStuck(ctx, r.cfg.stuckTimeout, r.cfg.batchSize)
	if err != nil {
		return fmt.Errorf("outboxrelay: recover stuck: %w", err)
	}
	if n > 0 {
		r.logger.Warn("recovered stuck outbox rows", zap.Int("count", n))
		r.cfg.metrics.IncrementCounter("outbox_relay.stuck_recovered", nil)
	}
	return nil
}

// Cleanup deletes processed and dead-lettered rows past their retention
// windows. Work function for a dedicated TickerWorker.
func (r *Relay) Cleanup(ctx context.Context) error {
	start := time.Now()
	defer func() { r.cfg.metrics.RecordDuration("outbox_relay.cleanup_duration", time.Since(start), nil) }()

	deleted, err := r.store.DeleteProcessed(ctx, r.cfg.processedRetention)
	if err != nil {
		r.logger.Error("failed to clean up processed rows", zap.Error(err))
	} else if deleted > 0 {
		r.logger.Info("cleaned up processed outbox rows", zap.Int64("count", deleted))
	}

	deadDeleted, err := r.store.DeleteDeadLettered(ctx, r.cfg.deadLetterRetention)
	if err != nil {
		r.logger.Error("failed to clean up dead-lettered rows", zap.Error(err))
	} else if deadDeleted > 0 {
		r.logger.Info("cleaned up dead-lettered outbox rows", zap.Int64("count", deadDeleted))
	}
	return nil
}

// JSONEventDecoder builds an EventDecoder from a registry of
// json.Unmarshal targets keyed by event type, for callers whose events
// are plain JSON-tagged structs implementing dispatcher.Event.
func JSONEventDecoder(factories map[string]func() dispatcher.Event) EventDecoder {
	return func(row store.OutboxRow) (dispatcher.Event, error) {
		factory, ok := factories[row.EventType]
		if !ok {
			return nil, fmt.Errorf("outboxrelay: no decoder registered for event type %q", row.EventType)
		}
		event := factory()
		if err := json.Unmarshal(row.Payload, event); err != nil {
			return nil, fmt.Errorf("outboxrelay: unmarshal %q payload: %w", row.EventType, err)
		}
		return event, nil
	}
}
