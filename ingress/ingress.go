// Package ingress consumes inbound records from an external message
// source and starts sagas for them, per spec.md §4.3. Grounded on the
// teacher's outbox.go (NewOutboxEvent/SaveEvent/ErrEventAlreadyExists)
// and carrier.go's constructor-with-options shape.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riftsaga/sagaflow/dispatcher"
	"github.com/riftsaga/sagaflow/store"
)

// SagaStartedEventType is the outbox event_type Ingress enqueues to
// kick off a saga for a newly ingested record.
const SagaStartedEventType = "SagaStarted"

// Message is one inbound record plus the source-specific handle needed
// to acknowledge it once persisted.
type Message struct {
	Record store.Record
	Ack    func(ctx context.Context) error
}

// MessageSource is the external transport Ingress consumes from. Its
// concrete client (Kafka, SQS, a message queue, ...) is out of scope;
// Consumer only needs a way to receive the next message.
type MessageSource interface {
	// Receive blocks until a message is available, ctx is cancelled, or
	// the source is exhausted (io.EOF-style callers should return a
	// sentinel error the caller recognizes).
	Receive(ctx context.Context) (Message, error)
}

// SagaStartedEvent is the event Ingress emits to seed a saga. It
// implements dispatcher.Event so it can be published directly, and is
// what outboxrelay.JSONEventDecoder round-trips through the outbox.
type SagaStartedEvent struct {
	CorrelationIDValue string          `json:"correlation_id"`
	OriginalRecord     store.Record    `json:"original_record"`
	StartedAt          time.Time       `json:"started_at"`
}

func (e *SagaStartedEvent) EventType() string     { return SagaStartedEventType }
func (e *SagaStartedEvent) CorrelationID() string { return e.CorrelationIDValue }

// Consumer drains a MessageSource, atomically persisting each record and
// enqueueing its SagaStarted outbox row.
type Consumer struct {
	source     MessageSource
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the consumer's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

// New creates a Consumer. dispatcherClient may be nil, in which case
// step 6's best-effort immediate publish is skipped and delivery relies
// entirely on the Outbox Relay.
func New(source MessageSource, st store.Store, dispatcherClient *dispatcher.Dispatcher, opts ...Option) *Consumer {
	c := &Consumer{source: source, store: st, dispatcher: dispatcherClient, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes messages until ctx is cancelled or Receive returns a
// non-nil, non-context error, which is returned to the caller.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := c.source.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("ingress: receive: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			c.logger.Error("failed to ingest record", zap.String("record_id", msg.Record.ID), zap.Error(err))
			continue
		}
	}
}

// handle implements the six-step contract of spec.md §4.3 for a single
// message.
func (c *Consumer) handle(ctx context.Context, msg Message) error {
	record := msg.Record
	var event *SagaStartedEvent
	duplicate := false

	err := c.store.WithTransaction(ctx, func(ctx context.Context, tx store.DBTX) error {
		if err := c.store.InsertRecord(ctx, tx, record); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				duplicate = true
				return nil
			}
			return fmt.Errorf("insert record: %w", err)
		}

		event = &SagaStartedEvent{
			CorrelationIDValue: record.ID,
			OriginalRecord:     record,
			StartedAt:          time.Now().UTC(),
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal saga started event: %w", err)
		}

		if _, err := c.store.EnqueueOutbox(ctx, tx, SagaStartedEventType, payload, time.Now().UTC()); err != nil {
			return fmt.Errorf("enqueue outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if duplicate {
		c.logger.Debug("record already ingested, acknowledging redelivery", zap.String("record_id", record.ID))
		return c.ack(ctx, msg)
	}

	if err := c.ack(ctx, msg); err != nil {
		return fmt.Errorf("ack after commit: %w", err)
	}

	if c.dispatcher != nil && event != nil {
		if err := c.dispatcher.Publish(ctx, event); err != nil {
			c.logger.Warn("best-effort immediate publish failed, relay will still deliver it",
				zap.String("correlation_id", event.CorrelationIDValue), zap.Error(err))
		}
	}
	return nil
}

func (c *Consumer) ack(ctx context.Context, msg Message) error {
	if msg.Ack == nil {
		return nil
	}
	return msg.Ack(ctx)
}

// NewRecordID generates a fresh UUID for callers constructing a Record
// outside of a MessageSource that already supplies one (e.g. tests, or
// a source whose native ID isn't already a UUID).
func NewRecordID() string {
	return uuid.NewString()
}
