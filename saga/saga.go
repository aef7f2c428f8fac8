// Package saga implements the per-correlation state machine described
// in spec.md §4.5: event ingestion, transition lookup, per-step retry
// policy, and optimistic-concurrency persistence. Grounded on the
// teacher's orchestration shape (there is no direct teacher analogue —
// the teacher has no saga state machine — so the step-descriptor /
// definition split is adapted from Marcio-Felipe-ms-saga-pattern's
// orchestrator and jcmexdev-saga's step naming, expressed with the
// teacher's functional-options and zap logging conventions).
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/riftsaga/sagaflow/dispatcher"
	"github.com/riftsaga/sagaflow/outboxrelay"
	"github.com/riftsaga/sagaflow/store"
)

// ErrUnexpectedEventForState is logged and the event dropped, never
// returned to the Dispatcher as a retryable failure (spec.md §7).
var ErrUnexpectedEventForState = errors.New("saga: unexpected event for state")

const (
	// StateInitial is the implicit starting state of every saga.
	StateInitial = "Initial"
	// StateFinal is the implicit absorbing terminal state.
	StateFinal = "Final"
)

// StepDescriptor statically declares one step of a Definition: its key
// (used to look up the payload in Record.StepData), its command/event
// type names, and its retry budget. No reflection or factory
// abstraction — descriptors are plain data, constructed once per
// Definition at startup.
type StepDescriptor struct {
	Key        string // e.g. "order-created"
	CallEvent  string // e.g. "CallOrderCreated"
	Succeeded  string // e.g. "OrderCreatedSucceeded"
	Failed     string // e.g. "OrderCreatedFailed"
	MaxRetries int
}

// Definition is a static saga: an ordered list of steps plus the
// initiating event type. The engine derives the full transition table
// from this list per spec.md §4.5's canonical three-step pattern,
// generalized to N steps.
type Definition struct {
	Name              string
	InitialEventType  string
	Steps             []StepDescriptor
}

func (d Definition) stepIndex(key string) int {
	for i, s := range d.Steps {
		if s.Key == key {
			return i
		}
	}
	return -1
}

func (d Definition) waitingState(stepIndex int) string {
	return fmt.Sprintf("WaitingFor%s", d.Steps[stepIndex].Key)
}

// Command is published by the engine to ask the Step Executor to invoke
// one step. Implements dispatcher.Event.
type Command struct {
	CorrelationIDValue string          `json:"correlation_id"`
	StepKey            string          `json:"step_key"`
	Payload            json.RawMessage `json:"payload"`
	RetryCount         int             `json:"retry_count"`
	eventType          string
}

func (c *Command) EventType() string     { return c.eventType }
func (c *Command) CorrelationID() string { return c.CorrelationIDValue }

// NewCommand builds a Command with its event type set. Used by outbox
// decoders reconstituting a claimed row and by tests; the engine itself
// builds Commands via emitCall.
func NewCommand(eventType, correlationID, stepKey string, payload json.RawMessage, retryCount int) *Command {
	return &Command{eventType: eventType, CorrelationIDValue: correlationID, StepKey: stepKey, Payload: payload, RetryCount: retryCount}
}

// StepOutcome is the event the Step Executor publishes back: either
// <Sk>Succeeded or <Sk>Failed, per spec.md §6's event taxonomy.
type StepOutcome struct {
	CorrelationIDValue string `json:"correlation_id"`
	Response           string `json:"response,omitempty"`
	Error              string `json:"error,omitempty"`
	RetryCount         int    `json:"retry_count"`
	eventType          string
}

func (e *StepOutcome) EventType() string     { return e.eventType }
func (e *StepOutcome) CorrelationID() string { return e.CorrelationIDValue }

// NewStepOutcome constructs a StepOutcome with its event type set,
// for Step Executors to publish.
func NewStepOutcome(eventType, correlationID, response, errMsg string, retryCount int) *StepOutcome {
	return &StepOutcome{eventType: eventType, CorrelationIDValue: correlationID, Response: response, Error: errMsg, RetryCount: retryCount}
}

// maxConcurrencyRetries bounds the reload-and-retry loop on
// ErrConcurrencyConflict (spec.md §4.5 step 6).
const maxConcurrencyRetries = 5

// Engine runs one or more Definitions against a shared Store, publishing
// outbound step commands through the Store's outbox rather than holding
// a Dispatcher reference of its own.
type Engine struct {
	store   store.Store
	defs    map[string]Definition // keyed by InitialEventType
	logger  *zap.Logger
	metrics outboxrelay.MetricsCollector
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the engine's metrics collector.
func WithMetrics(m outboxrelay.MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine and subscribes its Definitions' initiating
// and per-step outcome events on the given Dispatcher.
func NewEngine(st store.Store, d *dispatcher.Dispatcher, defs []Definition, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		defs:    make(map[string]Definition, len(defs)),
		logger:  zap.NewNop(),
		metrics: outboxrelay.NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, def := range defs {
		e.defs[def.InitialEventType] = def
		d.Subscribe(def.InitialEventType, e.handleInitial(def))
		for _, step := range def.Steps {
			d.Subscribe(step.Succeeded, e.handleOutcome(def, step, true))
			d.Subscribe(step.Failed, e.handleOutcome(def, step, false))
		}
	}
	return e
}

type sagaStartedPayload struct {
	CorrelationIDValue string       `json:"correlation_id"`
	OriginalRecord     store.Record `json:"original_record"`
	StartedAt          time.Time    `json:"started_at"`
}

func (p *sagaStartedPayload) EventType() string     { return "" }
func (p *sagaStartedPayload) CorrelationID() string { return p.CorrelationIDValue }

func (e *Engine) handleInitial(def Definition) dispatcher.Handler {
	return func(ctx context.Context, event dispatcher.Event) error {
		raw, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("saga: marshal initial event: %w", err)
		}
		var payload sagaStartedPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("saga: decode initial event: %w", err)
		}

		return e.withRetry(ctx, payload.CorrelationIDValue, func(ctx context.Context) (*store.SagaInstance, int64, []pendingPublish, error) {
			existing, err := e.store.LoadSaga(ctx, nil, payload.CorrelationIDValue)
			if err != nil && !errors.Is(err, store.ErrSagaNotFound) {
				return nil, 0, nil, err
			}
			if existing != nil {
				e.logger.Debug("saga already started, dropping duplicate SagaStarted",
					zap.String("correlation_id", payload.CorrelationIDValue))
				return nil, 0, nil, nil
			}

			instance := &store.SagaInstance{
				CorrelationID: payload.CorrelationIDValue,
				CurrentState:  StateInitial,
				Record:        payload.OriginalRecord,
				StartedAt:     payload.StartedAt,
				LastUpdated:   time.Now().UTC(),
				Steps:         make(map[string]*store.StepState),
			}
			pubs, err := e.transition(def, instance)
			if err != nil {
				return nil, 0, nil, err
			}
			return instance, 0, pubs, nil
		})
	}
}

func (e *Engine) handleOutcome(def Definition, step StepDescriptor, success bool) dispatcher.Handler {
	return func(ctx context.Context, event dispatcher.Event) error {
		outcome, ok := event.(*StepOutcome)
		if !ok {
			return fmt.Errorf("saga: unexpected event type for step outcome handler")
		}

		return e.withRetry(ctx, outcome.CorrelationID(), func(ctx context.Context) (*store.SagaInstance, int64, []pendingPublish, error) {
			instance, err := e.store.LoadSaga(ctx, nil, outcome.CorrelationID())
			if errors.Is(err, store.ErrSagaNotFound) {
				e.logger.Warn("dropping step outcome for unknown saga",
					zap.String("correlation_id", outcome.CorrelationID()), zap.String("step", step.Key))
				return nil, 0, nil, nil
			}
			if err != nil {
				return nil, 0, nil, err
			}
			version := instance.Version

			if instance.CurrentState == StateFinal {
				e.logger.Info("dropping late event for finalized saga",
					zap.String("correlation_id", outcome.CorrelationID()))
				return nil, 0, nil, nil
			}
			if instance.CurrentState != def.waitingState(def.stepIndex(step.Key)) {
				e.logger.Warn("dropping event unexpected for current state",
					zap.String("correlation_id", outcome.CorrelationID()),
					zap.String("state", instance.CurrentState), zap.Error(ErrUnexpectedEventForState))
				return nil, 0, nil, nil
			}

			pubs, err := e.applyOutcome(def, step, success, instance, outcome)
			if err != nil {
				return nil, 0, nil, err
			}
			return instance, version, pubs, nil
		})
	}
}

// pendingPublish is a deferred outbound publish scheduled alongside a
// SaveSaga, per spec.md §4.5 step 5.
type pendingPublish struct {
	eventType string
	event     dispatcher.Event
}

// transition applies the Initial -> WaitingFor<S1> action (emit Call1)
// for a freshly created instance.
func (e *Engine) transition(def Definition, instance *store.SagaInstance) ([]pendingPublish, error) {
	if len(def.Steps) == 0 {
		now := time.Now().UTC()
		instance.CurrentState = StateFinal
		instance.CompletedAt = &now
		return nil, nil
	}
	first := def.Steps[0]
	instance.CurrentState = def.waitingState(0)
	return []pendingPublish{e.emitCall(instance, first, 0)}, nil
}

func (e *Engine) applyOutcome(def Definition, step StepDescriptor, success bool, instance *store.SagaInstance, outcome *StepOutcome) ([]pendingPublish, error) {
	idx := def.stepIndex(step.Key)
	state := instance.Steps[step.Key]
	if state == nil {
		state = &store.StepState{}
		instance.Steps[step.Key] = state
	}
	instance.LastUpdated = time.Now().UTC()

	if success {
		state.APICalled = true
		state.Response = outcome.Response

		if idx == len(def.Steps)-1 {
			now := time.Now().UTC()
			instance.CurrentState = StateFinal
			instance.CompletedAt = &now
			return nil, nil
		}
		next := def.Steps[idx+1]
		instance.CurrentState = def.waitingState(idx + 1)
		return []pendingPublish{e.emitCall(instance, next, 0)}, nil
	}

	instance.LastError = outcome.Error
	if state.RetryCount < step.MaxRetries {
		state.RetryCount++
		instance.CurrentState = def.waitingState(idx)
		return []pendingPublish{e.emitCall(instance, step, state.RetryCount)}, nil
	}

	instance.CurrentState = StateFinal
	return nil, nil
}

func (e *Engine) emitCall(instance *store.SagaInstance, step StepDescriptor, retryCount int) pendingPublish {
	payload, ok := instance.Record.StepData[step.Key]
	if !ok || len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	cmd := &Command{
		CorrelationIDValue: instance.CorrelationID,
		StepKey:            step.Key,
		Payload:            payload,
		RetryCount:         retryCount,
		eventType:          step.CallEvent,
	}
	return pendingPublish{eventType: step.CallEvent, event: cmd}
}

// withRetry implements spec.md §4.5 step 6: on ErrConcurrencyConflict,
// reload and rerun the whole handler, making at most
// maxConcurrencyRetries attempts in all with a short exponential pause
// between them.
func (e *Engine) withRetry(ctx context.Context, correlationID string, body func(ctx context.Context) (*store.SagaInstance, int64, []pendingPublish, error)) error {
	var lastErr error
	for attempt := 0; attempt < maxConcurrencyRetries; attempt++ {
		instance, expectedVersion, pubs, err := body(ctx)
		if err != nil {
			return err
		}
		if instance == nil {
			return nil // dropped: duplicate start, unknown saga, or unexpected-for-state
		}

		err = e.store.WithTransaction(ctx, func(ctx context.Context, tx store.DBTX) error {
			if err := e.store.SaveSaga(ctx, tx, instance, expectedVersion); err != nil {
				return err
			}
			for _, p := range pubs {
				payload, err := json.Marshal(p.event)
				if err != nil {
					return fmt.Errorf("marshal outbound command %q: %w", p.eventType, err)
				}
				if _, err := e.store.EnqueueOutbox(ctx, tx, p.eventType, payload, time.Now().UTC()); err != nil {
					return fmt.Errorf("enqueue outbound command %q: %w", p.eventType, err)
				}
			}
			return nil
		})
		if err == nil {
			// Outbound step commands are delivered by the outbox relay only.
			// Unlike ingress, there's no best-effort immediate publish here:
			// the relay already guarantees delivery, and dispatching a second
			// copy immediately would double every step call.
			e.metrics.IncrementCounter("saga.transition_applied", map[string]string{"correlation_id_present": "true"})
			return nil
		}
		if errors.Is(err, store.ErrConcurrencyConflict) {
			lastErr = err
			e.metrics.IncrementCounter("saga.concurrency_conflict", nil)
			if attempt < maxConcurrencyRetries-1 {
				delay := outboxrelay.ExponentialBackoff{Base: 10 * time.Millisecond, Max: 160 * time.Millisecond}.NextDelay(attempt + 1)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
			continue
		}
		return err
	}
	return fmt.Errorf("saga: exhausted concurrency retries for correlation %q: %w", correlationID, lastErr)
}
