// Package stepexec translates saga-emitted Call<Step> commands into
// outbound HTTP requests, per spec.md §4.6. Grounded on the teacher's
// constructor-with-options DI shape (carrier.go) for wiring, and on
// ARM-software-golang-utils/utils/http for the choice of HTTP client:
// github.com/hashicorp/go-cleanhttp's pooled transport without
// automatic retry, since the Step Executor must never retry locally.
package stepexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"

	"github.com/riftsaga/sagaflow/dispatcher"
	"github.com/riftsaga/sagaflow/saga"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultPaymentTimeout = 10 * time.Second
)

// EndpointResolver maps a step key to the URL the executor should POST
// its payload to.
type EndpointResolver func(stepKey string) string

// StepTimeout overrides the default per-step timeout for specific step
// keys (spec.md §4.6's "10s for payment-like steps").
type StepTimeout func(stepKey string) (time.Duration, bool)

// Executor subscribes to every declared step's CallEvent and performs
// the HTTP round trip, publishing the step's Succeeded/Failed outcome.
type Executor struct {
	client      *http.Client
	dispatcher  *dispatcher.Dispatcher
	endpoints   EndpointResolver
	stepTimeout StepTimeout
	logger      *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClient overrides the HTTP client (default: go-cleanhttp's pooled,
// non-retrying client).
func WithClient(client *http.Client) Option {
	return func(e *Executor) { e.client = client }
}

// WithLogger sets the executor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithStepTimeout overrides the per-step timeout lookup. Steps not
// matched by resolver fall back to the 5s default.
func WithStepTimeout(resolver StepTimeout) Option {
	return func(e *Executor) { e.stepTimeout = resolver }
}

// New creates an Executor and subscribes every step's CallEvent on d.
func New(d *dispatcher.Dispatcher, defs []saga.Definition, endpoints EndpointResolver, opts ...Option) *Executor {
	e := &Executor{
		client:      cleanhttp.DefaultPooledClient(),
		dispatcher:  d,
		endpoints:   endpoints,
		stepTimeout: func(string) (time.Duration, bool) { return 0, false },
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, def := range defs {
		for _, step := range def.Steps {
			d.Subscribe(step.CallEvent, e.handle(step))
		}
	}
	return e
}

// PaymentStepTimeout is a ready-made StepTimeout matching the spec's
// "payment-like steps get 10s" carve-out. It applies the 10s timeout
// only to the step keys passed in; step key names are not inspected.
func PaymentStepTimeout(stepKeys ...string) StepTimeout {
	set := make(map[string]bool, len(stepKeys))
	for _, k := range stepKeys {
		set[k] = true
	}
	return func(stepKey string) (time.Duration, bool) {
		if set[stepKey] {
			return defaultPaymentTimeout, true
		}
		return 0, false
	}
}

func (e *Executor) handle(step saga.StepDescriptor) dispatcher.Handler {
	return func(ctx context.Context, event dispatcher.Event) error {
		cmd, ok := event.(*saga.Command)
		if !ok {
			return fmt.Errorf("stepexec: unexpected event type for %q handler", step.CallEvent)
		}

		timeout := defaultTimeout
		if d, ok := e.stepTimeout(step.Key); ok {
			timeout = d
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		outcome := e.invoke(reqCtx, step, cmd)
		if err := e.dispatcher.Publish(ctx, outcome); err != nil {
			e.logger.Error("failed to publish step outcome",
				zap.String("step", step.Key), zap.String("correlation_id", cmd.CorrelationID()), zap.Error(err))
			return err
		}
		return nil
	}
}

func (e *Executor) invoke(ctx context.Context, step saga.StepDescriptor, cmd *saga.Command) *saga.StepOutcome {
	url := e.endpoints(step.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(cmd.Payload))
	if err != nil {
		return saga.NewStepOutcome(step.Failed, cmd.CorrelationID(), "", fmt.Sprintf("build request: %v", err), cmd.RetryCount)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("step call transport error", zap.String("step", step.Key), zap.Error(err))
		return saga.NewStepOutcome(step.Failed, cmd.CorrelationID(), "", err.Error(), cmd.RetryCount)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return saga.NewStepOutcome(step.Failed, cmd.CorrelationID(), "", fmt.Sprintf("read response: %v", err), cmd.RetryCount)
	}

	if resp.StatusCode >= 400 {
		return saga.NewStepOutcome(step.Failed, cmd.CorrelationID(), "", fmt.Sprintf("http %d: %s", resp.StatusCode, string(body)), cmd.RetryCount)
	}
	return saga.NewStepOutcome(step.Succeeded, cmd.CorrelationID(), string(body), "", cmd.RetryCount)
}

// MarshalPayload is a small helper for endpoint resolvers/tests that
// need to build a Command payload from an arbitrary value.
func MarshalPayload(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
