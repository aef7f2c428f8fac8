// Package orderprocessing is the canonical three-step saga from
// spec.md §4.5's worked example: order-created -> order-processed ->
// order-shipped.
package orderprocessing

import "github.com/riftsaga/sagaflow/saga"

// SagaStartedEventType is the event that seeds an order-processing saga.
const SagaStartedEventType = "SagaStarted"

const (
	// StepOrderCreated is step 1.
	StepOrderCreated = "order-created"
	// StepOrderProcessed is step 2.
	StepOrderProcessed = "order-processed"
	// StepOrderShipped is step 3.
	StepOrderShipped = "order-shipped"
)

// DefaultMaxRetries is used for every step unless overridden by
// NewDefinitionWithRetries.
const DefaultMaxRetries = 3

// NewDefinition builds the order-processing saga.Definition with each
// step's retry budget set to DefaultMaxRetries.
func NewDefinition() saga.Definition {
	return NewDefinitionWithRetries(DefaultMaxRetries, DefaultMaxRetries, DefaultMaxRetries)
}

// NewDefinitionWithRetries builds the order-processing saga.Definition
// with an explicit per-step retry budget (order-created, order-processed,
// order-shipped, in that order).
func NewDefinitionWithRetries(maxCreated, maxProcessed, maxShipped int) saga.Definition {
	return saga.Definition{
		Name:             "order-processing",
		InitialEventType: SagaStartedEventType,
		Steps: []saga.StepDescriptor{
			{
				Key:        StepOrderCreated,
				CallEvent:  "CallOrderCreated",
				Succeeded:  "OrderCreatedSucceeded",
				Failed:     "OrderCreatedFailed",
				MaxRetries: maxCreated,
			},
			{
				Key:        StepOrderProcessed,
				CallEvent:  "CallOrderProcessed",
				Succeeded:  "OrderProcessedSucceeded",
				Failed:     "OrderProcessedFailed",
				MaxRetries: maxProcessed,
			},
			{
				Key:        StepOrderShipped,
				CallEvent:  "CallOrderShipped",
				Succeeded:  "OrderShippedSucceeded",
				Failed:     "OrderShippedFailed",
				MaxRetries: maxShipped,
			},
		},
	}
}

// Endpoints maps each step key to the URL that services it. Callers
// wire this into stepexec.New via a small EndpointResolver closure.
type Endpoints struct {
	OrderCreatedURL   string
	OrderProcessedURL string
	OrderShippedURL   string
}

// Resolve returns the URL for stepKey, or "" if unrecognized.
func (e Endpoints) Resolve(stepKey string) string {
	switch stepKey {
	case StepOrderCreated:
		return e.OrderCreatedURL
	case StepOrderProcessed:
		return e.OrderProcessedURL
	case StepOrderShipped:
		return e.OrderShippedURL
	default:
		return ""
	}
}
