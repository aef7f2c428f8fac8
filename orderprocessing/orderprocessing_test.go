package orderprocessing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/riftsaga/sagaflow/orderprocessing"
)

func TestNewDefinition_HasThreeStepsInOrder(t *testing.T) {
	def := orderprocessing.NewDefinition()
	assert.Equal(t, orderprocessing.SagaStartedEventType, def.InitialEventType)
	assert.Len(t, def.Steps, 3)
	assert.Equal(t, orderprocessing.StepOrderCreated, def.Steps[0].Key)
	assert.Equal(t, orderprocessing.StepOrderProcessed, def.Steps[1].Key)
	assert.Equal(t, orderprocessing.StepOrderShipped, def.Steps[2].Key)
	for _, step := range def.Steps {
		assert.Equal(t, orderprocessing.DefaultMaxRetries, step.MaxRetries)
	}
}

func TestEndpoints_Resolve(t *testing.T) {
	ep := orderprocessing.Endpoints{
		OrderCreatedURL:   "http://svc/order-created",
		OrderProcessedURL: "http://svc/order-processed",
		OrderShippedURL:   "http://svc/order-shipped",
	}
	assert.Equal(t, "http://svc/order-created", ep.Resolve(orderprocessing.StepOrderCreated))
	assert.Equal(t, "", ep.Resolve("unknown-step"))
}
