package saga_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/riftsaga/sagaflow/dispatcher"
	"github.com/riftsaga/sagaflow/ingress"
	"github.com/riftsaga/sagaflow/saga"
	"github.com/riftsaga/sagaflow/store"
	"github.com/riftsaga/sagaflow/store/storetest"
)

func threeStepDefinition() saga.Definition {
	return saga.Definition{
		Name:             "order-processing",
		InitialEventType: "SagaStarted",
		Steps: []saga.StepDescriptor{
			{Key: "order-created", CallEvent: "CallOrderCreated", Succeeded: "OrderCreatedSucceeded", Failed: "OrderCreatedFailed", MaxRetries: 3},
			{Key: "order-processed", CallEvent: "CallOrderProcessed", Succeeded: "OrderProcessedSucceeded", Failed: "OrderProcessedFailed", MaxRetries: 3},
			{Key: "order-shipped", CallEvent: "CallOrderShipped", Succeeded: "OrderShippedSucceeded", Failed: "OrderShippedFailed", MaxRetries: 3},
		},
	}
}

func TestEngine_InitialEvent_CreatesInstanceAndEmitsFirstCall(t *testing.T) {
	st := new(storetest.MockStore)
	d := dispatcher.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	defer d.Stop()

	st.On("LoadSaga", mock.Anything, mock.Anything, "corr-1").Return(nil, store.ErrSagaNotFound)
	st.On("WithTransaction", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		body := args.Get(1).(func(context.Context, store.DBTX) error)
		_ = body(context.Background(), nil)
	})
	var savedInstance *store.SagaInstance
	st.On("SaveSaga", mock.Anything, mock.Anything, mock.Anything, int64(0)).Run(func(args mock.Arguments) {
		savedInstance = args.Get(2).(*store.SagaInstance)
	}).Return(nil)
	st.On("EnqueueOutbox", mock.Anything, mock.Anything, "CallOrderCreated", mock.Anything, mock.Anything).Return(int64(1), nil)

	engine := saga.NewEngine(st, d, []saga.Definition{threeStepDefinition()})
	_ = engine

	event := &ingress.SagaStartedEvent{CorrelationIDValue: "corr-1", OriginalRecord: store.Record{ID: "corr-1"}}
	err := d.Publish(ctx, event)
	require.NoError(t, err)

	waitForCondition(t, func() bool { return savedInstance != nil })
	require.Equal(t, "WaitingFororder-created", savedInstance.CurrentState)
}

func TestEngine_StepSucceeded_AdvancesToNextStep(t *testing.T) {
	st := new(storetest.MockStore)
	d := dispatcher.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	defer d.Stop()

	existing := &store.SagaInstance{
		CorrelationID: "corr-2",
		CurrentState:  "WaitingFororder-created",
		Record:        store.Record{ID: "corr-2", StepData: map[string]json.RawMessage{"order-processed": json.RawMessage(`{"x":1}`)}},
		Steps:         map[string]*store.StepState{},
		Version:       1,
	}
	st.On("LoadSaga", mock.Anything, mock.Anything, "corr-2").Return(existing, nil)
	st.On("WithTransaction", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		body := args.Get(1).(func(context.Context, store.DBTX) error)
		_ = body(context.Background(), nil)
	})
	var savedInstance *store.SagaInstance
	st.On("SaveSaga", mock.Anything, mock.Anything, mock.Anything, int64(1)).Run(func(args mock.Arguments) {
		savedInstance = args.Get(2).(*store.SagaInstance)
	}).Return(nil)
	st.On("EnqueueOutbox", mock.Anything, mock.Anything, "CallOrderProcessed", mock.Anything, mock.Anything).Return(int64(2), nil)

	engine := saga.NewEngine(st, d, []saga.Definition{threeStepDefinition()})
	_ = engine

	outcome := saga.NewStepOutcome("OrderCreatedSucceeded", "corr-2", "ok", "", 0)
	err := d.Publish(ctx, outcome)
	require.NoError(t, err)

	waitForCondition(t, func() bool { return savedInstance != nil })
	require.Equal(t, "WaitingFororder-processed", savedInstance.CurrentState)
	require.True(t, savedInstance.Steps["order-created"].APICalled)
}

func TestEngine_LastStepSucceeded_Finalizes(t *testing.T) {
	st := new(storetest.MockStore)
	d := dispatcher.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	defer d.Stop()

	existing := &store.SagaInstance{
		CorrelationID: "corr-3",
		CurrentState:  "WaitingFororder-shipped",
		Record:        store.Record{ID: "corr-3"},
		Steps:         map[string]*store.StepState{},
		Version:       3,
	}
	st.On("LoadSaga", mock.Anything, mock.Anything, "corr-3").Return(existing, nil)
	st.On("WithTransaction", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		body := args.Get(1).(func(context.Context, store.DBTX) error)
		_ = body(context.Background(), nil)
	})
	var savedInstance *store.SagaInstance
	st.On("SaveSaga", mock.Anything, mock.Anything, mock.Anything, int64(3)).Run(func(args mock.Arguments) {
		savedInstance = args.Get(2).(*store.SagaInstance)
	}).Return(nil)

	engine := saga.NewEngine(st, d, []saga.Definition{threeStepDefinition()})
	_ = engine

	outcome := saga.NewStepOutcome("OrderShippedSucceeded", "corr-3", "ok", "", 0)
	err := d.Publish(ctx, outcome)
	require.NoError(t, err)

	waitForCondition(t, func() bool { return savedInstance != nil })
	require.Equal(t, saga.StateFinal, savedInstance.CurrentState)
	require.NotNil(t, savedInstance.CompletedAt)
}

func TestEngine_StepFailedUnderBudget_Retries(t *testing.T) {
	st := new(storetest.MockStore)
	d := dispatcher.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	defer d.Stop()

	existing := &store.SagaInstance{
		CorrelationID: "corr-4",
		CurrentState:  "WaitingFororder-created",
		Record:        store.Record{ID: "corr-4"},
		Steps:         map[string]*store.StepState{"order-created": {RetryCount: 0}},
		Version:       1,
	}
	st.On("LoadSaga", mock.Anything, mock.Anything, "corr-4").Return(existing, nil)
	st.On("WithTransaction", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		body := args.Get(1).(func(context.Context, store.DBTX) error)
		_ = body(context.Background(), nil)
	})
	var savedInstance *store.SagaInstance
	st.On("SaveSaga", mock.Anything, mock.Anything, mock.Anything, int64(1)).Run(func(args mock.Arguments) {
		savedInstance = args.Get(2).(*store.SagaInstance)
	}).Return(nil)
	st.On("EnqueueOutbox", mock.Anything, mock.Anything, "CallOrderCreated", mock.Anything, mock.Anything).Return(int64(3), nil)

	engine := saga.NewEngine(st, d, []saga.Definition{threeStepDefinition()})
	_ = engine

	outcome := saga.NewStepOutcome("OrderCreatedFailed", "corr-4", "", "boom", 0)
	err := d.Publish(ctx, outcome)
	require.NoError(t, err)

	waitForCondition(t, func() bool { return savedInstance != nil })
	require.Equal(t, "WaitingFororder-created", savedInstance.CurrentState)
	require.Equal(t, 1, savedInstance.Steps["order-created"].RetryCount)
}

func TestEngine_StepFailedAtBudget_Finalizes(t *testing.T) {
	st := new(storetest.MockStore)
	d := dispatcher.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	defer d.Stop()

	existing := &store.SagaInstance{
		CorrelationID: "corr-5",
		CurrentState:  "WaitingFororder-created",
		Record:        store.Record{ID: "corr-5"},
		Steps:         map[string]*store.StepState{"order-created": {RetryCount: 3}},
		Version:       1,
	}
	st.On("LoadSaga", mock.Anything, mock.Anything, "corr-5").Return(existing, nil)
	st.On("WithTransaction", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		body := args.Get(1).(func(context.Context, store.DBTX) error)
		_ = body(context.Background(), nil)
	})
	var savedInstance *store.SagaInstance
	st.On("SaveSaga", mock.Anything, mock.Anything, mock.Anything, int64(1)).Run(func(args mock.Arguments) {
		savedInstance = args.Get(2).(*store.SagaInstance)
	}).Return(nil)

	engine := saga.NewEngine(st, d, []saga.Definition{threeStepDefinition()})
	_ = engine

	outcome := saga.NewStepOutcome("OrderCreatedFailed", "corr-5", "", "boom", 3)
	err := d.Publish(ctx, outcome)
	require.NoError(t, err)

	waitForCondition(t, func() bool { return savedInstance != nil })
	require.Equal(t, saga.StateFinal, savedInstance.CurrentState)
	require.Nil(t, savedInstance.CompletedAt)
}

func TestEngine_LateEventForFinalizedSaga_IsDropped(t *testing.T) {
	st := new(storetest.MockStore)
	d := dispatcher.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	defer d.Stop()

	existing := &store.SagaInstance{CorrelationID: "corr-6", CurrentState: saga.StateFinal, Steps: map[string]*store.StepState{}, Version: 5}
	st.On("LoadSaga", mock.Anything, mock.Anything, "corr-6").Return(existing, nil)

	engine := saga.NewEngine(st, d, []saga.Definition{threeStepDefinition()})
	_ = engine

	outcome := saga.NewStepOutcome("OrderCreatedSucceeded", "corr-6", "ok", "", 0)
	err := d.Publish(ctx, outcome)
	require.NoError(t, err)

	waitForShardDrain(d)
	st.AssertNotCalled(t, "SaveSaga", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func waitForShardDrain(d *dispatcher.Dispatcher) {
	time.Sleep(40 * time.Millisecond)
}
