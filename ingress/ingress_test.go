package ingress_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/riftsaga/sagaflow/ingress"
	"github.com/riftsaga/sagaflow/store"
	"github.com/riftsaga/sagaflow/store/storetest"
)

type fakeSource struct {
	messages []ingress.Message
	i        int
}

func (f *fakeSource) Receive(ctx context.Context) (ingress.Message, error) {
	if f.i >= len(f.messages) {
		return ingress.Message{}, context.Canceled
	}
	msg := f.messages[f.i]
	f.i++
	return msg, nil
}

func newRecord(id string) store.Record {
	return store.Record{ID: id, StepData: map[string]json.RawMessage{"order-created": json.RawMessage(`{}`)}}
}

func TestConsumer_Run_InsertsRecordAndEnqueuesSagaStarted(t *testing.T) {
	st := new(storetest.MockStore)
	acked := false
	source := &fakeSource{messages: []ingress.Message{
		{Record: newRecord("rec-1"), Ack: func(ctx context.Context) error { acked = true; return nil }},
	}}

	st.On("WithTransaction", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		body := args.Get(1).(func(context.Context, store.DBTX) error)
		_ = body(context.Background(), nil)
	})
	st.On("InsertRecord", mock.Anything, mock.Anything, mock.MatchedBy(func(r store.Record) bool { return r.ID == "rec-1" })).Return(nil)
	st.On("EnqueueOutbox", mock.Anything, mock.Anything, ingress.SagaStartedEventType, mock.Anything, mock.Anything).Return(int64(1), nil)

	consumer := ingress.New(source, st, nil)
	err := consumer.Run(context.Background())

	require.NoError(t, err)
	require.True(t, acked)
	st.AssertExpectations(t)
}

func TestConsumer_Run_DuplicateRecordAcksWithoutEnqueue(t *testing.T) {
	st := new(storetest.MockStore)
	acked := false
	source := &fakeSource{messages: []ingress.Message{
		{Record: newRecord("rec-2"), Ack: func(ctx context.Context) error { acked = true; return nil }},
	}}

	st.On("WithTransaction", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		body := args.Get(1).(func(context.Context, store.DBTX) error)
		_ = body(context.Background(), nil)
	})
	st.On("InsertRecord", mock.Anything, mock.Anything, mock.Anything).Return(store.ErrDuplicateKey)

	consumer := ingress.New(source, st, nil)
	err := consumer.Run(context.Background())

	require.NoError(t, err)
	require.True(t, acked)
	st.AssertNotCalled(t, "EnqueueOutbox", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConsumer_Run_TransactionFailureLeavesMessageUnacked(t *testing.T) {
	st := new(storetest.MockStore)
	acked := false
	source := &fakeSource{messages: []ingress.Message{
		{Record: newRecord("rec-3"), Ack: func(ctx context.Context) error { acked = true; return nil }},
	}}

	st.On("WithTransaction", mock.Anything, mock.Anything).Return(errors.New("db down"))

	consumer := ingress.New(source, st, nil)
	err := consumer.Run(context.Background())

	require.NoError(t, err) // handle() error is logged and consumption continues
	require.False(t, acked)
}
