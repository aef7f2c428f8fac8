package monitoring_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/riftsaga/sagaflow/monitoring"
	"github.com/riftsaga/sagaflow/store"
	"github.com/riftsaga/sagaflow/store/storetest"
)

func TestView_Snapshot_AggregatesAllAccessors(t *testing.T) {
	st := new(storetest.MockStore)
	st.On("CountRecords", mock.Anything).Return(int64(10), nil)
	st.On("CountUnprocessedOutbox", mock.Anything).Return(int64(2), nil)
	st.On("CountSagasByState", mock.Anything).Return(map[string]int64{"Final": 3}, nil)
	st.On("ListRecentOutbox", mock.Anything, 5).Return([]store.OutboxRow{{ID: 1}}, nil)
	st.On("ListDeadLettered", mock.Anything, 5).Return([]store.OutboxRow{}, nil)

	view := monitoring.NewView(st)
	snap, err := view.Snapshot(context.Background(), 5)

	require.NoError(t, err)
	require.Equal(t, int64(10), snap.RecordCount)
	require.Equal(t, int64(2), snap.UnprocessedOutboxCount)
	require.Equal(t, int64(3), snap.SagaCountByState["Final"])
	require.Len(t, snap.RecentOutbox, 1)
}

func TestView_SagaStatusFor_DistinguishesSuccessFromFailure(t *testing.T) {
	st := new(storetest.MockStore)
	instance := &store.SagaInstance{
		CorrelationID: "corr-1",
		CurrentState:  "Final",
		LastError:     "boom",
		Steps:         map[string]*store.StepState{"order-created": {RetryCount: 2}},
	}
	st.On("LoadSaga", mock.Anything, mock.Anything, "corr-1").Return(instance, nil)

	view := monitoring.NewView(st)
	status, err := view.SagaStatusFor(context.Background(), "corr-1")

	require.NoError(t, err)
	require.Nil(t, status.CompletedAt)
	require.Equal(t, "boom", status.LastError)
	require.Equal(t, 2, status.StepRetryCounts["order-created"])
}
