// Package storetest provides a testify-mock Store for unit tests of
// components that depend on store.Store (ingress, outboxrelay, saga),
// following the teacher's storage.MockStore shape.
package storetest

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/riftsaga/sagaflow/store"
)

// MockStore is a mock.Mock-backed implementation of store.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) InsertRecord(ctx context.Context, tx store.DBTX, record store.Record) error {
	args := m.Called(ctx, tx, record)
	return args.Error(0)
}

func (m *MockStore) EnqueueOutbox(ctx context.Context, tx store.DBTX, eventType string, payload []byte, scheduledFor time.Time) (int64, error) {
	args := m.Called(ctx, tx, eventType, payload, scheduledFor)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ClaimDueOutbox(ctx context.Context, now time.Time, batchSize int) ([]store.OutboxRow, error) {
	args := m.Called(ctx, now, batchSize)
	rows, _ := args.Get(0).([]store.OutboxRow)
	return rows, args.Error(1)
}

func (m *MockStore) MarkProcessed(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) MarkFailed(ctx context.Context, id int64, lastError string, nextScheduledFor time.Time, newRetryCount int, deadLetter bool) error {
	args := m.Called(ctx, id, lastError, nextScheduledFor, newRetryCount, deadLetter)
	return args.Error(0)
}

func (m *MockStore) RecoverStuck(ctx context.Context, staleAfter time.Duration, batchSize int) (int, error) {
	args := m.Called(ctx, staleAfter, batchSize)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) DeleteProcessed(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) DeleteDeadLettered(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) LoadSaga(ctx context.Context, tx store.DBTX, correlationID string) (*store.SagaInstance, error) {
	args := m.Called(ctx, tx, correlationID)
	inst, _ := args.Get(0).(*store.SagaInstance)
	return inst, args.Error(1)
}

func (m *MockStore) SaveSaga(ctx context.Context, tx store.DBTX, instance *store.SagaInstance, expectedVersion int64) error {
	args := m.Called(ctx, tx, instance, expectedVersion)
	return args.Error(0)
}

func (m *MockStore) WithTransaction(ctx context.Context, body func(ctx context.Context, tx store.DBTX) error) error {
	args := m.Called(ctx, body)
	if fn, ok := args.Get(0).(func(ctx context.Context, tx store.DBTX) error); ok && fn != nil {
		return fn(ctx, nil)
	}
	return args.Error(0)
}

func (m *MockStore) CountRecords(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) CountUnprocessedOutbox(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) CountSagasByState(ctx context.Context) (map[string]int64, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[string]int64)
	return counts, args.Error(1)
}

func (m *MockStore) ListRecentOutbox(ctx context.Context, n int) ([]store.OutboxRow, error) {
	args := m.Called(ctx, n)
	rows, _ := args.Get(0).([]store.OutboxRow)
	return rows, args.Error(1)
}

func (m *MockStore) ListDeadLettered(ctx context.Context, n int) ([]store.OutboxRow, error) {
	args := m.Called(ctx, n)
	rows, _ := args.Get(0).([]store.OutboxRow)
	return rows, args.Error(1)
}

func (m *MockStore) EnsureSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
