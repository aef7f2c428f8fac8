package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftsaga/sagaflow/store"
)

func TestSQLStore_InsertRecord_DuplicateKey(t *testing.T) {
	db, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, nil)

	mockDB.ExpectExec("INSERT INTO records").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err = s.InsertRecord(context.Background(), db, store.Record{ID: "rec-1"})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
	require.NoError(t, mockDB.ExpectationsWereMet())
}

func TestSQLStore_InsertRecord_Success(t *testing.T) {
	db, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, nil)

	mockDB.ExpectExec("INSERT INTO records").WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.InsertRecord(context.Background(), db, store.Record{ID: "rec-1"})
	assert.NoError(t, err)
	require.NoError(t, mockDB.ExpectationsWereMet())
}

func TestSQLStore_ClaimDueOutbox_OrderedAndClaimed(t *testing.T) {
	db, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, nil)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "event_type", "payload", "scheduled_for", "retry_count", "last_error"}).
		AddRow(int64(1), "SagaStarted-order", []byte(`{}`), now, 0, nil).
		AddRow(int64(2), "SagaStarted-order", []byte(`{}`), now, 0, nil)

	mockDB.ExpectBegin()
	mockDB.ExpectQuery("SELECT id, event_type, payload, scheduled_for, retry_count, last_error").
		WithArgs(sqlmock.AnyArg(), 10).
		WillReturnRows(rows)
	mockDB.ExpectExec("UPDATE outbox_rows SET claimed_at").WithArgs(sqlmock.AnyArg(), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("UPDATE outbox_rows SET claimed_at").WithArgs(sqlmock.AnyArg(), int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	claimed, err := s.ClaimDueOutbox(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, int64(1), claimed[0].ID)
	assert.Equal(t, int64(2), claimed[1].ID)
	require.NoError(t, mockDB.ExpectationsWereMet())
}

func TestSQLStore_SaveSaga_ConcurrencyConflict(t *testing.T) {
	db, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, nil)

	mockDB.ExpectExec("UPDATE saga_instances").WillReturnResult(sqlmock.NewResult(0, 0))

	instance := &store.SagaInstance{
		CorrelationID: "00000000-0000-0000-0000-000000000001",
		CurrentState:  "WaitingFor2",
		LastUpdated:   time.Now(),
		Steps:         map[string]*store.StepState{},
	}

	err = s.SaveSaga(context.Background(), db, instance, 3)
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
	require.NoError(t, mockDB.ExpectationsWereMet())
}

func TestSQLStore_SaveSaga_Insert(t *testing.T) {
	db, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, nil)

	mockDB.ExpectExec("INSERT INTO saga_instances").WillReturnResult(sqlmock.NewResult(1, 1))

	instance := &store.SagaInstance{
		CorrelationID: "00000000-0000-0000-0000-000000000001",
		CurrentState:  "Initial",
		StartedAt:     time.Now(),
		LastUpdated:   time.Now(),
		Steps:         map[string]*store.StepState{},
	}

	err = s.SaveSaga(context.Background(), db, instance, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), instance.Version)
	require.NoError(t, mockDB.ExpectationsWereMet())
}
