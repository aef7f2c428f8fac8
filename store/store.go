// Package store defines the persistence contract shared by Ingress, the
// Outbox Relay, and the Saga Engine: a single abstract transaction
// primitive plus the operations each of those components needs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDuplicateKey is returned by InsertRecord when the record's ID
	// already exists. Callers must treat this as benign: the message
	// has already been handled.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrConcurrencyConflict is returned by SaveSaga when the supplied
	// expected version no longer matches the stored version.
	ErrConcurrencyConflict = errors.New("store: concurrency conflict")

	// ErrSagaNotFound is returned by LoadSaga when no instance exists
	// for the given correlation ID.
	ErrSagaNotFound = errors.New("store: saga not found")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, letting store methods
// run either standalone or inside a caller-managed transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Record is the inbound, immutable business record that seeds a saga.
type Record struct {
	ID       string
	StepData map[string]json.RawMessage
}

// OutboxRow is a durable intent-to-publish.
type OutboxRow struct {
	ID            int64
	EventType     string
	Payload       []byte
	ScheduledFor  time.Time
	Processed     bool
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     string
}

// StepState is the per-step block inside a SagaInstance.
type StepState struct {
	RetryCount int
	APICalled  bool
	Response   string
}

// SagaInstance is the persistent per-correlation workflow state.
type SagaInstance struct {
	CorrelationID string
	CurrentState  string
	Record        Record
	StartedAt     time.Time
	LastUpdated   time.Time
	CompletedAt   *time.Time
	LastError     string
	Steps         map[string]*StepState
	Version       int64
}

// Store is the persistence contract for the engine. A single
// implementation backs Ingress, the Outbox Relay, and the Saga Engine;
// all database access goes through it.
type Store interface {
	// InsertRecord inserts a Record, returning ErrDuplicateKey if
	// record.ID already exists.
	InsertRecord(ctx context.Context, tx DBTX, record Record) error

	// EnqueueOutbox inserts a new outbox row and returns its ID.
	EnqueueOutbox(ctx context.Context, tx DBTX, eventType string, payload []byte, scheduledFor time.Time) (int64, error)

	// ClaimDueOutbox returns up to batchSize unprocessed rows whose
	// scheduled_for has elapsed, ordered by scheduled_for then id, and
	// marks them claimed so no other caller can claim them concurrently.
	ClaimDueOutbox(ctx context.Context, now time.Time, batchSize int) ([]OutboxRow, error)

	// MarkProcessed marks a claimed row as successfully delivered.
	MarkProcessed(ctx context.Context, id int64) error

	// MarkFailed records a failed delivery attempt, bumping retry
	// bookkeeping and rescheduling (or dead-lettering) the row.
	MarkFailed(ctx context.Context, id int64, lastError string, nextScheduledFor time.Time, newRetryCount int, deadLetter bool) error

	// RecoverStuck resets rows claimed more than staleAfter ago back to
	// a retryable state, for relay instances that crashed mid-batch.
	RecoverStuck(ctx context.Context, staleAfter time.Duration, batchSize int) (int, error)

	// DeleteProcessed removes successfully processed rows older than
	// retention. Dead-lettered rows (processed with a non-empty
	// last_error) are excluded; use DeleteDeadLettered for those.
	DeleteProcessed(ctx context.Context, retention time.Duration) (int64, error)

	// DeleteDeadLettered removes dead-lettered rows older than
	// retention.
	DeleteDeadLettered(ctx context.Context, retention time.Duration) (int64, error)

	// LoadSaga loads a saga instance and its version. tx may be nil to
	// run outside any caller-managed transaction (the Saga Engine loads
	// before it knows what, if anything, it will write back).
	LoadSaga(ctx context.Context, tx DBTX, correlationID string) (*SagaInstance, error)

	// SaveSaga persists saga, failing with ErrConcurrencyConflict if
	// expectedVersion doesn't match the stored version. expectedVersion
	// of 0 means "insert new instance". tx may be nil.
	SaveSaga(ctx context.Context, tx DBTX, instance *SagaInstance, expectedVersion int64) error

	// WithTransaction runs body inside a single ACID transaction.
	WithTransaction(ctx context.Context, body func(ctx context.Context, tx DBTX) error) error

	// Monitoring accessors (spec.md §6).
	CountRecords(ctx context.Context) (int64, error)
	CountUnprocessedOutbox(ctx context.Context) (int64, error)
	CountSagasByState(ctx context.Context) (map[string]int64, error)
	ListRecentOutbox(ctx context.Context, n int) ([]OutboxRow, error)
	ListDeadLettered(ctx context.Context, n int) ([]OutboxRow, error)

	// EnsureSchema creates the tables this store needs if absent.
	EnsureSchema(ctx context.Context) error
}
