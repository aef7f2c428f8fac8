// Package sqlstore is the MySQL-backed implementation of store.Store,
// following the teacher's query-string-per-operation style: constant
// SQL templates, a DBTX abstraction so callers can pass either *sql.DB
// or an open *sql.Tx, and FOR UPDATE SKIP LOCKED for claim queries that
// must not hand the same row to two concurrent callers.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/riftsaga/sagaflow/store"
)

const (
	tableRecords = "records"
	tableOutbox  = "outbox_rows"
	tableSagas   = "saga_instances"
)

const (
	createRecordsTable = `
		CREATE TABLE IF NOT EXISTS records (
			id         CHAR(36)     NOT NULL PRIMARY KEY,
			step_data  JSON         NOT NULL,
			created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

	createOutboxTable = `
		CREATE TABLE IF NOT EXISTS outbox_rows (
			id             BIGINT AUTO_INCREMENT PRIMARY KEY,
			event_type     VARCHAR(255) NOT NULL,
			payload        JSON         NOT NULL,
			scheduled_for  TIMESTAMP(6) NOT NULL,
			processed      BOOL         NOT NULL DEFAULT FALSE,
			processed_at   TIMESTAMP(6) NULL,
			retry_count    INT          NOT NULL DEFAULT 0,
			last_error     TEXT         NULL,
			claimed_at     TIMESTAMP(6) NULL,
			INDEX idx_processed_scheduled (processed, scheduled_for, id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

	createSagasTable = `
		CREATE TABLE IF NOT EXISTS saga_instances (
			correlation_id CHAR(36)     NOT NULL PRIMARY KEY,
			current_state  VARCHAR(64)  NOT NULL,
			original_record JSON        NOT NULL,
			started_at     TIMESTAMP(6) NOT NULL,
			last_updated   TIMESTAMP(6) NOT NULL,
			completed_at   TIMESTAMP(6) NULL,
			last_error     TEXT         NULL,
			steps          JSON         NOT NULL,
			version        BIGINT       NOT NULL DEFAULT 0
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

	insertRecordQuery = `INSERT INTO records (id, step_data) VALUES (?, ?)`

	enqueueOutboxQuery = `
		INSERT INTO outbox_rows (event_type, payload, scheduled_for, processed, retry_count)
		VALUES (?, ?, ?, FALSE, 0)`

	claimDueOutboxQuery = `
		SELECT id, event_type, payload, scheduled_for, retry_count, last_error
		FROM outbox_rows
		WHERE processed = FALSE AND scheduled_for <= ? AND claimed_at IS NULL
		ORDER BY scheduled_for ASC, id ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED`

	markClaimedQuery = `UPDATE outbox_rows SET claimed_at = ? WHERE id = ?`

	markProcessedQuery = `UPDATE outbox_rows SET processed = TRUE, processed_at = ?, claimed_at = NULL, last_error = NULL WHERE id = ?`

	markFailedQuery = `
		UPDATE outbox_rows
		SET processed = ?, processed_at = ?, scheduled_for = ?, retry_count = ?, last_error = ?, claimed_at = NULL
		WHERE id = ?`

	recoverStuckQuery = `
		SELECT id FROM outbox_rows
		WHERE processed = FALSE AND claimed_at IS NOT NULL AND claimed_at <= ?
		LIMIT ?
		FOR UPDATE SKIP LOCKED`

	unclaimQuery = `UPDATE outbox_rows SET claimed_at = NULL WHERE id = ?`

	loadSagaQuery = `
		SELECT correlation_id, current_state, original_record, started_at, last_updated,
		       completed_at, last_error, steps, version
		FROM saga_instances WHERE correlation_id = ?`

	insertSagaQuery = `
		INSERT INTO saga_instances
			(correlation_id, current_state, original_record, started_at, last_updated, completed_at, last_error, steps, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`

	updateSagaQuery = `
		UPDATE saga_instances
		SET current_state = ?, last_updated = ?, completed_at = ?, last_error = ?, steps = ?, version = version + 1
		WHERE correlation_id = ? AND version = ?`

	countRecordsQuery           = `SELECT COUNT(*) FROM records`
	countUnprocessedOutboxQuery = `SELECT COUNT(*) FROM outbox_rows WHERE processed = FALSE`
	countSagasByStateQuery      = `SELECT current_state, COUNT(*) FROM saga_instances GROUP BY current_state`

	listRecentOutboxQuery = `
		SELECT id, event_type, payload, scheduled_for, processed, processed_at, retry_count, last_error
		FROM outbox_rows ORDER BY id DESC LIMIT ?`

	listDeadLetteredQuery = `
		SELECT id, event_type, payload, scheduled_for, processed, processed_at, retry_count, last_error
		FROM outbox_rows WHERE processed = TRUE AND last_error IS NOT NULL AND last_error <> ''
		ORDER BY id DESC LIMIT ?`

	deleteProcessedQuery = `
		DELETE FROM outbox_rows
		WHERE processed = TRUE AND (last_error IS NULL OR last_error = '') AND processed_at < ?`

	deleteDeadLetteredQuery = `
		DELETE FROM outbox_rows
		WHERE processed = TRUE AND last_error IS NOT NULL AND last_error <> '' AND processed_at < ?`
)

// SQLStore is the MySQL implementation of store.Store.
type SQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, logger: logger}
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, ddl := range []string{createRecordsTable, createOutboxTable, createSagasTable} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlstore: ensure schema: %w", err)
		}
	}
	return nil
}

// dbtx resolves a caller-supplied transaction to the store's own
// connection when tx is nil, so LoadSaga/SaveSaga can be called either
// standalone (spec.md §4.5 step 2's load, outside any transaction) or
// within a WithTransaction body.
func (s *SQLStore) dbtx(tx store.DBTX) store.DBTX {
	if tx == nil {
		return s.db
	}
	return tx
}

func (s *SQLStore) InsertRecord(ctx context.Context, tx store.DBTX, record store.Record) error {
	payload, err := json.Marshal(record.StepData)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal step_data: %w", err)
	}
	_, err = s.dbtx(tx).ExecContext(ctx, insertRecordQuery, record.ID, payload)
	if err != nil {
		if isDuplicateKeyErr(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("sqlstore: insert record: %w", err)
	}
	return nil
}

func (s *SQLStore) EnqueueOutbox(ctx context.Context, tx store.DBTX, eventType string, payload []byte, scheduledFor time.Time) (int64, error) {
	res, err := s.dbtx(tx).ExecContext(ctx, enqueueOutboxQuery, eventType, payload, scheduledFor.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlstore: enqueue outbox: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLStore) ClaimDueOutbox(ctx context.Context, now time.Time, batchSize int) ([]store.OutboxRow, error) {
	var rows []store.OutboxRow
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.QueryContext(ctx, claimDueOutboxQuery, now.UTC(), batchSize)
		if err != nil {
			return fmt.Errorf("sqlstore: claim due outbox: %w", err)
		}
		ids := make([]int64, 0, batchSize)
		for res.Next() {
			var r store.OutboxRow
			var lastErr sql.NullString
			if err := res.Scan(&r.ID, &r.EventType, &r.Payload, &r.ScheduledFor, &r.RetryCount, &lastErr); err != nil {
				res.Close()
				return fmt.Errorf("sqlstore: scan outbox row: %w", err)
			}
			r.LastError = lastErr.String
			rows = append(rows, r)
			ids = append(ids, r.ID)
		}
		if err := res.Err(); err != nil {
			res.Close()
			return err
		}
		res.Close()

		claimedAt := time.Now().UTC()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, markClaimedQuery, claimedAt, id); err != nil {
				return fmt.Errorf("sqlstore: mark claimed: %w", err)
			}
		}
		return nil
	})
	return rows, err
}

func (s *SQLStore) MarkProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, markProcessedQuery, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlstore: mark processed: %w", err)
	}
	return nil
}

func (s *SQLStore) MarkFailed(ctx context.Context, id int64, lastError string, nextScheduledFor time.Time, newRetryCount int, deadLetter bool) error {
	var processedAt interface{}
	if deadLetter {
		t := time.Now().UTC()
		processedAt = t
	}
	_, err := s.db.ExecContext(ctx, markFailedQuery, deadLetter, processedAt, nextScheduledFor.UTC(), newRetryCount, lastError, id)
	if err != nil {
		return fmt.Errorf("sqlstore: mark failed: %w", err)
	}
	return nil
}

func (s *SQLStore) RecoverStuck(ctx context.Context, staleAfter time.Duration, batchSize int) (int, error) {
	threshold := time.Now().UTC().Add(-staleAfter)
	recovered := 0
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, recoverStuckQuery, threshold, batchSize)
		if err != nil {
			return fmt.Errorf("sqlstore: recover stuck: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, unclaimQuery, id); err != nil {
				return fmt.Errorf("sqlstore: unclaim stuck row: %w", err)
			}
		}
		recovered = len(ids)
		return nil
	})
	return recovered, err
}

func (s *SQLStore) LoadSaga(ctx context.Context, tx store.DBTX, correlationID string) (*store.SagaInstance, error) {
	row := s.dbtx(tx).QueryRowContext(ctx, loadSagaQuery, correlationID)

	var (
		inst           store.SagaInstance
		recordJSON     []byte
		stepsJSON      []byte
		completedAt    sql.NullTime
		lastErr        sql.NullString
	)
	err := row.Scan(&inst.CorrelationID, &inst.CurrentState, &recordJSON, &inst.StartedAt, &inst.LastUpdated,
		&completedAt, &lastErr, &stepsJSON, &inst.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSagaNotFound
		}
		return nil, fmt.Errorf("sqlstore: load saga: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	inst.LastError = lastErr.String

	if err := json.Unmarshal(recordJSON, &inst.Record); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal original_record: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &inst.Steps); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal steps: %w", err)
	}
	return &inst, nil
}

func (s *SQLStore) SaveSaga(ctx context.Context, tx store.DBTX, instance *store.SagaInstance, expectedVersion int64) error {
	recordJSON, err := json.Marshal(instance.Record)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal original_record: %w", err)
	}
	stepsJSON, err := json.Marshal(instance.Steps)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal steps: %w", err)
	}

	var completedAt interface{}
	if instance.CompletedAt != nil {
		completedAt = instance.CompletedAt.UTC()
	}
	var lastErr interface{}
	if instance.LastError != "" {
		lastErr = instance.LastError
	}

	if expectedVersion == 0 {
		_, err := s.dbtx(tx).ExecContext(ctx, insertSagaQuery, instance.CorrelationID, instance.CurrentState, recordJSON,
			instance.StartedAt.UTC(), instance.LastUpdated.UTC(), completedAt, lastErr, stepsJSON)
		if err != nil {
			if isDuplicateKeyErr(err) {
				return store.ErrConcurrencyConflict
			}
			return fmt.Errorf("sqlstore: insert saga: %w", err)
		}
		instance.Version = 1
		return nil
	}

	res, err := s.dbtx(tx).ExecContext(ctx, updateSagaQuery, instance.CurrentState, instance.LastUpdated.UTC(), completedAt,
		lastErr, stepsJSON, instance.CorrelationID, expectedVersion)
	if err != nil {
		return fmt.Errorf("sqlstore: update saga: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: update saga rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrConcurrencyConflict
	}
	instance.Version = expectedVersion + 1
	return nil
}

func (s *SQLStore) WithTransaction(ctx context.Context, body func(ctx context.Context, tx store.DBTX) error) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return body(ctx, tx)
	})
}

func (s *SQLStore) withTx(ctx context.Context, body func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	if err := body(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("sqlstore: rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, countRecordsQuery).Scan(&n)
	return n, err
}

func (s *SQLStore) CountUnprocessedOutbox(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, countUnprocessedOutboxQuery).Scan(&n)
	return n, err
}

func (s *SQLStore) CountSagasByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, countSagasByStateQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) ListRecentOutbox(ctx context.Context, n int) ([]store.OutboxRow, error) {
	return s.scanOutboxRows(ctx, listRecentOutboxQuery, n)
}

func (s *SQLStore) ListDeadLettered(ctx context.Context, n int) ([]store.OutboxRow, error) {
	return s.scanOutboxRows(ctx, listDeadLetteredQuery, n)
}

func (s *SQLStore) scanOutboxRows(ctx context.Context, query string, n int) ([]store.OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list outbox rows: %w", err)
	}
	defer rows.Close()

	var out []store.OutboxRow
	for rows.Next() {
		var r store.OutboxRow
		var processedAt sql.NullTime
		var lastErr sql.NullString
		if err := rows.Scan(&r.ID, &r.EventType, &r.Payload, &r.ScheduledFor, &r.Processed, &processedAt, &r.RetryCount, &lastErr); err != nil {
			return nil, fmt.Errorf("sqlstore: scan outbox row: %w", err)
		}
		if processedAt.Valid {
			t := processedAt.Time
			r.ProcessedAt = &t
		}
		r.LastError = lastErr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteProcessed(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteProcessedQuery, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete processed: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeleteDeadLettered(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteDeadLetteredQuery, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete dead-lettered: %w", err)
	}
	return res.RowsAffected()
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
