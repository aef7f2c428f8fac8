// Package monitoring exposes the read-only accessors required by
// spec.md §6's monitoring surface (C7 in SPEC_FULL.md): counts,
// recent/dead-lettered outbox rows, and per-saga state. It is a thin
// façade over store.Store rather than a new persistence path, so it
// carries no independent grounding beyond the Store contract it wraps.
package monitoring

import (
	"context"
	"fmt"

	"github.com/riftsaga/sagaflow/store"
)

// Snapshot is a single point-in-time read of the engine's health,
// suitable for a status endpoint or CLI.
type Snapshot struct {
	RecordCount           int64
	UnprocessedOutboxCount int64
	SagaCountByState       map[string]int64
	RecentOutbox           []store.OutboxRow
	DeadLettered           []store.OutboxRow
}

// View reads from a store.Store to answer monitoring queries.
type View struct {
	store store.Store
}

// NewView creates a View over st.
func NewView(st store.Store) *View {
	return &View{store: st}
}

// Snapshot gathers all counts plus the n most recent outbox rows and up
// to n dead-lettered rows.
func (v *View) Snapshot(ctx context.Context, n int) (Snapshot, error) {
	records, err := v.store.CountRecords(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("monitoring: count records: %w", err)
	}
	unprocessed, err := v.store.CountUnprocessedOutbox(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("monitoring: count unprocessed outbox: %w", err)
	}
	byState, err := v.store.CountSagasByState(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("monitoring: count sagas by state: %w", err)
	}
	recent, err := v.store.ListRecentOutbox(ctx, n)
	if err != nil {
		return Snapshot{}, fmt.Errorf("monitoring: list recent outbox: %w", err)
	}
	dead, err := v.store.ListDeadLettered(ctx, n)
	if err != nil {
		return Snapshot{}, fmt.Errorf("monitoring: list dead-lettered: %w", err)
	}

	return Snapshot{
		RecordCount:            records,
		UnprocessedOutboxCount: unprocessed,
		SagaCountByState:       byState,
		RecentOutbox:           recent,
		DeadLettered:           dead,
	}, nil
}

// SagaStatus is the per-saga read described by spec.md §6: current
// state and per-step retry counts, plus success/failure disambiguation
// (completed_at set vs last_error populated, per spec.md §7).
type SagaStatus struct {
	CorrelationID    string
	CurrentState     string
	CompletedAt      *string
	LastError        string
	StepRetryCounts  map[string]int
}

// SagaStatusFor loads one saga's status by correlation ID.
func (v *View) SagaStatusFor(ctx context.Context, correlationID string) (SagaStatus, error) {
	instance, err := v.store.LoadSaga(ctx, nil, correlationID)
	if err != nil {
		return SagaStatus{}, fmt.Errorf("monitoring: load saga %q: %w", correlationID, err)
	}

	retries := make(map[string]int, len(instance.Steps))
	for key, state := range instance.Steps {
		retries[key] = state.RetryCount
	}

	var completedAt *string
	if instance.CompletedAt != nil {
		s := instance.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
		completedAt = &s
	}

	return SagaStatus{
		CorrelationID:   instance.CorrelationID,
		CurrentState:    instance.CurrentState,
		CompletedAt:     completedAt,
		LastError:       instance.LastError,
		StepRetryCounts: retries,
	}, nil
}
