// Package queue provides the durable pending operation queue for offline
// mutations. Every mutation the UI issues is persisted here before any
// optimistic rendering happens, and an entry is never silently dropped:
// transient failures return it to pending for the next sync cycle.
package queue

import (
	"time"

	"github.com/rmazur/fieldsync/internal/db"
	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/logging"
	"github.com/rmazur/fieldsync/internal/models"
)

// Queue manages durable pending operations. All state lives in the local
// store; the queue itself is a thin coordination layer so a process restart
// loses nothing.
type Queue struct {
	store db.OperationStore
}

// New creates a Queue backed by the given operation store.
func New(store db.OperationStore) *Queue {
	return &Queue{store: store}
}

// Enqueue persists a mutation intent and returns its operation ID. The write
// is durable before Enqueue returns, so the caller may render optimistic
// state immediately afterwards.
func (q *Queue) Enqueue(op *models.PendingOperation) (string, error) {
	if op.Kind == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "operation kind is required")
	}
	if op.TargetID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "operation target is required")
	}

	if err := q.store.CreatePendingOperation(op); err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue operation", err)
	}

	logging.Info("Enqueued operation",
		map[string]interface{}{
			"operation_id": op.ID,
			"kind":         op.Kind,
			"target_id":    op.TargetID,
		})

	return op.ID, nil
}

// Filter narrows ListPending results. Zero values match anything.
type Filter struct {
	Kind     models.OperationKind
	TargetID string
}

// ListPending returns pending operations matching the filter, ordered by
// priority then creation time.
func (q *Queue) ListPending(filter Filter) ([]*models.PendingOperation, error) {
	return q.store.ListOperations(db.OperationFilter{
		Status:   models.OperationStatusPending,
		Kind:     filter.Kind,
		TargetID: filter.TargetID,
	})
}

// Eligible returns pending operations whose dependencies have all synced,
// in dispatch order (priority, then creation time). Operations waiting on an
// unresolved dependency are skipped, never dropped; StaleBlocked surfaces
// them when they linger.
func (q *Queue) Eligible() ([]*models.PendingOperation, error) {
	all, err := q.store.ListOperations(db.OperationFilter{})
	if err != nil {
		return nil, err
	}

	statusByID := make(map[string]models.OperationStatus, len(all))
	for _, op := range all {
		statusByID[op.ID] = op.Status
	}

	var eligible []*models.PendingOperation
	for _, op := range all {
		if op.Status != models.OperationStatusPending {
			continue
		}
		if q.dependenciesMet(op, statusByID) {
			eligible = append(eligible, op)
		}
	}
	return eligible, nil
}

func (q *Queue) dependenciesMet(op *models.PendingOperation, statusByID map[string]models.OperationStatus) bool {
	for _, dep := range op.DependsOn {
		status, ok := statusByID[dep]
		if !ok {
			// Rows only leave the table through Prune, which deletes synced
			// operations: a missing dependency row means it completed.
			continue
		}
		if status != models.OperationStatusSynced {
			return false
		}
	}
	return true
}

// Recover returns stale in-flight operations to pending. The daemon is a
// single process, so any claim found at startup belongs to a holder that died
// mid-attempt; without this the operation would never be retried. Run before
// anything takes new claims.
func (q *Queue) Recover() (int64, error) {
	n, err := q.store.ReclaimInFlightOperations()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to recover claimed operations", err)
	}
	if n > 0 {
		logging.Warn("Recovered operations claimed by a dead process",
			map[string]interface{}{"count": n})
	}
	return n, nil
}

// Claim atomically moves a pending operation to in-flight. False means
// another path already took it (or it has finished) and the caller must back
// off.
func (q *Queue) Claim(id string) (bool, error) {
	return q.store.ClaimOperation(id)
}

// MarkSynced records confirmed server acceptance of an operation.
func (q *Queue) MarkSynced(id string) error {
	if err := q.store.MarkOperationSynced(id); err != nil {
		return apperrors.Wrap(apperrors.ErrOperationNotFound, "failed to mark synced", err)
	}
	logging.Info("Operation synced", map[string]interface{}{"operation_id": id})
	return nil
}

// MarkFailed marks an operation permanently failed. It leaves automatic
// retry; the failure is surfaced once through the event bus by the caller.
func (q *Queue) MarkFailed(id string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if err := q.store.MarkOperationFailed(id, message); err != nil {
		return apperrors.Wrap(apperrors.ErrOperationNotFound, "failed to mark failed", err)
	}
	logging.ErrorWithCode("Operation permanently failed",
		string(apperrors.ErrSyncRejected), cause,
		map[string]interface{}{"operation_id": id})
	return nil
}

// MarkRetry returns an in-flight operation to pending after a transient
// failure. The operation stays in the queue indefinitely and is retried each
// sync cycle.
func (q *Queue) MarkRetry(id string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if err := q.store.MarkOperationRetry(id, message); err != nil {
		return apperrors.Wrap(apperrors.ErrOperationNotFound, "failed to mark retry", err)
	}
	logging.Warn("Operation returned to pending",
		map[string]interface{}{"operation_id": id, "error": message})
	return nil
}

// StaleBlocked returns pending operations that have been waiting on an
// unresolved dependency for longer than age. These are surfaced as a
// diagnostic rather than discarded.
func (q *Queue) StaleBlocked(age time.Duration) ([]*models.PendingOperation, error) {
	all, err := q.store.ListOperations(db.OperationFilter{})
	if err != nil {
		return nil, err
	}

	statusByID := make(map[string]models.OperationStatus, len(all))
	for _, op := range all {
		statusByID[op.ID] = op.Status
	}

	cutoff := time.Now().Add(-age).Unix()
	var stale []*models.PendingOperation
	for _, op := range all {
		if op.Status != models.OperationStatusPending {
			continue
		}
		if op.CreatedAt > cutoff {
			continue
		}
		if !q.dependenciesMet(op, statusByID) {
			stale = append(stale, op)
		}
	}
	return stale, nil
}

// Prune deletes synced operations older than the cutoff. Synced entries are
// kept briefly for diagnostics, then reclaimed.
func (q *Queue) Prune(olderThan time.Time) (int64, error) {
	return q.store.PruneSyncedOperations(olderThan)
}

// Stats returns queue statistics by status.
func (q *Queue) Stats() (map[string]int, error) {
	all, err := q.store.ListOperations(db.OperationFilter{})
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"total":     0,
		"pending":   0,
		"in_flight": 0,
		"synced":    0,
		"failed":    0,
	}
	for _, op := range all {
		stats["total"]++
		stats[string(op.Status)]++
	}
	return stats, nil
}
