package sync

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rmazur/fieldsync/internal/db"
	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/events"
	"github.com/rmazur/fieldsync/internal/models"
	"github.com/rmazur/fieldsync/internal/sync/queue"
)

// Writer is the optimistic write path. Every mutation lands in the local
// store and the pending operation queue before the call returns; only then
// may a projection render the optimistic state. A crash right after return
// loses nothing.
type Writer struct {
	store db.SyncStore
	queue *queue.Queue
	bus   *events.Bus
}

// NewWriter creates the write path.
func NewWriter(store db.SyncStore, q *queue.Queue, bus *events.Bus) *Writer {
	return &Writer{store: store, queue: q, bus: bus}
}

// CreateRecord stores a new record under a temporary identifier and enqueues
// its creation. The returned record carries the assigned temporary identifier.
func (w *Writer) CreateRecord(rec *models.Record) (*models.Record, error) {
	if rec.ServiceID == 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "record requires a service")
	}
	if rec.Category == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "record requires a category")
	}

	rec.SyncState = models.SyncStateLocal
	if err := w.store.CreateRecord(rec); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	op := &models.PendingOperation{
		Kind:     models.OperationCreate,
		TargetID: rec.TempID,
		Endpoint: fmt.Sprintf("services/%d/records", rec.ServiceID),
		Payload:  payload,
	}
	if _, err := w.queue.Enqueue(op); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateRecord stores an edit and enqueues its replay. An edit to a record
// whose creation is still unconfirmed is chained behind the create so the
// server never sees an update for an identifier it has not assigned.
func (w *Writer) UpdateRecord(rec *models.Record) error {
	rec.Touch()
	if err := w.store.UpdateRecord(rec); err != nil {
		return err
	}

	target := rec.TempID
	if rec.Synced() {
		target = strconv.FormatInt(rec.ServerID, 10)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	op := &models.PendingOperation{
		Kind:      models.OperationUpdate,
		TargetID:  target,
		Endpoint:  "records",
		Payload:   payload,
		DependsOn: w.createDependency(rec),
	}
	_, err = w.queue.Enqueue(op)
	return err
}

// HideRecord flags a record hidden locally and replays the flag as an edit.
// Hiding is an explicit field, not a magic value smuggled through the name.
func (w *Writer) HideRecord(tempID string) error {
	rec, err := w.store.GetRecordByTempID(tempID)
	if err != nil {
		return err
	}
	rec.Hidden = true
	return w.UpdateRecord(rec)
}

func (w *Writer) createDependency(rec *models.Record) []string {
	if rec.Synced() {
		return nil
	}
	creates, err := w.queue.ListPending(queue.Filter{Kind: models.OperationCreate, TargetID: rec.TempID})
	if err != nil || len(creates) == 0 {
		return nil
	}
	return []string{creates[0].ID}
}
