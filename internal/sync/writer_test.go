package sync

import (
	"testing"

	"github.com/rmazur/fieldsync/internal/db"
	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/events"
	"github.com/rmazur/fieldsync/internal/models"
	"github.com/rmazur/fieldsync/internal/sync/queue"
	"github.com/rmazur/fieldsync/internal/uuid"
)

func newTestWriter(t *testing.T) (*Writer, *queue.Queue, *db.Repository) {
	t.Helper()
	store := newTestStore(t)
	q := queue.New(store)
	return NewWriter(store, q, events.NewBus()), q, store
}

func TestCreateRecordDurableBeforeReturn(t *testing.T) {
	w, q, store := newTestWriter(t)

	rec, err := w.CreateRecord(&models.Record{ServiceID: 7, Category: "electrical", Name: "Panel A"})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if !uuid.IsTemp(rec.TempID) {
		t.Fatalf("TempID = %q", rec.TempID)
	}
	if rec.SyncState != models.SyncStateLocal {
		t.Errorf("SyncState = %q, want local", rec.SyncState)
	}

	// Both the record and its queue entry are on disk before the call returned
	if _, err := store.GetRecordByTempID(rec.TempID); err != nil {
		t.Errorf("Record not persisted: %v", err)
	}
	ops, err := q.ListPending(queue.Filter{Kind: models.OperationCreate, TargetID: rec.TempID})
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("Queue entries = %d, want 1", len(ops))
	}
	if ops[0].Endpoint != "services/7/records" {
		t.Errorf("Endpoint = %q", ops[0].Endpoint)
	}
}

func TestCreateRecordValidation(t *testing.T) {
	w, _, _ := newTestWriter(t)

	if _, err := w.CreateRecord(&models.Record{Category: "electrical"}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Missing service = %v, want VALIDATION_ERROR", err)
	}
	if _, err := w.CreateRecord(&models.Record{ServiceID: 7}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Missing category = %v, want VALIDATION_ERROR", err)
	}
}

func TestUpdateUnconfirmedChainsBehindCreate(t *testing.T) {
	w, q, _ := newTestWriter(t)

	rec, err := w.CreateRecord(&models.Record{ServiceID: 7, Category: "electrical", Name: "Panel A"})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	createOps, _ := q.ListPending(queue.Filter{Kind: models.OperationCreate, TargetID: rec.TempID})

	rec.Name = "Panel B"
	if err := w.UpdateRecord(rec); err != nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}

	updates, err := q.ListPending(queue.Filter{Kind: models.OperationUpdate, TargetID: rec.TempID})
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("Update entries = %d, want 1", len(updates))
	}
	if len(updates[0].DependsOn) != 1 || updates[0].DependsOn[0] != createOps[0].ID {
		t.Errorf("DependsOn = %v, want [%s]", updates[0].DependsOn, createOps[0].ID)
	}

	// The dependent update must not be dispatchable yet
	eligible, _ := q.Eligible()
	for _, op := range eligible {
		if op.ID == updates[0].ID {
			t.Error("Update eligible before its create synced")
		}
	}
}

func TestUpdateSyncedTargetsServerID(t *testing.T) {
	w, q, store := newTestWriter(t)

	rec, err := w.CreateRecord(&models.Record{ServiceID: 7, Category: "electrical", Name: "Panel A"})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if err := store.ReconcileCreate(rec.TempID, 501); err != nil {
		t.Fatalf("ReconcileCreate failed: %v", err)
	}

	synced, _ := store.GetRecordByTempID(rec.TempID)
	synced.Name = "Panel B"
	if err := w.UpdateRecord(synced); err != nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}

	updates, _ := q.ListPending(queue.Filter{Kind: models.OperationUpdate, TargetID: "501"})
	if len(updates) != 1 {
		t.Fatalf("Update entries targeting 501 = %d, want 1", len(updates))
	}
	if len(updates[0].DependsOn) != 0 {
		t.Errorf("Synced record update has dependencies: %v", updates[0].DependsOn)
	}
}

func TestHideRecord(t *testing.T) {
	w, q, store := newTestWriter(t)

	rec, err := w.CreateRecord(&models.Record{ServiceID: 7, Category: "electrical", Name: "Panel A"})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if err := w.HideRecord(rec.TempID); err != nil {
		t.Fatalf("HideRecord failed: %v", err)
	}

	got, _ := store.GetRecordByTempID(rec.TempID)
	if !got.Hidden {
		t.Error("Hidden flag not set")
	}
	// Hiding replays as an ordinary edit
	updates, _ := q.ListPending(queue.Filter{Kind: models.OperationUpdate, TargetID: rec.TempID})
	if len(updates) != 1 {
		t.Errorf("Hide enqueued %d updates, want 1", len(updates))
	}
}
