package reconcile

import (
	"testing"

	"github.com/rmazur/fieldsync/internal/db"
	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/models"
	"github.com/rmazur/fieldsync/internal/uuid"
)

func newTestStore(t *testing.T) *db.Repository {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRecordAndResolve(t *testing.T) {
	m, err := New(newTestStore(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tempID := uuid.NewTemp()
	if _, ok := m.Resolve(tempID); ok {
		t.Fatal("Resolved an unrecorded identifier")
	}

	if err := m.Record(tempID, 501); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	realID, ok := m.Resolve(tempID)
	if !ok || realID != 501 {
		t.Errorf("Resolve = %d, %v; want 501, true", realID, ok)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestResolveNonTempAlwaysMisses(t *testing.T) {
	m, err := New(newTestStore(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, ok := m.Resolve("501"); ok {
		t.Error("Resolved a numeric identifier")
	}
	if _, ok := m.Resolve(""); ok {
		t.Error("Resolved an empty identifier")
	}
}

func TestRecordExactlyOnce(t *testing.T) {
	m, err := New(newTestStore(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tempID := uuid.NewTemp()
	if err := m.Record(tempID, 501); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := m.Record(tempID, 501); err != nil {
		t.Errorf("Idempotent record errored: %v", err)
	}
	if err := m.Record(tempID, 502); !apperrors.Is(err, apperrors.ErrIDConflict) {
		t.Errorf("Conflicting record = %v, want ID_CONFLICT", err)
	}

	realID, _ := m.Resolve(tempID)
	if realID != 501 {
		t.Errorf("Mapping overwritten: %d", realID)
	}
}

func TestRecordValidation(t *testing.T) {
	m, err := New(newTestStore(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := m.Record("501", 502); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Non-temp identifier = %v, want INVALID_INPUT", err)
	}
	if err := m.Record(uuid.NewTemp(), 0); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Zero server identifier = %v, want INVALID_INPUT", err)
	}
}

func TestMappingsSurviveRestart(t *testing.T) {
	store := newTestStore(t)

	m, err := New(store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tempID := uuid.NewTemp()
	if err := m.Record(tempID, 501); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	// A fresh map over the same store models a process restart
	restarted, err := New(store)
	if err != nil {
		t.Fatalf("New after restart failed: %v", err)
	}
	realID, ok := restarted.Resolve(tempID)
	if !ok || realID != 501 {
		t.Errorf("Resolve after restart = %d, %v; want 501, true", realID, ok)
	}
	if restarted.Len() != 1 {
		t.Errorf("Len after restart = %d, want 1", restarted.Len())
	}
}

func TestRecordRetargetsQueueAndTasks(t *testing.T) {
	store := newTestStore(t)

	rec := &models.Record{ServiceID: 7, Category: "electrical", Name: "Panel A"}
	if err := store.CreateRecord(rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	op := &models.PendingOperation{Kind: models.OperationUpdate, TargetID: rec.TempID}
	if err := store.CreatePendingOperation(op); err != nil {
		t.Fatalf("CreatePendingOperation failed: %v", err)
	}
	task := &models.PhotoTask{ParentID: rec.TempID, BlobHash: "abc"}
	if err := store.CreatePhotoTask(task); err != nil {
		t.Fatalf("CreatePhotoTask failed: %v", err)
	}

	m, err := New(store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Record(rec.TempID, 501); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	gotRec, _ := store.GetRecordByTempID(rec.TempID)
	if gotRec.ServerID != 501 || gotRec.SyncState != models.SyncStateSynced {
		t.Errorf("Record not reconciled: %+v", gotRec)
	}
	gotOp, _ := store.GetPendingOperation(op.ID)
	if gotOp.TargetID != "501" {
		t.Errorf("Queue entry target = %q, want 501", gotOp.TargetID)
	}
	gotTask, _ := store.GetPhotoTask(task.TempPhotoID)
	if gotTask.ParentID != "501" {
		t.Errorf("Photo task parent = %q, want 501", gotTask.ParentID)
	}
}
