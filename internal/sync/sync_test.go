package sync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rmazur/fieldsync/internal/db"
	apperrors "github.com/rmazur/fieldsync/internal/errors"
	"github.com/rmazur/fieldsync/internal/models"
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

// fakeAPI is a scriptable RemoteAPI for processor and reader tests.
type fakeAPI struct {
	createFn func(endpoint string, payload json.RawMessage) (int64, error)
	updateFn func(endpoint string, serverID int64, payload json.RawMessage) error
	uploadFn func(parentID int64, upload PhotoUpload) (*PhotoResult, error)
	fetchFn  func(key models.SnapshotKey) ([]*models.Record, error)

	creates int
	updates int
	uploads int
	fetches int
}

func (f *fakeAPI) CreateRecord(_ context.Context, endpoint string, payload json.RawMessage) (int64, error) {
	f.creates++
	if f.createFn == nil {
		return 0, apperrors.New(apperrors.ErrSyncRejected, "unexpected create")
	}
	return f.createFn(endpoint, payload)
}

func (f *fakeAPI) UpdateRecord(_ context.Context, endpoint string, serverID int64, payload json.RawMessage) error {
	f.updates++
	if f.updateFn == nil {
		return apperrors.New(apperrors.ErrSyncRejected, "unexpected update")
	}
	return f.updateFn(endpoint, serverID, payload)
}

func (f *fakeAPI) UploadPhoto(_ context.Context, parentID int64, upload PhotoUpload) (*PhotoResult, error) {
	f.uploads++
	if f.uploadFn == nil {
		return nil, apperrors.New(apperrors.ErrSyncRejected, "unexpected upload")
	}
	return f.uploadFn(parentID, upload)
}

func (f *fakeAPI) FetchRecords(_ context.Context, key models.SnapshotKey) ([]*models.Record, error) {
	f.fetches++
	if f.fetchFn == nil {
		return nil, apperrors.New(apperrors.ErrSyncTransient, "unexpected fetch")
	}
	return f.fetchFn(key)
}

func offlineMonitor() *Monitor {
	m := NewMonitor(nil, 0)
	m.SetOnline(false)
	return m
}
