// Package db provides repository interfaces for FieldSync data models.
package db

import (
	"time"

	"github.com/rmazur/fieldsync/internal/models"
)

// RecordStore defines operations for inspection record persistence.
// This interface allows mocking for testing and follows the Interface
// Segregation Principle.
type RecordStore interface {
	CreateRecord(record *models.Record) error
	GetRecordByTempID(tempID string) (*models.Record, error)
	GetRecordByServerID(serverID int64) (*models.Record, error)
	ListRecords(key models.SnapshotKey) ([]*models.Record, error)
	UpdateRecord(record *models.Record) error
	SetRecordSyncState(tempID string, state models.SyncState) error
	HideRecord(tempID string) error
}

// OperationStore defines operations for pending operation persistence.
type OperationStore interface {
	CreatePendingOperation(op *models.PendingOperation) error
	GetPendingOperation(id string) (*models.PendingOperation, error)
	ListOperations(filter OperationFilter) ([]*models.PendingOperation, error)
	ClaimOperation(id string) (bool, error)
	MarkOperationSynced(id string) error
	MarkOperationFailed(id, message string) error
	MarkOperationRetry(id, message string) error
	ReclaimInFlightOperations() (int64, error)
	PruneSyncedOperations(olderThan time.Time) (int64, error)
}

// IDMapStore defines operations for identifier reconciliation persistence.
type IDMapStore interface {
	GetIDMapping(tempID string) (*models.IDMapping, error)
	ListIDMappings() ([]*models.IDMapping, error)
	ReconcileCreate(tempID string, realID int64) error
}

// PhotoTaskStore defines operations for photo upload task persistence.
type PhotoTaskStore interface {
	CreatePhotoTask(task *models.PhotoTask) error
	GetPhotoTask(tempPhotoID string) (*models.PhotoTask, error)
	ListPhotoTasksByParent(parentID string) ([]*models.PhotoTask, error)
	ListUnfinishedPhotoTasks() ([]*models.PhotoTask, error)
	UpdatePhotoTask(task *models.PhotoTask) error
	DeletePhotoTask(tempPhotoID string) error
}

// SnapshotStore defines operations for cached snapshot persistence.
type SnapshotStore interface {
	GetSnapshot(key models.SnapshotKey) (*models.CachedSnapshot, error)
	SaveSnapshot(snap *models.CachedSnapshot) error
}

// SyncStore combines the stores the sync core needs.
// This is a marker interface that groups related stores for convenience.
type SyncStore interface {
	RecordStore
	OperationStore
	IDMapStore
	PhotoTaskStore
	SnapshotStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordStore    = (*Repository)(nil)
	_ OperationStore = (*Repository)(nil)
	_ IDMapStore     = (*Repository)(nil)
	_ PhotoTaskStore = (*Repository)(nil)
	_ SnapshotStore  = (*Repository)(nil)
	_ SyncStore      = (*Repository)(nil)
)
