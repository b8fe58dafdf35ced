// Package db provides CRUD repository operations for FieldSync data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rmazur/fieldsync/internal/models"
	"github.com/rmazur/fieldsync/internal/uuid"
)

// Repository provides CRUD operations for all models.
// Frequently used queries go through a prepared statement cache.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Record Operations
// =====================================================

// CreateRecord creates a new local record. A temporary identifier is assigned
// when the caller has not set one.
func (r *Repository) CreateRecord(record *models.Record) error {
	now := time.Now().Unix()
	if record.TempID == "" {
		record.TempID = uuid.NewTemp()
	}
	if record.SyncState == "" {
		record.SyncState = models.SyncStateLocal
	}
	if len(record.Fields) == 0 {
		record.Fields = json.RawMessage("{}")
	}
	record.CreatedAt = now
	record.UpdatedAt = now

	query := `
	INSERT INTO records (temp_id, server_id, service_id, category, name, template_id,
		fields, sync_state, hidden, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, record.TempID, record.ServerID, record.ServiceID,
		record.Category, record.Name, record.TemplateID, string(record.Fields),
		record.SyncState, record.Hidden, record.CreatedAt, record.UpdatedAt)
	return err
}

const recordColumns = `temp_id, server_id, service_id, category, name, template_id,
	fields, sync_state, hidden, created_at, updated_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (*models.Record, error) {
	var record models.Record
	var fields string
	err := row.Scan(
		&record.TempID, &record.ServerID, &record.ServiceID, &record.Category,
		&record.Name, &record.TemplateID, &fields, &record.SyncState,
		&record.Hidden, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Fields = json.RawMessage(fields)
	return &record, nil
}

// GetRecordByTempID retrieves a record by its temporary identifier.
func (r *Repository) GetRecordByTempID(tempID string) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE temp_id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanRecord(stmt.QueryRow(tempID))
}

// GetRecordByServerID retrieves a record by its server-assigned identifier.
func (r *Repository) GetRecordByServerID(serverID int64) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE server_id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanRecord(stmt.QueryRow(serverID))
}

// ListRecords returns all records for a parent grouping, hidden ones included.
// UI projections filter hidden records themselves; queued operations behind a
// hidden record still need it present.
func (r *Repository) ListRecords(key models.SnapshotKey) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records
	WHERE service_id = ? AND category = ? ORDER BY created_at`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(key.ServiceID, key.Category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// UpdateRecord updates an existing record.
func (r *Repository) UpdateRecord(record *models.Record) error {
	record.Touch()
	query := `
	UPDATE records
	SET server_id = ?, service_id = ?, category = ?, name = ?, template_id = ?,
		fields = ?, sync_state = ?, hidden = ?, updated_at = ?
	WHERE temp_id = ?
	`
	result, err := r.db.Exec(query, record.ServerID, record.ServiceID, record.Category,
		record.Name, record.TemplateID, string(record.Fields), record.SyncState,
		record.Hidden, record.UpdatedAt, record.TempID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("record not found: %s", record.TempID)
	}
	return nil
}

// SetRecordSyncState updates only the sync state of a record.
func (r *Repository) SetRecordSyncState(tempID string, state models.SyncState) error {
	query := `UPDATE records SET sync_state = ?, updated_at = ? WHERE temp_id = ?`
	_, err := r.db.Exec(query, state, time.Now().Unix(), tempID)
	return err
}

// HideRecord marks a record hidden. Queued operations for the record stay in
// the queue; only UI projections stop displaying it.
func (r *Repository) HideRecord(tempID string) error {
	query := `UPDATE records SET hidden = 1, updated_at = ? WHERE temp_id = ?`
	result, err := r.db.Exec(query, time.Now().Unix(), tempID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("record not found: %s", tempID)
	}
	return nil
}

// =====================================================
// PendingOperation Operations
// =====================================================

const operationColumns = `id, kind, target_id, endpoint, payload, depends_on,
	status, priority, attempts, last_error, created_at, updated_at`

// CreatePendingOperation persists a new pending operation.
func (r *Repository) CreatePendingOperation(op *models.PendingOperation) error {
	now := time.Now().Unix()
	if op.ID == "" {
		op.ID = uuid.New()
	}
	if op.Status == "" {
		op.Status = models.OperationStatusPending
	}
	if len(op.Payload) == 0 {
		op.Payload = json.RawMessage("{}")
	}
	op.CreatedAt = now
	op.UpdatedAt = now

	dependsOn, err := json.Marshal(op.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}

	query := `
	INSERT INTO pending_operations (id, kind, target_id, endpoint, payload, depends_on,
		status, priority, attempts, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query, op.ID, op.Kind, op.TargetID, op.Endpoint,
		string(op.Payload), string(dependsOn), op.Status, op.Priority,
		op.Attempts, op.LastError, op.CreatedAt, op.UpdatedAt)
	return err
}

func scanOperation(row interface{ Scan(...interface{}) error }) (*models.PendingOperation, error) {
	var op models.PendingOperation
	var payload, dependsOn string
	err := row.Scan(
		&op.ID, &op.Kind, &op.TargetID, &op.Endpoint, &payload, &dependsOn,
		&op.Status, &op.Priority, &op.Attempts, &op.LastError,
		&op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	op.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(dependsOn), &op.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies for %s: %w", op.ID, err)
	}
	return &op, nil
}

// GetPendingOperation retrieves a pending operation by ID.
func (r *Repository) GetPendingOperation(id string) (*models.PendingOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM pending_operations WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanOperation(stmt.QueryRow(id))
}

// OperationFilter narrows ListOperations results. Zero values match anything.
type OperationFilter struct {
	Status   models.OperationStatus
	Kind     models.OperationKind
	TargetID string
}

// ListOperations returns operations matching the filter ordered by priority
// (highest first) then creation time.
func (r *Repository) ListOperations(filter OperationFilter) ([]*models.PendingOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM pending_operations WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.TargetID != "" {
		query += " AND target_id = ?"
		args = append(args, filter.TargetID)
	}
	query += " ORDER BY priority DESC, created_at ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ClaimOperation atomically moves a pending operation to in-flight. Returns
// false when the operation was not claimable (already claimed, synced or
// failed) — the caller must then treat its attempt as a no-op. This is the
// dedup point between the in-memory upload path and the durable sync path.
func (r *Repository) ClaimOperation(id string) (bool, error) {
	query := `UPDATE pending_operations SET status = ?, updated_at = ?
	WHERE id = ? AND status = ?`
	result, err := r.db.Exec(query, models.OperationStatusInFlight,
		time.Now().Unix(), id, models.OperationStatusPending)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// MarkOperationSynced finalizes a confirmed operation.
func (r *Repository) MarkOperationSynced(id string) error {
	return r.setOperationStatus(id, models.OperationStatusSynced, "")
}

// MarkOperationFailed marks an operation permanently failed.
func (r *Repository) MarkOperationFailed(id, message string) error {
	return r.setOperationStatus(id, models.OperationStatusFailed, message)
}

// ReclaimInFlightOperations returns every in-flight operation to pending and
// reports how many rows changed. An in-flight row can only survive into a new
// process when its claim holder died mid-attempt, so this runs once at
// startup, before anything takes new claims.
func (r *Repository) ReclaimInFlightOperations() (int64, error) {
	query := `UPDATE pending_operations SET status = ?, updated_at = ? WHERE status = ?`
	result, err := r.db.Exec(query, models.OperationStatusPending,
		time.Now().Unix(), models.OperationStatusInFlight)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// MarkOperationRetry returns an in-flight operation to pending after a
// transient failure, bumping the attempt counter.
func (r *Repository) MarkOperationRetry(id, message string) error {
	query := `UPDATE pending_operations
	SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
	WHERE id = ?`
	result, err := r.db.Exec(query, models.OperationStatusPending, message,
		time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("operation not found: %s", id)
	}
	return nil
}

func (r *Repository) setOperationStatus(id string, status models.OperationStatus, lastError string) error {
	query := `UPDATE pending_operations SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.Exec(query, status, lastError, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("operation not found: %s", id)
	}
	return nil
}

// PruneSyncedOperations deletes synced operations older than the cutoff.
func (r *Repository) PruneSyncedOperations(olderThan time.Time) (int64, error) {
	query := `DELETE FROM pending_operations WHERE status = ? AND updated_at < ?`
	result, err := r.db.Exec(query, models.OperationStatusSynced, olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// =====================================================
// Identifier Reconciliation
// =====================================================

// GetIDMapping retrieves the reconciliation entry for a temporary identifier.
func (r *Repository) GetIDMapping(tempID string) (*models.IDMapping, error) {
	query := `SELECT temp_id, real_id, recorded_at FROM id_map WHERE temp_id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	var mapping models.IDMapping
	err = stmt.QueryRow(tempID).Scan(&mapping.TempID, &mapping.RealID, &mapping.RecordedAt)
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// ListIDMappings returns all reconciliation entries.
func (r *Repository) ListIDMappings() ([]*models.IDMapping, error) {
	rows, err := r.db.Query(`SELECT temp_id, real_id, recorded_at FROM id_map ORDER BY recorded_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*models.IDMapping
	for rows.Next() {
		var mapping models.IDMapping
		if err := rows.Scan(&mapping.TempID, &mapping.RealID, &mapping.RecordedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, &mapping)
	}
	return mappings, rows.Err()
}

// ReconcileCreate records a temporary-to-server identifier mapping and
// retargets everything that still references the temporary identifier, in one
// transaction: the record's server_id, pending operations' target_id, and
// photo tasks' parent_id. A mapping is written exactly once; reconciling the
// same temporary identifier to the same server identifier again is a no-op,
// to a different one an error.
func (r *Repository) ReconcileCreate(tempID string, realID int64) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRow(`SELECT real_id FROM id_map WHERE temp_id = ?`, tempID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		// first reconciliation, proceed
	case err != nil:
		return err
	case existing == realID:
		return nil
	default:
		return fmt.Errorf("id mapping conflict for %s: have %d, got %d", tempID, existing, realID)
	}

	now := time.Now().Unix()
	if _, err := tx.Exec(
		`INSERT INTO id_map (temp_id, real_id, recorded_at) VALUES (?, ?, ?)`,
		tempID, realID, now,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`UPDATE records SET server_id = ?, sync_state = ?, updated_at = ? WHERE temp_id = ?`,
		realID, models.SyncStateSynced, now, tempID,
	); err != nil {
		return err
	}

	realTarget := strconv.FormatInt(realID, 10)
	if _, err := tx.Exec(
		`UPDATE pending_operations SET target_id = ?, updated_at = ?
		 WHERE target_id = ? AND status IN (?, ?)`,
		realTarget, now, tempID,
		models.OperationStatusPending, models.OperationStatusInFlight,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`UPDATE photo_tasks SET parent_id = ?, updated_at = ? WHERE parent_id = ?`,
		realTarget, now, tempID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// =====================================================
// PhotoTask Operations
// =====================================================

const photoTaskColumns = `temp_photo_id, parent_id, operation_id, blob_hash, caption,
	overlay, status, progress, storage_key, display_url, created_at, updated_at`

// CreatePhotoTask persists a new photo upload task.
func (r *Repository) CreatePhotoTask(task *models.PhotoTask) error {
	now := time.Now().Unix()
	if task.TempPhotoID == "" {
		task.TempPhotoID = uuid.NewTemp()
	}
	if task.Status == "" {
		task.Status = models.PhotoStatusQueued
	}
	task.CreatedAt = now
	task.UpdatedAt = now

	query := `
	INSERT INTO photo_tasks (temp_photo_id, parent_id, operation_id, blob_hash, caption,
		overlay, status, progress, storage_key, display_url, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, task.TempPhotoID, task.ParentID, task.OperationID,
		task.BlobHash, task.Caption, task.Overlay, task.Status, task.Progress,
		task.StorageKey, task.DisplayURL, task.CreatedAt, task.UpdatedAt)
	return err
}

func scanPhotoTask(row interface{ Scan(...interface{}) error }) (*models.PhotoTask, error) {
	var task models.PhotoTask
	err := row.Scan(
		&task.TempPhotoID, &task.ParentID, &task.OperationID, &task.BlobHash,
		&task.Caption, &task.Overlay, &task.Status, &task.Progress,
		&task.StorageKey, &task.DisplayURL, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetPhotoTask retrieves a photo task by its temporary photo identifier.
func (r *Repository) GetPhotoTask(tempPhotoID string) (*models.PhotoTask, error) {
	query := `SELECT ` + photoTaskColumns + ` FROM photo_tasks WHERE temp_photo_id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanPhotoTask(stmt.QueryRow(tempPhotoID))
}

// ListPhotoTasksByParent returns all photo tasks attached to a parent record.
func (r *Repository) ListPhotoTasksByParent(parentID string) ([]*models.PhotoTask, error) {
	query := `SELECT ` + photoTaskColumns + ` FROM photo_tasks WHERE parent_id = ? ORDER BY created_at`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.PhotoTask
	for rows.Next() {
		task, err := scanPhotoTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListUnfinishedPhotoTasks returns tasks that are queued or uploading,
// used to resume the pipeline after a restart.
func (r *Repository) ListUnfinishedPhotoTasks() ([]*models.PhotoTask, error) {
	query := `SELECT ` + photoTaskColumns + ` FROM photo_tasks
	WHERE status IN (?, ?) ORDER BY created_at`
	rows, err := r.db.Query(query, models.PhotoStatusQueued, models.PhotoStatusUploading)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.PhotoTask
	for rows.Next() {
		task, err := scanPhotoTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdatePhotoTask updates an existing photo task.
func (r *Repository) UpdatePhotoTask(task *models.PhotoTask) error {
	task.Touch()
	query := `
	UPDATE photo_tasks
	SET parent_id = ?, operation_id = ?, blob_hash = ?, caption = ?, overlay = ?,
		status = ?, progress = ?, storage_key = ?, display_url = ?, updated_at = ?
	WHERE temp_photo_id = ?
	`
	result, err := r.db.Exec(query, task.ParentID, task.OperationID, task.BlobHash,
		task.Caption, task.Overlay, task.Status, task.Progress, task.StorageKey,
		task.DisplayURL, task.UpdatedAt, task.TempPhotoID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("photo task not found: %s", task.TempPhotoID)
	}
	return nil
}

// DeletePhotoTask removes a photo task once its operation is confirmed synced.
func (r *Repository) DeletePhotoTask(tempPhotoID string) error {
	_, err := r.db.Exec(`DELETE FROM photo_tasks WHERE temp_photo_id = ?`, tempPhotoID)
	return err
}

// =====================================================
// Snapshot Operations
// =====================================================

// GetSnapshot retrieves the cached snapshot for a parent grouping.
// Returns sql.ErrNoRows when no snapshot has been cached yet.
func (r *Repository) GetSnapshot(key models.SnapshotKey) (*models.CachedSnapshot, error) {
	query := `SELECT service_id, category, payload, refreshed_at FROM snapshots
	WHERE service_id = ? AND category = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var snap models.CachedSnapshot
	var payload string
	err = stmt.QueryRow(key.ServiceID, key.Category).Scan(
		&snap.ServiceID, &snap.Category, &payload, &snap.RefreshedAt)
	if err != nil {
		return nil, err
	}
	snap.Payload = json.RawMessage(payload)
	return &snap, nil
}

// SaveSnapshot upserts the cached snapshot for a parent grouping.
func (r *Repository) SaveSnapshot(snap *models.CachedSnapshot) error {
	if snap.RefreshedAt == 0 {
		snap.RefreshedAt = time.Now().Unix()
	}
	query := `
	INSERT INTO snapshots (service_id, category, payload, refreshed_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(service_id, category) DO UPDATE SET
		payload = excluded.payload,
		refreshed_at = excluded.refreshed_at
	`
	_, err := r.db.Exec(query, snap.ServiceID, snap.Category, string(snap.Payload), snap.RefreshedAt)
	return err
}
