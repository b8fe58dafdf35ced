// Package models provides data model definitions for the FieldSync core.
package models

import "time"

// PhotoStatus represents the lifecycle status of a photo upload task.
type PhotoStatus string

const (
	PhotoStatusQueued    PhotoStatus = "queued"
	PhotoStatusUploading PhotoStatus = "uploading"
	PhotoStatusCompleted PhotoStatus = "completed"
	PhotoStatusFailed    PhotoStatus = "failed"
)

// PhotoTask is a photo capture awaiting upload. The original bytes live in the
// blob store under BlobHash so the task survives a process restart before the
// upload runs; the blob is deleted once the mirrored pending operation syncs.
type PhotoTask struct {
	TempPhotoID string      `db:"temp_photo_id" json:"temp_photo_id"`
	ParentID    string      `db:"parent_id" json:"parent_id"` // temp or numeric record ID
	OperationID string      `db:"operation_id" json:"operation_id"`
	BlobHash    string      `db:"blob_hash" json:"blob_hash"`
	Caption     string      `db:"caption" json:"caption,omitempty"`
	Overlay     string      `db:"overlay" json:"overlay,omitempty"` // encoded annotation payload
	Status      PhotoStatus `db:"status" json:"status"`
	Progress    int         `db:"progress" json:"progress"` // 0-100
	StorageKey  string      `db:"storage_key" json:"storage_key,omitempty"`
	DisplayURL  string      `db:"display_url" json:"display_url,omitempty"`
	CreatedAt   int64       `db:"created_at" json:"created_at"`
	UpdatedAt   int64       `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for PhotoTask.
func (PhotoTask) TableName() string {
	return "photo_tasks"
}

// Touch updates the UpdatedAt timestamp.
func (p *PhotoTask) Touch() {
	p.UpdatedAt = time.Now().Unix()
}

// Terminal reports whether the task has reached a final state.
func (p *PhotoTask) Terminal() bool {
	return p.Status == PhotoStatusCompleted || p.Status == PhotoStatusFailed
}
