// Package models provides data model definitions for the FieldSync core.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind identifies the mutation intent of a pending operation.
type OperationKind string

const (
	OperationCreate     OperationKind = "create"
	OperationUpdate     OperationKind = "update"
	OperationUploadFile OperationKind = "upload_file"
)

// OperationStatus represents the lifecycle status of a pending operation.
type OperationStatus string

const (
	OperationStatusPending  OperationStatus = "pending"
	OperationStatusInFlight OperationStatus = "in_flight"
	OperationStatusSynced   OperationStatus = "synced"
	OperationStatusFailed   OperationStatus = "failed"
)

// PendingOperation is a durably queued mutation intent. It is written before
// the UI renders any optimistic state derived from it, and it is never silently
// dropped: transient failures keep it pending for the next sync cycle.
type PendingOperation struct {
	ID        string          `db:"id" json:"id"`
	Kind      OperationKind   `db:"kind" json:"kind"`
	TargetID  string          `db:"target_id" json:"target_id"` // temporary or numeric server ID
	Endpoint  string          `db:"endpoint" json:"endpoint"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	DependsOn []string        `db:"depends_on" json:"depends_on,omitempty"` // operation IDs, stored as JSON
	Status    OperationStatus `db:"status" json:"status"`
	Priority  int             `db:"priority" json:"priority"`
	Attempts  int             `db:"attempts" json:"attempts"`
	LastError string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (p *PendingOperation) CreatedAtTime() time.Time {
	return time.Unix(p.CreatedAt, 0)
}

// Blocked reports whether the operation is waiting on dependencies.
func (p *PendingOperation) Blocked() bool {
	return len(p.DependsOn) > 0
}
