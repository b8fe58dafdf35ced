// Package models provides data model definitions for the FieldSync core.
package models

import (
	"encoding/json"
	"time"
)

// SyncState describes where a record sits in its sync lifecycle.
type SyncState string

const (
	SyncStateLocal     SyncState = "local"     // created locally, not yet confirmed
	SyncStateInFlight  SyncState = "in_flight" // a mutation is being replayed right now
	SyncStateUploading SyncState = "uploading" // a dependent photo upload is running
	SyncStateSynced    SyncState = "synced"    // server view and local view agree
)

// Record is an inspection-item answer held in the local store. Exactly one of
// ServerID/TempID is authoritative at a time: TempID until the server confirms
// creation, ServerID afterwards. Queue entries and UI projections holding the
// temporary identifier are rewritten when the server identifier arrives.
type Record struct {
	TempID     string          `db:"temp_id" json:"temp_id"`
	ServerID   int64           `db:"server_id" json:"server_id,omitempty"` // 0 until synced
	ServiceID  int64           `db:"service_id" json:"service_id"`
	Category   string          `db:"category" json:"category"`
	Name       string          `db:"name" json:"name"`
	TemplateID int64           `db:"template_id" json:"template_id,omitempty"`
	Fields     json.RawMessage `db:"fields" json:"fields"` // field name -> value
	SyncState  SyncState       `db:"sync_state" json:"sync_state"`
	Hidden     bool            `db:"hidden" json:"hidden"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// Key returns the snapshot key this record belongs to.
func (r *Record) Key() SnapshotKey {
	return SnapshotKey{ServiceID: r.ServiceID, Category: r.Category}
}

// Synced reports whether the server has confirmed this record.
func (r *Record) Synced() bool {
	return r.ServerID != 0
}

// FieldMap decodes the Fields payload into a map.
func (r *Record) FieldMap() (map[string]string, error) {
	fields := make(map[string]string)
	if len(r.Fields) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(r.Fields, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// SetFieldMap encodes a field map into the Fields payload.
func (r *Record) SetFieldMap(fields map[string]string) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	r.Fields = data
	return nil
}

// Touch updates the UpdatedAt timestamp.
func (r *Record) Touch() {
	r.UpdatedAt = time.Now().Unix()
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}
