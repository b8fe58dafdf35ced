// Package models provides data model definitions for the FieldSync core.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotKey identifies a cached record collection by its parent grouping.
// It replaces ad hoc string-concatenation keys: construction goes through this
// struct only, so a category containing an underscore can never collide with
// another key.
type SnapshotKey struct {
	ServiceID int64  `json:"service_id"`
	Category  string `json:"category"`
}

// String renders the key for logging. Not a storage format.
func (k SnapshotKey) String() string {
	return fmt.Sprintf("service %d category %q", k.ServiceID, k.Category)
}

// CachedSnapshot is the last-known server view of a record collection.
// Each successful background refresh overwrites it wholesale, except for
// records whose local state is newer (uploading, or present in the pending
// operation queue) which the merge policy preserves.
type CachedSnapshot struct {
	ServiceID   int64           `db:"service_id" json:"service_id"`
	Category    string          `db:"category" json:"category"`
	Payload     json.RawMessage `db:"payload" json:"payload"` // JSON array of records
	RefreshedAt int64           `db:"refreshed_at" json:"refreshed_at"`
}

// TableName returns the table name for CachedSnapshot.
func (CachedSnapshot) TableName() string {
	return "snapshots"
}

// Key returns the snapshot's composite key.
func (s *CachedSnapshot) Key() SnapshotKey {
	return SnapshotKey{ServiceID: s.ServiceID, Category: s.Category}
}

// Records decodes the snapshot payload.
func (s *CachedSnapshot) Records() ([]*Record, error) {
	var records []*Record
	if len(s.Payload) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(s.Payload, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// SetRecords encodes records into the snapshot payload and stamps the refresh
// time.
func (s *CachedSnapshot) SetRecords(records []*Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	s.Payload = data
	s.RefreshedAt = time.Now().Unix()
	return nil
}
