// Package models provides data model definitions for the FieldSync core.
package models

import "time"

// IDMapping associates a client-generated temporary identifier with the
// server-assigned one. A mapping is written exactly once, when the Create
// operation for the temporary identifier confirms; it is never overwritten.
type IDMapping struct {
	TempID     string `db:"temp_id" json:"temp_id"`
	RealID     int64  `db:"real_id" json:"real_id"`
	RecordedAt int64  `db:"recorded_at" json:"recorded_at"`
}

// TableName returns the table name for IDMapping.
func (IDMapping) TableName() string {
	return "id_map"
}

// RecordedAtTime returns the RecordedAt as time.Time.
func (m *IDMapping) RecordedAtTime() time.Time {
	return time.Unix(m.RecordedAt, 0)
}
