// Package models provides data model definitions for FieldSync.
package models

import "time"

// ConflictLog records operations aborted because the remote state
// diverged (for example the target document was deleted upstream).
// Rows are kept for user awareness and manual resolution.
type ConflictLog struct {
	ID          UUID   `db:"id" json:"id"`
	OperationID UUID   `db:"operation_id" json:"operation_id"`
	Collection  string `db:"collection" json:"collection"`
	DocumentID  string `db:"document_id" json:"document_id"`
	Reason      string `db:"reason" json:"reason"`
	DetectedAt  int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
