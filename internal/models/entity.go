// Package models provides data model definitions for FieldSync.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Entity is a locally cached projection of a remote document.
// The authoritative copy lives in the remote store; the local row is
// best-effort current and may run ahead of the remote while offline.
type Entity struct {
	Kind       string                 `db:"kind" json:"kind"`
	ID         string                 `db:"id" json:"id"`
	Payload    map[string]interface{} `db:"payload" json:"payload"`
	Conflicted bool                   `db:"conflicted" json:"conflicted"`
	CreatedAt  int64                  `db:"created_at" json:"created_at"`
	UpdatedAt  int64                  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Entity.
func (Entity) TableName() string {
	return "entities"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (e *Entity) CreatedAtTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (e *Entity) UpdatedAtTime() time.Time {
	return time.Unix(e.UpdatedAt, 0)
}

// Touch updates the UpdatedAt timestamp.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().Unix()
}
