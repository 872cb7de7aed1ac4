// Package models provides data model definitions for FieldSync.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind is the type of mutation a queued operation carries.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending      OperationStatus = "pending"
	StatusInFlight     OperationStatus = "in_flight"
	StatusSucceeded    OperationStatus = "succeeded"
	StatusDeadLettered OperationStatus = "dead_lettered"
)

// PendingOperation is a mutation accepted locally but not yet confirmed
// by the remote store. The ID doubles as the idempotency key: it is
// generated once at enqueue time and never reused.
type PendingOperation struct {
	ID            UUID            `db:"id" json:"id"`
	Kind          OperationKind   `db:"kind" json:"kind"`
	Collection    string          `db:"collection" json:"collection"`
	DocumentID    string          `db:"document_id" json:"document_id"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	Seq           int64           `db:"seq" json:"seq"`
	EnqueuedAt    int64           `db:"enqueued_at" json:"enqueued_at"`
	AttemptCount  int             `db:"attempt_count" json:"attempt_count"`
	MaxAttempts   int             `db:"max_attempts" json:"max_attempts"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"`
	Status        OperationStatus `db:"status" json:"status"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// EnqueuedAtTime returns the EnqueuedAt as time.Time.
func (op *PendingOperation) EnqueuedAtTime() time.Time {
	return time.Unix(op.EnqueuedAt, 0)
}

// Ready reports whether the operation is eligible for an attempt at the
// given instant: it is pending and any backoff delay has elapsed.
func (op *PendingOperation) Ready(now time.Time) bool {
	return op.Status == StatusPending && op.NextAttemptAt <= now.Unix()
}

// PayloadMap decodes the payload into a field map. Delete operations
// carry no payload and decode to nil.
func (op *PendingOperation) PayloadMap() (map[string]interface{}, error) {
	if len(op.Payload) == 0 {
		return nil, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(op.Payload, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
