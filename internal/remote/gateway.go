// Package remote abstracts the upstream document store. The pipeline
// only ever sees native maps and time.Time values, wire formats stay
// behind this boundary.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureClass buckets gateway errors so the retry policy can tell
// transient failures from terminal ones.
type FailureClass int

const (
	FailureUnknown FailureClass = iota
	FailureNetwork
	FailurePermissionDenied
	FailureNotFound
	FailureConflict
)

func (c FailureClass) String() string {
	switch c {
	case FailureNetwork:
		return "network"
	case FailurePermissionDenied:
		return "permission_denied"
	case FailureNotFound:
		return "not_found"
	case FailureConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Class   FailureClass
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway %s (status %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf extracts the failure class from an error chain. Anything
// that is not a gateway Error counts as unknown, except context
// timeouts which count as network failures.
func ClassOf(err error) FailureClass {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureNetwork
	}
	return FailureUnknown
}

// Document is a remote record as the gateway reports it.
type Document struct {
	ID        string
	Fields    map[string]interface{}
	UpdatedAt time.Time
}

// Gateway is the remote document store contract. Implementations must
// make Create idempotent for a repeated (collection, id) pair and
// address Update and Delete by id, so replaying an operation after a
// crash cannot double-apply.
type Gateway interface {
	Create(ctx context.Context, collection, id string, fields map[string]interface{}) (*Document, error)
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) (*Document, error)
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (*Document, error)
	List(ctx context.Context, collection string, filter map[string]string) ([]*Document, error)
}
