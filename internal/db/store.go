// Package db provides the durable local store backing the mutation
// pipeline: cached entity projections, the pending-operation queue, the
// dead-letter list and the conflict log.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/relieflabs/fieldsync/internal/errors"
	"github.com/relieflabs/fieldsync/internal/models"
	"github.com/relieflabs/fieldsync/internal/uuid"
)

// Store provides persistence for entities and queued operations. All
// queue and cache mutation in the process goes through here; persistence
// failures surface as STORAGE_ERROR and are never swallowed, because a
// silently lost queue row would break at-least-once delivery.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func storageErr(msg string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorage, msg, err)
}

// =====================================================
// Entity operations
// =====================================================

// GetEntity retrieves a cached entity. Returns a NOT_FOUND AppError
// when no projection exists for (kind, id).
func (s *Store) GetEntity(kind, id string) (*models.Entity, error) {
	query := `
	SELECT kind, id, payload, conflicted, created_at, updated_at
	FROM entities WHERE kind = ? AND id = ?
	`
	var e models.Entity
	var payload string
	err := s.db.QueryRow(query, kind, id).Scan(
		&e.Kind, &e.ID, &payload, &e.Conflicted, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("entity not found: %s/%s", kind, id))
	}
	if err != nil {
		return nil, storageErr("failed to read entity", err)
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, storageErr("corrupt entity payload", err)
	}
	return &e, nil
}

// PutEntity upserts the cached projection. The write is durable before
// PutEntity returns.
func (s *Store) PutEntity(e *models.Entity) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return storageErr("failed to encode entity payload", err)
	}
	query := `
	INSERT INTO entities (kind, id, payload, conflicted, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		payload = excluded.payload,
		conflicted = excluded.conflicted,
		updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, e.Kind, e.ID, string(payload), e.Conflicted, e.CreatedAt, e.UpdatedAt); err != nil {
		return storageErr("failed to write entity", err)
	}
	return nil
}

// DeleteEntity removes the cached projection. Deleting an absent entity
// is not an error; the cache is best effort.
func (s *Store) DeleteEntity(kind, id string) error {
	if _, err := s.db.Exec(`DELETE FROM entities WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return storageErr("failed to delete entity", err)
	}
	return nil
}

// ListEntities returns all cached entities of a kind. The result is a
// snapshot, not a live view.
func (s *Store) ListEntities(kind string) ([]*models.Entity, error) {
	query := `
	SELECT kind, id, payload, conflicted, created_at, updated_at
	FROM entities WHERE kind = ? ORDER BY id
	`
	rows, err := s.db.Query(query, kind)
	if err != nil {
		return nil, storageErr("failed to list entities", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		var e models.Entity
		var payload string
		if err := rows.Scan(&e.Kind, &e.ID, &payload, &e.Conflicted, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, storageErr("failed to scan entity", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, storageErr("corrupt entity payload", err)
		}
		entities = append(entities, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate entities", err)
	}
	return entities, nil
}

// ListEntityKinds returns the distinct collections with at least one
// cached projection.
func (s *Store) ListEntityKinds() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT kind FROM entities ORDER BY kind`)
	if err != nil {
		return nil, storageErr("failed to list entity kinds", err)
	}
	defer rows.Close()

	var kinds []string
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, storageErr("failed to scan entity kind", err)
		}
		kinds = append(kinds, kind)
	}
	return kinds, rows.Err()
}

// MarkEntityConflicted flips the conflict flag on a cached entity.
// The optimistic payload is deliberately left in place (the dead-letter
// list carries the failed operation for manual resolution).
func (s *Store) MarkEntityConflicted(kind, id string, conflicted bool) error {
	query := `UPDATE entities SET conflicted = ?, updated_at = ? WHERE kind = ? AND id = ?`
	if _, err := s.db.Exec(query, conflicted, time.Now().Unix(), kind, id); err != nil {
		return storageErr("failed to mark entity conflicted", err)
	}
	return nil
}

// =====================================================
// Queue operations
// =====================================================

// scanOperation reads one pending_operations row.
func scanOperation(row interface {
	Scan(dest ...interface{}) error
}) (*models.PendingOperation, error) {
	var op models.PendingOperation
	var payload sql.NullString
	err := row.Scan(
		&op.Seq, &op.ID, &op.Kind, &op.Collection, &op.DocumentID, &payload,
		&op.EnqueuedAt, &op.AttemptCount, &op.MaxAttempts, &op.NextAttemptAt,
		&op.Status, &op.LastError, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	return &op, nil
}

const operationColumns = `seq, id, kind, collection, document_id, payload,
	enqueued_at, attempt_count, max_attempts, next_attempt_at, status, last_error, updated_at`

// insertOperation appends op inside the given transaction, assigning
// the monotonic seq used as the tie-break for equal enqueue timestamps.
func insertOperation(tx *sql.Tx, op *models.PendingOperation) error {
	now := time.Now().Unix()
	if op.EnqueuedAt == 0 {
		op.EnqueuedAt = now
	}
	op.UpdatedAt = now
	if op.Status == "" {
		op.Status = models.StatusPending
	}

	var payload interface{}
	if len(op.Payload) > 0 {
		payload = string(op.Payload)
	}

	query := `
	INSERT INTO pending_operations
		(id, kind, collection, document_id, payload, enqueued_at,
		 attempt_count, max_attempts, next_attempt_at, status, last_error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.Exec(query, op.ID, op.Kind, op.Collection, op.DocumentID, payload,
		op.EnqueuedAt, op.AttemptCount, op.MaxAttempts, op.NextAttemptAt, op.Status,
		op.LastError, op.UpdatedAt)
	if err != nil {
		return err
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	op.Seq = seq
	return nil
}

// EnqueueOperation appends an operation to the durable queue.
func (s *Store) EnqueueOperation(op *models.PendingOperation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("failed to begin enqueue", err)
	}
	defer tx.Rollback()

	if err := insertOperation(tx, op); err != nil {
		return storageErr("failed to enqueue operation", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit enqueue", err)
	}
	return nil
}

// ApplyAndEnqueue applies the optimistic entity change and appends the
// operation in a single transaction, so a crash between the two cannot
// leave the cache and the queue disagreeing. A nil entity means the
// optimistic change is a local delete of (op.Collection, op.DocumentID).
func (s *Store) ApplyAndEnqueue(entity *models.Entity, op *models.PendingOperation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("failed to begin submit", err)
	}
	defer tx.Rollback()

	if entity != nil {
		payload, err := json.Marshal(entity.Payload)
		if err != nil {
			return storageErr("failed to encode entity payload", err)
		}
		query := `
		INSERT INTO entities (kind, id, payload, conflicted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			payload = excluded.payload,
			conflicted = excluded.conflicted,
			updated_at = excluded.updated_at
		`
		if _, err := tx.Exec(query, entity.Kind, entity.ID, string(payload),
			entity.Conflicted, entity.CreatedAt, entity.UpdatedAt); err != nil {
			return storageErr("failed to apply optimistic entity", err)
		}
	} else {
		if _, err := tx.Exec(`DELETE FROM entities WHERE kind = ? AND id = ?`,
			op.Collection, op.DocumentID); err != nil {
			return storageErr("failed to apply optimistic delete", err)
		}
	}

	if err := insertOperation(tx, op); err != nil {
		return storageErr("failed to enqueue operation", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit submit", err)
	}
	return nil
}

// GetOperation retrieves a queued operation by ID.
func (s *Store) GetOperation(id models.UUID) (*models.PendingOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM pending_operations WHERE id = ?`
	op, err := scanOperation(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrOperationNotFound, fmt.Sprintf("operation not found: %s", id))
	}
	if err != nil {
		return nil, storageErr("failed to read operation", err)
	}
	return op, nil
}

// DequeueOperation removes a completed operation from the queue.
func (s *Store) DequeueOperation(id models.UUID) error {
	result, err := s.db.Exec(`DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return storageErr("failed to dequeue operation", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrOperationNotFound, fmt.Sprintf("operation not found: %s", id))
	}
	return nil
}

// UpdateOperationStatus transitions an operation's lifecycle state and
// retry bookkeeping.
func (s *Store) UpdateOperationStatus(id models.UUID, status models.OperationStatus, attemptCount int, nextAttemptAt int64, lastError string) error {
	query := `
	UPDATE pending_operations
	SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
	WHERE id = ?
	`
	result, err := s.db.Exec(query, status, attemptCount, nextAttemptAt, lastError, time.Now().Unix(), id)
	if err != nil {
		return storageErr("failed to update operation status", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrOperationNotFound, fmt.Sprintf("operation not found: %s", id))
	}
	return nil
}

// RecoverInFlight returns operations stranded in_flight by a crash to
// pending so the next drain retries them. Safe to replay: operation
// IDs double as idempotency keys and the gateway absorbs a duplicate
// apply. Call once at startup, before the engine runs.
func (s *Store) RecoverInFlight() (int, error) {
	result, err := s.db.Exec(`
	UPDATE pending_operations
	SET status = ?, updated_at = ?
	WHERE status = ?
	`, models.StatusPending, time.Now().Unix(), models.StatusInFlight)
	if err != nil {
		return 0, storageErr("failed to recover in-flight operations", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// ListPendingOperations returns the active queue (pending and in-flight
// operations) ordered by enqueued_at ascending, with the monotonic seq
// as tie-break. Wall clock alone is not a safe sort key: two submits in
// the same second must still drain in submission order.
func (s *Store) ListPendingOperations() ([]*models.PendingOperation, error) {
	query := `
	SELECT ` + operationColumns + `
	FROM pending_operations
	WHERE status IN (?, ?)
	ORDER BY enqueued_at ASC, seq ASC
	`
	return s.listOperations(query, models.StatusPending, models.StatusInFlight)
}

// ListDeadLettered returns permanently failed operations retained for
// inspection and manual retry.
func (s *Store) ListDeadLettered() ([]*models.PendingOperation, error) {
	query := `
	SELECT ` + operationColumns + `
	FROM pending_operations
	WHERE status = ?
	ORDER BY enqueued_at ASC, seq ASC
	`
	return s.listOperations(query, models.StatusDeadLettered)
}

func (s *Store) listOperations(query string, args ...interface{}) ([]*models.PendingOperation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storageErr("failed to list operations", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, storageErr("failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate operations", err)
	}
	return ops, nil
}

// RequeueOperation resets a dead-lettered operation for another round
// of attempts. The idempotency key is kept; only the retry bookkeeping
// is cleared.
func (s *Store) RequeueOperation(id models.UUID) error {
	query := `
	UPDATE pending_operations
	SET status = ?, attempt_count = 0, next_attempt_at = 0, last_error = '', updated_at = ?
	WHERE id = ? AND status = ?
	`
	result, err := s.db.Exec(query, models.StatusPending, time.Now().Unix(), id, models.StatusDeadLettered)
	if err != nil {
		return storageErr("failed to requeue operation", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrOperationNotFound, fmt.Sprintf("dead-lettered operation not found: %s", id))
	}
	return nil
}

// ClearDeadLettered removes all dead-lettered operations.
func (s *Store) ClearDeadLettered() (int, error) {
	result, err := s.db.Exec(`DELETE FROM pending_operations WHERE status = ?`, models.StatusDeadLettered)
	if err != nil {
		return 0, storageErr("failed to clear dead letters", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Stats returns queue counts by status.
func (s *Store) Stats() (map[string]int, error) {
	stats := map[string]int{
		"pending":       0,
		"in_flight":     0,
		"dead_lettered": 0,
	}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM pending_operations GROUP BY status`)
	if err != nil {
		return nil, storageErr("failed to read queue stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageErr("failed to scan queue stats", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// =====================================================
// Conflict log operations
// =====================================================

// AddConflictLog records an aborted operation for user awareness.
func (s *Store) AddConflictLog(cl *models.ConflictLog) error {
	cl.ID = models.UUID(uuid.New())
	if cl.DetectedAt == 0 {
		cl.DetectedAt = time.Now().Unix()
	}
	query := `
	INSERT INTO conflict_log (id, operation_id, collection, document_id, reason, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.Exec(query, cl.ID, cl.OperationID, cl.Collection, cl.DocumentID, cl.Reason, cl.DetectedAt); err != nil {
		return storageErr("failed to record conflict", err)
	}
	return nil
}

// ListConflictLog returns recorded conflicts, newest first.
func (s *Store) ListConflictLog() ([]*models.ConflictLog, error) {
	query := `
	SELECT id, operation_id, collection, document_id, reason, detected_at
	FROM conflict_log ORDER BY detected_at DESC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, storageErr("failed to list conflicts", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var cl models.ConflictLog
		if err := rows.Scan(&cl.ID, &cl.OperationID, &cl.Collection, &cl.DocumentID, &cl.Reason, &cl.DetectedAt); err != nil {
			return nil, storageErr("failed to scan conflict", err)
		}
		logs = append(logs, &cl)
	}
	return logs, rows.Err()
}

// =====================================================
// Gateway credential operations
// =====================================================

// GetCredential retrieves the enabled gateway credential.
func (s *Store) GetCredential() (*models.GatewayCredential, error) {
	query := `
	SELECT id, endpoint, token_encrypted, is_enabled, created_at, updated_at
	FROM gateway_credentials WHERE is_enabled = 1 LIMIT 1
	`
	var cred models.GatewayCredential
	err := s.db.QueryRow(query).Scan(
		&cred.ID, &cred.Endpoint, &cred.TokenEncrypted, &cred.IsEnabled,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no gateway credential configured")
	}
	if err != nil {
		return nil, storageErr("failed to read credential", err)
	}
	return &cred, nil
}

// SaveCredential stores a new gateway credential, disabling any
// previous one.
func (s *Store) SaveCredential(cred *models.GatewayCredential) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("failed to begin credential save", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE gateway_credentials SET is_enabled = 0 WHERE is_enabled = 1`); err != nil {
		return storageErr("failed to disable previous credentials", err)
	}

	cred.ID = models.UUID(uuid.New())
	now := time.Now().Unix()
	cred.CreatedAt = now
	cred.UpdatedAt = now
	cred.IsEnabled = true

	query := `
	INSERT INTO gateway_credentials (id, endpoint, token_encrypted, is_enabled, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.Exec(query, cred.ID, cred.Endpoint, cred.TokenEncrypted, cred.IsEnabled, cred.CreatedAt, cred.UpdatedAt); err != nil {
		return storageErr("failed to save credential", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit credential save", err)
	}
	return nil
}

// =====================================================
// Reset
// =====================================================

// Clear wipes all cached entities and queue state. Used for
// logout/reset; gateway credentials are left untouched.
func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("failed to begin clear", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"entities", "pending_operations", "conflict_log"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return storageErr("failed to clear "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit clear", err)
	}
	return nil
}
