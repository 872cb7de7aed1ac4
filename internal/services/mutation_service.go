// Package services exposes the caller-facing mutation pipeline:
// validate, apply optimistically, queue, and sync.
package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/relieflabs/fieldsync/internal/connectivity"
	"github.com/relieflabs/fieldsync/internal/db"
	apperrors "github.com/relieflabs/fieldsync/internal/errors"
	"github.com/relieflabs/fieldsync/internal/logging"
	"github.com/relieflabs/fieldsync/internal/models"
	syncpkg "github.com/relieflabs/fieldsync/internal/sync"
	"github.com/relieflabs/fieldsync/internal/uuid"
	"github.com/relieflabs/fieldsync/internal/validate"
)

// MutationConfig holds facade tunables.
type MutationConfig struct {
	// MaxAttempts is the retry budget stamped onto each queued
	// operation.
	MaxAttempts int

	// FastPathTimeout bounds the synchronous apply attempt after a
	// submit while online. On expiry the submit still succeeds, the
	// queue finishes the job.
	FastPathTimeout time.Duration
}

// MutationService is the single entry point for callers mutating
// domain records. Writes land in the local cache immediately and reach
// the remote store through the queue.
type MutationService struct {
	store     *db.Store
	validator *validate.Validator
	engine    *syncpkg.Engine
	monitor   *connectivity.Monitor
	config    MutationConfig

	mu        sync.RWMutex
	nextSubID int
	listeners map[int]func()
}

// SubmitResult identifies the accepted mutation.
type SubmitResult struct {
	// OperationID is the queued operation's idempotency key.
	OperationID models.UUID `json:"operation_id"`
	// DocumentID is the target document. For creates it is minted
	// client-side so the caller can reference the record immediately.
	DocumentID string `json:"document_id"`
}

// NewMutationService creates a MutationService. Engine queue
// transitions are forwarded to the facade's own listeners.
func NewMutationService(store *db.Store, validator *validate.Validator, engine *syncpkg.Engine, monitor *connectivity.Monitor, config MutationConfig) *MutationService {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 5
	}
	if config.FastPathTimeout <= 0 {
		config.FastPathTimeout = 10 * time.Second
	}

	s := &MutationService{
		store:     store,
		validator: validator,
		engine:    engine,
		monitor:   monitor,
		config:    config,
		listeners: make(map[int]func()),
	}
	engine.OnQueueChanged(s.notifyQueueChanged)
	return s
}

// Submit validates a mutation, applies it to the local cache and
// queues it for the remote store. When online it additionally attempts
// the remote write right away, bounded by the fast-path timeout.
//
// For Create, documentID must be empty and is generated. For Update
// and Delete it must name an existing target. Validation and storage
// failures surface synchronously; everything later is asynchronous and
// observable via OnQueueChanged and DeadLettered.
func (s *MutationService) Submit(ctx context.Context, kind models.OperationKind, collection, documentID string, payload map[string]interface{}) (*SubmitResult, error) {
	op := &models.PendingOperation{
		ID:          models.UUID(uuid.New()),
		Kind:        kind,
		Collection:  collection,
		DocumentID:  documentID,
		MaxAttempts: s.config.MaxAttempts,
	}

	var entity *models.Entity
	switch kind {
	case models.OperationCreate, models.OperationUpdate:
		sanitized := s.validator.Sanitize(collection, payload)
		if err := s.validator.Validate(collection, sanitized); err != nil {
			return nil, err
		}

		raw, err := json.Marshal(sanitized)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode payload", err)
		}
		op.Payload = raw

		if kind == models.OperationCreate {
			if op.DocumentID != "" {
				return nil, apperrors.New(apperrors.ErrInvalid, "document id is assigned on create")
			}
			op.DocumentID = uuid.New()
		} else if op.DocumentID == "" {
			return nil, apperrors.New(apperrors.ErrInvalid, "update requires a document id")
		}

		entity = s.optimisticEntity(kind, collection, op.DocumentID, sanitized)

	case models.OperationDelete:
		if op.DocumentID == "" {
			return nil, apperrors.New(apperrors.ErrInvalid, "delete requires a document id")
		}
		// entity stays nil, the cached projection is dropped.

	default:
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown operation kind "+string(kind))
	}

	// Cache write and queue append land in one transaction; a crash
	// cannot leave one without the other.
	if err := s.store.ApplyAndEnqueue(entity, op); err != nil {
		return nil, err
	}
	s.notifyQueueChanged()

	logging.Info("Mutation accepted",
		map[string]interface{}{
			"operation_id": string(op.ID),
			"kind":         string(kind),
			"collection":   collection,
			"document_id":  op.DocumentID,
		})

	if s.monitor.IsOnline() {
		fastCtx, cancel := context.WithTimeout(ctx, s.config.FastPathTimeout)
		defer cancel()
		if err := s.engine.TryApplyNow(fastCtx, op.ID); err != nil {
			// The operation is safely queued, the drain will retry.
			logging.Warn("Immediate apply failed, left queued",
				map[string]interface{}{"operation_id": string(op.ID), "error": err.Error()})
		}
	}

	return &SubmitResult{OperationID: op.ID, DocumentID: op.DocumentID}, nil
}

// optimisticEntity builds the cached projection for a create or
// update. Updates merge into the existing projection when one exists.
func (s *MutationService) optimisticEntity(kind models.OperationKind, collection, documentID string, payload map[string]interface{}) *models.Entity {
	now := time.Now().Unix()
	entity := &models.Entity{
		Kind:      collection,
		ID:        documentID,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if kind == models.OperationUpdate {
		if existing, err := s.store.GetEntity(collection, documentID); err == nil {
			merged := make(map[string]interface{}, len(existing.Payload)+len(payload))
			for key, value := range existing.Payload {
				merged[key] = value
			}
			for key, value := range payload {
				merged[key] = value
			}
			entity.Payload = merged
			entity.CreatedAt = existing.CreatedAt
			entity.Conflicted = existing.Conflicted
		}
	}
	return entity
}

// GetEntity returns the cached projection of a record.
func (s *MutationService) GetEntity(kind, id string) (*models.Entity, error) {
	return s.store.GetEntity(kind, id)
}

// ListEntities returns the cached projections for a kind.
func (s *MutationService) ListEntities(kind string) ([]*models.Entity, error) {
	return s.store.ListEntities(kind)
}

// PendingOperations returns the active queue in application order.
func (s *MutationService) PendingOperations() ([]*models.PendingOperation, error) {
	return s.store.ListPendingOperations()
}

// DeadLettered returns retired operations awaiting inspection.
func (s *MutationService) DeadLettered() ([]*models.PendingOperation, error) {
	return s.store.ListDeadLettered()
}

// Retry moves a dead-lettered operation back into the queue with a
// fresh budget and pokes the engine when online.
func (s *MutationService) Retry(ctx context.Context, opID models.UUID) error {
	if err := s.store.RequeueOperation(opID); err != nil {
		return err
	}
	s.notifyQueueChanged()

	if s.monitor.IsOnline() {
		fastCtx, cancel := context.WithTimeout(ctx, s.config.FastPathTimeout)
		defer cancel()
		if err := s.engine.TryApplyNow(fastCtx, opID); err != nil {
			logging.Warn("Immediate retry failed, left queued",
				map[string]interface{}{"operation_id": string(opID), "error": err.Error()})
		}
	}
	return nil
}

// ClearDeadLettered drops all retired operations.
func (s *MutationService) ClearDeadLettered() (int, error) {
	n, err := s.store.ClearDeadLettered()
	if err == nil && n > 0 {
		s.notifyQueueChanged()
	}
	return n, err
}

// ForceSync drains the queue and waits for the report.
func (s *MutationService) ForceSync(ctx context.Context) (*syncpkg.SyncReport, error) {
	return s.engine.Drain(ctx)
}

// ConflictLog returns recorded conflicts, newest first.
func (s *MutationService) ConflictLog() ([]*models.ConflictLog, error) {
	return s.store.ListConflictLog()
}

// ResolveConflict clears the conflict flag on a cached entity after
// the caller has reconciled it manually.
func (s *MutationService) ResolveConflict(kind, id string) error {
	return s.store.MarkEntityConflicted(kind, id, false)
}

// QueueStats returns queue depth per status.
func (s *MutationService) QueueStats() (map[string]int, error) {
	return s.store.Stats()
}

// Reset wipes the cache and queue, for logout or account switch.
// Gateway credentials survive.
func (s *MutationService) Reset() error {
	if err := s.store.Clear(); err != nil {
		return err
	}
	s.notifyQueueChanged()
	return nil
}

// OnQueueChanged registers a listener fired after every queue
// mutation, local or sync-driven. The returned function removes it.
// Listeners run on pipeline goroutines and must not block.
func (s *MutationService) OnQueueChanged(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *MutationService) notifyQueueChanged() {
	s.mu.RLock()
	subs := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}
