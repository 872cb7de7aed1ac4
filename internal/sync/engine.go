package sync

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/relieflabs/fieldsync/internal/errors"
	"github.com/relieflabs/fieldsync/internal/logging"
	"github.com/relieflabs/fieldsync/internal/models"
	"github.com/relieflabs/fieldsync/internal/remote"
)

// LocalStore is the slice of the durable store the engine needs.
// *db.Store satisfies it.
type LocalStore interface {
	ListPendingOperations() ([]*models.PendingOperation, error)
	GetOperation(id models.UUID) (*models.PendingOperation, error)
	DequeueOperation(id models.UUID) error
	UpdateOperationStatus(id models.UUID, status models.OperationStatus, attemptCount int, nextAttemptAt int64, lastError string) error
	GetEntity(kind, id string) (*models.Entity, error)
	PutEntity(e *models.Entity) error
	DeleteEntity(kind, id string) error
	MarkEntityConflicted(kind, id string, conflicted bool) error
	AddConflictLog(cl *models.ConflictLog) error
}

// EngineConfig holds drain tunables.
type EngineConfig struct {
	// Workers bounds how many independent document groups upload
	// concurrently.
	Workers int
	// CallTimeout bounds a single gateway call.
	CallTimeout time.Duration
}

// Engine drains the pending-operation queue. Operations targeting the
// same (collection, documentId) apply strictly in enqueue order, only
// the head of each group is ever in flight. Independent groups upload
// concurrently up to the worker bound.
type Engine struct {
	store   LocalStore
	gateway remote.Gateway
	policy  *RetryPolicy
	config  EngineConfig

	// drainMu serializes drains and fast-path applies. TryLock keeps
	// the fast path from stacking up behind a long drain.
	drainMu sync.Mutex

	mu       sync.RWMutex
	draining bool
	lastSync time.Time
	onChange []func()

	now func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(store LocalStore, gateway remote.Gateway, policy *RetryPolicy, config EngineConfig) *Engine {
	if config.Workers < 1 {
		config.Workers = 4
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	return &Engine{
		store:   store,
		gateway: gateway,
		policy:  policy,
		config:  config,
		now:     time.Now,
	}
}

// OnQueueChanged registers a callback invoked after every queue state
// transition. Callbacks run on engine goroutines and must not block.
func (e *Engine) OnQueueChanged(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = append(e.onChange, fn)
}

func (e *Engine) notifyChanged() {
	e.mu.RLock()
	subs := make([]func(), len(e.onChange))
	copy(subs, e.onChange)
	e.mu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}

// IsDraining reports whether a drain pass is currently running.
func (e *Engine) IsDraining() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.draining
}

// LastSync returns when the last drain finished, zero if never.
func (e *Engine) LastSync() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// Drain processes eligible queued operations until no further progress
// is possible. It returns a report even when individual operations
// fail; the error is non-nil only when the queue itself cannot be
// read.
func (e *Engine) Drain(ctx context.Context) (*SyncReport, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.draining = false
		e.lastSync = e.now()
		e.mu.Unlock()
	}()

	report := &SyncReport{StartTime: e.now()}
	defer func() {
		report.EndTime = e.now()
		report.Duration = report.EndTime.Sub(report.StartTime)
	}()

	logging.Info("Queue drain started", nil)

	for {
		if ctx.Err() != nil {
			break
		}

		heads, err := e.eligibleHeads()
		if err != nil {
			return report, err
		}
		if len(heads) == 0 {
			break
		}

		progressed := e.processBatch(ctx, heads, report)
		if !progressed {
			// Every head failed into a future retry slot, nothing
			// more to do this pass.
			break
		}
	}

	pending, err := e.store.ListPendingOperations()
	if err == nil {
		report.StillPending = len(pending)
	}

	logging.Info("Queue drain finished",
		map[string]interface{}{
			"succeeded":     report.Succeeded,
			"failed":        report.Failed,
			"dead_lettered": report.DeadLettered,
			"still_pending": report.StillPending,
		})
	return report, nil
}

// TryApplyNow attempts a single operation immediately, skipping the
// full drain scan. The operation must be the head of its document
// group, otherwise it is left for the next drain. Returns without
// doing anything when a drain already holds the queue.
func (e *Engine) TryApplyNow(ctx context.Context, opID models.UUID) error {
	if !e.drainMu.TryLock() {
		return nil
	}
	defer e.drainMu.Unlock()

	op, err := e.store.GetOperation(opID)
	if err != nil {
		return err
	}
	if !op.Ready(e.now()) {
		return nil
	}

	head, err := e.isGroupHead(op)
	if err != nil || !head {
		return err
	}

	report := &SyncReport{StartTime: e.now()}
	e.processOne(ctx, op, report)
	return nil
}

// eligibleHeads selects, for each (collection, documentId) group, its
// earliest operation, and keeps only heads that are Pending and past
// their backoff slot. A group whose head is in a backoff slot stays
// blocked, later operations must not jump the queue.
func (e *Engine) eligibleHeads() ([]*models.PendingOperation, error) {
	ops, err := e.store.ListPendingOperations()
	if err != nil {
		return nil, err
	}

	now := e.now()
	seen := make(map[string]bool)
	var heads []*models.PendingOperation
	for _, op := range ops {
		key := op.Collection + "\x00" + op.DocumentID
		if seen[key] {
			continue
		}
		seen[key] = true
		if op.Ready(now) {
			heads = append(heads, op)
		}
	}
	return heads, nil
}

// isGroupHead reports whether op is the earliest queued operation for
// its document.
func (e *Engine) isGroupHead(op *models.PendingOperation) (bool, error) {
	ops, err := e.store.ListPendingOperations()
	if err != nil {
		return false, err
	}
	for _, candidate := range ops {
		if candidate.Collection == op.Collection && candidate.DocumentID == op.DocumentID {
			return candidate.ID == op.ID, nil
		}
	}
	return false, nil
}

// processBatch runs one round of heads through the worker pool.
// Returns true when at least one operation left the queue, which can
// unblock the next operation in its group.
func (e *Engine) processBatch(ctx context.Context, heads []*models.PendingOperation, report *SyncReport) bool {
	jobs := make(chan *models.PendingOperation)
	var wg sync.WaitGroup
	var progressMu sync.Mutex
	progressed := 0

	workers := e.config.Workers
	if workers > len(heads) {
		workers = len(heads)
	}

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for op := range jobs {
				if e.processOne(ctx, op, report) {
					progressMu.Lock()
					progressed++
					progressMu.Unlock()
				}
			}
		}()
	}

	for _, op := range heads {
		if ctx.Err() != nil {
			break
		}
		jobs <- op
	}
	close(jobs)
	wg.Wait()

	return progressed > 0
}

// processOne runs a single operation through the state machine.
// Returns true when the operation left the queue (success, abort or
// dead-letter), unblocking its group.
func (e *Engine) processOne(ctx context.Context, op *models.PendingOperation, report *SyncReport) bool {
	if err := e.store.UpdateOperationStatus(op.ID, models.StatusInFlight, op.AttemptCount, op.NextAttemptAt, op.LastError); err != nil {
		logging.Error("Failed to mark operation in flight", err,
			map[string]interface{}{"operation_id": string(op.ID)})
		return false
	}
	e.notifyChanged()

	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	doc, err := e.applyRemote(callCtx, op)
	cancel()

	if err == nil {
		e.completeSuccess(op, doc, report)
		return true
	}
	if ctx.Err() != nil {
		// The drain (or fast-path caller) was cancelled mid-call. That
		// says nothing about the remote, so the attempt does not count
		// against the budget. The operation goes straight back to
		// pending for the next drain.
		if uerr := e.store.UpdateOperationStatus(op.ID, models.StatusPending, op.AttemptCount, op.NextAttemptAt, op.LastError); uerr != nil {
			logging.Error("Failed to restore interrupted operation", uerr,
				map[string]interface{}{"operation_id": string(op.ID)})
		}
		e.notifyChanged()

		logging.Debug("Operation interrupted, requeued without consuming an attempt",
			map[string]interface{}{"operation_id": string(op.ID)})
		return false
	}
	return e.handleFailure(op, err, report)
}

// applyRemote dispatches the operation to the gateway. A Delete whose
// target is already gone counts as success, absence is the requested
// outcome.
func (e *Engine) applyRemote(ctx context.Context, op *models.PendingOperation) (*remote.Document, error) {
	switch op.Kind {
	case models.OperationCreate, models.OperationUpdate:
		fields, err := op.PayloadMap()
		if err != nil {
			return nil, err
		}
		if op.Kind == models.OperationCreate {
			return e.gateway.Create(ctx, op.Collection, op.DocumentID, fields)
		}
		return e.gateway.Update(ctx, op.Collection, op.DocumentID, fields)
	case models.OperationDelete:
		err := e.gateway.Delete(ctx, op.Collection, op.DocumentID)
		if err != nil && remote.ClassOf(err) == remote.FailureNotFound {
			return nil, nil
		}
		return nil, err
	default:
		return nil, apperrors.New(apperrors.ErrInternal, "unknown operation kind "+string(op.Kind))
	}
}

// completeSuccess reconciles the cached entity with what the gateway
// returned and removes the operation. This is the only point where
// the cache is corrected rather than written optimistically.
func (e *Engine) completeSuccess(op *models.PendingOperation, doc *remote.Document, report *SyncReport) {
	switch op.Kind {
	case models.OperationDelete:
		if err := e.store.DeleteEntity(op.Collection, op.DocumentID); err != nil {
			logging.Error("Failed to drop cached entity after remote delete", err,
				map[string]interface{}{"collection": op.Collection, "document_id": op.DocumentID})
		}
	default:
		if doc != nil {
			e.reconcileEntity(op, doc)
		}
	}

	if err := e.store.DequeueOperation(op.ID); err != nil {
		// The remote write landed; the queue row will be retried and
		// the gateway's idempotency absorbs the replay.
		logging.Error("Failed to dequeue confirmed operation", err,
			map[string]interface{}{"operation_id": string(op.ID)})
		return
	}

	report.count(func(r *SyncReport) { r.Succeeded++ })
	e.notifyChanged()

	logging.Debug("Operation confirmed",
		map[string]interface{}{
			"operation_id": string(op.ID),
			"kind":         string(op.Kind),
			"collection":   op.Collection,
			"document_id":  op.DocumentID,
		})
}

func (e *Engine) reconcileEntity(op *models.PendingOperation, doc *remote.Document) {
	entity := &models.Entity{
		Kind:      op.Collection,
		ID:        op.DocumentID,
		Payload:   doc.Fields,
		UpdatedAt: doc.UpdatedAt.Unix(),
	}
	if existing, err := e.store.GetEntity(op.Collection, op.DocumentID); err == nil {
		entity.CreatedAt = existing.CreatedAt
	} else {
		entity.CreatedAt = doc.UpdatedAt.Unix()
	}

	if err := e.store.PutEntity(entity); err != nil {
		logging.Error("Failed to reconcile cached entity", err,
			map[string]interface{}{"collection": op.Collection, "document_id": op.DocumentID})
	}
}

// handleFailure consults the retry policy and applies its verdict.
// Returns true when the operation left the active queue.
func (e *Engine) handleFailure(op *models.PendingOperation, failure error, report *SyncReport) bool {
	class := remote.ClassOf(failure)
	outcome := e.policy.Decide(class, op.AttemptCount, op.MaxAttempts)

	report.count(func(r *SyncReport) { r.Failed++ })

	switch outcome.Decision {
	case DecisionRetryAfter:
		nextAt := e.now().Add(outcome.Delay).Unix()
		if err := e.store.UpdateOperationStatus(op.ID, models.StatusPending, op.AttemptCount+1, nextAt, failure.Error()); err != nil {
			logging.Error("Failed to reschedule operation", err,
				map[string]interface{}{"operation_id": string(op.ID)})
		}
		e.notifyChanged()

		logging.Warn("Operation attempt failed, rescheduled",
			map[string]interface{}{
				"operation_id":  string(op.ID),
				"failure_class": class.String(),
				"attempt_count": op.AttemptCount + 1,
				"retry_in":      outcome.Delay.String(),
			})
		return false

	case DecisionDeadLetter:
		if err := e.store.UpdateOperationStatus(op.ID, models.StatusDeadLettered, op.AttemptCount+1, 0, failure.Error()); err != nil {
			logging.Error("Failed to dead-letter operation", err,
				map[string]interface{}{"operation_id": string(op.ID)})
			return false
		}
		e.flagConflict(op, "retry attempts exhausted: "+failure.Error())
		report.count(func(r *SyncReport) { r.DeadLettered++ })
		e.notifyChanged()

		logging.ErrorWithCode("Operation dead-lettered", string(apperrors.ErrQueueExhausted), failure,
			map[string]interface{}{
				"operation_id":  string(op.ID),
				"collection":    op.Collection,
				"document_id":   op.DocumentID,
				"attempt_count": op.AttemptCount + 1,
			})
		return true

	default: // DecisionAbort
		if err := e.store.UpdateOperationStatus(op.ID, models.StatusDeadLettered, op.AttemptCount, 0, failure.Error()); err != nil {
			logging.Error("Failed to retire aborted operation", err,
				map[string]interface{}{"operation_id": string(op.ID)})
			return false
		}
		e.flagConflict(op, failure.Error())
		report.count(func(r *SyncReport) { r.DeadLettered++ })
		e.notifyChanged()

		logging.ErrorWithCode("Operation aborted, remote state diverged", string(apperrors.ErrConflict), failure,
			map[string]interface{}{
				"operation_id": string(op.ID),
				"collection":   op.Collection,
				"document_id":  op.DocumentID,
			})
		return true
	}
}

// flagConflict marks the cached entity and records the conflict for
// inspection. The optimistic payload stays in the cache, resolution is
// the caller's call.
func (e *Engine) flagConflict(op *models.PendingOperation, reason string) {
	if err := e.store.MarkEntityConflicted(op.Collection, op.DocumentID, true); err != nil {
		logging.Error("Failed to flag conflicted entity", err,
			map[string]interface{}{"collection": op.Collection, "document_id": op.DocumentID})
	}
	cl := &models.ConflictLog{
		OperationID: op.ID,
		Collection:  op.Collection,
		DocumentID:  op.DocumentID,
		Reason:      reason,
	}
	if err := e.store.AddConflictLog(cl); err != nil {
		logging.Error("Failed to record conflict", err,
			map[string]interface{}{"operation_id": string(op.ID)})
	}
}
