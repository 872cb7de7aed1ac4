package sync

import (
	"sync"
	"time"
)

// SyncReport summarizes one drain pass. Counters are safe to bump
// from concurrent workers through count.
type SyncReport struct {
	mu sync.Mutex

	// Succeeded is the number of operations confirmed by the gateway
	// and removed from the queue.
	Succeeded int `json:"succeeded"`

	// Failed counts operations that failed an attempt during this
	// drain, whether rescheduled, dead-lettered or aborted.
	Failed int `json:"failed"`

	// DeadLettered counts operations retired during this drain.
	DeadLettered int `json:"dead_lettered"`

	// StillPending is the queue depth when the drain finished.
	StillPending int `json:"still_pending"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// count applies a counter bump under the report lock.
func (r *SyncReport) count(bump func(*SyncReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bump(r)
}
