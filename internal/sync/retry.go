// Package sync drains the pending-operation queue against the remote
// gateway, preserving per-document ordering and retry semantics.
package sync

import (
	"math/rand"
	"sync"
	"time"

	"github.com/relieflabs/fieldsync/internal/remote"
)

// Decision is the retry policy verdict for a failed operation.
type Decision int

const (
	// DecisionRetryAfter reschedules the operation after a delay.
	DecisionRetryAfter Decision = iota
	// DecisionDeadLetter retires the operation, attempts exhausted.
	DecisionDeadLetter
	// DecisionAbort retires the operation immediately because remote
	// state diverged. No retry budget is consumed.
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionRetryAfter:
		return "retry_after"
	case DecisionDeadLetter:
		return "dead_letter"
	default:
		return "abort"
	}
}

// Outcome pairs a decision with its backoff delay. Delay is only
// meaningful for DecisionRetryAfter.
type Outcome struct {
	Decision Decision
	Delay    time.Duration
}

// RetryPolicy maps a classified failure and attempt history to an
// Outcome. Apart from jitter the mapping is a pure function.
type RetryPolicy struct {
	baseDelay      time.Duration
	maxDelay       time.Duration
	jitterFraction float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryPolicy creates a RetryPolicy.
func NewRetryPolicy(baseDelay, maxDelay time.Duration, jitterFraction float64) *RetryPolicy {
	return &RetryPolicy{
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		jitterFraction: jitterFraction,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Decide takes the failure class of the attempt that just failed,
// the number of attempts recorded before it, and the operation's
// budget.
//
// Conflicts abort without consuming budget. Everything else retries
// with exponential backoff until the budget runs out.
func (p *RetryPolicy) Decide(class remote.FailureClass, attemptCount, maxAttempts int) Outcome {
	switch class {
	case remote.FailureConflict, remote.FailureNotFound:
		// Remote state diverged, repeating the call cannot help.
		return Outcome{Decision: DecisionAbort}
	}

	if attemptCount+1 >= maxAttempts {
		return Outcome{Decision: DecisionDeadLetter}
	}

	return Outcome{Decision: DecisionRetryAfter, Delay: p.backoff(attemptCount)}
}

// backoff computes base * 2^attemptCount capped at maxDelay, spread by
// the jitter fraction.
func (p *RetryPolicy) backoff(attemptCount int) time.Duration {
	delay := p.baseDelay
	for i := 0; i < attemptCount; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			delay = p.maxDelay
			break
		}
	}

	if p.jitterFraction > 0 {
		p.mu.Lock()
		spread := 1 + p.jitterFraction*(2*p.rng.Float64()-1)
		p.mu.Unlock()
		delay = time.Duration(float64(delay) * spread)
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}
