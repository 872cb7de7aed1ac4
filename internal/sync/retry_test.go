package sync

import (
	"testing"
	"time"

	"github.com/relieflabs/fieldsync/internal/remote"
)

func TestRetryPolicy_backoffDoubles(t *testing.T) {
	// No jitter so delays are exact.
	p := NewRetryPolicy(2*time.Second, 5*time.Minute, 0)

	tests := []struct {
		attemptCount int
		want         time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{7, 256 * time.Second},
		{8, 5 * time.Minute}, // 512s capped
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		out := p.Decide(remote.FailureNetwork, tt.attemptCount, 100)
		if out.Decision != DecisionRetryAfter {
			t.Fatalf("attempt %d: decision = %v, want retry_after", tt.attemptCount, out.Decision)
		}
		if out.Delay != tt.want {
			t.Errorf("attempt %d: delay = %v, want %v", tt.attemptCount, out.Delay, tt.want)
		}
	}
}

func TestRetryPolicy_jitterBounds(t *testing.T) {
	p := NewRetryPolicy(10*time.Second, 5*time.Minute, 0.2)

	for i := 0; i < 100; i++ {
		out := p.Decide(remote.FailureNetwork, 0, 100)
		if out.Delay < 8*time.Second || out.Delay > 12*time.Second {
			t.Fatalf("delay %v outside +/-20%% of 10s", out.Delay)
		}
	}
}

func TestRetryPolicy_jitterNeverExceedsCap(t *testing.T) {
	p := NewRetryPolicy(time.Second, 10*time.Second, 0.2)

	for i := 0; i < 100; i++ {
		out := p.Decide(remote.FailureNetwork, 30, 100)
		if out.Delay > 10*time.Second {
			t.Fatalf("delay %v exceeds cap", out.Delay)
		}
	}
}

func TestRetryPolicy_exhaustionDeadLetters(t *testing.T) {
	p := NewRetryPolicy(time.Second, time.Minute, 0)

	// Third failure with a budget of three.
	out := p.Decide(remote.FailureNetwork, 2, 3)
	if out.Decision != DecisionDeadLetter {
		t.Errorf("decision = %v, want dead_letter", out.Decision)
	}

	// Second failure still retries.
	out = p.Decide(remote.FailureNetwork, 1, 3)
	if out.Decision != DecisionRetryAfter {
		t.Errorf("decision = %v, want retry_after", out.Decision)
	}
}

func TestRetryPolicy_conflictAborts(t *testing.T) {
	p := NewRetryPolicy(time.Second, time.Minute, 0)

	// Conflicts abort on the first failure, budget untouched.
	for _, class := range []remote.FailureClass{remote.FailureConflict, remote.FailureNotFound} {
		out := p.Decide(class, 0, 5)
		if out.Decision != DecisionAbort {
			t.Errorf("class %v: decision = %v, want abort", class, out.Decision)
		}
	}

	// Even with budget exhausted a conflict is still an abort, not a
	// dead letter.
	out := p.Decide(remote.FailureConflict, 10, 3)
	if out.Decision != DecisionAbort {
		t.Errorf("decision = %v, want abort", out.Decision)
	}
}

func TestRetryPolicy_unknownAndPermissionRetry(t *testing.T) {
	p := NewRetryPolicy(time.Second, time.Minute, 0)

	for _, class := range []remote.FailureClass{remote.FailureUnknown, remote.FailurePermissionDenied} {
		out := p.Decide(class, 0, 5)
		if out.Decision != DecisionRetryAfter {
			t.Errorf("class %v: decision = %v, want retry_after", class, out.Decision)
		}
	}
}
