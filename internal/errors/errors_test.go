// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		// General errors
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"duplicate", ErrDuplicate},
		{"permission", ErrPermission},

		// Pipeline errors
		{"validation", ErrValidation},
		{"storage", ErrStorage},
		{"network", ErrNetwork},
		{"conflict", ErrConflict},
		{"queue exhausted", ErrQueueExhausted},

		// Database errors
		{"database", ErrDatabase},
		{"migration", ErrMigration},
		{"constraint", ErrConstraint},

		// Queue errors
		{"operation not found", ErrOperationNotFound},
		{"queue full", ErrQueueFull},

		// Sync errors
		{"sync not configured", ErrSyncNotConfigured},
		{"sync failed", ErrSyncFailed},
		{"sync in progress", ErrSyncInProgress},
		{"sync timeout", ErrSyncTimeout},

		// Credential errors
		{"invalid credentials", ErrInvalidCredentials},
		{"crypto failed", ErrCryptoFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("ErrorCode %q should not be empty", tt.name)
			}
		})
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
		{
			name:     "network error",
			appError: &AppError{Code: ErrNetwork, Message: "gateway unreachable"},
			want:     "[NETWORK_ERROR] gateway unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestAppError_Unwrap verifies unwrapping of underlying error.
func TestAppError_Unwrap(t *testing.T) {
	underlyingErr := errors.New("underlying error")

	tests := []struct {
		name          string
		appError      *AppError
		wantUnwrapped error
	}{
		{
			name:          "with underlying error",
			appError:      &AppError{Code: ErrInternal, Message: "failed", Err: underlyingErr},
			wantUnwrapped: underlyingErr,
		},
		{
			name:          "without underlying error",
			appError:      &AppError{Code: ErrInternal, Message: "failed"},
			wantUnwrapped: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Unwrap()
			if got != tt.wantUnwrapped {
				t.Errorf("Unwrap() = %v, want %v", got, tt.wantUnwrapped)
			}
		})
	}
}

// TestNew verifies AppError creation.
func TestNew(t *testing.T) {
	err := New(ErrInternal, "test error")
	if err == nil {
		t.Fatal("New() returned nil")
	}
	if err.Code != ErrInternal {
		t.Errorf("New() code = %q, want %q", err.Code, ErrInternal)
	}
	if err.Message != "test error" {
		t.Errorf("New() message = %q, want 'test error'", err.Message)
	}
	if err.Err != nil {
		t.Error("New() should not wrap an error")
	}
}

// TestWrap verifies error wrapping.
func TestWrap(t *testing.T) {
	underlyingErr := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", underlyingErr)
	if err == nil {
		t.Fatal("Wrap() returned nil")
	}
	if err.Code != ErrDatabase {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrDatabase)
	}
	if err.Err != underlyingErr {
		t.Errorf("Wrap() underlying error = %v, want %v", err.Err, underlyingErr)
	}
}

// TestIs verifies code matching across wrap chains.
func TestIs(t *testing.T) {
	inner := New(ErrNetwork, "timeout")
	wrapped := fmt.Errorf("drain failed: %w", inner)
	doubleWrapped := Wrap(ErrSyncFailed, "sync", wrapped)

	if !Is(inner, ErrNetwork) {
		t.Error("Is() should match direct AppError code")
	}
	if !Is(wrapped, ErrNetwork) {
		t.Error("Is() should match through fmt.Errorf wrapping")
	}
	if !Is(doubleWrapped, ErrNetwork) {
		t.Error("Is() should match nested AppError codes")
	}
	if !Is(doubleWrapped, ErrSyncFailed) {
		t.Error("Is() should match outer AppError code")
	}
	if Is(wrapped, ErrConflict) {
		t.Error("Is() should not match an absent code")
	}
	if Is(nil, ErrNetwork) {
		t.Error("Is(nil) should be false")
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(ErrConflict, "diverged")); got != ErrConflict {
		t.Errorf("CodeOf() = %q, want %q", got, ErrConflict)
	}
	if got := CodeOf(fmt.Errorf("wrapped: %w", New(ErrStorage, "disk"))); got != ErrStorage {
		t.Errorf("CodeOf() through wrap = %q, want %q", got, ErrStorage)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, ErrInternal)
	}
}
