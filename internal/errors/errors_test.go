// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorMessage(t *testing.T) {
	err := New(ErrSyncRejected, "server refused the record")
	want := "[SYNC_REJECTED] server refused the record"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestAppErrorWrapped(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(ErrSyncTransient, "request failed", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return the wrapped error")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not match the wrapped cause")
	}
}

func TestIs(t *testing.T) {
	err := New(ErrIDConflict, "already reconciled")

	if !Is(err, ErrIDConflict) {
		t.Error("Is() = false for matching code")
	}
	if Is(err, ErrSyncTransient) {
		t.Error("Is() = true for non-matching code")
	}
	if Is(fmt.Errorf("plain"), ErrIDConflict) {
		t.Error("Is() = true for a plain error")
	}

	// Rewrapping with %w keeps the code reachable
	wrapped := fmt.Errorf("replaying operation: %w", err)
	if !Is(wrapped, ErrIDConflict) {
		t.Error("Is() = false for a rewrapped AppError")
	}
}

func TestCode(t *testing.T) {
	if got := Code(New(ErrUploadFailed, "x")); got != ErrUploadFailed {
		t.Errorf("Code() = %v, want %v", got, ErrUploadFailed)
	}
	if got := Code(fmt.Errorf("plain")); got != ErrInternal {
		t.Errorf("Code(plain) = %v, want %v", got, ErrInternal)
	}
	if got := Code(fmt.Errorf("outer: %w", New(ErrUploadFailed, "x"))); got != ErrUploadFailed {
		t.Errorf("Code(rewrapped) = %v, want %v", got, ErrUploadFailed)
	}
}

// TestIsTransient pins the retry taxonomy: rejections and validation failures
// are permanent, timeouts and offline conditions are retried, and an error
// carrying no code at all is retried rather than dropped.
func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient code", New(ErrSyncTransient, "x"), true},
		{"timeout", New(ErrSyncTimeout, "x"), true},
		{"offline", New(ErrSyncOffline, "x"), true},
		{"rejected", New(ErrSyncRejected, "x"), false},
		{"validation", New(ErrValidation, "x"), false},
		{"record invalid", New(ErrRecordInvalid, "x"), false},
		{"id conflict", New(ErrIDConflict, "x"), false},
		{"uncoded error", fmt.Errorf("something broke"), true},
		{"unknown code", New(ErrDatabase, "x"), true},
		{"rewrapped rejection", fmt.Errorf("pass %d: %w", 3, New(ErrSyncRejected, "x")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
