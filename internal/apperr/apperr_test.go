package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodePermissionDenied, "amount %d exceeds limit", 1000)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatal("expected errors.Is to match by code")
	}
	if errors.Is(err, ErrInvalidState) {
		t.Fatal("did not expect match with different code")
	}

	wrapped := fmt.Errorf("mesh: %w", err)
	if !errors.Is(wrapped, ErrPermissionDenied) {
		t.Fatal("expected match through fmt wrapping")
	}
	if CodeOf(wrapped) != CodePermissionDenied {
		t.Errorf("unexpected code %s", CodeOf(wrapped))
	}
	if Reason(wrapped) != "amount 1000 exceeds limit" {
		t.Errorf("unexpected reason %q", Reason(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("venue offline")
	err := Wrap(CodeLegExecutionFailure, cause, "leg %d failed", 1)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if got := err.Error(); got != "LEG_EXECUTION_FAILURE: leg 1 failed: venue offline" {
		t.Errorf("unexpected message %q", got)
	}
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Error("expected unknown code for plain error")
	}
}
