package errors

import (
	"testing"
)

func TestSentinelMatching(t *testing.T) {
	err := Wrap(ErrNotFound, "playbook abc123")
	if !IsNotFound(err) {
		t.Error("wrapped ErrNotFound should match IsNotFound")
	}
	if IsConflict(err) {
		t.Error("not-found error should not match IsConflict")
	}
}

func TestConflictSurvivesWrapping(t *testing.T) {
	err := Wrap(Wrap(ErrConflict, "active job exists"), "trigger evolution")
	if !IsConflict(err) {
		t.Error("double-wrapped ErrConflict should still match IsConflict")
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("playbook %s not found", "pb-1")
	if !IsNotFound(err) {
		t.Error("NewNotFoundError should produce a not-found error")
	}
	if err.Error() == "" {
		t.Error("error message should not be empty")
	}
}

func TestDetailsPreserved(t *testing.T) {
	err := New("base")
	err = WithDetail(err, "Job ID: JOB_001")
	err = WithDetail(err, "Playbook: pb-1")

	details := GetAllDetails(err)
	if len(details) != 2 {
		t.Errorf("expected 2 details, got %d", len(details))
	}
}

func TestUnauthorizedSentinel(t *testing.T) {
	err := Wrap(ErrUnauthorized, "caller user-2 may not trigger pb-1")
	if !IsUnauthorized(err) {
		t.Error("wrapped ErrUnauthorized should match IsUnauthorized")
	}
	if IsNotFound(err) {
		t.Error("unauthorized error should not match IsNotFound")
	}
}
