package rtmerr

import (
	"errors"
	"testing"
)

func TestRetriableUnwrap(t *testing.T) {
	base := errors.New("connection refused")
	err := NewRetriable("pull image", base)

	var r *Retriable
	if !errors.As(err, &r) {
		t.Fatal("expected errors.As to match *Retriable")
	}
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to find wrapped base error")
	}
}

func TestTransientWithoutErr(t *testing.T) {
	err := NewTransient("start container", "port 8080 already bound", nil)

	var tr *Transient
	if !errors.As(err, &tr) {
		t.Fatal("expected errors.As to match *Transient")
	}
	if tr.Reason != "port 8080 already bound" {
		t.Errorf("got reason %q", tr.Reason)
	}
}

func TestStateViolationIsDistinctFromTransient(t *testing.T) {
	err := NewStateViolation("plan", "duplicate service_id 12")

	var sv *StateViolation
	if !errors.As(err, &sv) {
		t.Fatal("expected errors.As to match *StateViolation")
	}
	var tr *Transient
	if errors.As(err, &tr) {
		t.Fatal("StateViolation must not match Transient")
	}
}

func TestAuthFailureMessage(t *testing.T) {
	err := NewAuthFailure("provision", "provisioning key rejected")
	want := "provision: auth failure: provisioning key rejected"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestFatalUnwrap(t *testing.T) {
	base := errors.New("disk full")
	err := NewFatal("open store", base)

	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to find wrapped base error")
	}
}
