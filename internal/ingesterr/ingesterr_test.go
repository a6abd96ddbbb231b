package ingesterr

import (
	"errors"
	"testing"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewStageFailed("job-1", "ocr", cause)

	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should see through Unwrap to the cause")
	}
	if err.Error() == "" {
		t.Fatal("Error() should not be empty")
	}
	if !Is(err, KindStageFailed) {
		t.Fatalf("Is(err, KindStageFailed) = false")
	}
	if Is(err, KindValidation) {
		t.Fatalf("Is(err, KindValidation) should be false for a stage-failed error")
	}
}

func TestIsRejectsPlainErrors(t *testing.T) {
	plain := errors.New("not an ingesterr.Error")
	if Is(plain, KindFatal) {
		t.Fatal("Is should return false for errors not produced by this package")
	}
}

func TestToMapIncludesKindAndDetails(t *testing.T) {
	err := NewCapabilityUnavailable("job-2", "layout", "layout-service", errors.New("dial timeout"))
	m := err.ToMap()

	if m["kind"] != string(KindCapabilityUnavailable) {
		t.Errorf("kind = %v, want %s", m["kind"], KindCapabilityUnavailable)
	}
	if m["stage"] != "layout" {
		t.Errorf("stage = %v, want layout", m["stage"])
	}
	if m["capability"] != "layout-service" {
		t.Errorf("capability = %v, want layout-service", m["capability"])
	}
	if m["cause"] != "dial timeout" {
		t.Errorf("cause = %v, want dial timeout", m["cause"])
	}
}

func TestToMapOmitsUnsetOptionalFields(t *testing.T) {
	err := NewQueueFull("job-3")
	m := err.ToMap()

	if _, ok := m["sub_kind"]; ok {
		t.Error("sub_kind should be omitted when unset")
	}
	if _, ok := m["stage"]; ok {
		t.Error("stage should be omitted when unset")
	}
	if _, ok := m["severity"]; ok {
		t.Error("severity should be omitted when unset")
	}
	if _, ok := m["cause"]; ok {
		t.Error("cause should be omitted when nil")
	}
}

func TestNewConsistencyIssueCarriesSeverity(t *testing.T) {
	err := NewConsistencyIssue("critical", "duplicate_content_id", "doc-a shares content-1 with doc-b")
	if err.Severity != "critical" {
		t.Errorf("Severity = %q, want critical", err.Severity)
	}
	m := err.ToMap()
	if m["severity"] != "critical" {
		t.Errorf("ToMap severity = %v, want critical", m["severity"])
	}
}
