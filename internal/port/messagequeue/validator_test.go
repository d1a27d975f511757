package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateTaskQueued(t *testing.T) {
	data := []byte(`{"task_id":"t1","session_id":"s1","partition_id":"default","priority":2}`)
	if err := Validate(QueueSubject("default"), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateTaskQueuedMissingIDs(t *testing.T) {
	data := []byte(`{"partition_id":"default"}`)
	err := Validate(QueueSubject("default"), data)
	if err == nil {
		t.Fatal("expected error for missing ids")
	}
	if !strings.Contains(err.Error(), "task_id") {
		t.Errorf("expected error to mention task_id, got: %v", err)
	}
}

func TestValidateTaskEvent(t *testing.T) {
	data := []byte(`{"type":"task.status_changed","session_id":"s1","task_id":"t1","status":"completed","at":"2026-01-01T00:00:00Z"}`)
	if err := Validate(EventSubject("s1"), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateTaskEventWrongType(t *testing.T) {
	data := []byte(`{"type":42}`)
	if err := Validate(EventSubject("s1"), data); err == nil {
		t.Fatal("expected error for wrong field type")
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	err := Validate(QueueSubject("p"), []byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Errorf("expected 'invalid JSON' in error, got: %v", err)
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	if err := Validate("other.subject", []byte(`{"anything":true}`)); err != nil {
		t.Fatalf("unknown subjects should pass, got: %v", err)
	}
}

func TestSubjects(t *testing.T) {
	if got := QueueSubject("gpu"); got != "tasks.queue.gpu" {
		t.Errorf("QueueSubject = %q", got)
	}
	if got := EventSubject("s1"); got != "tasks.events.s1" {
		t.Errorf("EventSubject = %q", got)
	}
}
