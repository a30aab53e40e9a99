package tools

import (
	"errors"
	"testing"
)

func TestEverySchemaCompiles(t *testing.T) {
	for _, tool := range Registry() {
		if _, err := loadSchema(tool.ID); err != nil {
			t.Fatalf("%s: %v", tool.Name, err)
		}
	}
}

func TestValidateParamsRequired(t *testing.T) {
	err := ValidateParams(SendEmail, map[string]any{"to": "a@example.com"})
	var perr *ParamError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParamError, got %v", err)
	}
	if len(perr.Reasons) < 2 {
		t.Fatalf("expected subject and body reasons, got %v", perr.Reasons)
	}
	if err := ValidateParams(SendEmail, map[string]any{"to": "a@example.com", "subject": "hi", "body": "x"}); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidateParamsRejectsUnknownFields(t *testing.T) {
	if err := ValidateParams(CreateTask, map[string]any{"title": "x", "shell": "rm"}); err == nil {
		t.Fatalf("expected error for extra field")
	}
}

func TestValidateParamsTypedValues(t *testing.T) {
	if err := ValidateParams(SearchContacts, map[string]any{"query": "ana", "limit": 5}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := ValidateParams(CreateCalendarEvent, map[string]any{"title": "sync", "start": "2026-01-01T10:00:00Z", "attendees": []string{"a"}}); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidateParamsUnknownTool(t *testing.T) {
	if err := ValidateParams(ToolID(42), nil); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}
