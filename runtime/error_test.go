package runtime

import (
	"errors"
	"strings"
	"testing"
)

func TestSessionError_Error(t *testing.T) {
	base := errors.New("connection refused")

	err := NewSessionError("s1", "update_flow", base)
	if err.Error() != "session s1: update_flow: connection refused" {
		t.Errorf("Unexpected message: %s", err.Error())
	}

	noOp := &SessionError{SessionID: "s2", Err: base}
	if noOp.Error() != "session s2: connection refused" {
		t.Errorf("Unexpected message: %s", noOp.Error())
	}
}

func TestSessionError_Unwrap(t *testing.T) {
	base := errors.New("not found")
	wrapped := NewSessionError("s1", "snapshot", base)

	if !errors.Is(wrapped, base) {
		t.Error("Expected errors.Is to find the underlying error")
	}

	var sessErr *SessionError
	if !errors.As(errors.Join(errors.New("batch"), wrapped), &sessErr) {
		t.Fatal("Expected errors.As to find *SessionError")
	}
	if sessErr.Op != "snapshot" {
		t.Errorf("Expected op 'snapshot', got '%s'", sessErr.Op)
	}
}

func TestDefinitionError_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		err      *DefinitionError
		sentinel error
	}{
		{"missing", NewMissingField("research", "step1", "agent"), ErrMissingField},
		{"invalid", NewInvalidField("research", "step1", "timeout_seconds", "must be positive"), ErrInvalidField},
		{"cycle", NewCycleDetected("research", []string{"a", "b", "a"}), ErrCycleDetected},
		{"reference", NewUnknownStepReference("research", "critic", "for_each", "ghost.items"), ErrUnknownStepReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("Expected %v to match %v", tt.err, tt.sentinel)
			}
			if !strings.Contains(tt.err.Error(), `flow "research"`) {
				t.Errorf("Expected flow name in message: %s", tt.err.Error())
			}
		})
	}

	unknown := &DefinitionError{Kind: "Other", Flow: "x"}
	if unknown.Unwrap() != nil {
		t.Error("Expected nil Unwrap for unknown kind")
	}
}

func TestDefinitionError_Message(t *testing.T) {
	err := NewMissingField("research", "step1", "agent")
	want := `[MissingField] flow "research", step "step1", field "agent": required field "agent" is missing or empty`
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}

	cycle := NewCycleDetected("research", []string{"a", "c", "b", "a"})
	if !strings.Contains(cycle.Error(), "a → c → b → a") {
		t.Errorf("Expected cycle path in message: %s", cycle.Error())
	}
	if len(cycle.Cycle) != 4 {
		t.Errorf("Expected cycle of 4 nodes, got %v", cycle.Cycle)
	}
}
