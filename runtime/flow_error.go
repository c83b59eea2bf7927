package runtime

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a flow definition was rejected.
type ErrorKind string

const (
	KindMissingField         ErrorKind = "MissingField"
	KindInvalidField         ErrorKind = "InvalidField"
	KindCycleDetected        ErrorKind = "CycleDetected"
	KindUnknownStepReference ErrorKind = "UnknownStepReference"
)

var (
	ErrMissingField         = errors.New("missing field")
	ErrInvalidField         = errors.New("invalid field")
	ErrCycleDetected        = errors.New("cycle detected")
	ErrUnknownStepReference = errors.New("unknown step reference")

	// ErrInvalidPredicate is returned by predicate parsing. Evaluation never
	// surfaces it; an invalid predicate evaluates to false.
	ErrInvalidPredicate = errors.New("invalid predicate")

	// ErrMigrationStrategyUnknown means the analyzer produced a strategy the
	// migrator does not implement.
	ErrMigrationStrategyUnknown = errors.New("unknown migration strategy")
)

// DefinitionError rejects a single flow. Other flows in the same document are
// unaffected.
type DefinitionError struct {
	Kind    ErrorKind `json:"kind"`
	Flow    string    `json:"flow"`
	Step    string    `json:"step,omitempty"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
	Cycle   []string  `json:"cycle,omitempty"`
}

func (e *DefinitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] flow %q", e.Kind, e.Flow)
	if e.Step != "" {
		fmt.Fprintf(&b, ", step %q", e.Step)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ", field %q", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Unwrap maps the error onto its kind sentinel so errors.Is works against
// ErrMissingField, ErrCycleDetected and friends.
func (e *DefinitionError) Unwrap() error {
	switch e.Kind {
	case KindMissingField:
		return ErrMissingField
	case KindInvalidField:
		return ErrInvalidField
	case KindCycleDetected:
		return ErrCycleDetected
	case KindUnknownStepReference:
		return ErrUnknownStepReference
	default:
		return nil
	}
}

func NewMissingField(flow, step, field string) *DefinitionError {
	msg := fmt.Sprintf("required field %q is missing or empty", field)
	return &DefinitionError{Kind: KindMissingField, Flow: flow, Step: step, Field: field, Message: msg}
}

func NewInvalidField(flow, step, field, msg string) *DefinitionError {
	return &DefinitionError{Kind: KindInvalidField, Flow: flow, Step: step, Field: field, Message: msg}
}

func NewCycleDetected(flow string, cycle []string) *DefinitionError {
	return &DefinitionError{
		Kind:    KindCycleDetected,
		Flow:    flow,
		Message: fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " → ")),
		Cycle:   cycle,
	}
}

func NewUnknownStepReference(flow, step, field, ref string) *DefinitionError {
	return &DefinitionError{
		Kind:    KindUnknownStepReference,
		Flow:    flow,
		Step:    step,
		Field:   field,
		Message: fmt.Sprintf("reference %q points to a step that is not declared in this flow", ref),
	}
}
