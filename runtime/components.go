package runtime

import "time"

// FlowDefinition is a parsed, validated flow. Values are never edited after
// parsing; a changed document produces a new FlowDefinition.
type FlowDefinition struct {
	Name              string           `json:"name" yaml:"name"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty"`
	Version           string           `json:"version,omitempty" yaml:"version,omitempty"`
	Steps             []StepDefinition `json:"steps" yaml:"steps"`
	ErrorHandling     ErrorHandling    `json:"error_handling" yaml:"error_handling"`
	GlobalConfig      map[string]any   `json:"global_config,omitempty" yaml:"global_config,omitempty"`
	Prerequisites     []string         `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	ExpectedOutputs   []string         `json:"expected_outputs,omitempty" yaml:"expected_outputs,omitempty"`
	EstimatedDuration string           `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
}

// ErrorHandling is the flow-level failure policy handed to the executor.
type ErrorHandling struct {
	RetryStrategy  string   `json:"retry_strategy,omitempty" yaml:"retry_strategy,omitempty" mapstructure:"retry_strategy"`
	MaxRetries     int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty" mapstructure:"max_retries"`
	FallbackAgents []string `json:"fallback_agents,omitempty" yaml:"fallback_agents,omitempty" mapstructure:"fallback_agents"`
}

// RetryPolicy is the per-step retry configuration.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" mapstructure:"max_attempts"`
	BackoffSeconds float64 `json:"backoff_seconds,omitempty" yaml:"backoff_seconds,omitempty" mapstructure:"backoff_seconds"`
	Strategy       string  `json:"strategy,omitempty" yaml:"strategy,omitempty" mapstructure:"strategy"`
}

type StepDefinition struct {
	ID          string            `json:"id" yaml:"id"`
	TaskType    string            `json:"task_type" yaml:"task_type"`
	DisplayName string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
	Conditions  map[string]string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Parallel    bool              `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	ForEach     string            `json:"for_each,omitempty" yaml:"for_each,omitempty"`
	RepeatUntil string            `json:"repeat_until,omitempty" yaml:"repeat_until,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry       *RetryPolicy      `json:"retry_config,omitempty" yaml:"retry_config,omitempty"`

	// Dependencies holds the step ids referenced by ForEach and Conditions,
	// sorted and without duplicates.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Step returns the step with the given id.
func (f *FlowDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i], true
		}
	}
	return nil, false
}

// StepIDs returns step ids in declaration order.
func (f *FlowDefinition) StepIDs() []string {
	ids := make([]string, len(f.Steps))
	for i, s := range f.Steps {
		ids[i] = s.ID
	}
	return ids
}

// HasStep reports whether the flow declares a step with the given id.
func (f *FlowDefinition) HasStep(id string) bool {
	_, ok := f.Step(id)
	return ok
}

// StepStatus is the execution status of a session's current step as reported
// by the session collaborator.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// SessionState is the mutable execution state of one session.
type SessionState struct {
	CurrentStepID     string         `json:"current_step_id"`
	CurrentStepStatus StepStatus     `json:"current_step_status"`
	CompletedStepIDs  []string       `json:"completed_step_ids"`
	StepResults       map[string]any `json:"step_results"`
}

// ActiveSession is an in-flight workflow instance owned by the session
// collaborator. The migration core only reads and writes it through
// SessionManager.
type ActiveSession struct {
	SessionID string `json:"session_id"`
	FlowName  string `json:"flow_name"`
	Topic     string `json:"topic"`
	UserID    string `json:"user_id"`
	SessionState
}

// IsCompleted reports whether stepID is in the session's completed set.
func (s SessionState) IsCompleted(stepID string) bool {
	for _, id := range s.CompletedStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}
