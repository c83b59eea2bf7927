package migration

import (
	"github.com/BDNK1/reflow/runtime"
	"github.com/BDNK1/reflow/runtime/change"
)

// ActionType is one reconciliation step applied to a session during
// graceful migration.
type ActionType string

const (
	ActionSkipToNextStep  ActionType = "skip_to_next_step"
	ActionUpdateHistory   ActionType = "update_history"
	ActionEvaluateNewStep ActionType = "evaluate_new_step"
)

const (
	ReasonCurrentStepRemoved = "current_step_removed"
	ReasonRemovedFromFlow    = "removed_from_flow"
	ReasonAddedToFlow        = "added_to_flow"
)

type Action struct {
	Type   ActionType `json:"type"`
	StepID string     `json:"step_id"`
	Reason string     `json:"reason"`
}

// Plan is the ordered list of actions that reconciles one session with a
// new flow definition.
type Plan struct {
	SessionID string   `json:"session_id"`
	Actions   []Action `json:"actions"`
}

func (p Plan) Empty() bool {
	return len(p.Actions) == 0
}

// BuildPlan scans the analysis in record order. A removed step that is the
// session's current step is skipped past; a removed step the session already
// completed is tagged in its history with the result kept; every added step
// is handed to the retrofit policy.
func BuildPlan(sessionID string, state runtime.SessionState, analysis *change.Analysis) Plan {
	plan := Plan{SessionID: sessionID}
	if analysis == nil {
		return plan
	}

	for _, r := range analysis.Changes {
		id := r.StepID()
		switch r.Kind {
		case change.KindStepRemoved:
			switch {
			case id == state.CurrentStepID:
				plan.Actions = append(plan.Actions, Action{Type: ActionSkipToNextStep, StepID: id, Reason: ReasonCurrentStepRemoved})
			case state.IsCompleted(id):
				plan.Actions = append(plan.Actions, Action{Type: ActionUpdateHistory, StepID: id, Reason: ReasonRemovedFromFlow})
			}
		case change.KindStepAdded:
			plan.Actions = append(plan.Actions, Action{Type: ActionEvaluateNewStep, StepID: id, Reason: ReasonAddedToFlow})
		}
	}
	return plan
}
