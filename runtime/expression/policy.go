package expression

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultRetrofitPolicy never schedules a newly added step into a session
// that was already running when the flow changed.
const DefaultRetrofitPolicy = "false"

// StepFacts describes a step added by a flow update.
type StepFacts struct {
	ID           string   `expr:"id"`
	TaskType     string   `expr:"task_type"`
	Parallel     bool     `expr:"parallel"`
	Dependencies []string `expr:"dependencies"`
	Position     int      `expr:"position"`
}

// SessionFacts describes the in-flight session being migrated. CurrentPosition
// is the index of the current step in the new flow, or -1 when the current
// step no longer exists there.
type SessionFacts struct {
	ID              string   `expr:"id"`
	CurrentStep     string   `expr:"current_step"`
	CurrentPosition int      `expr:"current_position"`
	Completed       []string `expr:"completed"`
	CompletedCount  int      `expr:"completed_count"`
}

// RetrofitFacts is the environment a retrofit policy expression sees.
type RetrofitFacts struct {
	Step          StepFacts    `expr:"step"`
	Session       SessionFacts `expr:"session"`
	DepsSatisfied bool         `expr:"deps_satisfied"`
}

// RetrofitPolicy decides whether a step added to a flow should be scheduled
// into a session that is already past its start. Policies are boolean expr
// expressions, e.g. `deps_satisfied && step.position > session.current_position`.
type RetrofitPolicy struct {
	source  string
	program *vm.Program
}

func CompileRetrofitPolicy(source string) (*RetrofitPolicy, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		source = DefaultRetrofitPolicy
	}
	program, err := expr.Compile(source, expr.Env(RetrofitFacts{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid retrofit policy %q: %w", source, err)
	}
	return &RetrofitPolicy{source: source, program: program}, nil
}

func (p *RetrofitPolicy) String() string {
	return p.source
}

func (p *RetrofitPolicy) Decide(facts RetrofitFacts) (bool, error) {
	out, err := expr.Run(p.program, facts)
	if err != nil {
		return false, fmt.Errorf("retrofit policy %q: %w", p.source, err)
	}
	decision, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("retrofit policy %q returned %T, expected bool", p.source, out)
	}
	return decision, nil
}
