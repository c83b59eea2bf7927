package hotupdate

import (
	"sort"
	"sync"

	"github.com/BDNK1/reflow/runtime"
	"github.com/BDNK1/reflow/runtime/change"
	"github.com/BDNK1/reflow/runtime/migration"
)

type EventType string

const (
	EventFlowAdded   EventType = "flow_added"
	EventFlowUpdated EventType = "flow_updated"
)

// UpdateEvent is delivered to update callbacks. Definition is set for
// flow_added; Analysis, and Migration when one ran, for flow_updated.
type UpdateEvent struct {
	CycleID    string                  `json:"cycle_id"`
	Type       EventType               `json:"type"`
	FlowName   string                  `json:"flow_name"`
	Definition *runtime.FlowDefinition `json:"definition,omitempty"`
	Analysis   *change.Analysis        `json:"analysis,omitempty"`
	Migration  *migration.Result       `json:"migration_result,omitempty"`
}

// Error event contexts. Flow scoped contexts carry the flow name as suffix,
// e.g. "parse:deep_research".
const (
	ContextLoad    = "load"
	ContextParse   = "parse:"
	ContextAnalyze = "analyze:"
	ContextMigrate = "migrate:"
)

type ErrorEvent struct {
	CycleID   string
	Context   string
	FlowName  string
	SessionID string
	Err       error
}

type (
	UpdateCallback func(UpdateEvent)
	ErrorCallback  func(ErrorEvent)
)

type RecheckResult struct {
	FlowsLoaded int      `json:"flows_loaded"`
	FlowNames   []string `json:"flow_names"`
}

type Status struct {
	TotalFlows     int            `json:"total_flows"`
	FlowNames      []string       `json:"flow_names"`
	ActiveSessions int            `json:"active_sessions"`
	SessionsByFlow map[string]int `json:"sessions_by_flow"`
}

// Outcome is what one update cycle did to one flow.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeAdded
	OutcomeUpdated
	OutcomeFailed
)

// CycleResult lists flow names by outcome for one update cycle.
type CycleResult struct {
	ID        string   `json:"id"`
	Added     []string `json:"added,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
	Failed    []string `json:"failed,omitempty"`

	mu sync.Mutex
}

func (r *CycleResult) add(name string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch outcome {
	case OutcomeAdded:
		r.Added = append(r.Added, name)
	case OutcomeUpdated:
		r.Updated = append(r.Updated, name)
	case OutcomeFailed:
		r.Failed = append(r.Failed, name)
	default:
		r.Unchanged = append(r.Unchanged, name)
	}
}

func (r *CycleResult) sort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Strings(r.Added)
	sort.Strings(r.Updated)
	sort.Strings(r.Unchanged)
	sort.Strings(r.Failed)
}
