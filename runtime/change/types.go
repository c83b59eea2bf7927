package change

import "fmt"

// Impact ranks how disruptive a single change is to running sessions.
// The zero value means no change.
type Impact int

const (
	ImpactNone Impact = iota
	ImpactLow
	ImpactMedium
	ImpactHigh
	ImpactBreaking
)

func (i Impact) String() string {
	switch i {
	case ImpactNone:
		return "none"
	case ImpactLow:
		return "low"
	case ImpactMedium:
		return "medium"
	case ImpactHigh:
		return "high"
	case ImpactBreaking:
		return "breaking"
	default:
		return fmt.Sprintf("impact(%d)", int(i))
	}
}

func (i Impact) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// Compatibility is the aggregate safety classification of an update.
type Compatibility string

const (
	CompatibilityFull         Compatibility = "full"
	CompatibilityPartial      Compatibility = "partial"
	CompatibilityIncompatible Compatibility = "incompatible"
)

// Strategy names how active sessions are reconciled with a new definition.
// StrategyNone means no migration is required.
type Strategy string

const (
	StrategyNone              Strategy = ""
	StrategyHotUpdate         Strategy = "hot_update"
	StrategyGracefulMigration Strategy = "graceful_migration"
	StrategyRestartSessions   Strategy = "restart_sessions"
)

// Kind is the type of a detected change.
type Kind string

const (
	KindStepAdded       Kind = "step_added"
	KindStepRemoved     Kind = "step_removed"
	KindStepModified    Kind = "step_modified"
	KindStepReordered   Kind = "step_reordered"
	KindMetadataChanged Kind = "metadata_changed"
)

// Record is one detected difference between two versions of a flow.
type Record struct {
	Kind Kind `json:"kind"`

	// StepIDs are the subjects of the change: one step for added, removed
	// and modified, the common steps in their new order for reordered,
	// empty for metadata.
	StepIDs []string `json:"step_ids,omitempty"`

	// Field is set for modified steps and metadata changes.
	Field string `json:"field,omitempty"`

	Old    any    `json:"old,omitempty"`
	New    any    `json:"new,omitempty"`
	Impact Impact `json:"impact"`
}

// StepID returns the single subject step, or "" for reorders and metadata.
func (r Record) StepID() string {
	if r.Kind == KindStepReordered || len(r.StepIDs) != 1 {
		return ""
	}
	return r.StepIDs[0]
}

func (r Record) String() string {
	switch r.Kind {
	case KindStepModified:
		return fmt.Sprintf("%s %s.%s (%s)", r.Kind, r.StepID(), r.Field, r.Impact)
	case KindMetadataChanged:
		return fmt.Sprintf("%s %s (%s)", r.Kind, r.Field, r.Impact)
	case KindStepReordered:
		return fmt.Sprintf("%s (%s)", r.Kind, r.Impact)
	default:
		return fmt.Sprintf("%s %s (%s)", r.Kind, r.StepID(), r.Impact)
	}
}

// Analysis is the classified difference between two versions of one flow.
type Analysis struct {
	FlowName          string        `json:"flow_name"`
	Changes           []Record      `json:"changes"`
	ImpactLevel       Impact        `json:"impact_level"`
	MigrationRequired bool          `json:"migration_required"`
	Compatibility     Compatibility `json:"compatibility"`
	Strategy          Strategy      `json:"migration_strategy,omitempty"`
}

// HasChanges reports whether any difference was detected.
func (a *Analysis) HasChanges() bool {
	return len(a.Changes) > 0
}

// Summary counts records per kind.
func (a *Analysis) Summary() map[Kind]int {
	counts := make(map[Kind]int)
	for _, r := range a.Changes {
		counts[r.Kind]++
	}
	return counts
}

// StepsWith returns the subject step ids of every record of the given kind,
// in record order.
func (a *Analysis) StepsWith(kind Kind) []string {
	var ids []string
	for _, r := range a.Changes {
		if r.Kind == kind {
			if id := r.StepID(); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
