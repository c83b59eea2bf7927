package change

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/BDNK1/reflow/runtime"
)

// ErrFlowMismatch is returned when the two definitions handed to Analyze do
// not describe the same flow.
var ErrFlowMismatch = errors.New("flow definitions do not describe the same flow")

// stepField describes one comparable StepDefinition field and the impact of
// changing it.
type stepField struct {
	name   string
	impact Impact
	get    func(*runtime.StepDefinition) any
}

var stepFields = []stepField{
	{"task_type", ImpactBreaking, func(s *runtime.StepDefinition) any { return s.TaskType }},
	{"display_name", ImpactLow, func(s *runtime.StepDefinition) any { return s.DisplayName }},
	{"description", ImpactLow, func(s *runtime.StepDefinition) any { return s.Description }},
	{"config", ImpactMedium, func(s *runtime.StepDefinition) any { return s.Config }},
	{"conditions", ImpactHigh, func(s *runtime.StepDefinition) any { return s.Conditions }},
	{"dependencies", ImpactHigh, func(s *runtime.StepDefinition) any { return s.Dependencies }},
	{"parallel", ImpactMedium, func(s *runtime.StepDefinition) any { return s.Parallel }},
	{"for_each", ImpactHigh, func(s *runtime.StepDefinition) any { return s.ForEach }},
	{"repeat_until", ImpactHigh, func(s *runtime.StepDefinition) any { return s.RepeatUntil }},
	{"timeout", ImpactLow, func(s *runtime.StepDefinition) any { return s.Timeout }},
	{"retry_config", ImpactLow, func(s *runtime.StepDefinition) any { return s.Retry }},
}

type metadataField struct {
	name string
	get  func(*runtime.FlowDefinition) any
}

// Every metadata change is low impact.
var metadataFields = []metadataField{
	{"description", func(f *runtime.FlowDefinition) any { return f.Description }},
	{"version", func(f *runtime.FlowDefinition) any { return f.Version }},
	{"estimated_duration", func(f *runtime.FlowDefinition) any { return f.EstimatedDuration }},
	{"error_handling", func(f *runtime.FlowDefinition) any { return f.ErrorHandling }},
	{"global_config", func(f *runtime.FlowDefinition) any { return f.GlobalConfig }},
	{"prerequisites", func(f *runtime.FlowDefinition) any { return f.Prerequisites }},
	{"expected_outputs", func(f *runtime.FlowDefinition) any { return f.ExpectedOutputs }},
}

// Analyzer diffs two versions of a flow and classifies the result.
type Analyzer struct {
	l *slog.Logger
}

func NewAnalyzer(l *slog.Logger) *Analyzer {
	if l == nil {
		l = slog.Default()
	}
	return &Analyzer{l: l}
}

// Analyze compares two versions of the same flow. Records are ordered
// metadata first, then added, removed, modified and reordered steps.
func (a *Analyzer) Analyze(oldFlow, newFlow *runtime.FlowDefinition) (*Analysis, error) {
	if oldFlow == nil || newFlow == nil {
		return nil, fmt.Errorf("analyze: %w: nil definition", ErrFlowMismatch)
	}
	if oldFlow.Name != newFlow.Name {
		return nil, fmt.Errorf("analyze: %w: %q vs %q", ErrFlowMismatch, oldFlow.Name, newFlow.Name)
	}

	var changes []Record
	changes = append(changes, diffMetadata(oldFlow, newFlow)...)
	changes = append(changes, diffSteps(oldFlow, newFlow)...)
	if r, ok := diffOrder(oldFlow, newFlow); ok {
		changes = append(changes, r)
	}

	analysis := classify(newFlow.Name, changes)
	a.l.Debug("Flow change analyzed",
		"flow", analysis.FlowName,
		"changes", len(analysis.Changes),
		"impact", analysis.ImpactLevel.String(),
		"compatibility", analysis.Compatibility,
		"strategy", analysis.Strategy)
	return analysis, nil
}

func diffMetadata(oldFlow, newFlow *runtime.FlowDefinition) []Record {
	var records []Record
	for _, f := range metadataFields {
		o, n := f.get(oldFlow), f.get(newFlow)
		if sameValue(o, n) {
			continue
		}
		records = append(records, Record{Kind: KindMetadataChanged, Field: f.name, Old: o, New: n, Impact: ImpactLow})
	}
	return records
}

func diffSteps(oldFlow, newFlow *runtime.FlowDefinition) []Record {
	var added, removed, modified []Record

	for i := range newFlow.Steps {
		cur := &newFlow.Steps[i]
		prev, ok := oldFlow.Step(cur.ID)
		if !ok {
			added = append(added, Record{Kind: KindStepAdded, StepIDs: []string{cur.ID}, New: cur.TaskType, Impact: ImpactMedium})
			continue
		}
		for _, f := range stepFields {
			o, n := f.get(prev), f.get(cur)
			if sameValue(o, n) {
				continue
			}
			modified = append(modified, Record{
				Kind:    KindStepModified,
				StepIDs: []string{cur.ID},
				Field:   f.name,
				Old:     o,
				New:     n,
				Impact:  f.impact,
			})
		}
	}

	for i := range oldFlow.Steps {
		prev := &oldFlow.Steps[i]
		if !newFlow.HasStep(prev.ID) {
			removed = append(removed, Record{Kind: KindStepRemoved, StepIDs: []string{prev.ID}, Old: prev.TaskType, Impact: ImpactHigh})
		}
	}

	records := make([]Record, 0, len(added)+len(removed)+len(modified))
	records = append(records, added...)
	records = append(records, removed...)
	return append(records, modified...)
}

// diffOrder compares the step sequence restricted to ids present in both
// versions.
func diffOrder(oldFlow, newFlow *runtime.FlowDefinition) (Record, bool) {
	var oldOrder, newOrder []string
	for _, s := range oldFlow.Steps {
		if newFlow.HasStep(s.ID) {
			oldOrder = append(oldOrder, s.ID)
		}
	}
	for _, s := range newFlow.Steps {
		if oldFlow.HasStep(s.ID) {
			newOrder = append(newOrder, s.ID)
		}
	}
	if reflect.DeepEqual(oldOrder, newOrder) {
		return Record{}, false
	}
	return Record{Kind: KindStepReordered, StepIDs: newOrder, Old: oldOrder, New: newOrder, Impact: ImpactMedium}, true
}

func classify(flowName string, changes []Record) *Analysis {
	analysis := &Analysis{
		FlowName:      flowName,
		Changes:       changes,
		Compatibility: CompatibilityFull,
	}

	for _, r := range changes {
		if r.Impact > analysis.ImpactLevel {
			analysis.ImpactLevel = r.Impact
		}
		if r.Kind == KindStepRemoved || r.Kind == KindStepReordered || r.Impact >= ImpactHigh {
			analysis.MigrationRequired = true
		}
	}

	switch {
	case analysis.ImpactLevel == ImpactBreaking:
		analysis.Compatibility = CompatibilityIncompatible
	case analysis.ImpactLevel == ImpactHigh:
		analysis.Compatibility = CompatibilityPartial
	}

	switch {
	case !analysis.MigrationRequired:
		analysis.Strategy = StrategyNone
	case analysis.Compatibility == CompatibilityIncompatible:
		analysis.Strategy = StrategyRestartSessions
	case analysis.ImpactLevel == ImpactHigh:
		analysis.Strategy = StrategyGracefulMigration
	default:
		analysis.Strategy = StrategyHotUpdate
	}
	return analysis
}

// sameValue compares two field values, treating nil and empty collections as
// equal.
func sameValue(a, b any) bool {
	if isEmpty(a) && isEmpty(b) {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		return rv.Len() == 0
	case reflect.Pointer:
		return rv.IsNil()
	default:
		return false
	}
}
