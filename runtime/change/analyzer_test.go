package change

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BDNK1/reflow/runtime"
)

func baseFlow() *runtime.FlowDefinition {
	return &runtime.FlowDefinition{
		Name:        "research",
		Description: "original",
		Version:     "1.0",
		Steps: []runtime.StepDefinition{
			{ID: "step1", TaskType: "decomposer", DisplayName: "step1", Config: map[string]any{"max_questions": 3}},
			{ID: "step2", TaskType: "critic", DisplayName: "step2", Config: map[string]any{"standards": "basic"}},
		},
	}
}

func analyze(t *testing.T, oldFlow, newFlow *runtime.FlowDefinition) *Analysis {
	t.Helper()
	analysis, err := NewAnalyzer(nil).Analyze(oldFlow, newFlow)
	require.NoError(t, err)
	return analysis
}

func TestAnalyze_MetadataOnly(t *testing.T) {
	newFlow := baseFlow()
	newFlow.Description = "revised"
	newFlow.Version = "1.1"

	a := analyze(t, baseFlow(), newFlow)

	assert.Equal(t, ImpactLow, a.ImpactLevel)
	assert.False(t, a.MigrationRequired)
	assert.Equal(t, CompatibilityFull, a.Compatibility)
	assert.Equal(t, StrategyNone, a.Strategy)
	assert.Equal(t, map[Kind]int{KindMetadataChanged: 2}, a.Summary())
}

func TestAnalyze_StepRemoved(t *testing.T) {
	newFlow := baseFlow()
	newFlow.Steps = newFlow.Steps[:1]

	a := analyze(t, baseFlow(), newFlow)

	assert.Equal(t, ImpactHigh, a.ImpactLevel)
	assert.True(t, a.MigrationRequired)
	assert.Equal(t, CompatibilityPartial, a.Compatibility)
	assert.Equal(t, StrategyGracefulMigration, a.Strategy)
	assert.Equal(t, []string{"step2"}, a.StepsWith(KindStepRemoved))
}

func TestAnalyze_TaskTypeChangeIsBreaking(t *testing.T) {
	newFlow := baseFlow()
	newFlow.Steps[0].TaskType = "evidence_seeker"

	a := analyze(t, baseFlow(), newFlow)

	assert.Equal(t, ImpactBreaking, a.ImpactLevel)
	assert.True(t, a.MigrationRequired)
	assert.Equal(t, CompatibilityIncompatible, a.Compatibility)
	assert.Equal(t, StrategyRestartSessions, a.Strategy)

	require.Len(t, a.Changes, 1)
	r := a.Changes[0]
	assert.Equal(t, KindStepModified, r.Kind)
	assert.Equal(t, "step1", r.StepID())
	assert.Equal(t, "task_type", r.Field)
	assert.Equal(t, "decomposer", r.Old)
	assert.Equal(t, "evidence_seeker", r.New)
}

func TestAnalyze_Identical(t *testing.T) {
	a := analyze(t, baseFlow(), baseFlow())

	assert.False(t, a.HasChanges())
	assert.Equal(t, ImpactNone, a.ImpactLevel)
	assert.False(t, a.MigrationRequired)
	assert.Equal(t, CompatibilityFull, a.Compatibility)
	assert.Equal(t, StrategyNone, a.Strategy)
}

func TestAnalyze_StepAddedNeedsNoMigration(t *testing.T) {
	newFlow := baseFlow()
	newFlow.Steps = append(newFlow.Steps, runtime.StepDefinition{ID: "step3", TaskType: "summarizer"})

	a := analyze(t, baseFlow(), newFlow)

	assert.Equal(t, ImpactMedium, a.ImpactLevel)
	assert.False(t, a.MigrationRequired)
	assert.Equal(t, StrategyNone, a.Strategy)
	assert.Equal(t, []string{"step3"}, a.StepsWith(KindStepAdded))
}

func TestAnalyze_ReorderRequiresHotUpdate(t *testing.T) {
	newFlow := baseFlow()
	newFlow.Steps[0], newFlow.Steps[1] = newFlow.Steps[1], newFlow.Steps[0]

	a := analyze(t, baseFlow(), newFlow)

	require.Len(t, a.Changes, 1)
	assert.Equal(t, KindStepReordered, a.Changes[0].Kind)
	assert.Equal(t, []string{"step2", "step1"}, a.Changes[0].StepIDs)
	assert.Equal(t, ImpactMedium, a.ImpactLevel)
	assert.True(t, a.MigrationRequired)
	assert.Equal(t, CompatibilityFull, a.Compatibility)
	assert.Equal(t, StrategyHotUpdate, a.Strategy)
}

func TestAnalyze_InsertionIsNotReorder(t *testing.T) {
	newFlow := baseFlow()
	newFlow.Steps = []runtime.StepDefinition{
		newFlow.Steps[0],
		{ID: "middle", TaskType: "evidence_seeker"},
		newFlow.Steps[1],
	}

	a := analyze(t, baseFlow(), newFlow)

	assert.Zero(t, a.Summary()[KindStepReordered])
	assert.Equal(t, 1, a.Summary()[KindStepAdded])
}

func TestAnalyze_StepFieldImpacts(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(*runtime.StepDefinition)
		impact Impact
	}{
		{"display_name", func(s *runtime.StepDefinition) { s.DisplayName = "Step One" }, ImpactLow},
		{"description", func(s *runtime.StepDefinition) { s.Description = "splits the topic" }, ImpactLow},
		{"config", func(s *runtime.StepDefinition) { s.Config["max_questions"] = 5 }, ImpactMedium},
		{"conditions", func(s *runtime.StepDefinition) { s.Conditions = map[string]string{"ready": "true"} }, ImpactHigh},
		{"dependencies", func(s *runtime.StepDefinition) { s.Dependencies = []string{"step2"} }, ImpactHigh},
		{"parallel", func(s *runtime.StepDefinition) { s.Parallel = true }, ImpactMedium},
		{"for_each", func(s *runtime.StepDefinition) { s.ForEach = "step2.items" }, ImpactHigh},
		{"repeat_until", func(s *runtime.StepDefinition) { s.RepeatUntil = "score >= 1" }, ImpactHigh},
		{"timeout", func(s *runtime.StepDefinition) { s.Timeout = time.Minute }, ImpactLow},
		{"retry_config", func(s *runtime.StepDefinition) { s.Retry = &runtime.RetryPolicy{MaxAttempts: 3} }, ImpactLow},
		{"task_type", func(s *runtime.StepDefinition) { s.TaskType = "planner" }, ImpactBreaking},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			newFlow := baseFlow()
			tt.mutate(&newFlow.Steps[0])

			a := analyze(t, baseFlow(), newFlow)

			require.Len(t, a.Changes, 1)
			assert.Equal(t, KindStepModified, a.Changes[0].Kind)
			assert.Equal(t, tt.field, a.Changes[0].Field)
			assert.Equal(t, tt.impact, a.Changes[0].Impact)
			assert.Equal(t, tt.impact, a.ImpactLevel)
		})
	}
}

func TestAnalyze_EmptyAndNilCollectionsAreEqual(t *testing.T) {
	oldFlow := baseFlow()
	oldFlow.Prerequisites = nil
	oldFlow.Steps[1].Conditions = nil

	newFlow := baseFlow()
	newFlow.Prerequisites = []string{}
	newFlow.Steps[1].Conditions = map[string]string{}

	assert.False(t, analyze(t, oldFlow, newFlow).HasChanges())
}

func TestAnalyze_MixedChangesTakeMaximum(t *testing.T) {
	newFlow := baseFlow()
	newFlow.Version = "2.0"
	newFlow.Steps[1].Config = map[string]any{"standards": "strict"}
	newFlow.Steps = append(newFlow.Steps, runtime.StepDefinition{ID: "step3", TaskType: "summarizer"})
	newFlow.Steps[0].Conditions = map[string]string{"step2.approved": "true"}

	a := analyze(t, baseFlow(), newFlow)

	assert.Equal(t, ImpactHigh, a.ImpactLevel)
	assert.Equal(t, CompatibilityPartial, a.Compatibility)
	assert.Equal(t, StrategyGracefulMigration, a.Strategy)

	kinds := make([]Kind, len(a.Changes))
	for i, r := range a.Changes {
		kinds[i] = r.Kind
	}
	assert.Equal(t, []Kind{KindMetadataChanged, KindStepAdded, KindStepModified, KindStepModified}, kinds)
}

func TestAnalyze_Errors(t *testing.T) {
	a := NewAnalyzer(nil)

	_, err := a.Analyze(nil, baseFlow())
	assert.True(t, errors.Is(err, ErrFlowMismatch))

	other := baseFlow()
	other.Name = "other"
	_, err = a.Analyze(baseFlow(), other)
	assert.True(t, errors.Is(err, ErrFlowMismatch))
}

func TestAnalysis_JSON(t *testing.T) {
	newFlow := baseFlow()
	newFlow.Steps = newFlow.Steps[:1]

	data, err := json.Marshal(analyze(t, baseFlow(), newFlow))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "high", decoded["impact_level"])
	assert.Equal(t, "graceful_migration", decoded["migration_strategy"])
	assert.Equal(t, "partial", decoded["compatibility"])
}
