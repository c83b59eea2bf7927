package parser

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BDNK1/reflow/runtime"
	"github.com/BDNK1/reflow/runtime/engine/yaml"
)

const reasoningDocument = `
_schema_version: 2
deep_research:
  description: Multi-step research with critique
  version: "1.2"
  estimated_duration: 10m
  prerequisites: [topic]
  expected_outputs: [report]
  error_handling:
    retry_strategy: exponential
    max_retries: 3
    fallback_agents: [generalist]
  global_config:
    model: large
  steps:
    - name: Decompose
      agent: decomposer
      config:
        max_questions: 3
    - name: evidence
      agent: evidence_seeker
      parallel: true
      for_each: decompose.sub_questions
      timeout_seconds: 90
      retry_config:
        max_attempts: 2
        backoff_seconds: 1.5
    - name: critic
      agent: critic
      repeat_until: overall_score>=0.8
      conditions:
        evidence.count: "> 0"
        approved: "true"
`

func parseDocument(t *testing.T, src string) (*Result, *bytes.Buffer) {
	t.Helper()
	doc, err := yaml.Decode([]byte(src))
	require.NoError(t, err)

	var buf bytes.Buffer
	p := NewParser(slog.New(slog.NewTextHandler(&buf, nil)))
	return p.ParseDocument(doc), &buf
}

func TestParseDocument_FullFlow(t *testing.T) {
	result, _ := parseDocument(t, reasoningDocument)

	require.Empty(t, result.Errors)
	require.Equal(t, []string{"deep_research"}, result.Names())
	flow := result.Flows["deep_research"]

	assert.Equal(t, "Multi-step research with critique", flow.Description)
	assert.Equal(t, "1.2", flow.Version)
	assert.Equal(t, "10m", flow.EstimatedDuration)
	assert.Equal(t, []string{"topic"}, flow.Prerequisites)
	assert.Equal(t, []string{"report"}, flow.ExpectedOutputs)
	assert.Equal(t, "exponential", flow.ErrorHandling.RetryStrategy)
	assert.Equal(t, 3, flow.ErrorHandling.MaxRetries)
	assert.Equal(t, []string{"generalist"}, flow.ErrorHandling.FallbackAgents)
	assert.Equal(t, "large", flow.GlobalConfig["model"])

	require.Equal(t, []string{"decompose", "evidence", "critic"}, flow.StepIDs())

	decompose := flow.Steps[0]
	assert.Equal(t, "decomposer", decompose.TaskType)
	assert.Equal(t, "Decompose", decompose.DisplayName)
	assert.Equal(t, 3, decompose.Config["max_questions"])
	assert.Empty(t, decompose.Dependencies)

	evidence := flow.Steps[1]
	assert.True(t, evidence.Parallel)
	assert.Equal(t, "decompose.sub_questions", evidence.ForEach)
	assert.Equal(t, 90*time.Second, evidence.Timeout)
	require.NotNil(t, evidence.Retry)
	assert.Equal(t, 2, evidence.Retry.MaxAttempts)
	assert.Equal(t, 1.5, evidence.Retry.BackoffSeconds)
	assert.Equal(t, []string{"decompose"}, evidence.Dependencies)

	critic := flow.Steps[2]
	assert.Equal(t, "overall_score>=0.8", critic.RepeatUntil)
	assert.Equal(t, "> 0", critic.Conditions["evidence.count"])
	assert.Equal(t, "true", critic.Conditions["approved"])
	assert.Equal(t, []string{"evidence"}, critic.Dependencies)
}

func TestParseDocument_SkipsMetadataKeys(t *testing.T) {
	result, _ := parseDocument(t, reasoningDocument)

	assert.NotContains(t, result.Flows, "_schema_version")
	assert.NotContains(t, result.Errors, "_schema_version")
}

func TestParseDocument_CycleDetected(t *testing.T) {
	result, _ := parseDocument(t, `
loop:
  steps:
    - name: A
      agent: a
      for_each: c.out
    - name: B
      agent: b
      for_each: a.out
    - name: C
      agent: c
      for_each: b.out
`)

	assert.NotContains(t, result.Flows, "loop")
	err := result.Errors["loop"]
	require.Error(t, err)
	assert.True(t, errors.Is(err, runtime.ErrCycleDetected))

	var defErr *runtime.DefinitionError
	require.True(t, errors.As(err, &defErr))
	assert.Equal(t, "loop", defErr.Flow)
	assert.Equal(t, []string{"a", "c", "b", "a"}, defErr.Cycle)
	assert.Contains(t, err.Error(), "loop")
}

func TestParseFlow_CycleReturnsNoDefinition(t *testing.T) {
	p := NewParser(nil)
	flow, _, err := p.ParseFlow("self", map[string]any{
		"steps": []any{
			map[string]any{"name": "critic", "agent": "critic", "conditions": map[string]any{"critic.score": "< 0.5"}},
		},
	})

	assert.Nil(t, flow)
	assert.True(t, errors.Is(err, runtime.ErrCycleDetected))
}

func TestParseDocument_ReferenceStrictnessAsymmetry(t *testing.T) {
	result, logs := parseDocument(t, `
strict:
  steps:
    - name: evidence
      agent: evidence_seeker
      for_each: ghost.items
lenient:
  steps:
    - name: critic
      agent: critic
      conditions:
        ghost.score: ">= 0.5"
`)

	require.Contains(t, result.Errors, "strict")
	assert.True(t, errors.Is(result.Errors["strict"], runtime.ErrUnknownStepReference))

	require.Contains(t, result.Flows, "lenient")
	assert.Empty(t, result.Flows["lenient"].Steps[0].Dependencies)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "lenient", result.Warnings[0].Flow)
	assert.Equal(t, "critic", result.Warnings[0].Step)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "ghost.score")
}

func TestParseDocument_FailuresAreIsolated(t *testing.T) {
	result, _ := parseDocument(t, `
no_steps:
  description: forgot the steps
empty_steps:
  steps: []
no_agent:
  steps:
    - name: orphan
good:
  steps:
    - name: only
      agent: worker
`)

	assert.Equal(t, []string{"good"}, result.Names())
	for _, name := range []string{"no_steps", "empty_steps", "no_agent"} {
		err := result.Errors[name]
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, runtime.ErrMissingField), name)
	}

	var defErr *runtime.DefinitionError
	require.True(t, errors.As(result.Errors["no_agent"], &defErr))
	assert.Equal(t, "agent", defErr.Field)
	assert.Equal(t, "orphan", defErr.Step)
}

func TestParseDocument_InvalidFields(t *testing.T) {
	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{
			name:  "body not a map",
			body:  nil,
			field: "",
		},
		{
			name:  "step not a map",
			body:  map[string]any{"steps": []any{"decompose"}},
			field: "steps",
		},
		{
			name: "for_each with repeat_until",
			body: map[string]any{"steps": []any{
				map[string]any{"name": "a", "agent": "x"},
				map[string]any{"name": "b", "agent": "y", "for_each": "a.items", "repeat_until": "b.done == true"},
			}},
			field: "for_each",
		},
		{
			name: "zero timeout",
			body: map[string]any{"steps": []any{
				map[string]any{"name": "a", "agent": "x", "timeout_seconds": 0},
			}},
			field: "timeout_seconds",
		},
		{
			name: "negative timeout",
			body: map[string]any{"steps": []any{
				map[string]any{"name": "a", "agent": "x", "timeout_seconds": -5},
			}},
			field: "timeout_seconds",
		},
		{
			name: "repeat_until not a predicate",
			body: map[string]any{"steps": []any{
				map[string]any{"name": "a", "agent": "x", "repeat_until": "whenever"},
			}},
			field: "repeat_until",
		},
	}

	p := NewParser(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body any = tt.body
			if tt.body == nil {
				body = "not a map"
			}
			flow, _, err := p.ParseFlow("bad", body)
			assert.Nil(t, flow)
			require.Error(t, err)
			assert.True(t, errors.Is(err, runtime.ErrInvalidField))

			var defErr *runtime.DefinitionError
			require.True(t, errors.As(err, &defErr))
			assert.Equal(t, tt.field, defErr.Field)
		})
	}
}

func TestParseFlow_StepIDDerivation(t *testing.T) {
	p := NewParser(nil)
	flow, _, err := p.ParseFlow("ids", map[string]any{
		"steps": []any{
			map[string]any{"name": "Evidence Seeker", "agent": "evidence_seeker"},
			map[string]any{"name": "evidence  seeker", "agent": "evidence_seeker"},
			map[string]any{"id": "custom", "name": "Ignored For Id", "agent": "x"},
			map[string]any{"agent": "Summarizer"},
			map[string]any{"task_type": "critic"},
			map[string]any{"taskType": "critic"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"evidence_seeker",
		"evidence_seeker_1",
		"custom",
		"summarizer",
		"critic",
		"critic_5",
	}, flow.StepIDs())
	assert.Equal(t, "Ignored For Id", flow.Steps[2].DisplayName)
	assert.Equal(t, "summarizer", flow.Steps[3].DisplayName)
	assert.Equal(t, "critic", flow.Steps[5].TaskType)
}

func TestParseFlow_ConditionPredicateValueAddsDependency(t *testing.T) {
	p := NewParser(nil)
	flow, warnings, err := p.ParseFlow("gated", map[string]any{
		"steps": []any{
			map[string]any{"name": "critic", "agent": "critic"},
			map[string]any{"name": "publish", "agent": "publisher", "conditions": map[string]any{
				"gate":     "critic.score >= 0.9",
				"critic":   "done",
				"approved": true,
			}},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	publish, ok := flow.Step("publish")
	require.True(t, ok)
	assert.Equal(t, []string{"critic"}, publish.Dependencies)
	assert.Equal(t, "true", publish.Conditions["approved"])
}
