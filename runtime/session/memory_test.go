package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BDNK1/reflow/runtime"
)

func testFlow(name string, stepIDs ...string) *runtime.FlowDefinition {
	flow := &runtime.FlowDefinition{Name: name}
	for _, id := range stepIDs {
		flow.Steps = append(flow.Steps, runtime.StepDefinition{ID: id, TaskType: id})
	}
	return flow
}

func lookupOf(flows ...*runtime.FlowDefinition) FlowLookup {
	return func(name string) (*runtime.FlowDefinition, bool) {
		for _, f := range flows {
			if f.Name == name {
				return f, true
			}
		}
		return nil, false
	}
}

func TestMemoryManager_CreateAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(nil, lookupOf(testFlow("research", "decompose", "critic")))

	id1, err := m.CreateSession(ctx, "climate", "research", "u1")
	require.NoError(t, err)
	id2, err := m.CreateSession(ctx, "oceans", "research", "u2")
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, "other", "summary", "u3")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	active, err := m.GetActiveSessions(ctx, "research")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, id1, active[0].SessionID)
	assert.Equal(t, "climate", active[0].Topic)
	assert.Equal(t, "decompose", active[0].CurrentStepID)
	assert.Equal(t, runtime.StepStatusPending, active[0].CurrentStepStatus)

	none, err := m.GetActiveSessions(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryManager_StepLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(nil, lookupOf(testFlow("research", "decompose", "evidence", "critic")))
	id, _ := m.CreateSession(ctx, "t", "research", "u")

	require.NoError(t, m.SetStepStatus(id, "decompose", runtime.StepStatusRunning))
	state, err := m.GetSessionState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runtime.StepStatusRunning, state.CurrentStepStatus)

	require.NoError(t, m.CompleteStep(id, "decompose", []string{"q1", "q2"}))
	require.NoError(t, m.AdvanceToNextStep(ctx, id))

	state, _ = m.GetSessionState(ctx, id)
	assert.Equal(t, "evidence", state.CurrentStepID)
	assert.Equal(t, runtime.StepStatusPending, state.CurrentStepStatus)
	assert.Equal(t, []string{"decompose"}, state.CompletedStepIDs)
	assert.Equal(t, []string{"q1", "q2"}, state.StepResults["decompose"])

	// skipping the current step leaves it incomplete
	require.NoError(t, m.AdvanceToNextStep(ctx, id))
	state, _ = m.GetSessionState(ctx, id)
	assert.Equal(t, "critic", state.CurrentStepID)
	assert.False(t, state.IsCompleted("evidence"))
}

func TestMemoryManager_AdvanceUsesUpdatedFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(nil, lookupOf(testFlow("research", "decompose", "evidence", "critic")))
	id, _ := m.CreateSession(ctx, "t", "research", "u")
	require.NoError(t, m.CompleteStep(id, "decompose", "done"))
	require.NoError(t, m.SetStepStatus(id, "evidence", runtime.StepStatusCompleted))

	updated := testFlow("research", "decompose", "critic", "summarize")
	require.NoError(t, m.UpdateSessionFlow(ctx, id, updated))
	require.NoError(t, m.AdvanceToNextStep(ctx, id))

	state, _ := m.GetSessionState(ctx, id)
	assert.Equal(t, "critic", state.CurrentStepID)
	flow, ok := m.Flow(id)
	require.True(t, ok)
	assert.Same(t, updated, flow)
}

func TestMemoryManager_AdvancePastLastStep(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(nil, lookupOf(testFlow("single", "only")))
	id, _ := m.CreateSession(ctx, "t", "single", "u")

	require.NoError(t, m.AdvanceToNextStep(ctx, id))
	state, _ := m.GetSessionState(ctx, id)
	assert.Empty(t, state.CurrentStepID)
	assert.Equal(t, runtime.StepStatusCompleted, state.CurrentStepStatus)

	// finished sessions are kept but no longer listed as active
	active, err := m.GetActiveSessions(ctx, "single")
	require.NoError(t, err)
	assert.Empty(t, active)
	_, ok := m.Session(id)
	assert.True(t, ok)
}

func TestMemoryManager_MetadataHistoryAndRestore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(nil, lookupOf(testFlow("research", "decompose", "evidence", "critic")))
	id, _ := m.CreateSession(ctx, "t", "research", "u")

	require.NoError(t, m.UpdateSessionMetadata(ctx, id, map[string]any{"a": 1}))
	require.NoError(t, m.UpdateSessionMetadata(ctx, id, map[string]any{"b": 2}))
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, m.Metadata(id))

	require.NoError(t, m.UpdateStepHistory(ctx, id, "draft", "removed_from_flow"))
	history := m.History(id)
	require.Len(t, history, 1)
	assert.Equal(t, "draft", history[0].StepID)
	assert.Equal(t, "removed_from_flow", history[0].Reason)

	require.NoError(t, m.RestoreStepResults(ctx, id, map[string]any{"decompose": "r1", "evidence": "r2"}))
	state, _ := m.GetSessionState(ctx, id)
	assert.Equal(t, []string{"decompose", "evidence"}, state.CompletedStepIDs)
	assert.Equal(t, "critic", state.CurrentStepID)
}

func TestMemoryManager_StopAndUnknown(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(nil, nil)
	id, _ := m.CreateSession(ctx, "t", "research", "u")

	require.NoError(t, m.StopSession(ctx, id))
	active, _ := m.GetActiveSessions(ctx, "research")
	assert.Empty(t, active)

	err := m.StopSession(ctx, id)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	_, err = m.GetSessionState(ctx, "nope")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.True(t, errors.Is(m.AdvanceToNextStep(ctx, "nope"), ErrSessionNotFound))
}

func TestMemoryManager_SnapshotsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(nil, nil)
	id, _ := m.CreateSession(ctx, "t", "research", "u")
	require.NoError(t, m.CompleteStep(id, "a", "r"))

	state, _ := m.GetSessionState(ctx, id)
	state.StepResults["a"] = "tampered"
	state.CompletedStepIDs[0] = "z"

	again, _ := m.GetSessionState(ctx, id)
	assert.Equal(t, "r", again.StepResults["a"])
	assert.Equal(t, []string{"a"}, again.CompletedStepIDs)
}
