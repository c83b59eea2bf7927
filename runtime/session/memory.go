package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BDNK1/reflow/runtime"
)

// ErrSessionNotFound is returned for unknown or stopped session ids.
var ErrSessionNotFound = errors.New("session not found")

// FlowLookup resolves a flow name to its current definition.
type FlowLookup func(name string) (*runtime.FlowDefinition, bool)

// HistoryEntry is one annotation on a session's step history.
type HistoryEntry struct {
	StepID string    `json:"step_id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type record struct {
	session  runtime.ActiveSession
	flow     *runtime.FlowDefinition
	metadata map[string]any
	history  []HistoryEntry
	seq      uint64
}

// MemoryManager keeps sessions in process memory. It is the default session
// collaborator when no remote endpoint is configured, and the store used in
// tests.
type MemoryManager struct {
	l      *slog.Logger
	lookup FlowLookup

	mu       sync.RWMutex
	sessions map[string]*record
	seq      uint64
}

var _ runtime.SessionManager = (*MemoryManager)(nil)

func NewMemoryManager(l *slog.Logger, lookup FlowLookup) *MemoryManager {
	if l == nil {
		l = slog.Default()
	}
	return &MemoryManager{
		l:        l,
		lookup:   lookup,
		sessions: make(map[string]*record),
	}
}

func (m *MemoryManager) get(sessionID string) (*record, error) {
	r, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return r, nil
}

// GetActiveSessions returns the unfinished sessions bound to flowName,
// oldest first.
func (m *MemoryManager) GetActiveSessions(_ context.Context, flowName string) ([]runtime.ActiveSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*record
	for _, r := range m.sessions {
		if r.session.FlowName == flowName && !finished(r.session) {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].seq < records[j].seq
	})

	out := make([]runtime.ActiveSession, len(records))
	for i, r := range records {
		out[i] = snapshot(r.session)
	}
	return out, nil
}

func (m *MemoryManager) UpdateSessionFlow(_ context.Context, sessionID string, flow *runtime.FlowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(sessionID)
	if err != nil {
		return err
	}
	r.flow = flow
	r.session.FlowName = flow.Name
	return nil
}

func (m *MemoryManager) GetSessionState(_ context.Context, sessionID string) (runtime.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.get(sessionID)
	if err != nil {
		return runtime.SessionState{}, err
	}
	return snapshot(r.session).SessionState, nil
}

// StopSession removes the session. Stopped sessions are no longer active.
func (m *MemoryManager) StopSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.get(sessionID); err != nil {
		return err
	}
	delete(m.sessions, sessionID)
	m.l.Debug("Session stopped", "session", sessionID)
	return nil
}

// CreateSession starts a session at the first step of the named flow, when
// the flow is known.
func (m *MemoryManager) CreateSession(_ context.Context, topic, flowName, userID string) (string, error) {
	r := &record{
		session: runtime.ActiveSession{
			SessionID: uuid.NewString(),
			FlowName:  flowName,
			Topic:     topic,
			UserID:    userID,
			SessionState: runtime.SessionState{
				CurrentStepStatus: runtime.StepStatusPending,
				StepResults:       make(map[string]any),
			},
		},
		metadata: make(map[string]any),
	}
	if m.lookup != nil {
		if flow, ok := m.lookup(flowName); ok {
			r.flow = flow
			if len(flow.Steps) > 0 {
				r.session.CurrentStepID = flow.Steps[0].ID
			}
		}
	}

	m.mu.Lock()
	m.seq++
	r.seq = m.seq
	m.sessions[r.session.SessionID] = r
	m.mu.Unlock()

	m.l.Debug("Session created", "session", r.session.SessionID, "flow", flowName, "user", userID)
	return r.session.SessionID, nil
}

// AdvanceToNextStep moves the session to the first step of its flow that is
// neither completed nor current. With no such step the session has nothing
// left to run.
func (m *MemoryManager) AdvanceToNextStep(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(sessionID)
	if err != nil {
		return err
	}

	next := ""
	if r.flow != nil {
		for _, s := range r.flow.Steps {
			if s.ID != r.session.CurrentStepID && !r.session.IsCompleted(s.ID) {
				next = s.ID
				break
			}
		}
	}

	r.session.CurrentStepID = next
	if next == "" {
		r.session.CurrentStepStatus = runtime.StepStatusCompleted
	} else {
		r.session.CurrentStepStatus = runtime.StepStatusPending
	}
	return nil
}

func (m *MemoryManager) UpdateStepHistory(_ context.Context, sessionID, stepID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(sessionID)
	if err != nil {
		return err
	}
	r.history = append(r.history, HistoryEntry{StepID: stepID, Reason: reason, At: time.Now()})
	return nil
}

// UpdateSessionMetadata merges metadata into the session's metadata.
func (m *MemoryManager) UpdateSessionMetadata(_ context.Context, sessionID string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(sessionID)
	if err != nil {
		return err
	}
	maps.Copy(r.metadata, metadata)
	return nil
}

func (m *MemoryManager) RestoreStepResults(_ context.Context, sessionID string, results map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(sessionID)
	if err != nil {
		return err
	}
	maps.Copy(r.session.StepResults, results)
	for stepID := range results {
		if !r.session.IsCompleted(stepID) {
			r.session.CompletedStepIDs = append(r.session.CompletedStepIDs, stepID)
		}
	}
	sort.Strings(r.session.CompletedStepIDs)

	if r.flow != nil && r.session.IsCompleted(r.session.CurrentStepID) {
		r.session.CurrentStepID = ""
		for _, s := range r.flow.Steps {
			if !r.session.IsCompleted(s.ID) {
				r.session.CurrentStepID = s.ID
				break
			}
		}
	}
	return nil
}

// SetStepStatus marks stepID as the session's current step with the given
// status.
func (m *MemoryManager) SetStepStatus(sessionID, stepID string, status runtime.StepStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(sessionID)
	if err != nil {
		return err
	}
	r.session.CurrentStepID = stepID
	r.session.CurrentStepStatus = status
	return nil
}

// CompleteStep records a step's result and marks it completed.
func (m *MemoryManager) CompleteStep(sessionID, stepID string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(sessionID)
	if err != nil {
		return err
	}
	r.session.StepResults[stepID] = result
	if !r.session.IsCompleted(stepID) {
		r.session.CompletedStepIDs = append(r.session.CompletedStepIDs, stepID)
	}
	if r.session.CurrentStepID == stepID {
		r.session.CurrentStepStatus = runtime.StepStatusCompleted
	}
	return nil
}

// Session returns a copy of the session.
func (m *MemoryManager) Session(sessionID string) (runtime.ActiveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sessions[sessionID]
	if !ok {
		return runtime.ActiveSession{}, false
	}
	return snapshot(r.session), true
}

// Flow returns the definition the session currently runs.
func (m *MemoryManager) Flow(sessionID string) (*runtime.FlowDefinition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sessions[sessionID]
	if !ok || r.flow == nil {
		return nil, false
	}
	return r.flow, true
}

func (m *MemoryManager) Metadata(sessionID string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.sessions[sessionID]; ok {
		return maps.Clone(r.metadata)
	}
	return nil
}

func (m *MemoryManager) History(sessionID string) []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.sessions[sessionID]; ok {
		return slices.Clone(r.history)
	}
	return nil
}

// finished reports whether the session has run past its last step.
func finished(s runtime.ActiveSession) bool {
	return s.CurrentStepID == "" && s.CurrentStepStatus == runtime.StepStatusCompleted
}

func snapshot(s runtime.ActiveSession) runtime.ActiveSession {
	s.CompletedStepIDs = slices.Clone(s.CompletedStepIDs)
	s.StepResults = maps.Clone(s.StepResults)
	return s
}
