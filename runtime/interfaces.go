package runtime

import "context"

// DocumentSource produces the raw flow document: a map of flow name to flow
// body as decoded from YAML or JSON.
type DocumentSource interface {
	Load(ctx context.Context) (map[string]any, error)
}

// SessionManager is the session collaborator. It owns session persistence;
// migration reads and writes sessions only through these calls.
type SessionManager interface {
	GetActiveSessions(ctx context.Context, flowName string) ([]ActiveSession, error)
	UpdateSessionFlow(ctx context.Context, sessionID string, flow *FlowDefinition) error
	GetSessionState(ctx context.Context, sessionID string) (SessionState, error)
	StopSession(ctx context.Context, sessionID string) error
	CreateSession(ctx context.Context, topic, flowName, userID string) (string, error)
	AdvanceToNextStep(ctx context.Context, sessionID string) error
	UpdateStepHistory(ctx context.Context, sessionID, stepID, reason string) error
	UpdateSessionMetadata(ctx context.Context, sessionID string, metadata map[string]any) error

	// RestoreStepResults seeds a freshly created session with results
	// carried over from the session it replaces.
	RestoreStepResults(ctx context.Context, sessionID string, results map[string]any) error
}
