package runtime

import "fmt"

// SessionError records a failed migration of one session. Op names the
// collaborator call or migration phase that failed.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As
func (e *SessionError) Unwrap() error {
	return e.Err
}

func NewSessionError(sessionID, op string, err error) *SessionError {
	return &SessionError{SessionID: sessionID, Op: op, Err: err}
}
