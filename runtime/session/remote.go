package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BDNK1/reflow/runtime"
)

// RemoteConfig configures the HTTP session client.
type RemoteConfig struct {
	Endpoint    string        `yaml:"endpoint" validate:"required,url_format"`
	Timeout     time.Duration `yaml:"timeout" default:"10s" validate:"gt=0"`
	MaxRetries  int           `yaml:"max_retries" default:"2" validate:"gte=0,lte=10"`
	RetryWaitMS int           `yaml:"retry_wait_ms" default:"100" validate:"gte=0,lte=10000"`
	Debug       bool          `yaml:"debug" default:"false"`
}

// RemoteConfigFrom maps the process sessions config onto a RemoteConfig with
// defaults applied.
func RemoteConfigFrom(cfg runtime.SessionsConfig) (RemoteConfig, error) {
	rc := RemoteConfig{Endpoint: cfg.Endpoint, Timeout: cfg.Timeout, MaxRetries: cfg.Retries}
	if err := runtime.ApplyDefaults(&rc); err != nil {
		return rc, err
	}
	rc.MaxRetries = cfg.Retries
	if err := runtime.ValidateStruct(&rc); err != nil {
		return rc, err
	}
	return rc, nil
}

// apiError is the error body returned by the session service.
type apiError struct {
	Error string `json:"error"`
}

type createRequest struct {
	Topic    string `json:"topic"`
	FlowName string `json:"flow_name"`
	UserID   string `json:"user_id"`
}

type createResponse struct {
	SessionID string `json:"session_id"`
}

type historyRequest struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

// RemoteManager talks to a session service over REST:
//
//	GET    /sessions?flow={name}           active sessions of a flow
//	POST   /sessions                       create
//	GET    /sessions/{id}/state            current state
//	PUT    /sessions/{id}/flow             bind to a definition
//	POST   /sessions/{id}/stop
//	POST   /sessions/{id}/advance
//	POST   /sessions/{id}/history
//	PATCH  /sessions/{id}/metadata
//	PUT    /sessions/{id}/results
type RemoteManager struct {
	l      *slog.Logger
	client *resty.Client
}

var _ runtime.SessionManager = (*RemoteManager)(nil)

func NewRemoteManager(l *slog.Logger, cfg RemoteConfig) *RemoteManager {
	if l == nil {
		l = slog.Default()
	}
	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(time.Duration(cfg.RetryWaitMS) * time.Millisecond).
		AddRetryCondition(retryIdempotent).
		SetHeader("Accept", "application/json").
		SetDebug(cfg.Debug)

	return &RemoteManager{l: l, client: client}
}

// retryIdempotent retries transport failures of GET and PUT calls only. A
// POST or PATCH that timed out may already have been applied by the service.
func retryIdempotent(resp *resty.Response, err error) bool {
	if err == nil || resp == nil || resp.Request == nil {
		return false
	}
	switch resp.Request.Method {
	case resty.MethodGet, resty.MethodPut:
		return true
	}
	return false
}

func sessionPath(sessionID, suffix string) string {
	p := "/sessions/" + url.PathEscape(sessionID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// do executes a request and maps transport failures and non-2xx responses
// to errors.
func (r *RemoteManager) do(ctx context.Context, method, path string, body, result any, opts ...func(*resty.Request)) error {
	var failure apiError
	req := r.client.R().SetContext(ctx).SetError(&failure)
	for _, opt := range opts {
		opt(req)
	}
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if failure.Error != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status(), failure.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status())
	}

	r.l.DebugContext(ctx, "Session service call",
		"method", method, "path", path, "status", resp.StatusCode(), "duration", resp.Time())
	return nil
}

func (r *RemoteManager) GetActiveSessions(ctx context.Context, flowName string) ([]runtime.ActiveSession, error) {
	var sessions []runtime.ActiveSession
	byFlow := func(req *resty.Request) { req.SetQueryParam("flow", flowName) }
	if err := r.do(ctx, resty.MethodGet, "/sessions", nil, &sessions, byFlow); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *RemoteManager) UpdateSessionFlow(ctx context.Context, sessionID string, flow *runtime.FlowDefinition) error {
	return r.do(ctx, resty.MethodPut, sessionPath(sessionID, "flow"), flow, nil)
}

func (r *RemoteManager) GetSessionState(ctx context.Context, sessionID string) (runtime.SessionState, error) {
	var state runtime.SessionState
	err := r.do(ctx, resty.MethodGet, sessionPath(sessionID, "state"), nil, &state)
	return state, err
}

func (r *RemoteManager) StopSession(ctx context.Context, sessionID string) error {
	return r.do(ctx, resty.MethodPost, sessionPath(sessionID, "stop"), nil, nil)
}

func (r *RemoteManager) CreateSession(ctx context.Context, topic, flowName, userID string) (string, error) {
	var created createResponse
	body := createRequest{Topic: topic, FlowName: flowName, UserID: userID}
	if err := r.do(ctx, resty.MethodPost, "/sessions", body, &created); err != nil {
		return "", err
	}
	if created.SessionID == "" {
		return "", fmt.Errorf("POST /sessions: response carries no session_id")
	}
	return created.SessionID, nil
}

func (r *RemoteManager) AdvanceToNextStep(ctx context.Context, sessionID string) error {
	return r.do(ctx, resty.MethodPost, sessionPath(sessionID, "advance"), nil, nil)
}

func (r *RemoteManager) UpdateStepHistory(ctx context.Context, sessionID, stepID, reason string) error {
	return r.do(ctx, resty.MethodPost, sessionPath(sessionID, "history"), historyRequest{StepID: stepID, Reason: reason}, nil)
}

func (r *RemoteManager) UpdateSessionMetadata(ctx context.Context, sessionID string, metadata map[string]any) error {
	return r.do(ctx, resty.MethodPatch, sessionPath(sessionID, "metadata"), metadata, nil)
}

func (r *RemoteManager) RestoreStepResults(ctx context.Context, sessionID string, results map[string]any) error {
	return r.do(ctx, resty.MethodPut, sessionPath(sessionID, "results"), results, nil)
}
