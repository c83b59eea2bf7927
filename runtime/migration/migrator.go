package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/BDNK1/reflow/runtime"
	"github.com/BDNK1/reflow/runtime/change"
	"github.com/BDNK1/reflow/runtime/expression"
)

const instrumentationName = "github.com/BDNK1/reflow/runtime/migration"

// Session metadata keys written during migration.
const (
	MetaFlowName      = "flow_name"
	MetaFlowVersion   = "flow_version"
	MetaFlowSteps     = "flow_steps"
	MetaStrategy      = "migration_strategy"
	MetaMigratedAt    = "migrated_at"
	MetaDeferredSteps = "deferred_steps"
	MetaPendingSteps  = "pending_steps"
	MetaWaitTimedOut  = "migration_wait_timed_out"
	MetaRestartedFrom = "restarted_from"
)

// Request describes one migration batch: every active session of FlowName
// moves from Old to New using Strategy.
type Request struct {
	FlowName string
	Old      *runtime.FlowDefinition
	New      *runtime.FlowDefinition
	Strategy change.Strategy
	Analysis *change.Analysis
}

// Failure is one session that could not be migrated.
type Failure struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
	Err       error  `json:"-"`
}

// Result summarizes a migration batch. It has the same shape for every
// strategy.
type Result struct {
	FlowName             string          `json:"flow_name"`
	Strategy             change.Strategy `json:"strategy"`
	SessionsProcessed    int             `json:"sessions_processed"`
	SuccessfulMigrations int             `json:"successful_migrations"`
	FailedMigrations     int             `json:"failed_migrations"`
	Failures             []Failure       `json:"failures,omitempty"`

	// Restarted maps old session ids to their replacements for
	// restart_sessions.
	Restarted map[string]string `json:"restarted,omitempty"`
}

func (r *Result) record(sessionID string, err error) {
	r.SessionsProcessed++
	if err == nil {
		r.SuccessfulMigrations++
		return
	}
	r.FailedMigrations++
	r.Failures = append(r.Failures, Failure{SessionID: sessionID, Error: err.Error(), Err: err})
}

// Migrator reconciles active sessions with a new flow definition.
// Sessions of one flow are migrated one at a time; a failing session never
// stops the batch.
type Migrator struct {
	l            *slog.Logger
	sessions     runtime.SessionManager
	policy       *expression.RetrofitPolicy
	waitTimeout  time.Duration
	pollInterval time.Duration

	tracer     trace.Tracer
	migrations metric.Int64Counter
}

func NewMigrator(l *slog.Logger, sessions runtime.SessionManager, cfg runtime.MigrationConfig) (*Migrator, error) {
	if l == nil {
		l = slog.Default()
	}
	if sessions == nil {
		return nil, errors.New("migrator requires a session manager")
	}
	policy, err := expression.CompileRetrofitPolicy(cfg.RetrofitPolicy)
	if err != nil {
		return nil, err
	}

	m := &Migrator{
		l:            l,
		sessions:     sessions,
		policy:       policy,
		waitTimeout:  cfg.WaitTimeout,
		pollInterval: cfg.PollInterval,
		tracer:       otel.Tracer(instrumentationName),
	}
	if m.waitTimeout <= 0 {
		m.waitTimeout = 300 * time.Second
	}
	if m.pollInterval <= 0 {
		m.pollInterval = time.Second
	}

	m.migrations, err = otel.Meter(instrumentationName).Int64Counter("reflow.migrations",
		metric.WithDescription("Session migrations by strategy and outcome"),
		metric.WithUnit("{session}"))
	if err != nil {
		l.Warn("Migration counter unavailable", "error", err)
		m.migrations = noop.Int64Counter{}
	}
	return m, nil
}

// Migrate runs one batch. It returns an error only when the batch cannot
// start: an unknown strategy or a failure listing the active sessions.
// Per-session failures are reported in the Result.
func (m *Migrator) Migrate(ctx context.Context, req Request) (*Result, error) {
	ctx, span := m.tracer.Start(ctx, "migration.migrate", trace.WithAttributes(
		attribute.String("flow", req.FlowName),
		attribute.String("strategy", string(req.Strategy)),
	))
	defer span.End()

	migrate, err := m.dispatch(req.Strategy)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if req.New == nil {
		err := fmt.Errorf("migrate %s: new definition is nil", req.FlowName)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &Result{FlowName: req.FlowName, Strategy: req.Strategy}

	sessions, err := m.sessions.GetActiveSessions(ctx, req.FlowName)
	if err != nil {
		err = fmt.Errorf("list active sessions for %s: %w", req.FlowName, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(sessions) == 0 {
		m.l.DebugContext(ctx, "No active sessions to migrate", "flow", req.FlowName)
		return result, nil
	}

	m.l.InfoContext(ctx, fmt.Sprintf("Migrating %d sessions of flow %s", len(sessions), req.FlowName),
		"strategy", req.Strategy)

	for _, sess := range sessions {
		err := m.guard(sess.SessionID, func() error {
			return migrate(ctx, req, sess, result)
		})
		result.record(sess.SessionID, err)

		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err, trace.WithAttributes(attribute.String("session", sess.SessionID)))
			m.l.ErrorContext(ctx, "Session migration failed",
				"flow", req.FlowName, "session", sess.SessionID, "strategy", req.Strategy, "error", err)
		}
		m.migrations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("strategy", string(req.Strategy)),
			attribute.String("outcome", outcome),
		))
	}

	span.SetAttributes(
		attribute.Int("sessions.processed", result.SessionsProcessed),
		attribute.Int("sessions.failed", result.FailedMigrations),
	)
	m.l.InfoContext(ctx, "Migration finished",
		"flow", req.FlowName,
		"strategy", req.Strategy,
		"processed", result.SessionsProcessed,
		"succeeded", result.SuccessfulMigrations,
		"failed", result.FailedMigrations)
	return result, nil
}

type strategyFunc func(ctx context.Context, req Request, sess runtime.ActiveSession, result *Result) error

func (m *Migrator) dispatch(s change.Strategy) (strategyFunc, error) {
	switch s {
	case change.StrategyHotUpdate:
		return m.hotUpdate, nil
	case change.StrategyGracefulMigration:
		return m.graceful, nil
	case change.StrategyRestartSessions:
		return m.restart, nil
	default:
		return nil, fmt.Errorf("%w: %q", runtime.ErrMigrationStrategyUnknown, s)
	}
}

// guard turns a panic inside one session's migration into that session's
// error.
func (m *Migrator) guard(sessionID string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = runtime.NewSessionError(sessionID, "panic", fmt.Errorf("%v", r))
		}
	}()
	return fn()
}

func (m *Migrator) hotUpdate(ctx context.Context, req Request, sess runtime.ActiveSession, _ *Result) error {
	if err := m.sessions.UpdateSessionFlow(ctx, sess.SessionID, req.New); err != nil {
		return runtime.NewSessionError(sess.SessionID, "update_flow", err)
	}
	meta := flowMetadata(req.New, change.StrategyHotUpdate)
	if err := m.sessions.UpdateSessionMetadata(ctx, sess.SessionID, meta); err != nil {
		return runtime.NewSessionError(sess.SessionID, "update_metadata", err)
	}
	m.l.DebugContext(ctx, "Session hot updated", "flow", req.FlowName, "session", sess.SessionID)
	return nil
}

func (m *Migrator) graceful(ctx context.Context, req Request, sess runtime.ActiveSession, _ *Result) error {
	state, timedOut, err := m.waitForStep(ctx, sess.SessionID)
	if err != nil {
		return runtime.NewSessionError(sess.SessionID, "wait_for_step", err)
	}

	if err := m.sessions.UpdateSessionFlow(ctx, sess.SessionID, req.New); err != nil {
		return runtime.NewSessionError(sess.SessionID, "update_flow", err)
	}

	plan := BuildPlan(sess.SessionID, state, req.Analysis)
	meta := flowMetadata(req.New, change.StrategyGracefulMigration)
	if timedOut {
		meta[MetaWaitTimedOut] = true
	}

	var deferred, pending []string
	for _, action := range plan.Actions {
		switch action.Type {
		case ActionSkipToNextStep:
			if err := m.sessions.AdvanceToNextStep(ctx, sess.SessionID); err != nil {
				return runtime.NewSessionError(sess.SessionID, string(action.Type), err)
			}
		case ActionUpdateHistory:
			if err := m.sessions.UpdateStepHistory(ctx, sess.SessionID, action.StepID, action.Reason); err != nil {
				return runtime.NewSessionError(sess.SessionID, string(action.Type), err)
			}
		case ActionEvaluateNewStep:
			retrofit, err := m.policy.Decide(retrofitFacts(sess.SessionID, state, req.New, action.StepID))
			if err != nil {
				m.l.WarnContext(ctx, "Retrofit policy failed, deferring step",
					"session", sess.SessionID, "step", action.StepID, "policy", m.policy.String(), "error", err)
			}
			if retrofit {
				pending = append(pending, action.StepID)
			} else {
				deferred = append(deferred, action.StepID)
			}
		}
		m.l.DebugContext(ctx, fmt.Sprintf("Applied %s to session %s", action.Type, sess.SessionID),
			"step", action.StepID, "reason", action.Reason)
	}

	if len(deferred) > 0 {
		meta[MetaDeferredSteps] = deferred
	}
	if len(pending) > 0 {
		meta[MetaPendingSteps] = pending
	}
	if err := m.sessions.UpdateSessionMetadata(ctx, sess.SessionID, meta); err != nil {
		return runtime.NewSessionError(sess.SessionID, "update_metadata", err)
	}
	return nil
}

// waitForStep polls the session until its current step is no longer running.
// On timeout it returns the last observed state with timedOut set.
func (m *Migrator) waitForStep(ctx context.Context, sessionID string) (runtime.SessionState, bool, error) {
	state, err := m.sessions.GetSessionState(ctx, sessionID)
	if err != nil {
		return state, false, err
	}
	if state.CurrentStepStatus != runtime.StepStatusRunning {
		return state, false, nil
	}

	deadline := time.NewTimer(m.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return state, false, ctx.Err()
		case <-deadline.C:
			m.l.WarnContext(ctx, "Timed out waiting for running step, migrating anyway",
				"session", sessionID, "step", state.CurrentStepID, "timeout", m.waitTimeout)
			return state, true, nil
		case <-ticker.C:
			state, err = m.sessions.GetSessionState(ctx, sessionID)
			if err != nil {
				return state, false, err
			}
			if state.CurrentStepStatus != runtime.StepStatusRunning {
				return state, false, nil
			}
		}
	}
}

func (m *Migrator) restart(ctx context.Context, req Request, sess runtime.ActiveSession, result *Result) error {
	state, err := m.sessions.GetSessionState(ctx, sess.SessionID)
	if err != nil {
		return runtime.NewSessionError(sess.SessionID, "snapshot", err)
	}

	if err := m.sessions.StopSession(ctx, sess.SessionID); err != nil {
		return runtime.NewSessionError(sess.SessionID, "stop", err)
	}

	newID, err := m.sessions.CreateSession(ctx, sess.Topic, req.New.Name, sess.UserID)
	if err != nil {
		return runtime.NewSessionError(sess.SessionID, "create", err)
	}
	if result.Restarted == nil {
		result.Restarted = make(map[string]string)
	}
	result.Restarted[sess.SessionID] = newID

	// the new definition is not committed yet, so bind it explicitly
	if err := m.sessions.UpdateSessionFlow(ctx, newID, req.New); err != nil {
		return runtime.NewSessionError(sess.SessionID, "update_flow", err)
	}

	// CreateSession starts at the first step of the committed definition,
	// which the new definition may not have
	created, err := m.sessions.GetSessionState(ctx, newID)
	if err != nil {
		return runtime.NewSessionError(sess.SessionID, "snapshot", err)
	}
	if created.CurrentStepID != "" && !req.New.HasStep(created.CurrentStepID) {
		if err := m.sessions.AdvanceToNextStep(ctx, newID); err != nil {
			return runtime.NewSessionError(sess.SessionID, string(ActionSkipToNextStep), err)
		}
	}

	kept := PreservedResults(state.StepResults, req.New)
	if len(kept) > 0 {
		if err := m.sessions.RestoreStepResults(ctx, newID, kept); err != nil {
			return runtime.NewSessionError(sess.SessionID, "restore_results", err)
		}
	}

	meta := flowMetadata(req.New, change.StrategyRestartSessions)
	meta[MetaRestartedFrom] = sess.SessionID
	if err := m.sessions.UpdateSessionMetadata(ctx, newID, meta); err != nil {
		return runtime.NewSessionError(sess.SessionID, "update_metadata", err)
	}

	m.l.InfoContext(ctx, fmt.Sprintf("Session %s restarted as %s", sess.SessionID, newID),
		"flow", req.FlowName,
		"preserved", len(kept),
		"discarded", len(state.StepResults)-len(kept))
	return nil
}

// PreservedResults keeps only the results whose step still exists in flow.
func PreservedResults(results map[string]any, flow *runtime.FlowDefinition) map[string]any {
	kept := make(map[string]any, len(results))
	for stepID, r := range results {
		if flow.HasStep(stepID) {
			kept[stepID] = r
		}
	}
	return kept
}

func flowMetadata(flow *runtime.FlowDefinition, strategy change.Strategy) map[string]any {
	return map[string]any{
		MetaFlowName:    flow.Name,
		MetaFlowVersion: flow.Version,
		MetaFlowSteps:   flow.StepIDs(),
		MetaStrategy:    string(strategy),
		MetaMigratedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}

func retrofitFacts(sessionID string, state runtime.SessionState, flow *runtime.FlowDefinition, stepID string) expression.RetrofitFacts {
	ids := flow.StepIDs()
	facts := expression.RetrofitFacts{
		Session: expression.SessionFacts{
			ID:              sessionID,
			CurrentStep:     state.CurrentStepID,
			CurrentPosition: slices.Index(ids, state.CurrentStepID),
			Completed:       state.CompletedStepIDs,
			CompletedCount:  len(state.CompletedStepIDs),
		},
		DepsSatisfied: true,
	}

	step, ok := flow.Step(stepID)
	if !ok {
		facts.DepsSatisfied = false
		return facts
	}
	facts.Step = expression.StepFacts{
		ID:           step.ID,
		TaskType:     step.TaskType,
		Parallel:     step.Parallel,
		Dependencies: step.Dependencies,
		Position:     slices.Index(ids, step.ID),
	}
	for _, dep := range step.Dependencies {
		if !state.IsCompleted(dep) {
			facts.DepsSatisfied = false
			break
		}
	}
	return facts
}
