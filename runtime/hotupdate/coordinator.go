package hotupdate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BDNK1/reflow/runtime"
	"github.com/BDNK1/reflow/runtime/change"
	"github.com/BDNK1/reflow/runtime/migration"
	"github.com/BDNK1/reflow/runtime/parser"
)

const instrumentationName = "github.com/BDNK1/reflow/runtime/hotupdate"

// Migrator applies a migration batch. *migration.Migrator implements it.
type Migrator interface {
	Migrate(ctx context.Context, req migration.Request) (*migration.Result, error)
}

// Coordinator holds the current flow table and applies document changes to
// it: parse, analyze, migrate, commit, notify. A flow whose update fails keeps
// its previous definition.
type Coordinator struct {
	l        *slog.Logger
	source   runtime.DocumentSource
	sessions runtime.SessionManager
	migrator Migrator
	parser   *parser.Parser
	analyzer *change.Analyzer
	tracer   trace.Tracer

	mu        sync.Mutex
	flows     map[string]*runtime.FlowDefinition
	flowLocks map[string]*sync.Mutex

	cbMu            sync.Mutex
	updateCallbacks []UpdateCallback
	errorCallbacks  []ErrorCallback
}

func NewCoordinator(l *slog.Logger, source runtime.DocumentSource, sessions runtime.SessionManager, migrator Migrator) *Coordinator {
	if l == nil {
		l = slog.Default()
	}
	return &Coordinator{
		l:         l,
		source:    source,
		sessions:  sessions,
		migrator:  migrator,
		parser:    parser.NewParser(l),
		analyzer:  change.NewAnalyzer(l),
		tracer:    otel.Tracer(instrumentationName),
		flows:     make(map[string]*runtime.FlowDefinition),
		flowLocks: make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) AddUpdateCallback(fn UpdateCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.updateCallbacks = append(c.updateCallbacks, fn)
}

func (c *Coordinator) AddErrorCallback(fn ErrorCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.errorCallbacks = append(c.errorCallbacks, fn)
}

// Load performs the initial load from the document source.
func (c *Coordinator) Load(ctx context.Context) (*CycleResult, error) {
	return c.HandleChange(ctx)
}

// HandleChange is called when the flow document changed. It reloads the
// document and applies it. The error is non-nil only when the document could
// not be loaded at all; the flow table is then left untouched.
func (c *Coordinator) HandleChange(ctx context.Context) (*CycleResult, error) {
	if c.source == nil {
		return nil, errors.New("coordinator has no document source")
	}
	doc, err := c.source.Load(ctx)
	if err != nil {
		err = fmt.Errorf("load flow document: %w", err)
		c.notifyError(ErrorEvent{Context: ContextLoad, Err: err})
		return nil, err
	}
	return c.Apply(ctx, doc), nil
}

// ForceRecheck re-reads and re-applies the document immediately.
func (c *Coordinator) ForceRecheck(ctx context.Context) (RecheckResult, error) {
	if _, err := c.HandleChange(ctx); err != nil {
		return RecheckResult{}, err
	}
	names := c.FlowNames()
	return RecheckResult{FlowsLoaded: len(names), FlowNames: names}, nil
}

// Apply runs one update cycle over an already decoded document. Flows are
// processed concurrently; cycles touching the same flow are serialized.
func (c *Coordinator) Apply(ctx context.Context, doc map[string]any) *CycleResult {
	cycle := &CycleResult{ID: uuid.NewString()}
	ctx, span := c.tracer.Start(ctx, "hotupdate.cycle", trace.WithAttributes(
		attribute.String("cycle.id", cycle.ID),
	))
	defer span.End()

	parsed := c.parser.ParseDocument(doc)
	for _, name := range sortedKeys(parsed.Errors) {
		cycle.add(name, OutcomeFailed)
		c.notifyError(ErrorEvent{CycleID: cycle.ID, Context: ContextParse + name, FlowName: name, Err: parsed.Errors[name]})
	}

	var wg sync.WaitGroup
	for _, name := range parsed.Names() {
		wg.Add(1)
		go func(name string, flow *runtime.FlowDefinition) {
			defer wg.Done()
			cycle.add(name, c.applyFlow(ctx, cycle.ID, flow))
		}(name, parsed.Flows[name])
	}
	wg.Wait()

	c.mu.Lock()
	for name := range c.flows {
		if _, inDoc := doc[name]; !inDoc {
			c.l.InfoContext(ctx, "Flow missing from document, keeping loaded definition", "flow", name)
		}
	}
	c.mu.Unlock()

	cycle.sort()
	span.SetAttributes(
		attribute.Int("flows.added", len(cycle.Added)),
		attribute.Int("flows.updated", len(cycle.Updated)),
		attribute.Int("flows.failed", len(cycle.Failed)),
	)
	if len(cycle.Failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d flows failed", len(cycle.Failed)))
	}
	c.l.InfoContext(ctx, "Update cycle finished",
		"cycle", cycle.ID,
		"added", len(cycle.Added),
		"updated", len(cycle.Updated),
		"unchanged", len(cycle.Unchanged),
		"failed", len(cycle.Failed))
	return cycle
}

func (c *Coordinator) applyFlow(ctx context.Context, cycleID string, flow *runtime.FlowDefinition) Outcome {
	lock := c.flowLock(flow.Name)
	lock.Lock()
	defer lock.Unlock()

	old, exists := c.Flow(flow.Name)
	if !exists {
		c.commit(flow)
		c.l.InfoContext(ctx, fmt.Sprintf("Flow added: %s", flow.Name), "steps", len(flow.Steps))
		c.notifyUpdate(UpdateEvent{CycleID: cycleID, Type: EventFlowAdded, FlowName: flow.Name, Definition: flow})
		return OutcomeAdded
	}

	analysis, err := c.analyzer.Analyze(old, flow)
	if err != nil {
		c.notifyError(ErrorEvent{CycleID: cycleID, Context: ContextAnalyze + flow.Name, FlowName: flow.Name, Err: err})
		return OutcomeFailed
	}
	if !analysis.HasChanges() {
		return OutcomeUnchanged
	}

	var result *migration.Result
	if analysis.MigrationRequired {
		if c.migrator == nil {
			err := fmt.Errorf("flow %s requires %s but no migrator is configured", flow.Name, analysis.Strategy)
			c.notifyError(ErrorEvent{CycleID: cycleID, Context: ContextMigrate + flow.Name, FlowName: flow.Name, Err: err})
			return OutcomeFailed
		}
		result, err = c.migrator.Migrate(ctx, migration.Request{
			FlowName: flow.Name,
			Old:      old,
			New:      flow,
			Strategy: analysis.Strategy,
			Analysis: analysis,
		})
		if err != nil {
			c.notifyError(ErrorEvent{CycleID: cycleID, Context: ContextMigrate + flow.Name, FlowName: flow.Name, Err: err})
			return OutcomeFailed
		}
		for _, f := range result.Failures {
			c.notifyError(ErrorEvent{
				CycleID:   cycleID,
				Context:   ContextMigrate + flow.Name,
				FlowName:  flow.Name,
				SessionID: f.SessionID,
				Err:       f.Err,
			})
		}
	}

	c.commit(flow)
	c.l.InfoContext(ctx, fmt.Sprintf("Flow updated: %s", flow.Name),
		"impact", analysis.ImpactLevel.String(),
		"strategy", analysis.Strategy,
		"changes", len(analysis.Changes))
	c.notifyUpdate(UpdateEvent{
		CycleID:   cycleID,
		Type:      EventFlowUpdated,
		FlowName:  flow.Name,
		Analysis:  analysis,
		Migration: result,
	})
	return OutcomeUpdated
}

func (c *Coordinator) commit(flow *runtime.FlowDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows[flow.Name] = flow
}

func (c *Coordinator) flowLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.flowLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		c.flowLocks[name] = lock
	}
	return lock
}

// Flow returns the current definition of a flow.
func (c *Coordinator) Flow(name string) (*runtime.FlowDefinition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[name]
	return flow, ok
}

// Flows returns a copy of the flow table.
func (c *Coordinator) Flows() map[string]*runtime.FlowDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.flows)
}

// FlowNames returns the loaded flow names, sorted.
func (c *Coordinator) FlowNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.flows)
}

// RemoveFlow drops a flow from the table. Sessions running it are left alone.
func (c *Coordinator) RemoveFlow(name string) bool {
	lock := c.flowLock(name)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.flows[name]; !ok {
		return false
	}
	delete(c.flows, name)
	c.l.Info("Flow removed", "flow", name)
	return true
}

// Status reports the loaded flows and their active session counts. A flow
// whose sessions cannot be listed counts as zero and is logged.
func (c *Coordinator) Status(ctx context.Context) Status {
	names := c.FlowNames()
	status := Status{
		TotalFlows:     len(names),
		FlowNames:      names,
		SessionsByFlow: make(map[string]int, len(names)),
	}
	if c.sessions == nil {
		return status
	}

	for _, name := range names {
		sessions, err := c.sessions.GetActiveSessions(ctx, name)
		if err != nil {
			c.l.WarnContext(ctx, "Could not list active sessions", "flow", name, "error", err)
			continue
		}
		status.SessionsByFlow[name] = len(sessions)
		status.ActiveSessions += len(sessions)
	}
	return status
}

// Callbacks run outside cbMu so they may register further callbacks.
func (c *Coordinator) notifyUpdate(event UpdateEvent) {
	c.cbMu.Lock()
	callbacks := slices.Clone(c.updateCallbacks)
	c.cbMu.Unlock()

	for _, fn := range callbacks {
		c.invoke(event.FlowName, func() { fn(event) })
	}
}

func (c *Coordinator) notifyError(event ErrorEvent) {
	c.l.Error("Flow update failed",
		"context", event.Context,
		"flow", event.FlowName,
		"session", event.SessionID,
		"error", event.Err)

	c.cbMu.Lock()
	callbacks := slices.Clone(c.errorCallbacks)
	c.cbMu.Unlock()

	for _, fn := range callbacks {
		c.invoke(event.FlowName, func() { fn(event) })
	}
}

// invoke runs a subscriber callback, containing its panics.
func (c *Coordinator) invoke(flow string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.l.Error("Callback panicked", "flow", flow, "panic", r)
		}
	}()
	fn()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
