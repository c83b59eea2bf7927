package parser

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BDNK1/reflow/runtime"
	"github.com/BDNK1/reflow/runtime/expression"
)

// MetadataPrefix marks top-level document keys that are not flows.
const MetadataPrefix = "_"

// Warning is a non-fatal finding. The flow it names still loads.
type Warning struct {
	Flow    string `json:"flow"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of parsing a whole document. A flow appears in
// exactly one of Flows or Errors.
type Result struct {
	Flows    map[string]*runtime.FlowDefinition
	Errors   map[string]error
	Warnings []Warning
}

// Names returns the successfully parsed flow names, sorted.
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Flows))
	for name := range r.Flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type flowDocument struct {
	Description       string                `mapstructure:"description"`
	Version           string                `mapstructure:"version"`
	Steps             []any                 `mapstructure:"steps"`
	ErrorHandling     runtime.ErrorHandling `mapstructure:"error_handling"`
	GlobalConfig      map[string]any        `mapstructure:"global_config"`
	Prerequisites     []string              `mapstructure:"prerequisites"`
	ExpectedOutputs   []string              `mapstructure:"expected_outputs"`
	EstimatedDuration string                `mapstructure:"estimated_duration"`
}

type stepDocument struct {
	ID             string               `mapstructure:"id"`
	Name           string               `mapstructure:"name"`
	Agent          string               `mapstructure:"agent"`
	TaskType       string               `mapstructure:"task_type"`
	TaskTypeAlt    string               `mapstructure:"taskType"`
	Description    string               `mapstructure:"description"`
	Config         map[string]any       `mapstructure:"config"`
	Conditions     map[string]any       `mapstructure:"conditions"`
	Parallel       bool                 `mapstructure:"parallel"`
	ForEach        string               `mapstructure:"for_each"`
	RepeatUntil    string               `mapstructure:"repeat_until"`
	TimeoutSeconds *float64             `mapstructure:"timeout_seconds"`
	RetryConfig    *runtime.RetryPolicy `mapstructure:"retry_config"`
}

func (d *stepDocument) taskType() string {
	for _, t := range []string{d.Agent, d.TaskType, d.TaskTypeAlt} {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return ""
}

// Parser turns raw flow documents into validated FlowDefinitions.
type Parser struct {
	l *slog.Logger
}

func NewParser(l *slog.Logger) *Parser {
	if l == nil {
		l = slog.Default()
	}
	return &Parser{l: l}
}

// ParseDocument parses every flow in a document. A flow that fails to parse
// is reported in Result.Errors and never affects the other flows.
func (p *Parser) ParseDocument(doc map[string]any) *Result {
	result := &Result{
		Flows:  make(map[string]*runtime.FlowDefinition),
		Errors: make(map[string]error),
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		if strings.HasPrefix(name, MetadataPrefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		flow, warnings, err := p.parseFlow(name, doc[name])
		result.Warnings = append(result.Warnings, warnings...)
		if err != nil {
			p.l.Error("Flow rejected", "flow", name, "error", err)
			result.Errors[name] = err
			continue
		}
		result.Flows[name] = flow
	}
	return result
}

// ParseFlow parses a single flow body. On error no definition is returned.
func (p *Parser) ParseFlow(name string, body any) (*runtime.FlowDefinition, []Warning, error) {
	return p.parseFlow(name, body)
}

func (p *Parser) parseFlow(name string, body any) (*runtime.FlowDefinition, []Warning, error) {
	raw, ok := body.(map[string]any)
	if !ok {
		return nil, nil, runtime.NewInvalidField(name, "", "", fmt.Sprintf("flow body must be a map, got %T", body))
	}

	var doc flowDocument
	if err := runtime.DecodeMap(raw, &doc); err != nil {
		return nil, nil, runtime.NewInvalidField(name, "", "", err.Error())
	}
	if len(doc.Steps) == 0 {
		return nil, nil, runtime.NewMissingField(name, "", "steps")
	}

	steps, err := p.parseSteps(name, doc.Steps)
	if err != nil {
		return nil, nil, err
	}

	flow := &runtime.FlowDefinition{
		Name:              name,
		Description:       doc.Description,
		Version:           doc.Version,
		Steps:             steps,
		ErrorHandling:     doc.ErrorHandling,
		GlobalConfig:      doc.GlobalConfig,
		Prerequisites:     doc.Prerequisites,
		ExpectedOutputs:   doc.ExpectedOutputs,
		EstimatedDuration: doc.EstimatedDuration,
	}

	warnings, err := p.resolveDependencies(flow)
	if err != nil {
		return nil, warnings, err
	}

	if cycle := BuildGraph(flow).FindCycle(); cycle != nil {
		return nil, warnings, runtime.NewCycleDetected(name, cycle)
	}

	return flow, warnings, nil
}

func (p *Parser) parseSteps(flow string, entries []any) ([]runtime.StepDefinition, error) {
	docs := make([]stepDocument, len(entries))
	for i, entry := range entries {
		raw, ok := entry.(map[string]any)
		if !ok {
			return nil, runtime.NewInvalidField(flow, stepLabel(i), "steps",
				fmt.Sprintf("step entry must be a map, got %T", entry))
		}
		if err := runtime.DecodeMap(raw, &docs[i]); err != nil {
			return nil, runtime.NewInvalidField(flow, stepLabel(i), "", err.Error())
		}
		if docs[i].taskType() == "" {
			label := docs[i].Name
			if label == "" {
				label = stepLabel(i)
			}
			return nil, runtime.NewMissingField(flow, label, "agent")
		}
	}

	ids := assignStepIDs(docs)
	steps := make([]runtime.StepDefinition, len(docs))
	for i := range docs {
		step, err := buildStep(flow, ids[i], &docs[i])
		if err != nil {
			return nil, err
		}
		steps[i] = step
	}
	return steps, nil
}

func buildStep(flow, id string, d *stepDocument) (runtime.StepDefinition, error) {
	step := runtime.StepDefinition{
		ID:          id,
		TaskType:    d.taskType(),
		DisplayName: strings.TrimSpace(d.Name),
		Description: d.Description,
		Config:      d.Config,
		Conditions:  trimKeys(runtime.ToStringMap(d.Conditions)),
		Parallel:    d.Parallel,
		ForEach:     strings.TrimSpace(d.ForEach),
		RepeatUntil: strings.TrimSpace(d.RepeatUntil),
		Retry:       d.RetryConfig,
	}
	if step.DisplayName == "" {
		step.DisplayName = id
	}

	if step.ForEach != "" && step.RepeatUntil != "" {
		return step, runtime.NewInvalidField(flow, id, "for_each",
			"for_each and repeat_until cannot be combined on one step")
	}
	if step.RepeatUntil != "" {
		if _, err := expression.ParsePredicate(step.RepeatUntil); err != nil {
			return step, runtime.NewInvalidField(flow, id, "repeat_until", err.Error())
		}
	}
	if d.TimeoutSeconds != nil {
		if *d.TimeoutSeconds <= 0 {
			return step, runtime.NewInvalidField(flow, id, "timeout_seconds",
				fmt.Sprintf("timeout must be positive, got %v", *d.TimeoutSeconds))
		}
		step.Timeout = time.Duration(*d.TimeoutSeconds * float64(time.Second))
	}
	return step, nil
}

// assignStepIDs derives step ids from the explicit id, the name, or the
// agent, in that order. A collision appends the step's position, bumped
// until unique.
func assignStepIDs(docs []stepDocument) []string {
	ids := make([]string, len(docs))
	taken := make(map[string]bool, len(docs))
	for i := range docs {
		base := strings.TrimSpace(docs[i].ID)
		if base == "" {
			base = runtime.FormatStepID(docs[i].Name)
		}
		if base == "" {
			base = runtime.FormatStepID(docs[i].taskType())
		}

		id := base
		for n := i; taken[id]; n++ {
			id = base + "_" + strconv.Itoa(n)
		}
		taken[id] = true
		ids[i] = id
	}
	return ids
}

// resolveDependencies fills each step's Dependencies from its for_each and
// conditions references. An unknown step in for_each is fatal; one in
// conditions only produces a warning.
func (p *Parser) resolveDependencies(flow *runtime.FlowDefinition) ([]Warning, error) {
	declared := make(map[string]bool, len(flow.Steps))
	for _, s := range flow.Steps {
		declared[s.ID] = true
	}

	var warnings []Warning
	for i := range flow.Steps {
		step := &flow.Steps[i]
		deps := make(map[string]bool)

		if step.ForEach != "" {
			source, _ := runtime.SplitReference(step.ForEach)
			if !declared[source] {
				return warnings, runtime.NewUnknownStepReference(flow.Name, step.ID, "for_each", step.ForEach)
			}
			deps[source] = true
		}

		for _, ref := range conditionReferences(step.Conditions) {
			source, path := runtime.SplitReference(ref)
			switch {
			case declared[source]:
				deps[source] = true
			case path == "":
				// bare context key, not a step reference
			default:
				msg := fmt.Sprintf("condition reference %q points to an undeclared step", ref)
				p.l.Warn("Condition references unknown step",
					"flow", flow.Name, "step", step.ID, "reference", ref)
				warnings = append(warnings, Warning{Flow: flow.Name, Step: step.ID, Message: msg})
			}
		}

		if len(deps) > 0 {
			step.Dependencies = make([]string, 0, len(deps))
			for dep := range deps {
				step.Dependencies = append(step.Dependencies, dep)
			}
			sort.Strings(step.Dependencies)
		}
	}
	return warnings, nil
}

// conditionReferences returns every reference a step's conditions read: the
// keys, plus the reference of any value written as a complete predicate.
func conditionReferences(conditions map[string]string) []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(ref string) {
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}

	keys := make([]string, 0, len(conditions))
	for k := range conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		add(key)
		if pred, err := expression.ParsePredicate(conditions[key]); err == nil {
			add(pred.Ref)
		}
	}
	return refs
}

func trimKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.TrimSpace(k)] = v
	}
	return out
}

func stepLabel(i int) string {
	return fmt.Sprintf("#%d", i)
}
