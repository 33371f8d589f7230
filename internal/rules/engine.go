// Package rules is the declarative policy engine gating agent behavior.
// Rules are validated against a fixed context schema when registered, so a
// rule that would never fire (bad field, wrong operator for the field's kind)
// is rejected up front instead of silently evaluating false forever.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qmlh/crewd/internal/clock"
	"github.com/qmlh/crewd/internal/errs"
	"github.com/qmlh/crewd/internal/events"
	"github.com/qmlh/crewd/internal/otel"
	"github.com/qmlh/crewd/pkg/models"
)

// Result is the outcome of evaluating one rule against a context.
type Result struct {
	RuleID   string          `json:"rule_id"`
	RuleName string          `json:"rule_name"`
	Matched  bool            `json:"matched"`
	Actions  []models.Action `json:"actions,omitempty"`
	Context  map[string]any  `json:"context,omitempty"`
}

// HistoryEntry records one rule evaluation for the bounded audit ring.
type HistoryEntry struct {
	Time     time.Time `json:"time"`
	RuleID   string    `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	RuleType string    `json:"rule_type"`
	Matched  bool      `json:"matched"`
}

type Options struct {
	Clock       clock.Clock
	Hub         *events.Hub
	Logger      *slog.Logger
	HistorySize int
}

type Engine struct {
	clk clock.Clock
	hub *events.Hub
	log *slog.Logger

	mu       sync.RWMutex
	rules    map[string]*models.Rule
	policies map[string]*models.PolicySet

	histSize int
	history  []HistoryEntry // ring, oldest at histHead
	histHead int
	histLen  int
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = models.DefaultRuleHistorySize
	}
	return &Engine{
		clk:      opts.Clock,
		hub:      opts.Hub,
		log:      opts.Logger.With("component", "rules"),
		rules:    make(map[string]*models.Rule),
		policies: make(map[string]*models.PolicySet),
		histSize: opts.HistorySize,
		history:  make([]HistoryEntry, opts.HistorySize),
	}
}

// validateRule checks a rule's shape against the context schema and the
// operator and action enums.
func validateRule(r models.Rule) error {
	if r.Name == "" {
		return &errs.ValidationError{Field: "name", Reason: "required"}
	}
	switch r.Type {
	case models.RuleTaskAssignment, models.RuleResourceAccess, models.RuleAgentAction, models.RuleCollaboration:
	default:
		return &errs.ValidationError{Field: "type", Reason: "unknown rule type " + r.Type}
	}
	if len(r.Conditions) == 0 {
		return &errs.ValidationError{Field: "conditions", Reason: "at least one condition required"}
	}
	if len(r.Actions) == 0 {
		return &errs.ValidationError{Field: "actions", Reason: "at least one action required"}
	}
	for i, c := range r.Conditions {
		kind, ok := schema[c.Field]
		if !ok {
			return &errs.ValidationError{Field: fmt.Sprintf("conditions[%d].field", i), Reason: "unknown field " + c.Field}
		}
		if err := validateOperator(c, kind); err != nil {
			return &errs.ValidationError{Field: fmt.Sprintf("conditions[%d].operator", i), Reason: err.Error()}
		}
		switch c.Logical {
		case "", models.LogicalAnd, models.LogicalOr:
		default:
			return &errs.ValidationError{Field: fmt.Sprintf("conditions[%d].logical", i), Reason: "unknown logical operator " + c.Logical}
		}
	}
	for i, a := range r.Actions {
		switch a.Type {
		case models.ActionBlock, models.ActionEscalate, models.ActionNotify, models.ActionLimit, models.ActionLog:
		default:
			return &errs.ValidationError{Field: fmt.Sprintf("actions[%d].type", i), Reason: "unknown action type " + a.Type}
		}
	}
	return nil
}

func validateOperator(c models.Condition, kind string) error {
	switch c.Operator {
	case models.OpEq, models.OpNe:
		return nil
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		if kind != kindNumber {
			return fmt.Errorf("%s requires a numeric field, %s is %s", c.Operator, c.Field, kind)
		}
		if _, ok := toNumber(c.Value); !ok {
			return fmt.Errorf("%s requires a numeric value", c.Operator)
		}
		return nil
	case models.OpContains, models.OpNotContains:
		if kind != kindList && kind != kindString {
			return fmt.Errorf("%s requires a list or string field, %s is %s", c.Operator, c.Field, kind)
		}
		return nil
	case models.OpIn:
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("in requires a list value")
		}
		return nil
	default:
		return fmt.Errorf("unknown operator %s", c.Operator)
	}
}

// AddRule validates and registers a rule. A missing id is generated.
func (e *Engine) AddRule(r models.Rule) (models.Rule, error) {
	if err := validateRule(r); err != nil {
		return models.Rule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := e.clk.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[r.ID]; ok {
		return models.Rule{}, &errs.ValidationError{Field: "id", Reason: "rule " + r.ID + " already exists"}
	}
	e.rules[r.ID] = &r
	return r, nil
}

// UpdateRule replaces an existing rule after revalidation.
func (e *Engine) UpdateRule(r models.Rule) (models.Rule, error) {
	if err := validateRule(r); err != nil {
		return models.Rule{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old, ok := e.rules[r.ID]
	if !ok {
		return models.Rule{}, &errs.NotFoundError{Kind: "rule", ID: r.ID}
	}
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = e.clk.Now()
	e.rules[r.ID] = &r
	return r, nil
}

// RemoveRule deletes a rule and drops it from any policy set referencing it.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return &errs.NotFoundError{Kind: "rule", ID: id}
	}
	delete(e.rules, id)
	for _, p := range e.policies {
		for i, rid := range p.RuleIDs {
			if rid == id {
				p.RuleIDs = append(p.RuleIDs[:i], p.RuleIDs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// SetRuleEnabled toggles a rule without touching its definition.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return &errs.NotFoundError{Kind: "rule", ID: id}
	}
	r.Enabled = enabled
	r.UpdatedAt = e.clk.Now()
	return nil
}

// Rule returns one rule by id.
func (e *Engine) Rule(id string) (models.Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return models.Rule{}, &errs.NotFoundError{Kind: "rule", ID: id}
	}
	return *r, nil
}

// Rules returns every registered rule, priority descending then id.
func (e *Engine) Rules() []models.Rule {
	e.mu.RLock()
	out := make([]models.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	e.mu.RUnlock()
	sortRules(out)
	return out
}

func sortRules(rs []models.Rule) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

// AddPolicySet registers a named grouping of rules. Every referenced rule id
// must exist.
func (e *Engine) AddPolicySet(p models.PolicySet) (models.PolicySet, error) {
	if p.Name == "" {
		return models.PolicySet{}, &errs.ValidationError{Field: "name", Reason: "required"}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rid := range p.RuleIDs {
		if _, ok := e.rules[rid]; !ok {
			return models.PolicySet{}, &errs.ValidationError{Field: "rule_ids", Reason: "unknown rule " + rid}
		}
	}
	if _, ok := e.policies[p.ID]; ok {
		return models.PolicySet{}, &errs.ValidationError{Field: "id", Reason: "policy set " + p.ID + " already exists"}
	}
	e.policies[p.ID] = &p
	return p, nil
}

// RemovePolicySet deletes a policy set. Its rules are untouched.
func (e *Engine) RemovePolicySet(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return &errs.NotFoundError{Kind: "policy set", ID: id}
	}
	delete(e.policies, id)
	return nil
}

// PolicySets returns every policy set, priority descending then id.
func (e *Engine) PolicySets() []models.PolicySet {
	e.mu.RLock()
	out := make([]models.PolicySet, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, *p)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EvaluateRules runs every enabled rule of ruleType against the context, in
// priority order, and returns one result per rule. Matches are recorded in
// the history ring and announced on the hub.
func (e *Engine) EvaluateRules(ctx context.Context, ruleType string, c *Context) []Result {
	start := time.Now()

	e.mu.RLock()
	candidates := make([]models.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled && r.Type == ruleType {
			candidates = append(candidates, *r)
		}
	}
	e.mu.RUnlock()
	sortRules(candidates)

	snapshot := c.Snapshot()
	now := e.clk.Now()
	results := make([]Result, 0, len(candidates))
	matched := 0
	for _, r := range candidates {
		res := Result{RuleID: r.ID, RuleName: r.Name, Matched: evalConditions(r.Conditions, c)}
		if res.Matched {
			res.Actions = r.Actions
			res.Context = snapshot
			matched++
		}
		results = append(results, res)
		e.recordHistory(HistoryEntry{Time: now, RuleID: r.ID, RuleName: r.Name, RuleType: r.Type, Matched: res.Matched})
		if res.Matched {
			e.hub.Publish(events.Event{Type: events.TypeRuleEvaluated, RuleID: r.ID, Data: map[string]any{
				"rule_name": r.Name, "rule_type": r.Type, "matched": true,
			}})
		}
	}

	otel.RecordRuleEvaluation(ctx, matched, time.Since(start))
	return results
}

// ExecuteActions enacts the actions of every matched result. Log actions are
// written to the structured log; everything else is emitted as an event for
// the embedding layer to enact.
func (e *Engine) ExecuteActions(ctx context.Context, results []Result) {
	for _, res := range results {
		if !res.Matched {
			continue
		}
		for _, a := range res.Actions {
			if a.Type == models.ActionLog {
				e.log.Info("rule action", "rule", res.RuleName, "rule_id", res.RuleID, "params", a.Params)
				continue
			}
			e.hub.Publish(events.Event{Type: events.TypeActionExecuted, RuleID: res.RuleID, Data: map[string]any{
				"rule_name": res.RuleName, "action": a.Type, "params": a.Params,
			}})
		}
	}
}

// validate evaluates ruleType against the context and denies when any matched
// rule carries a block action. Reasons name the blocking rules.
func (e *Engine) validate(ctx context.Context, ruleType string, c *Context) models.ValidationResult {
	results := e.EvaluateRules(ctx, ruleType, c)
	out := models.ValidationResult{Allowed: true}
	for _, res := range results {
		if !res.Matched {
			continue
		}
		for _, a := range res.Actions {
			if a.Type == models.ActionBlock {
				out.Allowed = false
				out.Reasons = append(out.Reasons, res.RuleName)
				break
			}
		}
	}
	e.ExecuteActions(ctx, results)
	return out
}

// ValidateAgentAction asks whether an agent may perform action on target.
func (e *Engine) ValidateAgentAction(ctx context.Context, a models.Agent, action, targetPath string) models.ValidationResult {
	c := NewContext().WithAgent(a).WithAction(action)
	if targetPath != "" {
		c.WithTarget(targetPath)
	}
	return e.validate(ctx, models.RuleAgentAction, c)
}

// ValidateTaskAssignment asks whether a task may be assigned to an agent.
func (e *Engine) ValidateTaskAssignment(ctx context.Context, a models.Agent, t models.Task) models.ValidationResult {
	return e.validate(ctx, models.RuleTaskAssignment, NewContext().WithAgent(a).WithTask(t))
}

// ValidateResourceAccess asks whether an agent may take requested more units
// of a resource it already holds count of.
func (e *Engine) ValidateResourceAccess(ctx context.Context, a models.Agent, resourceID string, count, requested int) models.ValidationResult {
	return e.validate(ctx, models.RuleResourceAccess, NewContext().WithAgent(a).WithResource(resourceID, count, requested))
}

func (e *Engine) recordHistory(h HistoryEntry) {
	e.mu.Lock()
	idx := (e.histHead + e.histLen) % e.histSize
	e.history[idx] = h
	if e.histLen < e.histSize {
		e.histLen++
	} else {
		e.histHead = (e.histHead + 1) % e.histSize
	}
	e.mu.Unlock()
}

// History returns up to limit of the most recent evaluations, newest first.
// limit <= 0 returns everything retained.
func (e *Engine) History(limit int) []HistoryEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := e.histLen
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryEntry, 0, n)
	for i := 0; i < n; i++ {
		idx := (e.histHead + e.histLen - 1 - i + e.histSize) % e.histSize
		out = append(out, e.history[idx])
	}
	return out
}
