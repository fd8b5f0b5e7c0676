// Package rules implements the introspection rules engine: operator-driven
// conditions evaluated against introspection data and actions applied to
// the matching node.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baremetal-lab/inspector/internal/logger"
	"github.com/baremetal-lab/inspector/pkg/inspection"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
	"github.com/baremetal-lab/inspector/pkg/inspection/models"
	"github.com/baremetal-lab/inspector/pkg/inspection/store"
)

// Multiple-match policies for a condition whose field path selects more
// than one value.
var validMultiple = map[string]bool{
	models.MultipleAny:   true,
	models.MultipleAll:   true,
	models.MultipleFirst: true,
	models.MultipleLast:  true,
}

// ConditionSpec is the wire form of a rule condition. Operator parameters
// are inlined next to the structural keys, matching the import format:
//
//	{"op": "eq", "field": "memory_mb", "value": 12288}
type ConditionSpec struct {
	Op       string
	Field    string
	Multiple string
	Invert   bool
	Params   map[string]any
}

func (c *ConditionSpec) UnmarshalJSON(raw []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}

	c.Op, _ = fields["op"].(string)
	c.Field, _ = fields["field"].(string)
	c.Multiple, _ = fields["multiple"].(string)
	c.Invert, _ = fields["invert"].(bool)

	c.Params = make(map[string]any)
	for key, value := range fields {
		switch key {
		case "op", "field", "multiple", "invert":
		default:
			c.Params[key] = value
		}
	}
	return nil
}

func (c ConditionSpec) MarshalJSON() ([]byte, error) {
	fields := map[string]any{
		"op":    c.Op,
		"field": c.Field,
	}
	if c.Multiple != "" {
		fields["multiple"] = c.Multiple
	}
	if c.Invert {
		fields["invert"] = true
	}
	for key, value := range c.Params {
		fields[key] = value
	}
	return json.Marshal(fields)
}

// ActionSpec is the wire form of a rule action: the action name under the
// "action" key and its parameters inlined.
type ActionSpec struct {
	Name   string
	Params map[string]any
}

func (a *ActionSpec) UnmarshalJSON(raw []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}

	a.Name, _ = fields["action"].(string)
	a.Params = make(map[string]any)
	for key, value := range fields {
		if key != "action" {
			a.Params[key] = value
		}
	}
	return nil
}

func (a ActionSpec) MarshalJSON() ([]byte, error) {
	fields := map[string]any{"action": a.Name}
	for key, value := range a.Params {
		fields[key] = value
	}
	return json.Marshal(fields)
}

// RuleSpec is the wire form of a complete rule, used by the import and
// export paths.
type RuleSpec struct {
	UUID        string          `json:"uuid,omitempty"`
	Description string          `json:"description,omitempty"`
	Scope       string          `json:"scope,omitempty"`
	Conditions  []ConditionSpec `json:"conditions"`
	Actions     []ActionSpec    `json:"actions"`
}

// SpecFromModel converts a stored rule back to its wire form.
func SpecFromModel(rule *models.Rule) *RuleSpec {
	spec := &RuleSpec{
		UUID:        rule.UUID,
		Description: rule.Description,
		Scope:       rule.Scope,
	}
	for _, cond := range rule.Conditions {
		spec.Conditions = append(spec.Conditions, ConditionSpec{
			Op:       cond.Op,
			Field:    cond.Field,
			Multiple: cond.Multiple,
			Invert:   cond.Invert,
			Params:   cond.Params,
		})
	}
	for _, action := range rule.Actions {
		spec.Actions = append(spec.Actions, ActionSpec{
			Name:   action.Name,
			Params: action.Params,
		})
	}
	return spec
}

// Engine validates, stores and applies introspection rules.
type Engine struct {
	store *store.GORMStore
}

// NewEngine creates a rules engine backed by the given store.
func NewEngine(db *store.GORMStore) *Engine {
	return &Engine{store: db}
}

// Create validates a rule spec and persists it. A missing UUID is
// generated; a supplied one must be a valid UUID and not taken.
func (e *Engine) Create(ctx context.Context, spec *RuleSpec) (*models.Rule, error) {
	ruleUUID := spec.UUID
	if ruleUUID == "" {
		ruleUUID = uuid.NewString()
	} else if _, err := uuid.Parse(ruleUUID); err != nil {
		return nil, fmt.Errorf("invalid rule uuid %q: %w", ruleUUID, err)
	}

	if len(spec.Actions) == 0 {
		return nil, fmt.Errorf("rule must have at least one action")
	}

	rule := &models.Rule{
		UUID:        ruleUUID,
		Description: spec.Description,
		Scope:       spec.Scope,
		CreatedAt:   time.Now().UTC(),
	}

	for i, cond := range spec.Conditions {
		plugin, err := conditionByName(cond.Op)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		if cond.Field == "" {
			return nil, fmt.Errorf("condition %d: field is required", i)
		}
		_, path := splitScheme(cond.Field)
		if _, err := resolvePath(map[string]any{}, path); err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}

		multiple := cond.Multiple
		if multiple == "" {
			multiple = models.MultipleAny
		}
		if !validMultiple[multiple] {
			return nil, fmt.Errorf("condition %d: invalid multiple policy %q", i, multiple)
		}

		if err := plugin.Validate(cond.Params); err != nil {
			return nil, fmt.Errorf("condition %d (%s): %w", i, cond.Op, err)
		}

		rule.Conditions = append(rule.Conditions, models.RuleCondition{
			Op:       cond.Op,
			Field:    cond.Field,
			Multiple: multiple,
			Invert:   cond.Invert,
			Params:   cond.Params,
		})
	}

	for i, action := range spec.Actions {
		plugin, err := actionByName(action.Name)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		if err := plugin.Validate(action.Params); err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", i, action.Name, err)
		}
		rule.Actions = append(rule.Actions, models.RuleAction{
			Name:   action.Name,
			Params: action.Params,
		})
	}

	if err := e.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	logger.Info("introspection rule created", logger.Rule(rule.UUID),
		"description", rule.Description)
	return rule, nil
}

// Get returns a stored rule.
func (e *Engine) Get(ctx context.Context, ruleUUID string) (*models.Rule, error) {
	return e.store.GetRule(ctx, ruleUUID)
}

// List returns all stored rules in creation order.
func (e *Engine) List(ctx context.Context) ([]*models.Rule, error) {
	return e.store.ListRules(ctx)
}

// Delete removes a rule.
func (e *Engine) Delete(ctx context.Context, ruleUUID string) error {
	if err := e.store.DeleteRule(ctx, ruleUUID); err != nil {
		return err
	}
	logger.Info("introspection rule deleted", logger.Rule(ruleUUID))
	return nil
}

// DeleteAll removes every rule.
func (e *Engine) DeleteAll(ctx context.Context) error {
	return e.store.DeleteAllRules(ctx)
}

// Apply evaluates all rules against a node's introspection data. Matching
// rules have their actions applied in order; rules that do not match have
// their actions rolled back, so a reapply with changed data converges.
// Rules with a scope only run on nodes carrying the same inspection scope
// property.
func (e *Engine) Apply(ctx context.Context, node *cache.NodeInfo, data inspection.Data) error {
	ruleList, err := e.store.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(ruleList) == 0 {
		logger.Debug("no introspection rules to apply", logger.Node(node.UUID))
		return nil
	}

	nodeScope, err := inspectionScope(ctx, node)
	if err != nil {
		return err
	}

	type outcome struct {
		rule    *models.Rule
		matched bool
	}
	outcomes := make([]outcome, 0, len(ruleList))

	for _, rule := range ruleList {
		if rule.Disabled {
			continue
		}
		if rule.Scope != "" && rule.Scope != nodeScope {
			logger.Debug("skipping out-of-scope rule", logger.Node(node.UUID),
				logger.Rule(rule.UUID), "scope", rule.Scope)
			continue
		}

		matched, err := e.checkConditions(ctx, node, data, rule)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.UUID, err)
		}
		outcomes = append(outcomes, outcome{rule: rule, matched: matched})
	}

	for _, out := range outcomes {
		if err := e.runActions(ctx, node, data, out.rule, !out.matched); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkConditions(ctx context.Context, node *cache.NodeInfo, data inspection.Data, rule *models.Rule) (bool, error) {
	for _, cond := range rule.Conditions {
		plugin, err := conditionByName(cond.Op)
		if err != nil {
			return false, err
		}

		scheme, path := splitScheme(cond.Field)
		doc := any(data)
		if scheme == schemeNode {
			remote, err := node.Node(ctx)
			if err != nil {
				return false, err
			}
			doc = remote.AsMap()
		}

		values, err := resolvePath(doc, path)
		if err != nil {
			return false, fmt.Errorf("condition on %s: %w", cond.Field, err)
		}
		if len(values) == 0 {
			if an, ok := plugin.(allowsNone); !ok || !an.AllowNone() {
				logger.Warn("rule condition field does not exist",
					logger.Node(node.UUID), logger.Rule(rule.UUID), "field", cond.Field)
				return false, nil
			}
			values = []any{nil}
		}

		switch cond.Multiple {
		case models.MultipleFirst:
			values = values[:1]
		case models.MultipleLast:
			values = values[len(values)-1:]
		}

		results := make([]bool, len(values))
		for i, value := range values {
			result, err := plugin.Check(value, cond.Params)
			if err != nil {
				return false, fmt.Errorf("condition %s on %s: %w", cond.Op, cond.Field, err)
			}
			if cond.Invert {
				result = !result
			}
			results[i] = result
		}

		passed := cond.Multiple == models.MultipleAll
		for _, result := range results {
			if cond.Multiple == models.MultipleAll {
				passed = passed && result
			} else {
				passed = passed || result
			}
		}
		if !passed {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) runActions(ctx context.Context, node *cache.NodeInfo, data inspection.Data, rule *models.Rule, rollback bool) error {
	var nodeMap map[string]any
	if remote, err := node.Node(ctx); err == nil {
		nodeMap = remote.AsMap()
	}

	for _, action := range rule.Actions {
		plugin, err := actionByName(action.Name)
		if err != nil {
			return err
		}

		params, err := formatParams(plugin, action.Params, data, nodeMap)
		if err != nil {
			return fmt.Errorf("rule %s action %s: %w", rule.UUID, action.Name, err)
		}

		if rollback {
			err = plugin.Rollback(ctx, node, params)
		} else {
			logger.Debug("applying rule action", logger.Node(node.UUID),
				logger.Rule(rule.UUID), "action", action.Name)
			err = plugin.Apply(ctx, node, params)
		}
		if err != nil {
			return fmt.Errorf("rule %s action %s: %w", rule.UUID, action.Name, err)
		}
	}
	return nil
}

func formatParams(plugin Action, params map[string]any, data inspection.Data, node map[string]any) (map[string]any, error) {
	fp, ok := plugin.(formattedParams)
	if !ok {
		return params, nil
	}

	formatted := make(map[string]any, len(params))
	for key, value := range params {
		formatted[key] = value
	}
	for _, key := range fp.FormattedParams() {
		template, ok := formatted[key].(string)
		if !ok {
			continue
		}
		value, err := formatValue(template, data, node)
		if err != nil {
			return nil, err
		}
		formatted[key] = value
	}
	return formatted, nil
}

func inspectionScope(ctx context.Context, node *cache.NodeInfo) (string, error) {
	value, ok, err := node.GetByPath(ctx, "/properties/inspection_scope")
	if err != nil || !ok {
		return "", err
	}
	scope, _ := value.(string)
	return scope, nil
}
