// Package models defines the durable entities of the introspection
// coordinator: node records under introspection, their lookup attributes and
// workflow options, and the persisted introspection rules.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Node is the durable record of a single introspection run.
//
// A node is active while FinishedAt is nil. Setting FinishedAt makes the
// record terminal; terminal records are retained for the configured
// status-keep time and then reaped by the clean-up sweep.
type Node struct {
	UUID       string     `gorm:"primaryKey;size:36" json:"uuid"`
	StartedAt  time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt *time.Time `gorm:"index" json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// TableName returns the table name for Node.
func (Node) TableName() string {
	return "nodes"
}

// Finished reports whether the introspection run is terminal.
func (n *Node) Finished() bool {
	return n.FinishedAt != nil
}

// ErrorMessage returns the stored error text, or "" when the run succeeded
// or is still active.
func (n *Node) ErrorMessage() string {
	if n.Error == nil {
		return ""
	}
	return *n.Error
}

// Attribute is a lookup attribute for an active node: a (name, value) pair
// that identifies at most one node, e.g. ("mac", "11:22:33:44:55:66") or
// ("bmc_address", "1.2.3.4"). The pair is globally unique among active nodes;
// attributes are deleted when the owning node terminates.
type Attribute struct {
	Name  string `gorm:"primaryKey;size:255" json:"name"`
	Value string `gorm:"primaryKey;size:255" json:"value"`
	UUID  string `gorm:"index;size:36;not null" json:"uuid"`
}

// TableName returns the table name for Attribute.
func (Attribute) TableName() string {
	return "attributes"
}

// Option carries workflow-scoped data for a node, such as pending IPMI
// credentials. The value is an opaque JSON-encoded document. Options survive
// only while the node is active.
type Option struct {
	UUID  string `gorm:"primaryKey;size:36" json:"uuid"`
	Name  string `gorm:"primaryKey;size:255" json:"name"`
	Value string `gorm:"type:text;not null" json:"value"`
}

// TableName returns the table name for Option.
func (Option) TableName() string {
	return "options"
}

// Rule is a persisted condition/action document applied at the end of
// post-processing.
type Rule struct {
	UUID        string    `gorm:"primaryKey;size:36" json:"uuid"`
	Description string    `gorm:"size:255" json:"description"`
	Disabled    bool      `gorm:"default:false" json:"disabled"`
	Scope       string    `gorm:"size:255" json:"scope,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`

	Conditions []RuleCondition `gorm:"foreignKey:RuleUUID;references:UUID" json:"conditions"`
	Actions    []RuleAction    `gorm:"foreignKey:RuleUUID;references:UUID" json:"actions"`
}

// TableName returns the table name for Rule.
func (Rule) TableName() string {
	return "rules"
}

// Multi-value reduction policies for a rule condition whose field path
// selects more than one value.
const (
	MultipleAny   = "any"
	MultipleAll   = "all"
	MultipleFirst = "first"
	MultipleLast  = "last"
)

// RuleCondition is a single condition of a rule. Op names a condition plugin,
// Field is a path expression over the introspection data (or the remote node
// with a node:// scheme), and Params carries operator-specific parameters,
// typically {"value": ...}.
type RuleCondition struct {
	ID       uint    `gorm:"primaryKey;autoIncrement" json:"-"`
	RuleUUID string  `gorm:"index;size:36;not null" json:"-"`
	Op       string  `gorm:"size:64;not null" json:"op"`
	Field    string  `gorm:"size:255;not null" json:"field"`
	Multiple string  `gorm:"size:16;default:any" json:"multiple,omitempty"`
	Invert   bool    `gorm:"default:false" json:"invert,omitempty"`
	Params   JSONMap `gorm:"type:text" json:"params"`
}

// TableName returns the table name for RuleCondition.
func (RuleCondition) TableName() string {
	return "rule_conditions"
}

// RuleAction is a single action of a rule. Name names an action plugin and
// Params carries action-specific parameters.
type RuleAction struct {
	ID       uint    `gorm:"primaryKey;autoIncrement" json:"-"`
	RuleUUID string  `gorm:"index;size:36;not null" json:"-"`
	Name     string  `gorm:"size:64;not null" json:"action"`
	Params   JSONMap `gorm:"type:text" json:"params"`
}

// TableName returns the table name for RuleAction.
func (RuleAction) TableName() string {
	return "rule_actions"
}

// JSONMap stores an arbitrary JSON object in a text column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported params column type %T", value)
	}

	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}
