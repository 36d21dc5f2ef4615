package types

import (
	"time"
)

// RuleActionType is what a matching rule does
type RuleActionType string

const (
	ActionAllow    RuleActionType = "allow"
	ActionDeny     RuleActionType = "deny"
	ActionModify   RuleActionType = "modify"
	ActionLog      RuleActionType = "log"
	ActionRedirect RuleActionType = "redirect"
)

// IsValid reports whether a is a known action type
func (a RuleActionType) IsValid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionModify, ActionLog, ActionRedirect:
		return true
	}
	return false
}

// Terminal reports whether the action ends rule evaluation with a verdict
func (a RuleActionType) Terminal() bool {
	return a == ActionAllow || a == ActionDeny
}

// Rule is a resource-agnostic override evaluated before policies
type Rule struct {
	ID             string `json:"id" yaml:"id"`
	OrganizationID string `json:"organizationId" yaml:"organizationId"`
	Name           string `json:"name" yaml:"name"`
	Description    string `json:"description,omitempty" yaml:"description,omitempty"`

	Configuration RuleConfiguration `json:"configuration" yaml:"configuration"`
	Conditions    RuleConditions    `json:"conditions" yaml:"conditions"`
	Action        RuleAction        `json:"action" yaml:"action"`
	Metadata      Metadata          `json:"metadata" yaml:"metadata"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt,omitempty"`
}

// RuleConfiguration holds the evaluation settings of a rule
type RuleConfiguration struct {
	Active          bool `json:"active" yaml:"active"`
	Priority        int  `json:"priority" yaml:"priority"`
	EvaluationOrder int  `json:"evaluationOrder" yaml:"evaluationOrder"`
	StopOnMatch     bool `json:"stopOnMatch" yaml:"stopOnMatch"`
}

// RuleConditions are conjunctive; unset fields match anything
type RuleConditions struct {
	Context ContextCondition `json:"context" yaml:"context"`
	Data    DataCondition    `json:"data" yaml:"data"`
	Time    TimeCondition    `json:"time" yaml:"time"`
}

// ContextCondition matches the security context
type ContextCondition struct {
	UserID            string           `json:"userId,omitempty" yaml:"userId,omitempty"`
	OrganizationID    string           `json:"organizationId,omitempty" yaml:"organizationId,omitempty"`
	Role              string           `json:"role,omitempty" yaml:"role,omitempty"`
	Permissions       []string         `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	SessionAttributes map[string]Value `json:"sessionAttributes,omitempty" yaml:"sessionAttributes,omitempty"`
}

// DataCondition matches the requested operation
type DataCondition struct {
	Resource  string        `json:"resource,omitempty" yaml:"resource,omitempty"`
	Column    string        `json:"column,omitempty" yaml:"column,omitempty"`
	Operation OperationType `json:"operation,omitempty" yaml:"operation,omitempty"`
	Value     Value         `json:"value,omitempty" yaml:"value,omitempty"`
}

// TimeCondition bounds when a rule is in force
type TimeCondition struct {
	StartDate string     `json:"startDate,omitempty" yaml:"startDate,omitempty"`
	EndDate   string     `json:"endDate,omitempty" yaml:"endDate,omitempty"`
	TimeOfDay *ClockSpan `json:"timeOfDay,omitempty" yaml:"timeOfDay,omitempty"`
}

// ClockSpan is an inclusive HH:MM window
type ClockSpan struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// RuleAction is the outcome of a matching rule
type RuleAction struct {
	Type       RuleActionType   `json:"type" yaml:"type"`
	Parameters map[string]Value `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Message    string           `json:"message,omitempty" yaml:"message,omitempty"`
}

// Clone returns a deep copy so stores can hand out rules safely
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.Conditions.Context.Permissions = cloneStrings(r.Conditions.Context.Permissions)
	c.Conditions.Context.SessionAttributes = cloneValues(r.Conditions.Context.SessionAttributes)
	if r.Conditions.Data.Value.Kind == KindStringList {
		c.Conditions.Data.Value.List = cloneStrings(r.Conditions.Data.Value.List)
	}
	if r.Conditions.Time.TimeOfDay != nil {
		span := *r.Conditions.Time.TimeOfDay
		c.Conditions.Time.TimeOfDay = &span
	}
	c.Action.Parameters = cloneValues(r.Action.Parameters)
	c.Metadata.Tags = cloneStrings(r.Metadata.Tags)
	return &c
}
