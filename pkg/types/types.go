// Package types provides shared types for the row-level access engine
package types

import (
	"time"
)

// OperationType is the data operation being requested
type OperationType string

const (
	OpSelect OperationType = "SELECT"
	OpInsert OperationType = "INSERT"
	OpUpdate OperationType = "UPDATE"
	OpDelete OperationType = "DELETE"
	// OpAll is only valid on policies; requests always name a concrete operation
	OpAll OperationType = "ALL"
)

// ConcreteOperations lists the operation types a request may carry
var ConcreteOperations = []OperationType{OpSelect, OpInsert, OpUpdate, OpDelete}

// IsValid reports whether t is a concrete operation or ALL
func (t OperationType) IsValid() bool {
	switch t {
	case OpSelect, OpInsert, OpUpdate, OpDelete, OpAll:
		return true
	}
	return false
}

// SecurityContext is the identity snapshot of one session.
// It is created once by the session store and never mutated afterwards.
type SecurityContext struct {
	SubjectID      string           `json:"subjectId" yaml:"subjectId" validate:"required"`
	OrganizationID string           `json:"organizationId" yaml:"organizationId" validate:"required"`
	Role           string           `json:"role" yaml:"role" validate:"required"`
	Permissions    []string         `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Groups         []string         `json:"groups,omitempty" yaml:"groups,omitempty"`
	SessionID      string           `json:"sessionId" yaml:"sessionId" validate:"required"`
	Origin         string           `json:"origin,omitempty" yaml:"origin,omitempty" validate:"omitempty,ip"`
	Client         string           `json:"client,omitempty" yaml:"client,omitempty"`
	Attributes     map[string]Value `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	IssuedAt       time.Time        `json:"issuedAt" yaml:"issuedAt"`
}

// HasPermission checks if the context carries a permission
func (c *SecurityContext) HasPermission(perm string) bool {
	return contains(c.Permissions, perm)
}

// InGroup checks if the context belongs to a group
func (c *SecurityContext) InGroup(group string) bool {
	return contains(c.Groups, group)
}

// Clone returns a deep copy of the context
func (c *SecurityContext) Clone() *SecurityContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Permissions = cloneStrings(c.Permissions)
	out.Groups = cloneStrings(c.Groups)
	out.Attributes = cloneValues(c.Attributes)
	return &out
}

// Operation describes the data access a caller wants to perform
type Operation struct {
	Type     OperationType    `json:"type" yaml:"type" validate:"required,oneof=SELECT INSERT UPDATE DELETE"`
	Resource string           `json:"resource" yaml:"resource" validate:"required"`
	RecordID string           `json:"recordId,omitempty" yaml:"recordId,omitempty"`
	Columns  []string         `json:"columns,omitempty" yaml:"columns,omitempty" validate:"dive,required"`
	Values   map[string]Value `json:"values,omitempty" yaml:"values,omitempty"`
}

// TouchesColumn reports whether the operation reads or writes a column.
// An operation without explicit columns touches every column.
func (o *Operation) TouchesColumn(column string) bool {
	if len(o.Columns) == 0 {
		return true
	}
	return contains(o.Columns, column)
}

// DeferredAction is a matched rule action that does not terminate evaluation
type DeferredAction struct {
	RuleID     string           `json:"ruleId"`
	Action     RuleActionType   `json:"action"`
	Parameters map[string]Value `json:"parameters,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// Verdict is the outcome of one evaluation
type Verdict struct {
	Allowed           bool             `json:"allowed"`
	Reason            string           `json:"reason"`
	PoliciesConsulted []string         `json:"policiesConsulted"`
	RulesConsulted    []string         `json:"rulesConsulted"`
	MatchedPolicyID   string           `json:"matchedPolicyId,omitempty"`
	MatchedRuleID     string           `json:"matchedRuleId,omitempty"`
	PoliciesMatched   int              `json:"policiesMatched"`
	RulesMatched      int              `json:"rulesMatched"`
	Bypass            bool             `json:"bypass,omitempty"`
	Deferred          []DeferredAction `json:"deferred,omitempty"`
	Duration          time.Duration    `json:"-"`
	DurationMs        float64          `json:"durationMs"`
	EvaluatedAt       time.Time        `json:"evaluatedAt"`
}

// AuditEntry builds the audit record for this verdict. The consulted id
// lists are copied so the entry reflects exactly what was examined.
func (v *Verdict) AuditEntry(sc *SecurityContext, op *Operation, recordsReturned int) *AuditLogEntry {
	entry := &AuditLogEntry{
		OrganizationID: sc.OrganizationID,
		SubjectID:      sc.SubjectID,
		SessionID:      sc.SessionID,
		Operation: Operation{
			Type:     op.Type,
			Resource: op.Resource,
			RecordID: op.RecordID,
			Columns:  cloneStrings(op.Columns),
		},
		SecurityContext: AuditSecurityContext{
			Origin:            sc.Origin,
			Client:            sc.Client,
			Role:              sc.Role,
			Permissions:       cloneStrings(sc.Permissions),
			PoliciesConsulted: cloneStrings(v.PoliciesConsulted),
			RulesConsulted:    cloneStrings(v.RulesConsulted),
		},
		Result: AuditResult{
			Allowed:         v.Allowed,
			Reason:          v.Reason,
			RecordsReturned: recordsReturned,
			DurationMs:      v.DurationMs,
			PoliciesMatched: v.PoliciesMatched,
			RulesMatched:    v.RulesMatched,
		},
	}
	return entry
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
