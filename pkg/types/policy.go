package types

import (
	"time"
)

// ConditionKind classifies a policy condition expression
type ConditionKind string

const (
	ConditionSimple   ConditionKind = "simple"
	ConditionComplex  ConditionKind = "complex"
	ConditionFunction ConditionKind = "function"
	ConditionTemplate ConditionKind = "template"
)

// IsValid reports whether k is a known condition kind
func (k ConditionKind) IsValid() bool {
	switch k {
	case ConditionSimple, ConditionComplex, ConditionFunction, ConditionTemplate:
		return true
	}
	return false
}

// Policy is an organization-scoped access statement bound to one resource
type Policy struct {
	ID             string `json:"id" yaml:"id"`
	OrganizationID string `json:"organizationId" yaml:"organizationId"`
	Resource       string `json:"resource" yaml:"resource"`
	Name           string `json:"name" yaml:"name"`
	Description    string `json:"description,omitempty" yaml:"description,omitempty"`

	Configuration PolicyConfiguration `json:"configuration" yaml:"configuration"`
	Condition     PolicyCondition     `json:"condition" yaml:"condition"`
	AccessRules   AccessRules         `json:"accessRules" yaml:"accessRules"`
	Metadata      Metadata            `json:"metadata" yaml:"metadata"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt,omitempty"`
}

// PolicyConfiguration holds the evaluation settings of a policy
type PolicyConfiguration struct {
	Operation OperationType `json:"operation" yaml:"operation"`
	Active    bool          `json:"active" yaml:"active"`
	// Priority orders matching policies; higher is evaluated first
	Priority int `json:"priority" yaml:"priority"`
	// BypassRLS marks a privileged policy. It is surfaced on the verdict but
	// never changes the allow/deny outcome.
	BypassRLS bool `json:"bypassRLS" yaml:"bypassRLS"`
}

// PolicyCondition is the opaque row filter handed to the data layer
type PolicyCondition struct {
	Kind         ConditionKind    `json:"kind" yaml:"kind"`
	Expression   string           `json:"expression" yaml:"expression"`
	Parameters   map[string]Value `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Dependencies []string         `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// AccessRules restrict who, when, and from where a policy applies
type AccessRules struct {
	Roles   []string            `json:"roles" yaml:"roles"`
	Users   []string            `json:"users,omitempty" yaml:"users,omitempty"`
	Groups  []string            `json:"groups,omitempty" yaml:"groups,omitempty"`
	Time    *TimeRestriction    `json:"timeRestrictions,omitempty" yaml:"timeRestrictions,omitempty"`
	Network *NetworkRestriction `json:"ipRestrictions,omitempty" yaml:"ipRestrictions,omitempty"`
}

// TimeRestriction is a daily clock window. Days use 0 for Sunday.
type TimeRestriction struct {
	StartTime  string `json:"startTime,omitempty" yaml:"startTime,omitempty"`
	EndTime    string `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	DaysOfWeek []int  `json:"daysOfWeek,omitempty" yaml:"daysOfWeek,omitempty"`
	Timezone   string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// NetworkRestriction limits the network origins a policy accepts
type NetworkRestriction struct {
	AllowedIPs    []string `json:"allowedIPs,omitempty" yaml:"allowedIPs,omitempty"`
	BlockedIPs    []string `json:"blockedIPs,omitempty" yaml:"blockedIPs,omitempty"`
	AllowedRanges []string `json:"allowedRanges,omitempty" yaml:"allowedRanges,omitempty"`
}

// Metadata is shared bookkeeping for policies and rules
type Metadata struct {
	CreatedBy      string   `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	LastModifiedBy string   `json:"lastModifiedBy,omitempty" yaml:"lastModifiedBy,omitempty"`
	Version        int      `json:"version" yaml:"version"`
	Tags           []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Documentation  string   `json:"documentation,omitempty" yaml:"documentation,omitempty"`
}

// AppliesTo reports whether the policy covers an operation
func (p *Policy) AppliesTo(op OperationType) bool {
	return p.Configuration.Operation == OpAll || p.Configuration.Operation == op
}

// AllowsRole checks the role allow-list
func (p *Policy) AllowsRole(role string) bool {
	return contains(p.AccessRules.Roles, role)
}

// Clone returns a deep copy so stores can hand out policies safely
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	c := *p
	c.Condition.Parameters = cloneValues(p.Condition.Parameters)
	c.Condition.Dependencies = cloneStrings(p.Condition.Dependencies)
	c.AccessRules.Roles = cloneStrings(p.AccessRules.Roles)
	c.AccessRules.Users = cloneStrings(p.AccessRules.Users)
	c.AccessRules.Groups = cloneStrings(p.AccessRules.Groups)
	if p.AccessRules.Time != nil {
		t := *p.AccessRules.Time
		t.DaysOfWeek = append([]int(nil), p.AccessRules.Time.DaysOfWeek...)
		c.AccessRules.Time = &t
	}
	if p.AccessRules.Network != nil {
		n := NetworkRestriction{
			AllowedIPs:    cloneStrings(p.AccessRules.Network.AllowedIPs),
			BlockedIPs:    cloneStrings(p.AccessRules.Network.BlockedIPs),
			AllowedRanges: cloneStrings(p.AccessRules.Network.AllowedRanges),
		}
		c.AccessRules.Network = &n
	}
	c.Metadata.Tags = cloneStrings(p.Metadata.Tags)
	return &c
}

func cloneValues(in map[string]Value) map[string]Value {
	if in == nil {
		return nil
	}
	out := make(map[string]Value, len(in))
	for k, v := range in {
		if v.Kind == KindStringList {
			v.List = cloneStrings(v.List)
		}
		out[k] = v
	}
	return out
}
