package types

import (
	"time"
)

// AuditLogEntry is the immutable record of one evaluation
type AuditLogEntry struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organizationId" db:"organization_id"`
	SubjectID      string `json:"subjectId" db:"subject_id"`
	SessionID      string `json:"sessionId" db:"session_id"`
	RequestID      string `json:"requestId,omitempty" db:"request_id"`

	Operation       Operation            `json:"operation"`
	SecurityContext AuditSecurityContext `json:"securityContext"`
	Result          AuditResult          `json:"result"`

	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	// Tamper detection: each entry hashes its content plus the previous hash
	PrevHash string `json:"prevHash,omitempty" db:"prev_hash"`
	Hash     string `json:"hash,omitempty" db:"hash"`
}

// AuditSecurityContext snapshots the context used for the decision
type AuditSecurityContext struct {
	Origin            string   `json:"origin,omitempty"`
	Client            string   `json:"client,omitempty"`
	Role              string   `json:"role"`
	Permissions       []string `json:"permissions,omitempty"`
	PoliciesConsulted []string `json:"policiesConsulted"`
	RulesConsulted    []string `json:"rulesConsulted"`
}

// AuditResult is the decision and what the caller did with it
type AuditResult struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason,omitempty"`
	RecordsReturned int     `json:"recordsReturned"`
	DurationMs      float64 `json:"durationMs"`
	PoliciesMatched int     `json:"policiesMatched"`
	RulesMatched    int     `json:"rulesMatched"`
}

// Clone returns a deep copy of the entry
func (e *AuditLogEntry) Clone() *AuditLogEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Operation.Columns = cloneStrings(e.Operation.Columns)
	c.Operation.Values = cloneValues(e.Operation.Values)
	c.SecurityContext.Permissions = cloneStrings(e.SecurityContext.Permissions)
	c.SecurityContext.PoliciesConsulted = cloneStrings(e.SecurityContext.PoliciesConsulted)
	c.SecurityContext.RulesConsulted = cloneStrings(e.SecurityContext.RulesConsulted)
	return &c
}
