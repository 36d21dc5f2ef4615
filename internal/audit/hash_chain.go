package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/authz-engine/rls-engine/pkg/types"
)

const hashTimeLayout = "2006-01-02T15:04:05.000000Z"

// HashChain links the audit entries of each organization with SHA-256 hashes
type HashChain struct {
	mu       sync.RWMutex
	lastHash map[string]string // organization -> hash of its latest entry
}

// NewHashChain creates an empty chain
func NewHashChain() *HashChain {
	return &HashChain{lastHash: make(map[string]string)}
}

// Initialize seeds an organization's chain, e.g. from the latest stored entry
func (hc *HashChain) Initialize(orgID, hash string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.lastHash[orgID] = hash
}

// IsInitialized reports whether the organization has a chain head
func (hc *HashChain) IsInitialized(orgID string) bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	_, ok := hc.lastHash[orgID]
	return ok
}

// LastHash returns the chain head of an organization
func (hc *HashChain) LastHash(orgID string) string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.lastHash[orgID]
}

// Link sets PrevHash and Hash on the entry and advances the chain
func (hc *HashChain) Link(entry *types.AuditLogEntry) error {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	entry.PrevHash = hc.lastHash[entry.OrganizationID]
	hash, err := computeHash(entry)
	if err != nil {
		return err
	}
	entry.Hash = hash
	hc.lastHash[entry.OrganizationID] = hash
	return nil
}

// computeHash hashes the entry content together with its PrevHash. Empty
// and missing lists hash alike and operation values are not hashed.
func computeHash(e *types.AuditLogEntry) (string, error) {
	op := e.Operation
	op.Values = nil
	op.Columns = nilIfEmpty(op.Columns)
	sc := e.SecurityContext
	sc.Permissions = nilIfEmpty(sc.Permissions)
	sc.PoliciesConsulted = nilIfEmpty(sc.PoliciesConsulted)
	sc.RulesConsulted = nilIfEmpty(sc.RulesConsulted)

	input := struct {
		ID              string                     `json:"id"`
		OrganizationID  string                     `json:"organization_id"`
		SubjectID       string                     `json:"subject_id"`
		SessionID       string                     `json:"session_id"`
		RequestID       string                     `json:"request_id,omitempty"`
		Timestamp       string                     `json:"timestamp"`
		Operation       types.Operation            `json:"operation"`
		SecurityContext types.AuditSecurityContext `json:"security_context"`
		Result          types.AuditResult          `json:"result"`
		PrevHash        string                     `json:"prev_hash"`
	}{
		ID:              e.ID,
		OrganizationID:  e.OrganizationID,
		SubjectID:       e.SubjectID,
		SessionID:       e.SessionID,
		RequestID:       e.RequestID,
		Timestamp:       e.Timestamp.UTC().Format(hashTimeLayout),
		Operation:       op,
		SecurityContext: sc,
		Result:          e.Result,
		PrevHash:        e.PrevHash,
	}

	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain checks the hashes and links of one organization's entries in
// chronological order. The first entry may link to an earlier, unlisted hash.
func VerifyChain(entries []*types.AuditLogEntry) error {
	var prev string
	for i, e := range entries {
		want, err := computeHash(e)
		if err != nil {
			return fmt.Errorf("failed to verify entry %d: %w", i, err)
		}
		if want != e.Hash {
			return fmt.Errorf("entry %d (%s) has invalid hash", i, e.ID)
		}
		if i > 0 && e.PrevHash != prev {
			return fmt.Errorf("entry %d (%s) has broken chain: expected prev_hash %s, got %s",
				i, e.ID, prev, e.PrevHash)
		}
		prev = e.Hash
	}
	return nil
}

func nilIfEmpty(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	return list
}
