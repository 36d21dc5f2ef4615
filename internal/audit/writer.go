package audit

import (
	"github.com/authz-engine/rls-engine/pkg/types"
)

// Writer mirrors audit entries to an external sink
type Writer interface {
	// Write writes an entry
	Write(entry *types.AuditLogEntry) error

	// Close closes the writer
	Close() error
}
