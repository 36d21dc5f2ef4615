package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/authz-engine/rls-engine/pkg/types"
)

const auditColumns = `id, organization_id, subject_id, session_id, request_id,
			operation_type, resource, record_id, columns,
			origin, client, role, permissions, policies_consulted, rules_consulted,
			allowed, reason, records_returned, duration_ms, policies_matched, rules_matched,
			timestamp, prev_hash, hash`

// PostgresStore implements Store on the rls_audit_log table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL audit store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts entries in a single transaction
func (s *PostgresStore) Append(ctx context.Context, entries ...*types.AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rls_audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err = stmt.ExecContext(ctx,
			e.ID,
			e.OrganizationID,
			e.SubjectID,
			e.SessionID,
			e.RequestID,
			string(e.Operation.Type),
			e.Operation.Resource,
			e.Operation.RecordID,
			pq.Array(e.Operation.Columns),
			e.SecurityContext.Origin,
			e.SecurityContext.Client,
			e.SecurityContext.Role,
			pq.Array(e.SecurityContext.Permissions),
			pq.Array(e.SecurityContext.PoliciesConsulted),
			pq.Array(e.SecurityContext.RulesConsulted),
			e.Result.Allowed,
			e.Result.Reason,
			e.Result.RecordsReturned,
			e.Result.DurationMs,
			e.Result.PoliciesMatched,
			e.Result.RulesMatched,
			e.Timestamp,
			e.PrevHash,
			e.Hash,
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// List returns an organization's entries oldest first
func (s *PostgresStore) List(ctx context.Context, orgID string, f Filter) ([]*types.AuditLogEntry, error) {
	var b strings.Builder
	b.WriteString("SELECT " + auditColumns + " FROM rls_audit_log WHERE organization_id = $1")
	args := []interface{}{orgID}
	argIndex := 2

	if !f.Since.IsZero() {
		fmt.Fprintf(&b, " AND timestamp >= $%d", argIndex)
		args = append(args, f.Since)
		argIndex++
	}
	if !f.Until.IsZero() {
		fmt.Fprintf(&b, " AND timestamp <= $%d", argIndex)
		args = append(args, f.Until)
		argIndex++
	}
	if f.SubjectID != "" {
		fmt.Fprintf(&b, " AND subject_id = $%d", argIndex)
		args = append(args, f.SubjectID)
		argIndex++
	}
	b.WriteString(" ORDER BY timestamp ASC, seq ASC")
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT $%d", argIndex)
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*types.AuditLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}

// Last returns the newest entry of an organization
func (s *PostgresStore) Last(ctx context.Context, orgID string) (*types.AuditLogEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+auditColumns+
		" FROM rls_audit_log WHERE organization_id = $1 ORDER BY seq DESC LIMIT 1", orgID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last audit entry: %w", err)
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*types.AuditLogEntry, error) {
	var (
		e      types.AuditLogEntry
		opType string
	)
	err := row.Scan(
		&e.ID,
		&e.OrganizationID,
		&e.SubjectID,
		&e.SessionID,
		&e.RequestID,
		&opType,
		&e.Operation.Resource,
		&e.Operation.RecordID,
		pq.Array(&e.Operation.Columns),
		&e.SecurityContext.Origin,
		&e.SecurityContext.Client,
		&e.SecurityContext.Role,
		pq.Array(&e.SecurityContext.Permissions),
		pq.Array(&e.SecurityContext.PoliciesConsulted),
		pq.Array(&e.SecurityContext.RulesConsulted),
		&e.Result.Allowed,
		&e.Result.Reason,
		&e.Result.RecordsReturned,
		&e.Result.DurationMs,
		&e.Result.PoliciesMatched,
		&e.Result.RulesMatched,
		&e.Timestamp,
		&e.PrevHash,
		&e.Hash,
	)
	if err != nil {
		return nil, err
	}
	e.Operation.Type = types.OperationType(opType)
	return &e, nil
}
