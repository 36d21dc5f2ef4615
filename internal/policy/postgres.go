package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// uniqueViolation is the PostgreSQL error code for a duplicate key
const uniqueViolation = "23505"

// PostgresStore implements Store on the rls_policies table.
// The full policy lives in a JSONB document; the filter columns are
// denormalized next to it so List can be answered by an index.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL policy store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// WithClock replaces the time source used for timestamps
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

// List returns matching policies by priority, ties in insertion order
func (s *PostgresStore) List(ctx context.Context, orgID string, f Filter) ([]*types.Policy, error) {
	query := `SELECT document FROM rls_policies WHERE organization_id = $1`
	args := []interface{}{orgID}

	if f.Resource != "" {
		args = append(args, f.Resource)
		query += fmt.Sprintf(" AND resource = $%d", len(args))
	}
	if f.Operation != "" {
		args = append(args, string(f.Operation))
		query += fmt.Sprintf(" AND (operation = $%d OR operation = 'ALL')", len(args))
	}
	if f.ActiveOnly {
		query += " AND active"
	}
	query += " ORDER BY priority DESC, seq ASC"

	return s.query(ctx, query, args...)
}

// All returns every policy of the organization in insertion order
func (s *PostgresStore) All(ctx context.Context, orgID string) ([]*types.Policy, error) {
	return s.query(ctx, `SELECT document FROM rls_policies WHERE organization_id = $1 ORDER BY seq ASC`, orgID)
}

// Get retrieves a policy by id
func (s *PostgresStore) Get(ctx context.Context, orgID, id string) (*types.Policy, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM rls_policies WHERE organization_id = $1 AND id = $2`,
		orgID, id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy %s: %w", id, err)
	}
	return decodePolicy(doc)
}

// Create inserts a new policy
func (s *PostgresStore) Create(ctx context.Context, p *types.Policy) (*types.Policy, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	stored := p.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Metadata.Version == 0 {
		stored.Metadata.Version = 1
	}

	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rls_policies (
			id, organization_id, resource, operation, active, priority,
			version, document, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		stored.ID,
		stored.OrganizationID,
		stored.Resource,
		string(stored.Configuration.Operation),
		stored.Configuration.Active,
		stored.Configuration.Priority,
		stored.Metadata.Version,
		doc,
		stored.CreatedAt,
		stored.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrExists, stored.ID)
		}
		return nil, fmt.Errorf("failed to insert policy: %w", err)
	}
	return stored, nil
}

// Update replaces a policy and bumps its version
func (s *PostgresStore) Update(ctx context.Context, p *types.Policy) (*types.Policy, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT document FROM rls_policies WHERE organization_id = $1 AND id = $2 FOR UPDATE`,
		p.OrganizationID, p.ID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock policy %s: %w", p.ID, err)
	}
	current, err := decodePolicy(doc)
	if err != nil {
		return nil, err
	}

	updated := p.Clone()
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.now().UTC()
	updated.Metadata.Version = current.Metadata.Version + 1
	if updated.Metadata.CreatedBy == "" {
		updated.Metadata.CreatedBy = current.Metadata.CreatedBy
	}

	doc, err = json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE rls_policies SET
			resource = $3, operation = $4, active = $5, priority = $6,
			version = $7, document = $8, updated_at = $9
		WHERE organization_id = $1 AND id = $2`,
		updated.OrganizationID,
		updated.ID,
		updated.Resource,
		string(updated.Configuration.Operation),
		updated.Configuration.Active,
		updated.Configuration.Priority,
		updated.Metadata.Version,
		doc,
		updated.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update policy %s: %w", p.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return updated, nil
}

// Delete removes a policy
func (s *PostgresStore) Delete(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rls_policies WHERE organization_id = $1 AND id = $2`,
		orgID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete policy %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete policy %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*types.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []*types.Policy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		p, err := decodePolicy(doc)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}
	return policies, nil
}

func decodePolicy(doc []byte) (*types.Policy, error) {
	var p types.Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to decode policy document: %w", err)
	}
	return &p, nil
}
