package rule

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

// PostgresStore implements Store on the rls_rules table
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL rule store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// WithClock replaces the time source used for timestamps
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

func (s *PostgresStore) List(ctx context.Context, orgID string, f Filter) ([]*types.Rule, error) {
	query := `SELECT document FROM rls_rules WHERE organization_id = $1`
	args := []interface{}{orgID}

	if f.ActiveOnly {
		query += " AND active"
	}
	if f.Role != "" {
		args = append(args, f.Role)
		query += fmt.Sprintf(" AND (role = '' OR role = $%d)", len(args))
	}
	query += " ORDER BY priority DESC, evaluation_order ASC, seq ASC"

	return s.query(ctx, query, args...)
}

func (s *PostgresStore) All(ctx context.Context, orgID string) ([]*types.Rule, error) {
	return s.query(ctx, `SELECT document FROM rls_rules WHERE organization_id = $1 ORDER BY seq ASC`, orgID)
}

func (s *PostgresStore) Get(ctx context.Context, orgID, id string) (*types.Rule, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM rls_rules WHERE organization_id = $1 AND id = $2`,
		orgID, id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return decodeRule(doc)
}

func (s *PostgresStore) Create(ctx context.Context, r *types.Rule) (*types.Rule, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}

	stored := r.Clone()
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
		return nil, fmt.Errorf("failed to marshal rule: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rls_rules (
			id, organization_id, active, priority, evaluation_order, role,
			version, document, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		stored.ID,
		stored.OrganizationID,
		stored.Configuration.Active,
		stored.Configuration.Priority,
		stored.Configuration.EvaluationOrder,
		stored.Conditions.Context.Role,
		stored.Metadata.Version,
		doc,
		stored.CreatedAt,
		stored.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrExists, stored.ID)
		}
		return nil, fmt.Errorf("failed to insert rule: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) Update(ctx context.Context, r *types.Rule) (*types.Rule, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT document FROM rls_rules WHERE organization_id = $1 AND id = $2 FOR UPDATE`,
		r.OrganizationID, r.ID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock rule %s: %w", r.ID, err)
	}
	current, err := decodeRule(doc)
	if err != nil {
		return nil, err
	}

	updated := r.Clone()
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.now().UTC()
	updated.Metadata.Version = current.Metadata.Version + 1
	if updated.Metadata.CreatedBy == "" {
		updated.Metadata.CreatedBy = current.Metadata.CreatedBy
	}

	doc, err = json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE rls_rules SET
			active = $3, priority = $4, evaluation_order = $5, role = $6,
			version = $7, document = $8, updated_at = $9
		WHERE organization_id = $1 AND id = $2`,
		updated.OrganizationID,
		updated.ID,
		updated.Configuration.Active,
		updated.Configuration.Priority,
		updated.Configuration.EvaluationOrder,
		updated.Conditions.Context.Role,
		updated.Metadata.Version,
		doc,
		updated.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update rule %s: %w", r.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) Delete(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rls_rules WHERE organization_id = $1 AND id = $2`,
		orgID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*types.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*types.Rule
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r, err := decodeRule(doc)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return rules, nil
}

func decodeRule(doc []byte) (*types.Rule, error) {
	var r types.Rule
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("failed to decode rule document: %w", err)
	}
	return &r, nil
}
