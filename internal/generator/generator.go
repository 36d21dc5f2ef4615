// Package generator synthesizes row-level policies from access requirements
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/authz-engine/rls-engine/internal/policy"
	"github.com/authz-engine/rls-engine/pkg/types"
)

// AccessLevel is the breadth of rows a synthesized policy exposes
type AccessLevel string

const (
	LevelPublic       AccessLevel = "public"
	LevelOrganization AccessLevel = "organization"
	LevelUser         AccessLevel = "user"
	LevelAdmin        AccessLevel = "admin"
)

const (
	adminPriority   = 10
	defaultPriority = 5
	systemAuthor    = "system"
	generatedTag    = "auto-generated"
)

// ErrUnknownAccessLevel is returned for an access level outside the enum
var ErrUnknownAccessLevel = errors.New("unknown access level")

// Requirements describe the policy to synthesize
type Requirements struct {
	AccessLevel AccessLevel
	Operations  []types.OperationType
	Roles       []string
	// AdditionalConditions is appended to the expression as " AND (<cond>)"
	AdditionalConditions string
}

// Generator builds policies and persists them through a policy store
type Generator struct {
	store  policy.Store
	logger *zap.Logger
}

// New creates a policy generator
func New(store policy.Store, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{store: store, logger: logger}
}

// Synthesize builds a policy for resource and stores it
func (g *Generator) Synthesize(ctx context.Context, orgID, resource string, req Requirements) (*types.Policy, error) {
	p, err := Build(orgID, resource, req)
	if err != nil {
		return nil, err
	}

	created, err := g.store.Create(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to store generated policy %s: %w", p.Name, err)
	}

	g.logger.Info("Generated policy",
		zap.String("policy_id", created.ID),
		zap.String("policy", created.Name),
		zap.String("organization_id", orgID),
		zap.String("access_level", string(req.AccessLevel)),
	)
	return created, nil
}

// Build returns the validated policy Synthesize would store, without storing it
func Build(orgID, resource string, req Requirements) (*types.Policy, error) {
	if orgID == "" || resource == "" {
		return nil, errors.New("organization and resource are required")
	}
	for _, op := range req.Operations {
		if op == types.OpAll || !op.IsValid() {
			return nil, fmt.Errorf("invalid operation %q", op)
		}
	}

	var (
		expression string
		params     = map[string]types.Value{}
	)
	switch req.AccessLevel {
	case LevelPublic:
		expression = "true"
	case LevelOrganization, LevelAdmin:
		expression = "organization_id = $1"
		params["organizationId"] = types.String(orgID)
	case LevelUser:
		expression = "organization_id = $1 AND created_by = $2"
		params["organizationId"] = types.String(orgID)
		params["createdBy"] = types.Placeholder(types.PlaceholderCurrentUser)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccessLevel, req.AccessLevel)
	}

	if cond := strings.TrimSpace(req.AdditionalConditions); cond != "" {
		expression += " AND (" + cond + ")"
	}
	if len(params) == 0 {
		params = nil
	}

	operation := types.OpAll
	if len(req.Operations) == 1 {
		operation = req.Operations[0]
	}

	priority := defaultPriority
	if req.AccessLevel == LevelAdmin {
		priority = adminPriority
	}

	level := string(req.AccessLevel)
	p := &types.Policy{
		OrganizationID: orgID,
		Resource:       resource,
		Name:           fmt.Sprintf("%s_%s_access", resource, level),
		Description:    fmt.Sprintf("Generated %s access policy for %s", level, resource),
		Configuration: types.PolicyConfiguration{
			Operation: operation,
			Active:    true,
			Priority:  priority,
		},
		Condition: types.PolicyCondition{
			Kind:       types.ConditionSimple,
			Expression: expression,
			Parameters: params,
		},
		AccessRules: types.AccessRules{
			Roles: append([]string(nil), req.Roles...),
		},
		Metadata: types.Metadata{
			CreatedBy:      systemAuthor,
			LastModifiedBy: systemAuthor,
			Version:        1,
			Tags:           []string{generatedTag, level, resource},
		},
	}
	if err := policy.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}
