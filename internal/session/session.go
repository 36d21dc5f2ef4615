// Package session issues and resolves security contexts for open sessions
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authz-engine/rls-engine/pkg/types"
)

var (
	// ErrNotFound is returned when a session is unknown or has expired
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned when opening a session whose id is still live
	ErrExists = errors.New("session already exists")
	// ErrUnavailable is returned when the backing store cannot be reached
	ErrUnavailable = errors.New("session store unavailable")
)

// Store creates and resolves security contexts
type Store interface {
	Open(ctx context.Context, params OpenParams) (*types.SecurityContext, error)
	Lookup(ctx context.Context, sessionID string) (*types.SecurityContext, error)
	Close(ctx context.Context, sessionID string) error
}

// OpenParams are the identity facts known when a session starts
type OpenParams struct {
	SessionID      string
	SubjectID      string
	OrganizationID string
	Role           string
	Permissions    []string
	Groups         []string
	Origin         string
	Client         string
	Attributes     map[string]types.Value
}

// Config controls session lifetime
type Config struct {
	// TTL is how long a context stays resolvable after Open
	TTL time.Duration
	// MaxSessions bounds the in-memory store; the least recently used
	// session is evicted first. Zero means unbounded.
	MaxSessions int
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		TTL:         30 * time.Minute,
		MaxSessions: 100000,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.TTL)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative, got %d", c.MaxSessions)
	}
	return nil
}

// newContext builds and validates the immutable context for a new session
func newContext(params OpenParams, now time.Time) (*types.SecurityContext, error) {
	id := params.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	sc := &types.SecurityContext{
		SubjectID:      params.SubjectID,
		OrganizationID: params.OrganizationID,
		Role:           params.Role,
		Permissions:    append([]string(nil), params.Permissions...),
		Groups:         append([]string(nil), params.Groups...),
		SessionID:      id,
		Origin:         params.Origin,
		Client:         params.Client,
		IssuedAt:       now,
	}
	if len(params.Attributes) > 0 {
		sc.Attributes = make(map[string]types.Value, len(params.Attributes))
		for k, v := range params.Attributes {
			sc.Attributes[k] = v
		}
	}
	if err := types.ValidateContext(sc); err != nil {
		return nil, err
	}
	return sc.Clone(), nil
}
