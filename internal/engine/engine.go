// Package engine decides whether a security context may perform an operation
// on a resource by walking an organization's rules and then its policies
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/rls-engine/internal/metrics"
	"github.com/authz-engine/rls-engine/internal/policy"
	"github.com/authz-engine/rls-engine/internal/rule"
	"github.com/authz-engine/rls-engine/pkg/types"
)

const (
	// ReasonNoMatch is the denial reason when nothing permits the operation
	ReasonNoMatch = "no policy or rule permits access"
	// ReasonRuleDenied is used for deny rules without a message
	ReasonRuleDenied = "access denied by rule"
	// ReasonRuleAllowed is used for allow rules without a message
	ReasonRuleAllowed = "access allowed by rule"
)

// StopMode selects how a rule's stop-on-match flag ends the rule walk
type StopMode string

const (
	// StopAlways ends the rule walk at any stop-on-match rule, matched or not
	StopAlways StopMode = "always"
	// StopAfterMatch ends the rule walk only when the stop-on-match rule matched
	StopAfterMatch StopMode = "after-match"
)

// Engine is the access decision engine
type Engine struct {
	policies policy.Store
	rules    rule.Store
	config   Config
	logger   *zap.Logger
	metrics  metrics.Metrics
	now      func() time.Time
	pool     *WorkerPool

	locations sync.Map // timezone name -> *time.Location
}

// Config configures the decision engine
type Config struct {
	// StopMode controls the stop-on-match behaviour of rules
	StopMode StopMode
	// Location is the zone used for rule dates and for policies without a timezone
	Location *time.Location
	// UseServerLocalTime ignores policy timezones and checks every window in Location
	UseServerLocalTime bool
	// BatchWorkers bounds concurrent evaluations in DecideBatch
	BatchWorkers int
}

// DefaultConfig returns a default engine configuration
func DefaultConfig() Config {
	return Config{
		StopMode:     StopAlways,
		Location:     time.Local,
		BatchWorkers: 8,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch c.StopMode {
	case StopAlways, StopAfterMatch:
	default:
		return fmt.Errorf("unknown stop mode %q", c.StopMode)
	}
	if c.BatchWorkers < 0 {
		return errors.New("batch workers cannot be negative")
	}
	return nil
}

// New creates a new decision engine
func New(cfg Config, policies policy.Store, rules rule.Store) (*Engine, error) {
	if policies == nil || rules == nil {
		return nil, errors.New("policy and rule stores are required")
	}
	if cfg.StopMode == "" {
		cfg.StopMode = StopAlways
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	return &Engine{
		policies: policies,
		rules:    rules,
		config:   cfg,
		logger:   zap.NewNop(),
		metrics:  metrics.NewNoOpMetrics(),
		now:      time.Now,
		pool:     NewWorkerPool(cfg.BatchWorkers),
	}, nil
}

// WithLogger sets the logger
func (e *Engine) WithLogger(logger *zap.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithMetrics sets the metrics sink
func (e *Engine) WithMetrics(m metrics.Metrics) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithClock overrides the wall clock used for time restrictions
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Close stops the batch workers
func (e *Engine) Close() {
	e.pool.Stop()
}

// Decide evaluates one operation. Rules are walked first and may settle the
// verdict; otherwise the first matching policy allows. A returned error means
// no verdict could be reached and the caller must deny.
func (e *Engine) Decide(ctx context.Context, sc *types.SecurityContext, op *types.Operation) (v *types.Verdict, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic during evaluation", zap.Any("panic", r), zap.Stack("stack"))
			v, err = nil, newError(CodeInternal, "evaluation panicked", fmt.Errorf("%v", r))
		}
		if err != nil {
			e.metrics.RecordDecisionError(string(CodeOf(err)))
		}
	}()

	if err := types.ValidateContext(sc); err != nil {
		return nil, newError(CodeInvalidInput, "bad security context", err)
	}
	if err := types.ValidateOperation(op); err != nil {
		return nil, newError(CodeInvalidInput, "bad operation", err)
	}

	rules, err := e.rules.List(ctx, sc.OrganizationID, rule.Filter{ActiveOnly: true, Role: sc.Role})
	if err != nil {
		return nil, newError(CodeStoreUnavailable, "list rules", err)
	}
	policies, err := e.policies.List(ctx, sc.OrganizationID, policy.Filter{
		Resource:   op.Resource,
		Operation:  op.Type,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, newError(CodeStoreUnavailable, "list policies", err)
	}

	now := e.now()
	v = &types.Verdict{
		PoliciesConsulted: make([]string, 0, len(policies)),
		RulesConsulted:    make([]string, 0, len(rules)),
	}

	source := e.walkRules(v, rules, sc, op, now)
	if source == "" {
		source = e.walkPolicies(v, policies, sc, now)
	}
	if source == "" {
		v.Allowed = false
		v.Reason = ReasonNoMatch
		source = "default"
	}

	v.EvaluatedAt = now
	v.Duration = time.Since(start)
	v.DurationMs = float64(v.Duration.Microseconds()) / 1000

	e.metrics.RecordDecision(verdictLabel(v.Allowed), source, v.Duration)
	e.logger.Debug("Access decided",
		zap.String("organization_id", sc.OrganizationID),
		zap.String("subject_id", sc.SubjectID),
		zap.String("operation", string(op.Type)),
		zap.String("resource", op.Resource),
		zap.Bool("allowed", v.Allowed),
		zap.String("source", source),
		zap.Int("rules_consulted", len(v.RulesConsulted)),
		zap.Int("policies_consulted", len(v.PoliciesConsulted)))

	return v, nil
}

// walkRules records every rule examined and returns "rule" when a terminal
// rule settled the verdict
func (e *Engine) walkRules(v *types.Verdict, rules []*types.Rule, sc *types.SecurityContext, op *types.Operation, now time.Time) string {
	for _, r := range rules {
		v.RulesConsulted = append(v.RulesConsulted, r.ID)

		matched := e.matchRule(r, sc, op, now)
		if matched {
			v.RulesMatched++
			switch r.Action.Type {
			case types.ActionAllow:
				v.Allowed = true
				v.Reason = messageOr(r.Action.Message, ReasonRuleAllowed)
				v.MatchedRuleID = r.ID
				return "rule"
			case types.ActionDeny:
				v.Allowed = false
				v.Reason = messageOr(r.Action.Message, ReasonRuleDenied)
				v.MatchedRuleID = r.ID
				return "rule"
			default:
				e.deferAction(v, r, sc, op)
			}
		}

		if r.Configuration.StopOnMatch && (e.config.StopMode == StopAlways || matched) {
			break
		}
	}
	return ""
}

// deferAction records a non-terminal action for the caller to apply
func (e *Engine) deferAction(v *types.Verdict, r *types.Rule, sc *types.SecurityContext, op *types.Operation) {
	v.Deferred = append(v.Deferred, types.DeferredAction{
		RuleID:     r.ID,
		Action:     r.Action.Type,
		Parameters: types.ResolveParameters(r.Action.Parameters, sc),
		Message:    r.Action.Message,
	})
	if r.Action.Type == types.ActionLog {
		e.logger.Info("Rule log action",
			zap.String("rule_id", r.ID),
			zap.String("rule", r.Name),
			zap.String("subject_id", sc.SubjectID),
			zap.String("operation", string(op.Type)),
			zap.String("resource", op.Resource),
			zap.String("message", r.Action.Message))
	}
}

// walkPolicies records policies up to and including the first match
func (e *Engine) walkPolicies(v *types.Verdict, policies []*types.Policy, sc *types.SecurityContext, now time.Time) string {
	for _, p := range policies {
		v.PoliciesConsulted = append(v.PoliciesConsulted, p.ID)
		if !e.matchPolicy(p, sc, now) {
			continue
		}
		v.Allowed = true
		v.Reason = fmt.Sprintf("allowed by policy %s", p.Name)
		v.MatchedPolicyID = p.ID
		v.PoliciesMatched = 1
		v.Bypass = p.Configuration.BypassRLS
		return "policy"
	}
	return ""
}

// BatchResult is one entry of DecideBatch
type BatchResult struct {
	Verdict *types.Verdict
	Err     error
}

// DecideBatch evaluates several operations for the same context on the
// worker pool. Results are returned in input order.
func (e *Engine) DecideBatch(ctx context.Context, sc *types.SecurityContext, ops []*types.Operation) []BatchResult {
	results := make([]BatchResult, len(ops))
	var wg sync.WaitGroup

	for i, op := range ops {
		wg.Add(1)
		i, op := i, op
		e.pool.Submit(func() {
			defer wg.Done()
			v, err := e.Decide(ctx, sc, op)
			results[i] = BatchResult{Verdict: v, Err: err}
		})
	}

	wg.Wait()
	return results
}

func (e *Engine) location(name string) (*time.Location, error) {
	if l, ok := e.locations.Load(name); ok {
		return l.(*time.Location), nil
	}
	l, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	e.locations.Store(name, l)
	return l, nil
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

func verdictLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}
