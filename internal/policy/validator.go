package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// injectionPatterns reject condition text that smuggles extra statements
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i);\s*drop\s+table`),
	regexp.MustCompile(`(?i);\s*delete\s+from`),
	regexp.MustCompile(`(?i);\s*update\s+.*\s+set`),
	regexp.MustCompile(`(?i)union\s+select`),
	regexp.MustCompile(`(?i)or\s+1\s*=\s*1`),
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)ssn`),
	regexp.MustCompile(`(?i)credit_card`),
	regexp.MustCompile(`(?i)bank_account`),
}

// Validate checks a policy before it is written to a store
func Validate(p *types.Policy) error {
	if p == nil {
		return fmt.Errorf("%w: policy cannot be nil", ErrInvalid)
	}

	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("policy name is required"))
	}
	if p.OrganizationID == "" {
		errs = append(errs, errors.New("policy organizationId is required"))
	}
	if p.Resource == "" {
		errs = append(errs, errors.New("policy resource is required"))
	}
	if !p.Configuration.Operation.IsValid() {
		errs = append(errs, fmt.Errorf("invalid operation %q", p.Configuration.Operation))
	}
	if p.Configuration.Priority < 0 {
		errs = append(errs, fmt.Errorf("priority must not be negative, got %d", p.Configuration.Priority))
	}
	errs = append(errs, validateCondition(p.Condition)...)
	errs = append(errs, validateTime(p.AccessRules.Time)...)
	errs = append(errs, validateNetwork(p.AccessRules.Network)...)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalid, p.Name, err)
	}
	return nil
}

func validateCondition(c types.PolicyCondition) []error {
	var errs []error
	if !c.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("invalid condition kind %q", c.Kind))
	}
	if strings.TrimSpace(c.Expression) == "" {
		errs = append(errs, errors.New("condition expression cannot be empty"))
	}
	for _, re := range injectionPatterns {
		if re.MatchString(c.Expression) {
			errs = append(errs, fmt.Errorf("condition matches injection pattern %q", re.String()))
		}
	}
	return errs
}

func validateTime(t *types.TimeRestriction) []error {
	if t == nil {
		return nil
	}
	var errs []error
	if (t.StartTime == "") != (t.EndTime == "") {
		errs = append(errs, errors.New("time restriction needs both startTime and endTime"))
	}
	bounds := make([]int, 0, 2)
	for _, s := range []string{t.StartTime, t.EndTime} {
		if s == "" {
			continue
		}
		m, err := types.ParseClock(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bounds = append(bounds, m)
	}
	if len(bounds) == 2 && bounds[0] > bounds[1] {
		errs = append(errs, fmt.Errorf("startTime %s is after endTime %s", t.StartTime, t.EndTime))
	}
	for _, d := range t.DaysOfWeek {
		if d < 0 || d > 6 {
			errs = append(errs, fmt.Errorf("day of week %d out of range 0-6", d))
		}
	}
	if t.Timezone != "" {
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("unknown timezone %q", t.Timezone))
		}
	}
	return errs
}

func validateNetwork(n *types.NetworkRestriction) []error {
	if n == nil {
		return nil
	}
	var errs []error
	for _, ip := range append(append([]string(nil), n.AllowedIPs...), n.BlockedIPs...) {
		if _, err := netip.ParseAddr(ip); err != nil {
			errs = append(errs, fmt.Errorf("invalid IP address %q", ip))
		}
	}
	for _, cidr := range n.AllowedRanges {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			errs = append(errs, fmt.Errorf("invalid CIDR range %q", cidr))
		}
	}
	return errs
}

// Severity ranks a lint finding
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is a non-fatal finding about a policy
type Issue struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Lint reports risky but valid policy shapes
func Lint(p *types.Policy) []Issue {
	var issues []Issue
	expr := strings.TrimSpace(p.Condition.Expression)

	if len(p.AccessRules.Roles) == 0 {
		issues = append(issues, Issue{"no_roles", SeverityWarning, "no roles specified; the policy can never match"})
	}
	if expr == "true" || expr == "1=1" {
		issues = append(issues, Issue{"unrestricted_rows", SeverityWarning, "condition exposes every row of the resource"})
		if p.AllowsRole("admin") {
			issues = append(issues, Issue{"admin_unrestricted", SeverityInfo, "admin role granted unrestricted rows"})
		}
	}
	for _, re := range sensitivePatterns {
		if re.MatchString(expr) || re.MatchString(p.Resource) {
			issues = append(issues, Issue{"sensitive_data", SeverityWarning, "condition or resource references sensitive data"})
			break
		}
	}
	if p.Configuration.BypassRLS {
		issues = append(issues, Issue{"bypass_rls", SeverityWarning, "policy is flagged to bypass row-level security"})
	}
	if p.AccessRules.Network != nil && len(p.AccessRules.Network.BlockedIPs) > 0 &&
		len(p.AccessRules.Network.AllowedIPs) == 0 && len(p.AccessRules.Network.AllowedRanges) == 0 {
		issues = append(issues, Issue{"blocklist_only", SeverityInfo, "network restriction only blocks; every other origin is accepted"})
	}
	return issues
}
