package engine

import (
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// matchRule reports whether every stated condition of the rule holds
func (e *Engine) matchRule(r *types.Rule, sc *types.SecurityContext, op *types.Operation, now time.Time) bool {
	return matchContext(&r.Conditions.Context, sc) &&
		matchData(&r.Conditions.Data, sc, op) &&
		e.matchRuleTime(r, now)
}

func matchContext(c *types.ContextCondition, sc *types.SecurityContext) bool {
	if c.UserID != "" && c.UserID != sc.SubjectID {
		return false
	}
	if c.OrganizationID != "" && c.OrganizationID != sc.OrganizationID {
		return false
	}
	if c.Role != "" && c.Role != sc.Role {
		return false
	}
	for _, perm := range c.Permissions {
		if !sc.HasPermission(perm) {
			return false
		}
	}
	for key, want := range c.SessionAttributes {
		got, ok := sc.Attributes[key]
		if !ok || !got.Equal(want.Resolve(sc)) {
			return false
		}
	}
	return true
}

func matchData(d *types.DataCondition, sc *types.SecurityContext, op *types.Operation) bool {
	if d.Resource != "" && d.Resource != op.Resource {
		return false
	}
	if d.Operation != "" && d.Operation != types.OpAll && d.Operation != op.Type {
		return false
	}
	if d.Column != "" && !op.TouchesColumn(d.Column) {
		return false
	}
	if !d.Value.IsZero() {
		got, ok := op.Values[d.Column]
		if !ok || !got.Equal(d.Value.Resolve(sc)) {
			return false
		}
	}
	return true
}

func (e *Engine) matchRuleTime(r *types.Rule, now time.Time) bool {
	tc := &r.Conditions.Time
	local := now.In(e.config.Location)

	if tc.StartDate != "" {
		start, err := types.ParseDate(tc.StartDate, e.config.Location)
		if err != nil {
			e.logger.Warn("Skipping rule with bad start date", zap.String("rule_id", r.ID), zap.Error(err))
			return false
		}
		if local.Before(start) {
			return false
		}
	}
	if tc.EndDate != "" {
		end, err := types.ParseDate(tc.EndDate, e.config.Location)
		if err != nil {
			e.logger.Warn("Skipping rule with bad end date", zap.String("rule_id", r.ID), zap.Error(err))
			return false
		}
		// the end date is inclusive of its whole day
		if !local.Before(end.AddDate(0, 0, 1)) {
			return false
		}
	}
	if tc.TimeOfDay != nil {
		ok, err := withinClock(tc.TimeOfDay.Start, tc.TimeOfDay.End, local)
		if err != nil {
			e.logger.Warn("Skipping rule with bad time of day", zap.String("rule_id", r.ID), zap.Error(err))
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// matchPolicy applies the access rules of a policy to the caller
func (e *Engine) matchPolicy(p *types.Policy, sc *types.SecurityContext, now time.Time) bool {
	ar := &p.AccessRules
	if !p.AllowsRole(sc.Role) {
		return false
	}
	if !matchPrincipal(ar, sc) {
		return false
	}
	if ar.Time != nil && !e.matchWindow(p, now) {
		return false
	}
	if ar.Network != nil && !e.matchNetwork(p, sc.Origin) {
		return false
	}
	return true
}

// matchPrincipal applies the optional user and group allow-lists
func matchPrincipal(ar *types.AccessRules, sc *types.SecurityContext) bool {
	if len(ar.Users) == 0 && len(ar.Groups) == 0 {
		return true
	}
	for _, u := range ar.Users {
		if u == sc.SubjectID {
			return true
		}
	}
	for _, g := range ar.Groups {
		if sc.InGroup(g) {
			return true
		}
	}
	return false
}

func (e *Engine) matchWindow(p *types.Policy, now time.Time) bool {
	tr := p.AccessRules.Time
	loc := e.config.Location
	if tr.Timezone != "" && !e.config.UseServerLocalTime {
		l, err := e.location(tr.Timezone)
		if err != nil {
			e.logger.Warn("Skipping policy with unknown timezone",
				zap.String("policy_id", p.ID), zap.String("timezone", tr.Timezone))
			return false
		}
		loc = l
	}
	local := now.In(loc)

	if len(tr.DaysOfWeek) > 0 {
		today := int(local.Weekday())
		found := false
		for _, d := range tr.DaysOfWeek {
			if d == today {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if tr.StartTime == "" && tr.EndTime == "" {
		return true
	}
	ok, err := withinClock(tr.StartTime, tr.EndTime, local)
	if err != nil {
		e.logger.Warn("Skipping policy with bad time window", zap.String("policy_id", p.ID), zap.Error(err))
		return false
	}
	return ok
}

// withinClock reports whether t falls in the inclusive [start, end] minute
// window. Either bound may be empty. A start after end is an empty window.
func withinClock(start, end string, t time.Time) (bool, error) {
	minute := types.MinuteOfDay(t)
	lo, hi := 0, 24*60-1
	var err error
	if start != "" {
		if lo, err = types.ParseClock(start); err != nil {
			return false, err
		}
	}
	if end != "" {
		if hi, err = types.ParseClock(end); err != nil {
			return false, err
		}
	}
	return minute >= lo && minute <= hi, nil
}

// matchNetwork checks the caller origin: blocked addresses always lose,
// then the allow set (addresses and ranges) must contain the origin when
// it is non-empty
func (e *Engine) matchNetwork(p *types.Policy, origin string) bool {
	nr := p.AccessRules.Network
	addr, err := netip.ParseAddr(origin)
	if err != nil {
		// without a usable origin only an unrestricted network rule can pass
		return len(nr.AllowedIPs) == 0 && len(nr.AllowedRanges) == 0 && len(nr.BlockedIPs) == 0
	}
	addr = addr.Unmap()

	for _, s := range nr.BlockedIPs {
		if sameAddr(s, addr) {
			return false
		}
	}
	if len(nr.AllowedIPs) == 0 && len(nr.AllowedRanges) == 0 {
		return true
	}
	for _, s := range nr.AllowedIPs {
		if sameAddr(s, addr) {
			return true
		}
	}
	for _, s := range nr.AllowedRanges {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			e.logger.Warn("Ignoring malformed range", zap.String("policy_id", p.ID), zap.String("range", s))
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func sameAddr(s string, addr netip.Addr) bool {
	a, err := netip.ParseAddr(s)
	return err == nil && a.Unmap() == addr
}
