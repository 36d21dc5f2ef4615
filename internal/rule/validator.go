package rule

import (
	"errors"
	"fmt"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// Validate checks a rule before it is written to a store
func Validate(r *types.Rule) error {
	if r == nil {
		return fmt.Errorf("%w: rule cannot be nil", ErrInvalid)
	}

	var errs []error
	if r.Name == "" {
		errs = append(errs, errors.New("rule name is required"))
	}
	if r.OrganizationID == "" {
		errs = append(errs, errors.New("rule organizationId is required"))
	}
	if !r.Action.Type.IsValid() {
		errs = append(errs, fmt.Errorf("invalid action type %q", r.Action.Type))
	}
	if op := r.Conditions.Data.Operation; op != "" && !op.IsValid() {
		errs = append(errs, fmt.Errorf("invalid data operation %q", op))
	}
	if r.Conditions.Data.Column == "" && !r.Conditions.Data.Value.IsZero() {
		errs = append(errs, errors.New("data value condition requires a column"))
	}
	errs = append(errs, validateTime(r.Conditions.Time)...)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalid, r.Name, err)
	}
	return nil
}

func validateTime(tc types.TimeCondition) []error {
	var errs []error

	var start, end string
	if tc.StartDate != "" {
		if _, err := types.ParseDate(tc.StartDate, nil); err != nil {
			errs = append(errs, err)
		} else {
			start = tc.StartDate
		}
	}
	if tc.EndDate != "" {
		if _, err := types.ParseDate(tc.EndDate, nil); err != nil {
			errs = append(errs, err)
		} else {
			end = tc.EndDate
		}
	}
	// ISO dates order lexically
	if start != "" && end != "" && start > end {
		errs = append(errs, fmt.Errorf("startDate %s is after endDate %s", start, end))
	}

	if span := tc.TimeOfDay; span != nil {
		lo, errLo := types.ParseClock(span.Start)
		if errLo != nil {
			errs = append(errs, errLo)
		}
		hi, errHi := types.ParseClock(span.End)
		if errHi != nil {
			errs = append(errs, errHi)
		}
		if errLo == nil && errHi == nil && lo > hi {
			errs = append(errs, fmt.Errorf("timeOfDay start %s is after end %s", span.Start, span.End))
		}
	}
	return errs
}
