package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateContext checks a security context before evaluation
func ValidateContext(sc *SecurityContext) error {
	if sc == nil {
		return errors.New("security context is required")
	}
	return structError("security context", validate.Struct(sc))
}

// ValidateOperation checks a requested operation before evaluation
func ValidateOperation(op *Operation) error {
	if op == nil {
		return errors.New("operation is required")
	}
	return structError("operation", validate.Struct(op))
}

// structError flattens validator output into one descriptive error
func structError(subject string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid %s: %w", subject, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value()))
		case "ip":
			msgs = append(msgs, fmt.Sprintf("%s must be an IP address, got %q", fe.Field(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid %s: %s", subject, strings.Join(msgs, "; "))
}
