package alert

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRule is returned when a rule fails validation.
	ErrInvalidRule = errors.New("alert: invalid rule")

	// ErrEvaluation wraps failures while evaluating a single rule.
	ErrEvaluation = errors.New("alert: evaluation failed")
)

// RuleError reports a failure confined to one rule and device. Other
// rules keep evaluating.
type RuleError struct {
	RuleID   string
	DeviceID string
	Err      error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("alert rule %s on %s: %v", e.RuleID, e.DeviceID, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}
