package automation

import (
	"errors"
	"fmt"
)

// Domain errors for the automation package.
//
//	if errors.Is(err, automation.ErrRuleNotFound) {
//	    // handle not found case
//	}
var (
	// ErrRuleNotFound is returned when a rule ID does not exist.
	ErrRuleNotFound = errors.New("automation: rule not found")

	// ErrInvalidRule is returned when rule validation fails.
	ErrInvalidRule = errors.New("automation: invalid rule")

	// ErrInvalidCondition is returned when a condition tree is malformed.
	ErrInvalidCondition = errors.New("automation: invalid condition")

	// ErrInvalidAction is returned when a rule action is malformed.
	ErrInvalidAction = errors.New("automation: invalid action")

	// ErrActionFailed wraps a failure to resolve or submit an action.
	ErrActionFailed = errors.New("automation: action failed")
)

// RuleError reports a failure confined to one rule and target device.
type RuleError struct {
	RuleID   string
	DeviceID string
	Err      error
}

func (e *RuleError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("automation rule %s: %v", e.RuleID, e.Err)
	}
	return fmt.Sprintf("automation rule %s on %s: %v", e.RuleID, e.DeviceID, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}
