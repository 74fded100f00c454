package automation

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/nerrad567/fleetlink-core/internal/codec"
)

// Validation constants.
const (
	maxIDLength       = 64
	maxNameLength     = 100
	maxParameterKeys  = 20
	maxConditionDepth = 8
	maxTimeoutSeconds = 3600
	idPattern         = `^[A-Za-z0-9][A-Za-z0-9_.-]*$`
)

var idRegex = regexp.MustCompile(idPattern)

// Validate checks a rule and compiles its schedule and templates. A rule
// must pass Validate before the engine evaluates it.
func Validate(r *Rule) error {
	if r == nil {
		return ErrInvalidRule
	}
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if err := ValidateName(r.Name); err != nil {
		return err
	}

	c := &compiled{}
	if err := validateTrigger(r.Trigger, c); err != nil {
		return err
	}
	if r.Condition != nil {
		if err := validateCondition(*r.Condition, 1); err != nil {
			return err
		}
	}
	if err := validateAction(r.Action, c); err != nil {
		return err
	}
	if r.Trigger.Kind == TriggerSchedule && r.Trigger.DeviceID == "" && r.Action.DeviceID == "" {
		return fmt.Errorf("%w: schedule rule without a trigger device needs an action device_id", ErrInvalidRule)
	}
	r.compiled = c
	return nil
}

// ValidateID checks that a rule ID is usable in URLs and log lines.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidRule)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidRule, maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: id must be alphanumeric with . _ -", ErrInvalidRule)
	}
	return nil
}

// ValidateName checks if a rule name is valid.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidRule)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRule, maxNameLength)
	}
	return nil
}

func validDeviceRef(id string) bool {
	return id == "" || id == Wildcard || codec.ValidDeviceID(id)
}

func validateTrigger(t Trigger, c *compiled) error {
	if !validDeviceRef(t.DeviceID) {
		return fmt.Errorf("%w: trigger device_id %q is invalid", ErrInvalidRule, t.DeviceID)
	}
	switch t.Kind {
	case TriggerMetricChange, TriggerDeviceOffline:
		if t.Schedule != "" {
			return fmt.Errorf("%w: schedule is only valid for schedule triggers", ErrInvalidRule)
		}
	case TriggerSchedule:
		if t.Schedule == "" {
			return fmt.Errorf("%w: schedule trigger needs a cron expression", ErrInvalidRule)
		}
		sched, err := cron.ParseStandard(t.Schedule)
		if err != nil {
			return fmt.Errorf("%w: schedule %q: %w", ErrInvalidRule, t.Schedule, err)
		}
		c.schedule = sched
	default:
		return fmt.Errorf("%w: trigger kind %q is invalid", ErrInvalidRule, string(t.Kind))
	}
	return nil
}

func validateCondition(c Condition, depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("%w: nested deeper than %d", ErrInvalidCondition, maxConditionDepth)
	}
	if c.DeviceID != "" && !codec.ValidDeviceID(c.DeviceID) {
		return fmt.Errorf("%w: device_id %q is invalid", ErrInvalidCondition, c.DeviceID)
	}

	switch c.Kind {
	case CondAlways, CondOnline, CondOffline:
		return nil

	case CondMetric:
		if c.Metric == "" {
			return fmt.Errorf("%w: metric is required", ErrInvalidCondition)
		}
		hasBound := c.Operator != "" || c.Bound != nil
		hasRange := c.Min != nil || c.Max != nil
		switch {
		case hasBound && hasRange:
			return fmt.Errorf("%w: use operator/bound or min/max, not both", ErrInvalidCondition)
		case hasBound:
			if c.Bound == nil {
				return fmt.Errorf("%w: operator needs a bound", ErrInvalidCondition)
			}
			if _, err := c.Operator.Compare(0, 0); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidCondition, err)
			}
			if !finite(*c.Bound) {
				return fmt.Errorf("%w: bound must be finite", ErrInvalidCondition)
			}
		case hasRange:
			if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
				return fmt.Errorf("%w: min exceeds max", ErrInvalidCondition)
			}
		default:
			return fmt.Errorf("%w: metric condition needs operator/bound or min/max", ErrInvalidCondition)
		}
		return nil

	case CondStatusEquals:
		if c.Key == "" {
			return fmt.Errorf("%w: key is required", ErrInvalidCondition)
		}
		return nil

	case CondAll, CondAny, CondNot:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%w: %s needs at least one condition", ErrInvalidCondition, c.Kind)
		}
		if c.Kind == CondNot && len(c.Conditions) != 1 {
			return fmt.Errorf("%w: not takes exactly one condition", ErrInvalidCondition)
		}
		var errs []error
		for i, sub := range c.Conditions {
			if err := validateCondition(sub, depth+1); err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", c.Kind, i, err))
			}
		}
		return errors.Join(errs...)

	default:
		return fmt.Errorf("%w: kind %q is invalid", ErrInvalidCondition, string(c.Kind))
	}
}

func validateAction(a Action, c *compiled) error {
	var err error
	if a.DeviceID != "" {
		if c.device, err = parseTemplate("device_id", a.DeviceID); err != nil {
			return err
		}
	}

	switch a.Kind {
	case ActionCommand:
		if strings.TrimSpace(a.Action) == "" {
			return fmt.Errorf("%w: action is required", ErrInvalidAction)
		}
		if len(a.Params) > maxParameterKeys {
			return fmt.Errorf("%w: params exceeds %d keys", ErrInvalidAction, maxParameterKeys)
		}
		if a.TimeoutSeconds < 0 || a.TimeoutSeconds > maxTimeoutSeconds {
			return fmt.Errorf("%w: timeout_seconds must be 0-%d", ErrInvalidAction, maxTimeoutSeconds)
		}
		c.params = make(map[string]*template.Template)
		for k, v := range a.Params {
			if codec.IsReservedParam(k) {
				return fmt.Errorf("%w: param %q is reserved", ErrInvalidAction, k)
			}
			if s, ok := v.(string); ok {
				if c.params[k], err = parseTemplate("params."+k, s); err != nil {
					return err
				}
			}
		}

	case ActionAlert:
		if a.Level == "" {
			return fmt.Errorf("%w: level is required", ErrInvalidAction)
		}
		if codec.LevelRank(a.Level) == 0 {
			return fmt.Errorf("%w: level %q is invalid", ErrInvalidAction, a.Level)
		}
		if a.Message != "" {
			if c.message, err = parseTemplate("message", a.Message); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("%w: kind %q is invalid", ErrInvalidAction, string(a.Kind))
	}
	return nil
}

func parseTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s template: %w", ErrInvalidAction, name, err)
	}
	return tmpl, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// GenerateID creates a new rule ID.
func GenerateID() string {
	return uuid.New().String()
}
